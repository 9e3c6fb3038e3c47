package regalloc

import (
	"sort"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// Each block gets a BlockBoundary at an even location L; its nodes follow
// at L+2, L+4, ... and each node occupies two locations: the use phase at
// its even location and the def phase one past it. Within a phase the
// references are ordered by rank so that the execution-order contract
// holds: internal defs, uses, internal uses, kills, defs.
const (
	phaseUse = 0
	phaseDef = 1
)

// refOrder returns the phase and the rank inside the phase of a reference.
func refOrder(r lir.Ref, iv *lir.Interval) (phase, rank int) {
	internal := r.Flags.Has(lir.InternalRef) || (iv != nil && iv.Kind == lir.Internal)
	switch r.Kind {
	case lir.UpperVectorRestore:
		return phaseUse, 0
	case lir.FixedReg:
		if r.Flags.Has(lir.AtDef) {
			return phaseDef, 3
		}
		return phaseUse, 1
	case lir.Use, lir.ExposedUse:
		if internal {
			return phaseUse, 4
		}
		return phaseUse, 3
	case lir.UpperVectorSave:
		return phaseDef, 0
	case lir.Kill:
		return phaseDef, 1
	case lir.KillGCRefs:
		return phaseDef, 2
	}
	// defs
	if internal {
		return phaseUse, 2
	}
	return phaseDef, 4
}

// buildRefs lays the method out as one stream of RefPositions in sequence
// order and links every interval's references.
func (a *LinearScan) buildRefs() {
	m := a.m
	last := make([]int, len(m.Intervals))
	for i := range last {
		last[i] = noRef
	}
	a.blockFirst = make([]int, len(m.Blocks))
	a.blockLast = make([]int, len(m.Blocks))

	type ranked struct {
		ref         lir.Ref
		phase, rank int
	}

	loc := 0
	for _, bid := range a.seq.Order() {
		b := m.Blocks[bid]
		a.blockFirst[bid] = len(a.refs)
		a.appendRef(last, RefPosition{
			Kind:     lir.BlockBoundary,
			Interval: lir.NoInterval,
			Location: loc,
			Block:    bid,
			Node:     -1,
			Reg:      target.RegNone,
			Home:     target.RegNone,
			NextRef:  noRef,
		})
		loc += 2
		for ni, n := range b.Nodes {
			items := make([]ranked, len(n.Refs))
			for i, r := range n.Refs {
				var iv *lir.Interval
				if r.Interval != lir.NoInterval {
					iv = m.Intervals[r.Interval]
				}
				ph, rk := refOrder(r, iv)
				items[i] = ranked{r, ph, rk}
			}
			sort.SliceStable(items, func(i, j int) bool {
				if items[i].phase != items[j].phase {
					return items[i].phase < items[j].phase
				}
				return items[i].rank < items[j].rank
			})
			for _, it := range items {
				a.appendRef(last, a.newRefPosition(it.ref, loc+it.phase, bid, ni))
			}
			loc += 2
		}
		a.blockLast[bid] = len(a.refs)
		a.markLastUses(b)
	}
	a.endLoc = loc

	for i := range a.refs {
		rp := &a.refs[i]
		if rp.Kind == lir.FixedReg || rp.Kind == lir.Kill {
			rp.Mask.ForEach(func(r target.RegNum) {
				if int(r) < len(a.regs) {
					a.regs[r].fixedLocs = append(a.regs[r].fixedLocs, rp.Location)
				}
			})
		}
	}
}

func (a *LinearScan) newRefPosition(r lir.Ref, loc int, b lir.BlockID, node int) RefPosition {
	rp := RefPosition{
		Kind:        r.Kind,
		Interval:    r.Interval,
		Location:    loc,
		Block:       b,
		Node:        node,
		Mask:        r.Mask,
		Reg:         target.RegNone,
		Home:        target.RegNone,
		NextRef:     noRef,
		Consecutive: r.Consecutive,
	}
	if r.Flags.Has(lir.LastUse) {
		rp.Flags |= FlagLastUse
	}
	if r.Flags.Has(lir.DelayFree) {
		rp.Flags |= FlagDelayFree
	}
	if r.Flags.Has(lir.RegOptional) {
		rp.Flags |= FlagRegOptional
	}
	if r.Flags.Has(lir.InternalRef) {
		rp.Flags |= FlagInternal
	}
	switch r.Kind {
	case lir.FixedReg:
		rp.Flags |= FlagFixedReg
	case lir.DummyDef, lir.ExposedUse:
		rp.Flags |= FlagRegOptional
	}
	if r.Interval != lir.NoInterval {
		iv := a.m.Intervals[r.Interval]
		if iv.Kind == lir.Internal {
			rp.Flags |= FlagInternal
		}
		// Limited register files only narrow flexible masks; a single
		// fixed register is an ABI requirement.
		if !rp.Mask.IsSingle() {
			if lim := rp.Mask & a.tgt.Legal(iv.Class); lim != 0 {
				rp.Mask = lim
			} else {
				rp.Mask = a.tgt.Legal(iv.Class)
			}
		}
		if rp.Mask.IsSingle() {
			rp.Flags |= FlagFixedReg
		}
	}
	return rp
}

func (a *LinearScan) appendRef(last []int, rp RefPosition) {
	idx := len(a.refs)
	a.refs = append(a.refs, rp)
	if rp.Interval == lir.NoInterval {
		return
	}
	st := &a.intervals[rp.Interval]
	if prev := last[rp.Interval]; prev != noRef {
		a.refs[prev].NextRef = idx
	} else {
		st.firstRef = idx
	}
	last[rp.Interval] = idx
	st.lastRef = idx
	if rp.Kind.IsDef() || rp.Kind.IsUse() {
		st.weight += a.m.Blocks[rp.Block].Weight
	}
}

// markLastUses flags the final reference of every interval in the block
// unless the interval is a var that stays live out of it, and every use
// whose value is redefined before it is read again. Upper-vector
// companions are freed by their restore instead.
func (a *LinearScan) markLastUses(b *lir.Block) {
	seen := make(map[lir.IntervalID]bool)
	for i := a.blockLast[b.ID] - 1; i >= a.blockFirst[b.ID]; i-- {
		rp := &a.refs[i]
		if !rp.IsIntervalRef() {
			continue
		}
		iv := a.m.Intervals[rp.Interval]
		if iv.Kind == lir.UpperVector {
			continue
		}
		if seen[rp.Interval] {
			if a.redefinedAfter(rp) {
				rp.Flags |= FlagLastUse
			}
			continue
		}
		seen[rp.Interval] = true
		if iv.IsVar() && b.LiveOut.Has(int(iv.ID)) {
			continue
		}
		rp.Flags |= FlagLastUse
	}
}

// redefinedAfter reports whether use rp is followed, in its own block, by
// a def of the same interval. A delay-freed use keeps its register through
// its node's defs, so a redefinition in that node does not end it.
func (a *LinearScan) redefinedAfter(rp *RefPosition) bool {
	if !rp.Kind.IsUse() || rp.NextRef == noRef {
		return false
	}
	next := &a.refs[rp.NextRef]
	if next.Block != rp.Block || !next.Kind.IsDef() {
		return false
	}
	return !rp.Flags.Has(FlagDelayFree) || next.Node != rp.Node
}
