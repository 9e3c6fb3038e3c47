package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

type spillCandidate struct {
	reg      target.RegNum
	st       *intervalState
	weight   float64
	next     int
	optional bool
	// dead means the register's contents are never read again.
	dead bool
}

// selectSpill picks the register to evict for selection s, or nil. Only
// registers not referenced at this location qualify, and their occupant
// must either be dead or not needed again before the def phase of this
// node. Dead occupants win outright; among live ones the cheapest wins,
// then the one needed farthest in the future, then one whose next
// reference can live in memory anyway, then the lowest register.
func (a *LinearScan) selectSpill(s *selection) *spillCandidate {
	var cands []spillCandidate
	s.candidates.ForEach(func(r target.RegNum) {
		if a.regsInUseThisLocation.Has(r) || a.fixedThisLocation.Has(r) {
			return
		}
		st := a.occupant(r)
		if st == nil {
			return
		}
		next, nrp := a.nextUseLoc(st)
		dead := a.isDead(st, nrp)
		if !dead && next <= a.curLoc|1 {
			return
		}
		cands = append(cands, spillCandidate{
			reg:      r,
			st:       st,
			weight:   a.spillWeight(st),
			next:     next,
			optional: nrp != nil && nrp.Flags.Has(FlagRegOptional),
			dead:     dead,
		})
	})
	if len(cands) == 0 {
		return nil
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if betterVictim(c, best) {
			best = c
		}
	}
	a.log.Debug("spill choice", "loc", a.curLoc, "for", s.st.iv.Name,
		"victim", best.st.iv.Name, "reg", a.tgt.RegName(best.reg), "weight", best.weight, "dead", best.dead)
	return &best
}

func betterVictim(c, best spillCandidate) bool {
	if c.dead != best.dead {
		return c.dead
	}
	if c.weight != best.weight {
		return c.weight < best.weight
	}
	if c.next != best.next {
		return c.next > best.next
	}
	if c.optional != best.optional {
		return c.optional
	}
	return c.reg < best.reg
}

// isDead reports whether the value st holds will never be read: its next
// reference is a def in the current block, or it has no reference left in
// the block and does not leave it.
func (a *LinearScan) isDead(st *intervalState, next *RefPosition) bool {
	if st.iv.Kind == lir.UpperVector || a.curBlock == lir.NoBlock {
		return false
	}
	if next != nil && next.Block == a.curBlock {
		return next.Kind.IsDef()
	}
	return !(st.iv.IsVar() && a.m.Blocks[a.curBlock].LiveOut.Has(int(st.id())))
}

func (a *LinearScan) isDeadNow(st *intervalState) bool {
	_, next := a.nextUseLoc(st)
	return a.isDead(st, next)
}

// dropDead releases the register of an interval whose value is dead. No
// store is needed.
func (a *LinearScan) dropDead(st *intervalState) {
	r := st.reg
	if st.upper != lir.NoInterval {
		a.releaseUpper(&a.intervals[st.upper])
	}
	a.unassign(st)
	a.stats.DeadDrops++
	a.log.Debug("drop dead", "loc", a.curLoc, "interval", st.iv.Name, "reg", a.tgt.RegName(r))
}
