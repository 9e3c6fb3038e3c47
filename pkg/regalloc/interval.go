package regalloc

import (
	"math"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// noRef marks an empty RefPosition index.
const noRef = -1

// maxLocation is past every real location.
const maxLocation = math.MaxInt32

// intervalState is the allocator's view of one interval.
type intervalState struct {
	iv *lir.Interval

	// reg is the register associated with the interval, RegNone if none.
	// The association survives the value dying (isActive false) until
	// another interval takes the register.
	reg      target.RegNum
	isActive bool
	// prevReg is the register most recently holding the interval.
	prevReg target.RegNum

	isSpilled  bool // spilled at least once
	isSplit    bool // lived in more than one register
	stackValid bool // the stack home holds the current value

	firstRef, lastRef, recentRef int
	weight                       float64

	// upper is the UpperVector companion of a vector var.
	upper lir.IntervalID
}

func (st *intervalState) id() lir.IntervalID {
	return st.iv.ID
}

func (st *intervalState) isConst() bool {
	return st.iv.Kind == lir.Const
}

// registerRecord is the allocator's view of one physical register.
type registerRecord struct {
	reg target.RegNum
	// assigned is a weak reference to the interval associated with the
	// register; the interval's own state decides whether it is active.
	assigned lir.IntervalID
	previous lir.IntervalID
	// recentRef is the last reference the register served.
	recentRef int

	// fixedLocs are the locations of FixedReg and Kill references to the
	// register, in stream order; fixedNext indexes the first unprocessed.
	fixedLocs []int
	fixedNext int
}

// nextFixedLoc returns the location of the register's next unprocessed
// fixed reference or kill.
func (rec *registerRecord) nextFixedLoc() int {
	if rec.fixedNext < len(rec.fixedLocs) {
		return rec.fixedLocs[rec.fixedNext]
	}
	return maxLocation
}

func (rec *registerRecord) consumeFixed(loc int) {
	for rec.fixedNext < len(rec.fixedLocs) && rec.fixedLocs[rec.fixedNext] <= loc {
		rec.fixedNext++
	}
}

// spillWeight estimates what it costs to keep the interval out of a
// register: the summed block weight of its defs and uses, halved for
// write-through values, constants, and intervals that were already split
// or spilled.
func (a *LinearScan) spillWeight(st *intervalState) float64 {
	w := st.weight
	if st.iv.WriteThru {
		w /= 2
	}
	if st.isConst() {
		w /= 2
	}
	if st.isSplit || st.isSpilled {
		w /= 2
	}
	return w
}

// occupant returns the interval actively holding r, or nil.
func (a *LinearScan) occupant(r target.RegNum) *intervalState {
	rec := &a.regs[r]
	if rec.assigned == lir.NoInterval {
		return nil
	}
	st := &a.intervals[rec.assigned]
	if !st.isActive || st.reg != r {
		return nil
	}
	return st
}

// busyRegs returns every register holding an active interval.
func (a *LinearScan) busyRegs() target.RegMask {
	var m target.RegMask
	for i := range a.regs {
		if a.occupant(target.RegNum(i)) != nil {
			m = m.With(target.RegNum(i))
		}
	}
	return m
}

// assign makes r the home of st and marks it active. Any inactive
// association r had is dropped.
func (a *LinearScan) assign(st *intervalState, r target.RegNum) {
	rec := &a.regs[r]
	if rec.assigned != lir.NoInterval && rec.assigned != st.id() {
		prev := &a.intervals[rec.assigned]
		if prev.isActive && prev.reg == r {
			a.internalError("assigning %s to %s still held by %s",
				st.iv.Name, a.tgt.RegName(r), prev.iv.Name)
		}
		a.unassign(prev)
	}
	if st.reg.IsReg() && st.reg != r {
		a.unassign(st)
	}
	if st.prevReg.IsReg() && st.prevReg != r {
		st.isSplit = true
	}
	st.reg = r
	st.prevReg = r
	st.isActive = true
	rec.assigned = st.id()
}

// unassign drops the association between st and its register.
func (a *LinearScan) unassign(st *intervalState) {
	if !st.reg.IsReg() {
		st.isActive = false
		return
	}
	rec := &a.regs[st.reg]
	if rec.assigned == st.id() {
		rec.assigned = lir.NoInterval
		rec.previous = st.id()
	}
	st.prevReg = st.reg
	st.reg = target.RegNone
	st.isActive = false
}

// spill evicts st from its register. The value is stored to its stack
// home at its most recent reference unless the stack copy is already
// current; constants are simply dropped.
func (a *LinearScan) spill(st *intervalState) {
	r := st.reg
	if !st.isConst() && !st.stackValid {
		if st.recentRef != noRef && a.refs[st.recentRef].Block == a.curBlock {
			a.refs[st.recentRef].Flags |= FlagSpillAfter
		} else {
			a.moves = append(a.moves, Move{
				Kind:   MoveStore,
				Var:    st.id(),
				Other:  lir.NoInterval,
				From:   r,
				To:     target.RegStack,
				Block:  a.curBlock,
				At:     PlaceTop,
				Reason: ReasonSpill,
			})
		}
		a.stats.Spills++
	}
	if !st.isConst() {
		st.stackValid = true
	}
	st.isSpilled = true
	if st.upper != lir.NoInterval {
		a.releaseUpper(&a.intervals[st.upper])
	}
	a.unassign(st)
	a.log.Debug("spill", "loc", a.curLoc, "interval", st.iv.Name, "reg", a.tgt.RegName(r))
}

// nextRefLoc returns the location of the reference after idx in the
// interval's chain, or maxLocation.
func (a *LinearScan) nextRefLoc(idx int) int {
	if next := a.refs[idx].NextRef; next != noRef {
		return a.refs[next].Location
	}
	return maxLocation
}

// lastLoc returns where the interval's live range ends. Vars that are
// live out of some block end at the end of the method.
func (a *LinearScan) lastLoc(st *intervalState) int {
	if st.iv.IsVar() && a.liveOutSomewhere[st.iv.VarIndex] {
		return maxLocation
	}
	if st.lastRef == noRef {
		return 0
	}
	return a.refs[st.lastRef].Location
}

// nextUseLoc returns the occupant's next reference after the current
// location, for spill selection.
func (a *LinearScan) nextUseLoc(st *intervalState) (int, *RefPosition) {
	idx := st.firstRef
	if st.recentRef != noRef {
		idx = a.refs[st.recentRef].NextRef
	}
	for idx != noRef && a.refs[idx].Location < a.curLoc {
		idx = a.refs[idx].NextRef
	}
	if idx == noRef {
		return maxLocation, nil
	}
	return a.refs[idx].Location, &a.refs[idx]
}
