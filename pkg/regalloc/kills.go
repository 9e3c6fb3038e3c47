package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// processFixedReg pins a register at this location. An occupant that a
// reference of this node demands in exactly that register stays; any
// other occupant is spilled.
func (a *LinearScan) processFixedReg(i int) {
	rp := &a.refs[i]
	r := rp.Mask.Lowest()
	if !r.IsReg() || int(r) >= len(a.regs) {
		a.internalError("fixed reference without a register")
	}
	rec := &a.regs[r]
	rec.consumeFixed(rp.Location)
	a.fixedThisLocation = a.fixedThisLocation.With(r)
	rp.Reg = r
	rp.Home = r

	if rec.assigned == lir.NoInterval {
		return
	}
	st := &a.intervals[rec.assigned]
	if !st.isActive || st.reg != r {
		a.unassign(st)
		return
	}
	if a.wantsRegInNode(i, st.id(), r) {
		return
	}
	a.spill(st)
}

// wantsRegInNode reports whether interval id has a reference in the same
// node as ref i that requires exactly r.
func (a *LinearScan) wantsRegInNode(i int, id lir.IntervalID, r target.RegNum) bool {
	rp := &a.refs[i]
	for j := a.blockFirst[rp.Block]; j < a.blockLast[rp.Block]; j++ {
		o := &a.refs[j]
		if o.Node == rp.Node && o.Interval == id && o.Mask == r.Mask() {
			return true
		}
	}
	return false
}

// processKill clobbers a set of registers. Occupants that are already
// dead or pending release just lose their association; live ones are
// spilled.
func (a *LinearScan) processKill(i int) {
	rp := &a.refs[i]
	rp.Mask.ForEach(func(r target.RegNum) {
		if int(r) >= len(a.regs) {
			return
		}
		rec := &a.regs[r]
		rec.consumeFixed(rp.Location)
		if rec.assigned == lir.NoInterval {
			return
		}
		st := &a.intervals[rec.assigned]
		switch {
		case !st.isActive || st.reg != r:
			a.unassign(st)
		case a.regsToFree.Has(r):
			st.isActive = false
			a.unassign(st)
		case a.isDeadNow(st):
			a.dropDead(st)
		default:
			a.log.Debug("kill", "loc", rp.Location, "reg", a.tgt.RegName(r), "interval", st.iv.Name)
			a.spill(st)
		}
	})
}

// processKillGCRefs evicts every live GC reference from the killed set.
func (a *LinearScan) processKillGCRefs(i int) {
	rp := &a.refs[i]
	rp.Mask.ForEach(func(r target.RegNum) {
		if int(r) >= len(a.regs) || a.regsToFree.Has(r) {
			return
		}
		if st := a.occupant(r); st != nil && st.iv.GCRef {
			a.spill(st)
		}
	})
}
