package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// processUpperSave preserves the upper half of a vector var across a call
// on targets whose callee-saved float registers keep only the low half.
// The half goes to a free callee-saved register, or to the stack.
func (a *LinearScan) processUpperSave(i int) {
	rp := &a.refs[i]
	up := &a.intervals[rp.Interval]
	base := &a.intervals[up.iv.UpperOf]
	if !a.tgt.PartialVectorSave || !base.isActive || !a.tgt.IsCalleeSaved(base.reg) {
		rp.Reg = target.RegNone
		return
	}
	mask := rp.Mask & a.tgt.CalleeSaved(target.ClassFloat) &^ base.reg.Mask()
	s := a.newSelection(i, up, mask)
	if free := s.freeCandidates(); free != 0 {
		reg, h := s.choose(free)
		a.stats.Heuristics[h]++
		a.assign(up, reg)
		up.stackValid = false
		up.recentRef = i
		rp.Reg = reg
		rp.Home = reg
		a.regs[reg].recentRef = i
		a.stats.UpperSaves++
		a.log.Debug("upper save", "loc", rp.Location, "interval", base.iv.Name, "reg", a.tgt.RegName(reg))
		return
	}
	rp.Reg = target.RegStack
	rp.Flags |= FlagStack | FlagSpillAfter
	up.stackValid = true
	up.recentRef = i
	a.stats.UpperSaves++
	a.log.Debug("upper save to stack", "loc", rp.Location, "interval", base.iv.Name)
}

// processUpperRestore brings a saved upper half back after the call.
func (a *LinearScan) processUpperRestore(i int) {
	rp := &a.refs[i]
	up := &a.intervals[rp.Interval]
	switch {
	case up.isActive:
		rp.Reg = up.reg
		rp.Home = up.reg
		a.regsInUseThisLocation = a.regsInUseThisLocation.With(up.reg)
		a.regsToFree = a.regsToFree.With(up.reg)
	case up.stackValid:
		rp.Reg = target.RegStack
		rp.Flags |= FlagStack | FlagReload
		up.stackValid = false
	default:
		rp.Reg = target.RegNone
		return
	}
	up.recentRef = i
	a.log.Debug("upper restore", "loc", rp.Location, "interval", up.iv.Name, "reg", a.tgt.RegName(rp.Reg))
}

// releaseUpper forgets a saved upper half once its base left the register.
func (a *LinearScan) releaseUpper(up *intervalState) {
	if up.isActive {
		a.unassign(up)
	}
	up.stackValid = false
}
