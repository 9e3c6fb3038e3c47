// Package regalloc implements a linear-scan register allocator.
//
// The allocator lays a finalized lir.Method out as a single stream of
// RefPositions (see build.go), walks it once in location order assigning
// registers and spilling where demand exceeds supply, then resolves the
// result: per-reference assignments, spill slot counts and the moves that
// reconcile block exit and entry locations across every edge.
package regalloc

import (
	"fmt"
	"log/slog"

	"github.com/raymyers/ralph-lsra/pkg/blockseq"
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// LinearScan holds all allocation state for one method. An instance is
// used once and never shared.
type LinearScan struct {
	m      *lir.Method
	tgt    *target.Target
	opts   Options
	log    *slog.Logger
	policy allocPolicy
	seq    *blockseq.Sequence

	refs      []RefPosition
	intervals []intervalState
	regs      []registerRecord

	blockFirst, blockLast []int // ref index range of each block
	endLoc                int
	liveOutSomewhere      []bool // by var index

	curLoc   int
	curBlock lir.BlockID

	// Deferred frees: regsToFree are released when the location advances;
	// delayRegsToFree one location later.
	regsToFree      target.RegMask
	delayRegsToFree target.RegMask
	// Registers referenced at the current (next) location.
	regsInUseThisLocation target.RegMask
	regsInUseNextLocation target.RegMask
	// Registers pinned by FixedReg references at the current location.
	fixedThisLocation target.RegMask

	blockIn, blockOut []VarMap
	visited           []bool
	moves             []Move
	stats             Stats
}

// Allocate runs the allocator on a method. The method is finalized first
// if needed; edge resolution may add blocks to it. Internal consistency
// failures are returned wrapped around ErrInternal.
func Allocate(m *lir.Method, opts Options) (res *Result, err error) {
	if !m.Finalized() {
		if err := m.Finalize(); err != nil {
			return nil, err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*InternalError)
			if !ok {
				panic(r)
			}
			res, err = nil, fmt.Errorf("allocate %s: %w", m.Name, ie)
		}
	}()
	a := NewLinearScan(m, opts)
	res = a.Run()
	if opts.Verify {
		if err := Verify(res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// NewLinearScan prepares an allocator for a finalized method: it sequences
// the blocks and builds the reference stream.
func NewLinearScan(m *lir.Method, opts Options) *LinearScan {
	tgt := m.Target
	if opts.Stress.Has(StressLimitRegs) {
		tgt = tgt.Limit(opts.regLimit())
	}
	a := &LinearScan{
		m:        m,
		tgt:      tgt,
		opts:     opts,
		log:      opts.logger().With("method", m.Name),
		policy:   policyFor(opts.Mode),
		curBlock: lir.NoBlock,
	}
	a.seq = blockseq.Compute(m, a.policy.optimizeOrder(m, opts))

	a.intervals = make([]intervalState, len(m.Intervals))
	for i, iv := range m.Intervals {
		a.intervals[i] = intervalState{
			iv:        iv,
			reg:       target.RegNone,
			prevReg:   target.RegNone,
			firstRef:  noRef,
			lastRef:   noRef,
			recentRef: noRef,
			upper:     lir.NoInterval,
		}
	}
	for _, iv := range m.Intervals {
		if iv.Kind == lir.UpperVector {
			a.intervals[iv.UpperOf].upper = iv.ID
		}
	}
	a.regs = make([]registerRecord, tgt.NumRegs())
	for i := range a.regs {
		a.regs[i] = registerRecord{
			reg:       target.RegNum(i),
			assigned:  lir.NoInterval,
			previous:  lir.NoInterval,
			recentRef: noRef,
		}
	}
	a.liveOutSomewhere = make([]bool, m.NumVars())
	for _, b := range m.Blocks {
		for _, id := range b.LiveOut.AppendTo(nil) {
			a.liveOutSomewhere[m.Intervals[id].VarIndex] = true
		}
	}
	a.buildRefs()
	a.blockIn = make([]VarMap, len(m.Blocks))
	a.blockOut = make([]VarMap, len(m.Blocks))
	a.visited = make([]bool, len(m.Blocks))
	return a
}

// Run performs allocation and resolution.
func (a *LinearScan) Run() *Result {
	a.log.Debug("allocate", "policy", a.policy.name(), "refs", len(a.refs), "blocks", a.seq.Len())
	for i := range a.refs {
		rp := &a.refs[i]
		a.advanceTo(rp.Location)
		switch rp.Kind {
		case lir.BlockBoundary:
			a.processBlockBoundary(i)
		case lir.Kill:
			a.processKill(i)
		case lir.KillGCRefs:
			a.processKillGCRefs(i)
		case lir.FixedReg:
			a.processFixedReg(i)
		case lir.UpperVectorSave:
			a.processUpperSave(i)
		case lir.UpperVectorRestore:
			a.processUpperRestore(i)
		default:
			a.processIntervalRef(i)
		}
	}
	a.advanceTo(a.endLoc)
	if a.curBlock != lir.NoBlock {
		a.finishBlock(a.curBlock)
	}

	res := a.newResult()
	a.resolveLocal(res)
	a.resolveEdges(res)
	res.Stats = a.stats
	return res
}

func (a *LinearScan) internalError(format string, args ...any) {
	panic(&InternalError{Method: a.m.Name, Location: a.curLoc, Msg: fmt.Sprintf(format, args...)})
}

// advanceTo moves to a new location and performs the frees that were
// deferred until the previous location finished.
func (a *LinearScan) advanceTo(loc int) {
	if loc <= a.curLoc {
		return
	}
	a.freeRegs(a.regsToFree)
	if loc > a.curLoc+1 {
		a.freeRegs(a.delayRegsToFree)
		a.regsToFree = 0
		a.regsInUseThisLocation = 0
	} else {
		a.regsToFree = a.delayRegsToFree
		a.regsInUseThisLocation = a.regsInUseNextLocation
	}
	a.delayRegsToFree = 0
	a.regsInUseNextLocation = 0
	a.fixedThisLocation = 0
	a.curLoc = loc
}

// freeRegs deactivates the occupants of a set of registers. The inactive
// association is kept so the register can be preferred again.
func (a *LinearScan) freeRegs(mask target.RegMask) {
	mask.ForEach(func(r target.RegNum) {
		if st := a.occupant(r); st != nil {
			st.isActive = false
			a.log.Debug("free", "loc", a.curLoc, "interval", st.iv.Name, "reg", a.tgt.RegName(r))
		}
	})
}

func (a *LinearScan) processIntervalRef(i int) {
	rp := &a.refs[i]
	st := &a.intervals[rp.Interval]
	if rp.Consecutive > 1 {
		a.assignConsecutive(i)
	}
	switch {
	case rp.Kind == lir.DummyDef || rp.Kind == lir.ExposedUse:
		a.processPlaceholder(i, st)
	case rp.Kind.IsUse():
		a.processUse(i, st)
	default:
		a.processDef(i, st)
	}
	st.recentRef = i
	a.policy.afterRef(a, st, i)
}

// processPlaceholder keeps a live-in value where it already is; it never
// pulls the value into a register.
func (a *LinearScan) processPlaceholder(i int, st *intervalState) {
	rp := &a.refs[i]
	if st.isActive && rp.Mask.Has(st.reg) {
		a.useReg(i, st, st.reg)
		return
	}
	if !st.isConst() {
		st.stackValid = true
	}
	rp.Reg = target.RegStack
	rp.Flags |= FlagStack
}

func (a *LinearScan) processUse(i int, st *intervalState) {
	rp := &a.refs[i]
	switch {
	case st.isActive && rp.Mask.Has(st.reg):
		a.useReg(i, st, st.reg)
	case st.isActive:
		a.copyOrMove(i, st)
	default:
		reg := a.allocateReg(i, st, 0)
		if reg == target.RegNone {
			rp.Reg = target.RegStack
			rp.Flags |= FlagStack
			a.stats.StackRefs++
			a.log.Debug("use on stack", "loc", rp.Location, "interval", st.iv.Name)
			return
		}
		reuse := a.holdsConst(reg, st)
		a.assign(st, reg)
		if reuse {
			rp.Flags |= FlagConstReuse
		} else {
			rp.Flags |= FlagReload
			a.stats.Reloads++
		}
		a.useReg(i, st, reg)
	}
}

// copyOrMove serves a use whose interval sits in a register outside the
// reference's mask. A dying value moves to the new register; otherwise it
// is copied for this reference only.
func (a *LinearScan) copyOrMove(i int, st *intervalState) {
	rp := &a.refs[i]
	home := st.reg
	a.regsInUseThisLocation = a.regsInUseThisLocation.With(home)
	// the value is already in a register; a copy beats a trip through memory
	rp.Flags &^= FlagRegOptional
	reg := a.allocateReg(i, st, home.Mask())
	if reg == target.RegNone {
		a.internalError("no register to copy %s into for %s", st.iv.Name, a.tgt.MaskString(rp.Mask))
	}
	if rp.Flags.Has(FlagLastUse) && !rp.Flags.Has(FlagDelayFree) {
		a.assign(st, reg)
		rp.Flags |= FlagMoveReg
		a.stats.Moves++
	} else {
		if rec := &a.regs[reg]; rec.assigned != lir.NoInterval {
			a.unassign(&a.intervals[rec.assigned])
		}
		rp.Flags |= FlagCopyReg
		a.stats.Copies++
	}
	a.useReg(i, st, reg)
}

// useReg records that reg serves reference i and schedules frees.
func (a *LinearScan) useReg(i int, st *intervalState, reg target.RegNum) {
	rp := &a.refs[i]
	rp.Reg = reg
	rp.Home = st.reg
	a.regs[reg].recentRef = i
	a.regsInUseThisLocation = a.regsInUseThisLocation.With(reg)
	if rp.Flags.Has(FlagDelayFree) {
		a.regsInUseNextLocation = a.regsInUseNextLocation.With(reg)
	}
	if rp.Flags.Has(FlagLastUse) {
		if rp.Flags.Has(FlagDelayFree) {
			a.delayRegsToFree = a.delayRegsToFree.With(st.reg)
		} else {
			a.regsToFree = a.regsToFree.With(st.reg)
		}
	}
	a.log.Debug("use", "loc", rp.Location, "interval", st.iv.Name, "reg", a.tgt.RegName(reg), "flags", rp.Flags.String())
}

func (a *LinearScan) processDef(i int, st *intervalState) {
	rp := &a.refs[i]
	if st.isActive && !rp.Mask.Has(st.reg) {
		// the old value dies here
		a.unassign(st)
	}
	reg := st.reg
	if !st.isActive {
		reg = a.allocateReg(i, st, 0)
		if reg == target.RegNone {
			a.unassign(st)
			rp.Reg = target.RegStack
			rp.Flags |= FlagStack
			st.stackValid = true
			a.stats.StackRefs++
			a.log.Debug("def on stack", "loc", rp.Location, "interval", st.iv.Name)
			return
		}
		if a.holdsConst(reg, st) {
			rp.Flags |= FlagConstReuse
		}
		a.assign(st, reg)
	}
	rp.Reg = reg
	rp.Home = reg
	a.regs[reg].recentRef = i
	a.regsInUseThisLocation = a.regsInUseThisLocation.With(reg)
	st.stackValid = false
	if st.iv.WriteThru {
		rp.Flags |= FlagWriteThru | FlagSpillAfter
		st.stackValid = true
	}
	if rp.Flags.Has(FlagLastUse) {
		a.regsToFree = a.regsToFree.With(reg)
	}
	a.log.Debug("def", "loc", rp.Location, "interval", st.iv.Name, "reg", a.tgt.RegName(reg), "flags", rp.Flags.String())
}

// holdsConst reports whether reg still holds the value of constant st,
// either through st's own inactive association or an equal constant.
func (a *LinearScan) holdsConst(reg target.RegNum, st *intervalState) bool {
	if !st.isConst() {
		return false
	}
	owner := a.regs[reg].assigned
	if owner == lir.NoInterval {
		return false
	}
	o := &a.intervals[owner]
	return o.isConst() && o.reg == reg && o.iv.ConstValue == st.iv.ConstValue &&
		o.iv.Class.Bank() == st.iv.Class.Bank()
}
