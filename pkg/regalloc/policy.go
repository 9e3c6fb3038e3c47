package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// allocPolicy is what differs between the full and minimal strategies.
type allocPolicy interface {
	name() string
	// optimizeOrder decides whether blocks are sequenced loop-aware.
	optimizeOrder(m *lir.Method, opts Options) bool
	// entryMap proposes entry locations for a block's live-in vars; nil
	// means everything on the stack.
	entryMap(a *LinearScan, b *lir.Block) VarMap
	exitMap(a *LinearScan, b *lir.Block) VarMap
	// afterRef runs once an interval reference has its location.
	afterRef(a *LinearScan, st *intervalState, i int)
}

func policyFor(mode Mode) allocPolicy {
	if mode == ModeMinimal {
		return minimalPolicy{}
	}
	return fullPolicy{}
}

type fullPolicy struct{}

func (fullPolicy) name() string { return "full" }

func (fullPolicy) optimizeOrder(m *lir.Method, opts Options) bool {
	return m.Optimize && !opts.NoOptimize
}

func (fullPolicy) entryMap(a *LinearScan, b *lir.Block) VarMap {
	if b.ID == a.m.Entry().ID || b.EntersOnStack() || a.opts.Stress.Has(StressEntryOnStack) {
		return nil
	}
	p := a.selectPredecessor(b)
	if p == lir.NoBlock {
		return nil
	}
	a.log.Debug("inherit", "block", b.Name, "from", a.m.Blocks[p].Name)
	return a.blockOut[p]
}

func (fullPolicy) exitMap(a *LinearScan, b *lir.Block) VarMap {
	out := newVarMap(a.m.NumVars())
	for _, id := range b.LiveOut.AppendTo(nil) {
		st := &a.intervals[id]
		if st.isActive && st.reg.IsReg() {
			out[st.iv.VarIndex] = st.reg
		} else {
			out[st.iv.VarIndex] = target.RegStack
		}
	}
	return out
}

func (fullPolicy) afterRef(*LinearScan, *intervalState, int) {}

// minimalPolicy keeps every var in memory between references: blocks
// enter and leave with all vars on the stack, a def is stored right away
// and every register is released after its reference.
type minimalPolicy struct{}

func (minimalPolicy) name() string { return "minimal" }

func (minimalPolicy) optimizeOrder(*lir.Method, Options) bool { return false }

func (minimalPolicy) entryMap(*LinearScan, *lir.Block) VarMap { return nil }

func (minimalPolicy) exitMap(a *LinearScan, b *lir.Block) VarMap {
	out := newVarMap(a.m.NumVars())
	for _, id := range b.LiveOut.AppendTo(nil) {
		out[a.m.Intervals[id].VarIndex] = target.RegStack
	}
	return out
}

func (minimalPolicy) afterRef(a *LinearScan, st *intervalState, i int) {
	rp := &a.refs[i]
	if !st.iv.IsVar() || !rp.Reg.IsReg() {
		return
	}
	if rp.Kind.IsDef() && !rp.Flags.Has(FlagSpillAfter) {
		rp.Flags |= FlagSpillAfter
		a.stats.Spills++
	}
	st.stackValid = true
	if rp.Flags.Has(FlagDelayFree) {
		a.delayRegsToFree = a.delayRegsToFree.With(st.reg)
	} else {
		a.regsToFree = a.regsToFree.With(st.reg)
	}
}
