package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// processBlockBoundary closes the block being allocated and opens the
// next one in sequence order.
func (a *LinearScan) processBlockBoundary(i int) {
	b := a.refs[i].Block
	if a.curBlock != lir.NoBlock {
		a.finishBlock(a.curBlock)
	}
	a.curBlock = b
	a.startBlock(b)
}

// finishBlock records where every live-out var sits when control leaves
// the block. Across an exception boundary every var leaves on the stack.
func (a *LinearScan) finishBlock(bid lir.BlockID) {
	b := a.m.Blocks[bid]
	if b.Flags.Has(lir.EHBoundaryOut) {
		for _, id := range b.LiveOut.AppendTo(nil) {
			st := &a.intervals[id]
			if !st.isActive {
				continue
			}
			if !st.iv.WriteThru && !st.stackValid {
				a.moves = append(a.moves, Move{
					Kind:   MoveStore,
					Var:    st.id(),
					Other:  lir.NoInterval,
					From:   st.reg,
					To:     target.RegStack,
					Block:  bid,
					At:     PlaceBottom,
					Reason: ReasonEHStore,
				})
				a.log.Debug("eh store", "block", b.Name, "interval", st.iv.Name, "reg", a.tgt.RegName(st.reg))
			}
			st.stackValid = true
			a.unassign(st)
		}
	}
	a.blockOut[bid] = a.policy.exitMap(a, b)
}

// startBlock chooses the entry locations of the block's live-in vars and
// brings the register state in line with them.
func (a *LinearScan) startBlock(bid lir.BlockID) {
	b := a.m.Blocks[bid]
	src := a.policy.entryMap(a, b)
	in := newVarMap(a.m.NumVars())
	for _, id := range b.LiveIn.AppendTo(nil) {
		vi := a.m.Intervals[id].VarIndex
		in[vi] = target.RegStack
		if src != nil && src[vi].IsReg() {
			in[vi] = src[vi]
		}
	}

	// Pending frees and in-use sets describe the previous block.
	a.regsToFree, a.delayRegsToFree = 0, 0
	a.regsInUseThisLocation, a.regsInUseNextLocation = 0, 0
	a.fixedThisLocation = 0

	for r := range a.regs {
		rec := &a.regs[r]
		if rec.assigned == lir.NoInterval {
			continue
		}
		st := &a.intervals[rec.assigned]
		switch {
		case st.iv.IsVar() && in[st.iv.VarIndex] == target.RegNum(r):
			// placed below
		case st.iv.IsVar() && !b.LiveIn.Has(int(st.id())):
			st.isActive = false
		default:
			a.unassign(st)
		}
	}
	for _, id := range b.LiveIn.AppendTo(nil) {
		st := &a.intervals[id]
		loc := in[st.iv.VarIndex]
		if loc.IsReg() {
			a.assign(st, loc)
			st.stackValid = st.iv.WriteThru
			continue
		}
		a.unassign(st)
		st.stackValid = true
	}
	for i := range a.intervals {
		if st := &a.intervals[i]; st.iv.Kind == lir.UpperVector {
			a.releaseUpper(st)
		}
	}

	a.blockIn[bid] = in
	a.visited[bid] = true
	a.log.Debug("block", "name", b.Name, "loc", a.curLoc)
}

// selectPredecessor returns the already allocated predecessor whose exit
// state the block inherits: the heaviest one (the lightest under stress),
// then one on a non-critical edge, then the earliest in sequence order.
func (a *LinearScan) selectPredecessor(b *lir.Block) lir.BlockID {
	worst := a.opts.Stress.Has(StressWorstPred)
	best := lir.NoBlock
	for _, p := range a.seq.Predecessors(b.ID) {
		if !a.visited[p] || a.blockOut[p] == nil {
			continue
		}
		if best == lir.NoBlock || a.betterPred(p, best, b.ID, worst) {
			best = p
		}
	}
	return best
}

func (a *LinearScan) betterPred(p, best, to lir.BlockID, worst bool) bool {
	pw, bw := a.m.Blocks[p].Weight, a.m.Blocks[best].Weight
	if pw != bw {
		if worst {
			return pw < bw
		}
		return pw > bw
	}
	pc, bc := a.seq.IsCritical(p, to), a.seq.IsCritical(best, to)
	if pc != bc {
		return !pc
	}
	return a.seq.Position(p) < a.seq.Position(best)
}
