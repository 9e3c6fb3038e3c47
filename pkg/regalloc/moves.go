package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// varMove is one var's transfer across an edge. from and to are registers
// or RegStack.
type varMove struct {
	v        lir.IntervalID
	from, to target.RegNum
}

// scheduleMoves orders a parallel assignment of var locations so that no
// register is overwritten before it has been read. Stores go first, since
// their sources may be overwritten by later moves, and loads last, since
// their destinations may still be read. Register moves are emitted once
// their destination is no longer a pending source; a cycle is broken with
// a swap, a scratch register or, failing both, a round trip through the
// stack home of one of its vars. temps holds a free scratch register per
// bank, or RegNone.
func (a *LinearScan) scheduleMoves(pending []varMove, temps [target.NumClasses]target.RegNum, host lir.BlockID, at Placement) []Move {
	var out []Move
	emit := func(mv Move) {
		mv.Block, mv.At, mv.Reason = host, at, ReasonEdge
		if mv.Kind != MoveSwap {
			mv.Other = lir.NoInterval
		}
		out = append(out, mv)
	}

	var regMoves, loads []varMove
	for _, mv := range pending {
		switch {
		case mv.from == mv.to:
		case mv.to == target.RegStack:
			emit(Move{Kind: MoveStore, Var: mv.v, From: mv.from, To: target.RegStack})
		case mv.from == target.RegStack:
			loads = append(loads, mv)
		default:
			regMoves = append(regMoves, mv)
		}
	}

	for len(regMoves) > 0 {
		progress := false
		for k := 0; k < len(regMoves); k++ {
			mv := regMoves[k]
			if readBy(regMoves, mv.to) >= 0 {
				continue
			}
			emit(Move{Kind: MoveRegToReg, Var: mv.v, From: mv.from, To: mv.to})
			regMoves = append(regMoves[:k], regMoves[k+1:]...)
			k--
			progress = true
		}
		if progress {
			continue
		}

		// Every remaining move is on a cycle. Unblock the first one.
		mv := regMoves[0]
		blocker := readBy(regMoves, mv.to)
		bank := a.tgt.BankOf(mv.to)
		switch temp := temps[bank]; {
		case a.tgt.HasSwap && bank == target.ClassInt:
			other := regMoves[blocker]
			emit(Move{Kind: MoveSwap, Var: mv.v, Other: other.v, From: mv.from, To: mv.to})
			a.stats.Swaps++
			// the value that sat in mv.to now sits in mv.from
			regMoves[blocker].from = mv.from
			regMoves = append(regMoves[:0], regMoves[1:]...)
			regMoves = dropNoops(regMoves)
		case temp.IsReg():
			other := regMoves[blocker]
			emit(Move{Kind: MoveRegToReg, Var: other.v, From: other.from, To: temp, Temp: true})
			regMoves[blocker].from = temp
		default:
			other := regMoves[blocker]
			emit(Move{Kind: MoveStore, Var: other.v, From: other.from, To: target.RegStack})
			loads = append(loads, varMove{v: other.v, from: target.RegStack, to: other.to})
			regMoves = append(regMoves[:blocker], regMoves[blocker+1:]...)
		}
	}

	for _, mv := range loads {
		emit(Move{Kind: MoveLoad, Var: mv.v, From: target.RegStack, To: mv.to})
	}
	return out
}

// readBy returns the index of the pending move reading r, or -1.
func readBy(moves []varMove, r target.RegNum) int {
	for k, mv := range moves {
		if mv.from == r {
			return k
		}
	}
	return -1
}

func dropNoops(moves []varMove) []varMove {
	out := moves[:0]
	for _, mv := range moves {
		if mv.from != mv.to {
			out = append(out, mv)
		}
	}
	return out
}
