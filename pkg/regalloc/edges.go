package regalloc

import (
	"sort"

	"github.com/raymyers/ralph-lsra/pkg/blockseq"
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// resolveEdges reconciles every edge's predecessor exit map with the
// successor entry map. Moves go at the bottom of a predecessor whose
// out-edges all need the same moves, at the bottom of a predecessor with a
// single successor, at the top of a successor with a single predecessor,
// and otherwise into a new block on the edge. Bottom moves run after the
// block's last node, so they start from its exit map.
func (a *LinearScan) resolveEdges(res *Result) {
	var edgeMoves []Move
	order := append([]lir.BlockID(nil), a.seq.Order()...)
	for _, p := range order {
		succs := append([]lir.BlockID(nil), a.seq.Successors(p)...)
		if len(succs) == 0 {
			continue
		}
		kinds := make([]blockseq.EdgeKind, len(succs))
		needs := make([][]varMove, len(succs))
		for k, s := range succs {
			kinds[k] = a.seq.EdgeKind(p, s)
			needs[k] = a.edgeNeeds(p, s)
		}

		if canShare(needs) {
			temps := a.scratchRegs(append([]lir.BlockID{p}, succs...)...)
			mvs := a.scheduleMoves(needs[0], temps, p, PlaceBottom)
			edgeMoves = append(edgeMoves, mvs...)
			for _, s := range succs {
				res.Edges = append(res.Edges, EdgeResolution{
					From: p, To: s, Kind: ResolvedShared, Host: p, At: PlaceBottom, Shared: true, Moves: mvs,
				})
			}
			a.log.Debug("resolve shared", "block", a.m.Blocks[p].Name, "moves", len(mvs))
			continue
		}

		for k, s := range succs {
			er := EdgeResolution{From: p, To: s, Kind: ResolvedNone, Host: lir.NoBlock}
			if len(needs[k]) == 0 {
				res.Edges = append(res.Edges, er)
				continue
			}
			switch kinds[k] {
			case blockseq.EdgeSimple, blockseq.EdgeJoin:
				er.Kind, er.Host, er.At = ResolvedJoin, p, PlaceBottom
				er.Moves = a.scheduleMoves(needs[k], a.scratchRegs(p, s), p, PlaceBottom)
			case blockseq.EdgeSplit:
				er.Kind, er.Host, er.At = ResolvedSplit, s, PlaceTop
				er.Moves = a.scheduleMoves(needs[k], a.scratchRegs(p, s), s, PlaceTop)
			default:
				nb := a.splitEdge(p, s)
				er.Kind, er.Host, er.At = ResolvedCritical, nb, PlaceTop
				er.Moves = a.scheduleMoves(needs[k], a.scratchRegs(p, s), nb, PlaceTop)
			}
			edgeMoves = append(edgeMoves, er.Moves...)
			res.Edges = append(res.Edges, er)
			a.log.Debug("resolve edge", "from", a.m.Blocks[p].Name, "to", a.m.Blocks[s].Name,
				"kind", er.Kind.String(), "moves", len(er.Moves))
		}
	}
	a.stats.ResolutionMoves += len(edgeMoves)

	res.Moves = a.orderMoves(append(append([]Move(nil), a.moves...), edgeMoves...))
	res.BlockIn, res.BlockOut = a.blockIn, a.blockOut
	res.Sequence = a.seq
}

// edgeNeeds lists the transfers edge p -> s needs, by var. A
// write-through var already has a valid stack copy.
func (a *LinearScan) edgeNeeds(p, s lir.BlockID) []varMove {
	out, in := a.blockOut[p], a.blockIn[s]
	var needs []varMove
	for _, id := range a.m.Blocks[s].LiveIn.AppendTo(nil) {
		iv := a.m.Intervals[id]
		from, to := target.RegStack, target.RegStack
		if out != nil && out[iv.VarIndex] != target.RegNone {
			from = out[iv.VarIndex]
		}
		if in != nil && in[iv.VarIndex] != target.RegNone {
			to = in[iv.VarIndex]
		}
		if from == to || (to == target.RegStack && iv.WriteThru) {
			continue
		}
		needs = append(needs, varMove{v: lir.IntervalID(id), from: from, to: to})
	}
	return needs
}

// canShare reports whether every out-edge needs the same non-empty set of
// moves.
func canShare(needs [][]varMove) bool {
	if len(needs) < 2 || len(needs[0]) == 0 {
		return false
	}
	for _, n := range needs[1:] {
		if len(n) != len(needs[0]) {
			return false
		}
		for k := range n {
			if n[k] != needs[0][k] {
				return false
			}
		}
	}
	return true
}

// scratchRegs picks, per bank, a register free on the edge: not holding a
// var at the exit of the first block or the entry of the others.
func (a *LinearScan) scratchRegs(blocks ...lir.BlockID) [target.NumClasses]target.RegNum {
	var busy target.RegMask
	for k, b := range blocks {
		vm := a.blockIn[b]
		if k == 0 {
			vm = a.blockOut[b]
		}
		for _, r := range vm {
			if r.IsReg() {
				busy = busy.With(r)
			}
		}
	}
	var temps [target.NumClasses]target.RegNum
	for c := range temps {
		temps[c] = target.RegNone
		if free := a.tgt.Legal(target.RegClass(c)) &^ busy; free != 0 {
			temps[c] = free.Lowest()
		}
	}
	return temps
}

// splitEdge inserts a block on a critical edge. Like any block hosting
// moves at its top, its entry map describes the state after those moves,
// which is the successor's entry state.
func (a *LinearScan) splitEdge(p, s lir.BlockID) lir.BlockID {
	nb := a.m.SplitEdge(p, s)
	a.seq.InsertAfter(p, nb)
	vm := newVarMap(a.m.NumVars())
	for _, id := range nb.LiveIn.AppendTo(nil) {
		vi := a.m.Intervals[id].VarIndex
		vm[vi] = a.blockIn[s][vi]
	}
	a.blockIn = append(a.blockIn, vm)
	a.blockOut = append(a.blockOut, vm.clone())
	a.visited = append(a.visited, true)
	a.stats.EdgeBlocks++
	a.log.Debug("split edge", "block", nb.Name)
	return nb.ID
}

// orderMoves groups moves by host block in sequence order. At the top of
// a block edge moves precede spill stores, which read the entry state; at
// the bottom exception stores precede edge moves.
func (a *LinearScan) orderMoves(moves []Move) []Move {
	rank := func(mv Move) int {
		if mv.At == PlaceTop {
			if mv.Reason == ReasonEdge {
				return 0
			}
			return 1
		}
		if mv.Reason == ReasonEdge {
			return 3
		}
		return 2
	}
	sort.SliceStable(moves, func(i, j int) bool {
		pi, pj := a.seq.Position(moves[i].Block), a.seq.Position(moves[j].Block)
		if pi != pj {
			return pi < pj
		}
		return rank(moves[i]) < rank(moves[j])
	})
	return moves
}
