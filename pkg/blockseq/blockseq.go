// Package blockseq computes the order in which the allocator visits basic
// blocks and classifies control-flow edges for resolution.
package blockseq

import (
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"golang.org/x/tools/container/intsets"
)

// EdgeKind says where corrective moves for an edge can be placed.
type EdgeKind uint8

const (
	// EdgeSimple: the source has one successor and the target one
	// predecessor; either end may host moves.
	EdgeSimple EdgeKind = iota
	// EdgeJoin: the target has other predecessors, so moves go at the
	// bottom of the source.
	EdgeJoin
	// EdgeSplit: the source has other successors, so moves go at the top
	// of the target.
	EdgeSplit
	// EdgeCritical: neither end is safe; the edge needs its own block.
	EdgeCritical
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeSimple:
		return "simple"
	case EdgeJoin:
		return "join"
	case EdgeSplit:
		return "split"
	case EdgeCritical:
		return "critical"
	}
	return "edge?"
}

// BlockInfo is what the sequencer records about one block.
type BlockInfo struct {
	Position    int
	Weight      float64
	Reachable   bool
	LoopHeader  bool
	LoopDepth   int
	EHIn        bool // vars enter on the stack
	EHOut       bool // vars must leave on the stack
	CriticalIn  bool
	CriticalOut bool
}

// Sequence is a traversal order covering every block exactly once.
type Sequence struct {
	m     *lir.Method
	order []lir.BlockID
	info  []BlockInfo
	succs [][]lir.BlockID // unique successors
	preds [][]lir.BlockID // unique predecessors
}

// Compute orders the blocks of a finalized method. With optimize set the
// order is a loop-aware reverse postorder from the entry: every block comes
// after its forward predecessors and each natural loop is laid out
// contiguously from its header. Otherwise blocks keep program order.
// Unreachable blocks are appended at the end.
func Compute(m *lir.Method, optimize bool) *Sequence {
	s := &Sequence{m: m}
	s.collectEdges()
	s.info = make([]BlockInfo, len(m.Blocks))

	reach, rpo, headers := s.depthFirst()
	if optimize {
		s.order = s.loopOrder(rpo, headers)
	} else {
		for _, b := range m.Blocks {
			if reach[b.ID] {
				s.order = append(s.order, b.ID)
			}
		}
	}
	for _, b := range m.Blocks {
		if !reach[b.ID] {
			s.order = append(s.order, b.ID)
		}
	}
	for i, id := range s.order {
		s.fillInfo(id, i, reach[id])
	}
	for h, body := range headers {
		s.info[h].LoopHeader = true
		for _, id := range body.AppendTo(nil) {
			s.info[id].LoopDepth++
		}
	}
	return s
}

func (s *Sequence) collectEdges() {
	n := len(s.m.Blocks)
	s.succs = make([][]lir.BlockID, n)
	s.preds = make([][]lir.BlockID, n)
	for _, b := range s.m.Blocks {
		s.succs[b.ID] = uniqueBlocks(b.Succs)
		s.preds[b.ID] = uniqueBlocks(b.Preds)
	}
}

func uniqueBlocks(ids []lir.BlockID) []lir.BlockID {
	out := make([]lir.BlockID, 0, len(ids))
	for _, id := range ids {
		dup := false
		for _, seen := range out {
			if seen == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}

// depthFirst walks the CFG from the entry. It returns the reachable set,
// the reverse postorder and, for every loop header, the body of its natural
// loop(s).
func (s *Sequence) depthFirst() ([]bool, []lir.BlockID, map[lir.BlockID]*intsets.Sparse) {
	n := len(s.m.Blocks)
	visited := make([]bool, n)
	onStack := make([]bool, n)
	var postorder []lir.BlockID
	type backEdge struct{ tail, head lir.BlockID }
	var backEdges []backEdge

	var dfs func(b lir.BlockID)
	dfs = func(b lir.BlockID) {
		visited[b] = true
		onStack[b] = true
		for _, succ := range s.succs[b] {
			if onStack[succ] {
				backEdges = append(backEdges, backEdge{b, succ})
				continue
			}
			if !visited[succ] {
				dfs(succ)
			}
		}
		onStack[b] = false
		postorder = append(postorder, b)
	}
	dfs(s.m.Entry().ID)

	rpo := make([]lir.BlockID, len(postorder))
	for i, b := range postorder {
		rpo[len(postorder)-1-i] = b
	}

	headers := make(map[lir.BlockID]*intsets.Sparse)
	for _, e := range backEdges {
		body, ok := headers[e.head]
		if !ok {
			body = &intsets.Sparse{}
			body.Insert(int(e.head))
			headers[e.head] = body
		}
		// Natural loop: everything that reaches the tail without passing
		// through the header.
		work := []lir.BlockID{e.tail}
		for len(work) > 0 {
			b := work[len(work)-1]
			work = work[:len(work)-1]
			if !body.Insert(int(b)) {
				continue
			}
			for _, p := range s.preds[b] {
				if visited[p] {
					work = append(work, p)
				}
			}
		}
	}
	return visited, rpo, headers
}

// loopOrder emits rpo, pulling each loop body up behind its header.
func (s *Sequence) loopOrder(rpo []lir.BlockID, headers map[lir.BlockID]*intsets.Sparse) []lir.BlockID {
	emitted := make([]bool, len(s.m.Blocks))
	order := make([]lir.BlockID, 0, len(s.m.Blocks))
	var emit func(b lir.BlockID)
	emit = func(b lir.BlockID) {
		if emitted[b] {
			return
		}
		emitted[b] = true
		order = append(order, b)
		body, ok := headers[b]
		if !ok {
			return
		}
		for _, x := range rpo {
			if body.Has(int(x)) {
				emit(x)
			}
		}
	}
	for _, b := range rpo {
		emit(b)
	}
	return order
}

func (s *Sequence) fillInfo(id lir.BlockID, pos int, reachable bool) {
	b := s.m.Blocks[id]
	info := &s.info[id]
	info.Position = pos
	info.Weight = b.Weight
	info.Reachable = reachable
	info.EHIn = b.EntersOnStack()
	info.EHOut = b.Flags.Has(lir.EHBoundaryOut)
	s.refreshCritical(id)
}

// Order returns the block IDs in traversal order.
func (s *Sequence) Order() []lir.BlockID {
	return s.order
}

// Len returns the number of sequenced blocks.
func (s *Sequence) Len() int {
	return len(s.order)
}

// At returns the block at a position.
func (s *Sequence) At(pos int) lir.BlockID {
	return s.order[pos]
}

// Info returns the sequencer's record for a block.
func (s *Sequence) Info(b lir.BlockID) BlockInfo {
	return s.info[b]
}

// Position returns where a block sits in the order.
func (s *Sequence) Position(b lir.BlockID) int {
	return s.info[b].Position
}

// Before reports whether a is visited before b.
func (s *Sequence) Before(a, b lir.BlockID) bool {
	return s.info[a].Position < s.info[b].Position
}

// Successors returns the unique successors of b in edge order.
func (s *Sequence) Successors(b lir.BlockID) []lir.BlockID {
	return s.succs[b]
}

// Predecessors returns the unique predecessors of b.
func (s *Sequence) Predecessors(b lir.BlockID) []lir.BlockID {
	return s.preds[b]
}

// IsCritical reports whether from -> to is a critical edge.
func (s *Sequence) IsCritical(from, to lir.BlockID) bool {
	return len(s.succs[from]) > 1 && len(s.preds[to]) > 1
}

// EdgeKind classifies the edge from -> to.
func (s *Sequence) EdgeKind(from, to lir.BlockID) EdgeKind {
	multiSucc := len(s.succs[from]) > 1
	multiPred := len(s.preds[to]) > 1
	switch {
	case multiSucc && multiPred:
		return EdgeCritical
	case multiSucc:
		return EdgeSplit
	case multiPred:
		return EdgeJoin
	}
	return EdgeSimple
}

// InsertAfter places a block created by edge splitting right after an
// existing block and refreshes the edge tables of its neighbours. The new
// block must have exactly one predecessor and one successor.
func (s *Sequence) InsertAfter(after lir.BlockID, nb *lir.Block) {
	pos := s.info[after].Position + 1
	s.order = append(s.order, 0)
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = nb.ID

	s.succs = append(s.succs, uniqueBlocks(nb.Succs))
	s.preds = append(s.preds, uniqueBlocks(nb.Preds))
	for _, p := range nb.Preds {
		s.succs[p] = uniqueBlocks(s.m.Blocks[p].Succs)
	}
	for _, q := range nb.Succs {
		s.preds[q] = uniqueBlocks(s.m.Blocks[q].Preds)
	}

	s.info = append(s.info, BlockInfo{})
	for i := pos; i < len(s.order); i++ {
		s.info[s.order[i]].Position = i
	}
	info := &s.info[nb.ID]
	info.Weight = nb.Weight
	info.Reachable = true
	if len(nb.Preds) > 0 {
		info.LoopDepth = s.info[nb.Preds[0]].LoopDepth
	}
	for _, id := range append(append([]lir.BlockID{}, nb.Preds...), nb.Succs...) {
		s.refreshCritical(id)
	}
}

func (s *Sequence) refreshCritical(id lir.BlockID) {
	info := &s.info[id]
	info.CriticalIn, info.CriticalOut = false, false
	for _, succ := range s.succs[id] {
		if s.IsCritical(id, succ) {
			info.CriticalOut = true
		}
	}
	for _, pred := range s.preds[id] {
		if s.IsCritical(pred, id) {
			info.CriticalIn = true
		}
	}
}
