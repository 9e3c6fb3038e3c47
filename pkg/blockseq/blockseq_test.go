package blockseq

import (
	"testing"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// build creates a method whose block i has the given successors.
func build(t *testing.T, succs [][]lir.BlockID) *lir.Method {
	t.Helper()
	m := lir.NewMethod("cfg", target.X64())
	for i := range succs {
		m.AddBlock(blockName(i), 1)
	}
	for i, ss := range succs {
		for _, s := range ss {
			m.Blocks[i].AddSucc(s)
		}
	}
	if err := m.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return m
}

func blockName(i int) string {
	return "B" + string(rune('0'+i))
}

func sameOrder(got, want []lir.BlockID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestComputeStraightLine(t *testing.T) {
	m := build(t, [][]lir.BlockID{{1}, {2}, {}})
	s := Compute(m, true)
	if want := []lir.BlockID{0, 1, 2}; !sameOrder(s.Order(), want) {
		t.Errorf("Order = %v, want %v", s.Order(), want)
	}
	for _, id := range s.Order() {
		if s.IsCritical(id, id) {
			t.Errorf("no edge of B%d is critical", id)
		}
	}
}

func TestComputePredecessorsFirst(t *testing.T) {
	// B0 -> B2, B0 -> B1 -> B2: B2 must come after B1.
	m := build(t, [][]lir.BlockID{{2, 1}, {2}, {}})
	s := Compute(m, true)
	if !s.Before(1, 2) {
		t.Errorf("B1 should precede B2, order %v", s.Order())
	}
	if s.Position(0) != 0 {
		t.Errorf("entry position = %d, want 0", s.Position(0))
	}
}

func TestComputeLoopContiguous(t *testing.T) {
	// B0 -> B1 (header) -> B2 -> B3 -> B1, B1 -> B4 (exit)
	m := build(t, [][]lir.BlockID{{1}, {4, 2}, {3}, {1}, {}})
	s := Compute(m, true)
	pos := map[lir.BlockID]int{}
	for i, id := range s.Order() {
		pos[id] = i
	}
	if pos[2] != pos[1]+1 || pos[3] != pos[1]+2 {
		t.Errorf("loop body should follow its header, order %v", s.Order())
	}
	if pos[4] < pos[3] {
		t.Errorf("loop exit should follow the body, order %v", s.Order())
	}
	if !s.Info(1).LoopHeader {
		t.Error("B1 should be a loop header")
	}
	if s.Info(3).LoopDepth != 1 || s.Info(4).LoopDepth != 0 {
		t.Errorf("loop depths B3=%d B4=%d, want 1 and 0", s.Info(3).LoopDepth, s.Info(4).LoopDepth)
	}
}

func TestComputeProgramOrder(t *testing.T) {
	m := build(t, [][]lir.BlockID{{2}, {}, {1}})
	s := Compute(m, false)
	if want := []lir.BlockID{0, 1, 2}; !sameOrder(s.Order(), want) {
		t.Errorf("Order = %v, want %v", s.Order(), want)
	}
	s = Compute(m, true)
	if want := []lir.BlockID{0, 2, 1}; !sameOrder(s.Order(), want) {
		t.Errorf("optimized Order = %v, want %v", s.Order(), want)
	}
}

func TestComputeUnreachableAppended(t *testing.T) {
	m := build(t, [][]lir.BlockID{{2}, {2}, {}})
	s := Compute(m, true)
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if s.At(2) != 1 {
		t.Errorf("unreachable block should be last, order %v", s.Order())
	}
	if s.Info(1).Reachable {
		t.Error("B1 is unreachable")
	}
}

func TestEdgeKinds(t *testing.T) {
	// B0 -> {B1, B2}; B1 -> B2; B2 -> B3
	m := build(t, [][]lir.BlockID{{1, 2}, {2}, {3}, {}})
	s := Compute(m, true)
	tests := []struct {
		from, to lir.BlockID
		want     EdgeKind
	}{
		{0, 1, EdgeSplit},
		{0, 2, EdgeCritical},
		{1, 2, EdgeJoin},
		{2, 3, EdgeSimple},
	}
	for _, tt := range tests {
		if got := s.EdgeKind(tt.from, tt.to); got != tt.want {
			t.Errorf("EdgeKind(B%d, B%d) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
	if !s.Info(0).CriticalOut || !s.Info(2).CriticalIn {
		t.Error("critical flags not recorded")
	}
}

func TestDuplicateSuccessors(t *testing.T) {
	// a switch with two cases to the same target is one edge
	m := build(t, [][]lir.BlockID{{1, 1}, {}})
	s := Compute(m, true)
	if got := len(s.Successors(0)); got != 1 {
		t.Errorf("unique successors = %d, want 1", got)
	}
	if s.EdgeKind(0, 1) != EdgeSimple {
		t.Errorf("EdgeKind = %s, want simple", s.EdgeKind(0, 1))
	}
}

func TestInsertAfter(t *testing.T) {
	m := build(t, [][]lir.BlockID{{1, 2}, {2}, {}})
	s := Compute(m, true)
	nb := m.SplitEdge(0, 2)
	s.InsertAfter(0, nb)
	if s.Len() != 4 {
		t.Fatalf("Len = %d, want 4", s.Len())
	}
	if s.At(1) != nb.ID {
		t.Errorf("split block at %d, want position 1 (order %v)", s.Position(nb.ID), s.Order())
	}
	if s.IsCritical(0, nb.ID) || s.IsCritical(nb.ID, 2) {
		t.Error("split edges should not be critical")
	}
	if s.Info(0).CriticalOut {
		t.Error("B0 has no critical out-edge after splitting")
	}
	for i, id := range s.Order() {
		if s.Position(id) != i {
			t.Errorf("Position(B%d) = %d, want %d", id, s.Position(id), i)
		}
	}
}
