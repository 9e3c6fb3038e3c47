package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/blockseq"
	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// Stats counts allocation events.
type Stats struct {
	Spills          int // stores of a value to its stack home
	Reloads         int
	Copies          int
	Moves           int // uses that moved their interval to a new register
	StackRefs       int // references served from memory
	Swaps           int
	ResolutionMoves int
	EdgeBlocks      int
	UpperSaves      int
	OptionalOnStack int
	DeadDrops       int // registers reclaimed from dead values without a store
	Heuristics      [NumHeuristics]int
}

// Result is the outcome of allocating one method.
type Result struct {
	Method   *lir.Method
	Target   *target.Target
	Sequence *blockseq.Sequence

	// Refs is the full reference stream with Reg, Home and the resolution
	// flags filled in.
	Refs        []RefPosition
	Assignments []Assignment
	// SpillSlots is the number of temp spill slots each class needs.
	SpillSlots [target.NumClasses]int

	BlockIn, BlockOut []VarMap
	Edges             []EdgeResolution
	// Moves holds every inserted move: edge resolution, EH stores and
	// spills of live-in vars, grouped by host block and placement.
	Moves []Move
	Stats Stats
}

func (a *LinearScan) newResult() *Result {
	return &Result{
		Method:   a.m,
		Target:   a.tgt,
		Sequence: a.seq,
		Refs:     a.refs,
		BlockIn:  a.blockIn,
		BlockOut: a.blockOut,
	}
}

// MovesAt returns the moves hosted by a block at one placement, in
// execution order.
func (r *Result) MovesAt(b lir.BlockID, at Placement) []Move {
	var out []Move
	for _, mv := range r.Moves {
		if mv.Block == b && mv.At == at {
			out = append(out, mv)
		}
	}
	return out
}

// AssignmentsOf returns the assignments of one interval in stream order.
func (r *Result) AssignmentsOf(id lir.IntervalID) []Assignment {
	var out []Assignment
	for _, as := range r.Assignments {
		if as.Interval == id {
			out = append(out, as)
		}
	}
	return out
}

// GCRefLocation is where a live GC-ref var sits at a block boundary.
type GCRefLocation struct {
	Var  lir.IntervalID
	Name string
	Reg  target.RegNum
}

// GCRefLocations lists the live GC-ref vars of a block and their
// locations at entry or exit, for the garbage collector's tables.
func (r *Result) GCRefLocations(b lir.BlockID, atEntry bool) []GCRefLocation {
	blk := r.Method.Blocks[b]
	live, vm := &blk.LiveOut, r.BlockOut[b]
	if atEntry {
		live, vm = &blk.LiveIn, r.BlockIn[b]
	}
	var out []GCRefLocation
	for _, id := range live.AppendTo(nil) {
		iv := r.Method.Intervals[id]
		if !iv.GCRef {
			continue
		}
		loc := target.RegStack
		if vm != nil {
			loc = vm[iv.VarIndex]
		}
		out = append(out, GCRefLocation{Var: iv.ID, Name: iv.Name, Reg: loc})
	}
	return out
}
