package regalloc

import (
	"strings"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// RefFlags annotate a RefPosition before and after allocation.
type RefFlags uint16

const (
	FlagLastUse RefFlags = 1 << iota
	FlagDelayFree
	FlagFixedReg // the candidate mask is a single register
	// FlagCopyReg: the value was copied into Reg for this reference only;
	// the interval stays in Home.
	FlagCopyReg
	// FlagMoveReg: the value was moved into Reg, which becomes its home.
	FlagMoveReg
	// FlagReload: load the value from its stack home before the reference.
	FlagReload
	// FlagSpillAfter: store the value to its stack home at this reference.
	FlagSpillAfter
	FlagWriteThru
	FlagRegOptional
	FlagInternal
	// FlagStack: the reference is served from memory, Reg is RegStack.
	FlagStack
	// FlagConstReuse: the constant was already in Reg; no materialization.
	FlagConstReuse
)

var refFlagNames = []struct {
	f    RefFlags
	name string
}{
	{FlagLastUse, "last"},
	{FlagDelayFree, "delay"},
	{FlagFixedReg, "fixed"},
	{FlagCopyReg, "copy"},
	{FlagMoveReg, "move"},
	{FlagReload, "reload"},
	{FlagSpillAfter, "spill"},
	{FlagWriteThru, "wt"},
	{FlagRegOptional, "opt"},
	{FlagInternal, "internal"},
	{FlagStack, "stack"},
	{FlagConstReuse, "reuse"},
}

func (f RefFlags) Has(flag RefFlags) bool {
	return f&flag != 0
}

func (f RefFlags) String() string {
	var parts []string
	for _, n := range refFlagNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// RefPosition is one element of the global reference stream. RefPositions
// live in one slice and are addressed by index; NextRef chains the
// references of one interval.
type RefPosition struct {
	Kind     lir.RefKind
	Interval lir.IntervalID
	Location int
	Block    lir.BlockID
	Node     int // index into the block's nodes, -1 for a block boundary

	// Mask holds the legal candidates (or the killed set).
	Mask  target.RegMask
	Flags RefFlags

	// Reg is the register serving this reference, RegStack when the
	// reference is served from memory, RegNone when nothing was needed.
	Reg target.RegNum
	// Home is the interval's register after this reference. It differs
	// from Reg only for copies.
	Home target.RegNum

	NextRef     int
	Consecutive int
}

// IsIntervalRef reports whether the position refers to an interval.
func (rp *RefPosition) IsIntervalRef() bool {
	return rp.Interval != lir.NoInterval
}

// needsLocation reports whether totality applies to the position.
func (rp *RefPosition) needsLocation() bool {
	return rp.Kind.IsDef() || rp.Kind.IsUse()
}

// VarMap maps a var's dense index to its location: a register, RegStack,
// or RegNone when the var is not live.
type VarMap []target.RegNum

func newVarMap(n int) VarMap {
	vm := make(VarMap, n)
	for i := range vm {
		vm[i] = target.RegNone
	}
	return vm
}

func (vm VarMap) clone() VarMap {
	return append(VarMap(nil), vm...)
}

// Equal reports whether two maps agree on every var.
func (vm VarMap) Equal(other VarMap) bool {
	if len(vm) != len(other) {
		return false
	}
	for i := range vm {
		if vm[i] != other[i] {
			return false
		}
	}
	return true
}

// Assignment is the committed location of one def or use, as the code
// generator consumes it.
type Assignment struct {
	Ref        int
	Interval   lir.IntervalID
	Block      lir.BlockID
	Node       int
	Kind       lir.RefKind
	Reg        target.RegNum // register or RegStack
	Home       target.RegNum
	Reload     bool
	Spill      bool
	Copy       bool
	Move       bool
	WriteThru  bool
	ConstReuse bool
}

// MoveKind is the shape of a resolution move.
type MoveKind uint8

const (
	MoveRegToReg MoveKind = iota
	MoveStore             // register to stack home
	MoveLoad              // stack home to register
	MoveSwap              // exchange two registers
)

var moveKindNames = [...]string{"mov", "store", "load", "swap"}

func (k MoveKind) String() string {
	return moveKindNames[k]
}

// Placement says where in its host block a move goes.
type Placement uint8

const (
	PlaceTop Placement = iota
	PlaceBottom
)

func (p Placement) String() string {
	if p == PlaceBottom {
		return "bottom"
	}
	return "top"
}

// MoveReason records why a move exists.
type MoveReason uint8

const (
	// ReasonEdge reconciles a predecessor's exit map with a successor's
	// entry map.
	ReasonEdge MoveReason = iota
	// ReasonEHStore writes vars back to the stack on an exception boundary.
	ReasonEHStore
	// ReasonSpill stores a live-in var spilled before its first reference
	// in the block.
	ReasonSpill
)

// Move is one inserted data movement.
type Move struct {
	Kind  MoveKind
	Var   lir.IntervalID
	Other lir.IntervalID // the second var of a swap
	From  target.RegNum
	To    target.RegNum
	// Block hosts the move at the given placement.
	Block  lir.BlockID
	At     Placement
	Reason MoveReason
	// Temp is set on moves that go through a scratch register to break a
	// cycle.
	Temp bool
}

// EdgeResolution is the outcome for one control-flow edge.
type EdgeResolution struct {
	From, To lir.BlockID
	Kind     EdgeKindResolved
	// Host is the block holding the moves, NoBlock when none were needed.
	Host   lir.BlockID
	At     Placement
	Shared bool // moves are shared by every out-edge of From
	Moves  []Move
}

// EdgeKindResolved is where an edge's moves ended up.
type EdgeKindResolved uint8

const (
	ResolvedNone EdgeKindResolved = iota
	ResolvedJoin                  // bottom of the predecessor
	ResolvedSplit                 // top of the successor
	ResolvedCritical              // synthesized block
	ResolvedShared                // bottom of the predecessor, all out-edges
)

var resolvedNames = [...]string{"none", "join", "split", "critical", "shared"}

func (k EdgeKindResolved) String() string {
	return resolvedNames[k]
}
