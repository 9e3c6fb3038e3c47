// Package lir defines the register-demand IR the allocator consumes: a
// method is a set of basic blocks, each a list of nodes (instructions), each
// node a list of references to intervals or physical registers.
//
// The IR is produced by an interval builder that runs after lowering and
// liveness; this package only models and validates it.
package lir

import (
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/target"
	"golang.org/x/tools/container/intsets"
)

// IntervalID indexes Method.Intervals.
type IntervalID int32

// NoInterval marks references that are not tied to an interval.
const NoInterval IntervalID = -1

// BlockID indexes Method.Blocks.
type BlockID int32

// NoBlock is the zero value for "no block".
const NoBlock BlockID = -1

// IntervalKind says what kind of value an interval carries.
type IntervalKind uint8

const (
	// Var is a source-level local that is a register candidate.
	Var IntervalKind = iota
	// Temp is a compiler temporary; never live across blocks.
	Temp
	// Const is a reusable constant that can be rematerialized.
	Const
	// Internal is a scratch register an instruction needs.
	Internal
	// UpperVector is the upper half of a vector var preserved around calls.
	UpperVector
)

var intervalKindNames = [...]string{"var", "temp", "const", "internal", "upper"}

func (k IntervalKind) String() string {
	if int(k) < len(intervalKindNames) {
		return intervalKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseIntervalKind converts a kind name back to an IntervalKind.
func ParseIntervalKind(s string) (IntervalKind, error) {
	for i, n := range intervalKindNames {
		if n == s {
			return IntervalKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown interval kind %q", s)
}

// Interval is one value that may need a register over its lifetime.
type Interval struct {
	ID    IntervalID
	Name  string
	Class target.RegClass
	Kind  IntervalKind

	ConstValue int64 // valid when Kind == Const
	GCRef      bool  // holds an object reference

	Preferences target.RegMask // ranked candidates; lower ordinals first
	Aversion    target.RegMask // registers to avoid when possible

	// Related is a weak link used to propagate a preferred register along
	// def->use chains. It does not grant ownership.
	Related IntervalID

	WriteThru         bool // always has a valid stack copy
	PreferCalleeSaved bool // long-lived or live across calls

	// UpperOf is the base interval of an UpperVector interval.
	UpperOf IntervalID

	// VarIndex is the dense index of a Var interval, -1 otherwise.
	VarIndex int
}

// IsVar reports whether the interval is a tracked local variable.
func (iv *Interval) IsVar() bool {
	return iv.Kind == Var
}

// RefKind is the kind of a reference.
type RefKind uint8

const (
	Def RefKind = iota
	Use
	FixedReg
	Kill
	KillGCRefs
	ParamDef
	ZeroInit
	DummyDef
	ExposedUse
	BlockBoundary
	UpperVectorSave
	UpperVectorRestore
)

var refKindNames = [...]string{
	"def", "use", "fixed", "kill", "killgc", "paramdef", "zeroinit",
	"dummydef", "exposeduse", "bb", "uvsave", "uvrestore",
}

func (k RefKind) String() string {
	if int(k) < len(refKindNames) {
		return refKindNames[k]
	}
	return fmt.Sprintf("refkind(%d)", k)
}

// IsDef reports whether the reference writes its interval.
func (k RefKind) IsDef() bool {
	switch k {
	case Def, ParamDef, ZeroInit, DummyDef:
		return true
	}
	return false
}

// IsUse reports whether the reference reads its interval.
func (k RefKind) IsUse() bool {
	return k == Use || k == ExposedUse
}

// HasInterval reports whether references of this kind carry an interval.
func (k RefKind) HasInterval() bool {
	switch k {
	case FixedReg, Kill, KillGCRefs, BlockBoundary:
		return false
	}
	return true
}

// RefFlags are the builder-supplied flags of a reference.
type RefFlags uint16

const (
	// LastUse marks the final read of a value on this path.
	LastUse RefFlags = 1 << iota
	// DelayFree keeps a use's register busy through the def phase.
	DelayFree
	// RegOptional allows the reference to stay in memory.
	RegOptional
	// InternalRef marks a reference of an instruction's scratch register.
	InternalRef
	// AtDef places a FixedReg reference in the def phase.
	AtDef
)

func (f RefFlags) Has(flag RefFlags) bool {
	return f&flag != 0
}

// Ref is one reference inside a node.
type Ref struct {
	Kind     RefKind
	Interval IntervalID
	// Mask is the set of legal registers for interval references, the
	// register for FixedReg, and the killed set for Kill / KillGCRefs.
	// Zero means "any register of the interval's class".
	Mask  target.RegMask
	Flags RefFlags
	// Consecutive is set on the first of N references at one location that
	// need N consecutive registers.
	Consecutive int
}

// Node is one instruction's worth of references.
type Node struct {
	Name string
	Refs []Ref
}

// BlockFlags mark exception-handling boundaries.
type BlockFlags uint8

const (
	// HandlerEntry is the first block of an exception handler.
	HandlerEntry BlockFlags = 1 << iota
	// EHBoundaryIn means vars enter the block on the stack.
	EHBoundaryIn
	// EHBoundaryOut means vars must leave the block on the stack.
	EHBoundaryOut
	// Synthetic marks a block created by edge splitting.
	Synthetic
)

func (f BlockFlags) Has(flag BlockFlags) bool {
	return f&flag != 0
}

// Block is a basic block.
type Block struct {
	ID     BlockID
	Name   string
	Succs  []BlockID
	Preds  []BlockID // derived by Finalize
	Weight float64
	Flags  BlockFlags

	LiveIn  intsets.Sparse // interval IDs of live-in vars
	LiveOut intsets.Sparse // interval IDs of live-out vars

	Nodes []Node
}

// EntersOnStack reports whether every live-in var starts on the stack.
func (b *Block) EntersOnStack() bool {
	return b.Flags.Has(HandlerEntry) || b.Flags.Has(EHBoundaryIn)
}

// Method is one unit of allocation.
type Method struct {
	Name      string
	Target    *target.Target
	Blocks    []*Block // Blocks[0] is the entry
	Intervals []*Interval
	// Optimize selects loop-aware block sequencing and full allocation.
	Optimize bool

	vars      []IntervalID
	finalized bool
}

// NewMethod creates an empty method for the given target.
func NewMethod(name string, tgt *target.Target) *Method {
	return &Method{Name: name, Target: tgt, Optimize: true}
}

// NewInterval appends an interval and returns it.
func (m *Method) NewInterval(name string, class target.RegClass, kind IntervalKind) *Interval {
	iv := &Interval{
		ID:       IntervalID(len(m.Intervals)),
		Name:     name,
		Class:    class,
		Kind:     kind,
		Related:  NoInterval,
		UpperOf:  NoInterval,
		VarIndex: -1,
	}
	m.Intervals = append(m.Intervals, iv)
	m.finalized = false
	return iv
}

// AddBlock appends a block and returns it.
func (m *Method) AddBlock(name string, weight float64) *Block {
	b := &Block{ID: BlockID(len(m.Blocks)), Name: name, Weight: weight}
	m.Blocks = append(m.Blocks, b)
	m.finalized = false
	return b
}

// Block returns the block with the given ID.
func (m *Method) Block(id BlockID) *Block {
	return m.Blocks[id]
}

// Interval returns the interval with the given ID.
func (m *Method) Interval(id IntervalID) *Interval {
	return m.Intervals[id]
}

// Vars returns the IDs of Var intervals in VarIndex order.
func (m *Method) Vars() []IntervalID {
	return m.vars
}

// NumVars returns the number of tracked vars.
func (m *Method) NumVars() int {
	return len(m.vars)
}

// Entry returns the entry block.
func (m *Method) Entry() *Block {
	return m.Blocks[0]
}

// Finalized reports whether Finalize has run since the last change.
func (m *Method) Finalized() bool {
	return m.finalized
}

// Append adds a node to the block.
func (b *Block) Append(n Node) {
	b.Nodes = append(b.Nodes, n)
}

// AddSucc appends a successor edge.
func (b *Block) AddSucc(s BlockID) {
	b.Succs = append(b.Succs, s)
}
