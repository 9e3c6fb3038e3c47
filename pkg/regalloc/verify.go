package regalloc

import (
	"errors"
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// Violation is one broken allocation property found by Verify.
type Violation struct {
	Block    string
	Location int // -1 on edges
	Msg      string
}

func (v *Violation) Error() string {
	if v.Location < 0 {
		return fmt.Sprintf("%s: %s", v.Block, v.Msg)
	}
	return fmt.Sprintf("%s @%d: %s", v.Block, v.Location, v.Msg)
}

// Verify re-executes an allocation abstractly and reports every place
// where a reference would not find its value: a def or use without a legal
// location, a register read after another interval overwrote it, a reload
// from a stale stack home, a block exit that disagrees with its exit map
// and an edge whose moves do not produce the successor's entry map.
func Verify(res *Result) error {
	c := &checker{
		res:        res,
		m:          res.Method,
		tgt:        res.Target,
		contents:   make([]lir.IntervalID, res.Target.NumRegs()),
		stackValid: make([]bool, len(res.Method.Intervals)),
	}
	c.checkBlocks()
	c.checkEdges()
	if len(c.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrVerify, res.Method.Name, errors.Join(c.errs...))
}

type checker struct {
	res *Result
	m   *lir.Method
	tgt *target.Target

	contents   []lir.IntervalID // by register
	stackValid []bool           // by interval
	block      string
	errs       []error
}

func (c *checker) fail(loc int, format string, args ...any) {
	c.errs = append(c.errs, &Violation{Block: c.block, Location: loc, Msg: fmt.Sprintf(format, args...)})
}

func (c *checker) name(id lir.IntervalID) string {
	if id == lir.NoInterval {
		return "nothing"
	}
	return c.m.Intervals[id].Name
}

// reset loads a var map into the abstract machine: registers hold the
// vars mapped to them, stack-mapped vars have valid homes.
func (c *checker) reset(live []int, vm VarMap) {
	for r := range c.contents {
		c.contents[r] = lir.NoInterval
	}
	for i := range c.stackValid {
		c.stackValid[i] = false
	}
	for _, id := range live {
		iv := c.m.Intervals[id]
		loc := target.RegStack
		if vm != nil && vm[iv.VarIndex] != target.RegNone {
			loc = vm[iv.VarIndex]
		}
		if loc.IsReg() {
			c.contents[loc] = iv.ID
			c.stackValid[id] = iv.WriteThru
		} else {
			c.stackValid[id] = true
		}
	}
}

// expect checks the machine against a var map.
func (c *checker) expect(live []int, vm VarMap, loc int, what string) {
	for _, id := range live {
		iv := c.m.Intervals[id]
		want := target.RegStack
		if vm != nil && vm[iv.VarIndex] != target.RegNone {
			want = vm[iv.VarIndex]
		}
		switch {
		case want.IsReg() && c.contents[want] != iv.ID:
			c.fail(loc, "%s: %s expected in %s, found %s", what, iv.Name, c.tgt.RegName(want), c.name(c.contents[want]))
		case !want.IsReg() && !c.stackValid[id]:
			c.fail(loc, "%s: %s expected on the stack, home is stale", what, iv.Name)
		}
	}
}

func (c *checker) blockRanges() map[lir.BlockID][2]int {
	ranges := make(map[lir.BlockID][2]int)
	for i, rp := range c.res.Refs {
		r, ok := ranges[rp.Block]
		if !ok {
			r[0] = i
		}
		r[1] = i + 1
		ranges[rp.Block] = r
	}
	return ranges
}

func (c *checker) checkBlocks() {
	ranges := c.blockRanges()
	for _, bid := range c.res.Sequence.Order() {
		b := c.m.Blocks[bid]
		c.block = b.Name
		c.reset(b.LiveIn.AppendTo(nil), c.res.BlockIn[bid])
		for _, mv := range c.res.MovesAt(bid, PlaceTop) {
			if mv.Reason != ReasonEdge {
				c.applyMove(mv, -1)
			}
		}
		if r, ok := ranges[bid]; ok {
			c.checkRefs(r[0], r[1])
		}
		for _, mv := range c.res.MovesAt(bid, PlaceBottom) {
			if mv.Reason != ReasonEdge {
				c.applyMove(mv, -1)
			}
		}
		c.expect(b.LiveOut.AppendTo(nil), c.res.BlockOut[bid], -1, "exit")
	}
}

func (c *checker) checkRefs(from, to int) {
	delayed := make(map[target.RegNum]lir.IntervalID)
	node := -1
	for i := from; i < to; i++ {
		rp := &c.res.Refs[i]
		if rp.Node != node {
			node = rp.Node
			clear(delayed)
		}
		switch rp.Kind {
		case lir.BlockBoundary, lir.FixedReg, lir.UpperVectorSave, lir.UpperVectorRestore:
			continue
		case lir.Kill:
			rp.Mask.ForEach(func(r target.RegNum) {
				if int(r) < len(c.contents) {
					c.contents[r] = lir.NoInterval
				}
			})
			continue
		case lir.KillGCRefs:
			rp.Mask.ForEach(func(r target.RegNum) {
				if int(r) < len(c.contents) && c.contents[r] != lir.NoInterval && c.m.Intervals[c.contents[r]].GCRef {
					c.contents[r] = lir.NoInterval
				}
			})
			continue
		}
		iv := c.m.Intervals[rp.Interval]
		if iv.Kind == lir.UpperVector {
			continue
		}
		c.checkTotal(rp, iv)
		switch {
		case rp.Kind == lir.DummyDef || rp.Kind == lir.ExposedUse:
			if rp.Reg.IsReg() {
				c.contents[rp.Reg] = iv.ID
			} else if rp.Kind == lir.DummyDef {
				c.stackValid[iv.ID] = true
			}
			if rp.Flags.Has(FlagSpillAfter) {
				c.stackValid[iv.ID] = true
			}
		case rp.Kind.IsUse():
			c.checkUse(rp, iv, delayed)
		default:
			c.checkDef(rp, iv, delayed)
		}
	}
}

func (c *checker) checkTotal(rp *RefPosition, iv *lir.Interval) {
	switch {
	case rp.Reg == target.RegStack:
		if !rp.Flags.Has(FlagRegOptional) {
			c.fail(rp.Location, "%s %s on the stack but not register-optional", rp.Kind, iv.Name)
		}
	case !rp.Reg.IsReg():
		c.fail(rp.Location, "%s %s has no location", rp.Kind, iv.Name)
	case !rp.Mask.Has(rp.Reg):
		c.fail(rp.Location, "%s %s in %s outside %s", rp.Kind, iv.Name, c.tgt.RegName(rp.Reg), c.tgt.MaskString(rp.Mask))
	}
}

func (c *checker) checkUse(rp *RefPosition, iv *lir.Interval, delayed map[target.RegNum]lir.IntervalID) {
	isConst := iv.Kind == lir.Const
	if !rp.Reg.IsReg() {
		if rp.Reg == target.RegStack && !isConst && !c.stackValid[iv.ID] {
			c.fail(rp.Location, "use of %s reads a stale stack home", iv.Name)
		}
		return
	}
	r := rp.Reg
	switch {
	case rp.Flags.Has(FlagReload):
		if !isConst && !c.stackValid[iv.ID] {
			c.fail(rp.Location, "reload of %s from a stale stack home", iv.Name)
		}
	case rp.Flags.Has(FlagCopyReg):
		if !rp.Home.IsReg() || c.contents[rp.Home] != iv.ID {
			c.fail(rp.Location, "copy of %s from %s which holds %s", iv.Name, c.tgt.RegName(rp.Home), c.name(c.heldBy(rp.Home)))
		}
	case rp.Flags.Has(FlagMoveReg):
		if !c.inSomeReg(iv.ID) {
			c.fail(rp.Location, "move of %s which is in no register", iv.Name)
		}
	case rp.Flags.Has(FlagConstReuse):
		o := c.contents[r]
		if o == lir.NoInterval || !sameConst(c.m.Intervals[o], iv) {
			c.fail(rp.Location, "%s reuses %s which holds %s", iv.Name, c.tgt.RegName(r), c.name(o))
		}
	default:
		if c.contents[r] != iv.ID {
			c.fail(rp.Location, "use of %s in %s which holds %s", iv.Name, c.tgt.RegName(r), c.name(c.contents[r]))
		}
	}
	if rp.Flags.Has(FlagMoveReg) {
		c.forget(iv.ID)
	}
	c.contents[r] = iv.ID
	if rp.Flags.Has(FlagSpillAfter) {
		c.stackValid[iv.ID] = true
	}
	if rp.Flags.Has(FlagDelayFree) {
		delayed[r] = iv.ID
	}
}

func (c *checker) checkDef(rp *RefPosition, iv *lir.Interval, delayed map[target.RegNum]lir.IntervalID) {
	c.forget(iv.ID)
	if !rp.Reg.IsReg() {
		if rp.Reg == target.RegStack {
			c.stackValid[iv.ID] = true
		}
		return
	}
	if o, ok := delayed[rp.Reg]; ok && o != iv.ID {
		c.fail(rp.Location, "def of %s overwrites %s, which is delay-freed", iv.Name, c.name(o))
	}
	c.contents[rp.Reg] = iv.ID
	c.stackValid[iv.ID] = rp.Flags.Has(FlagSpillAfter) || rp.Flags.Has(FlagWriteThru)
}

func (c *checker) heldBy(r target.RegNum) lir.IntervalID {
	if !r.IsReg() {
		return lir.NoInterval
	}
	return c.contents[r]
}

func (c *checker) inSomeReg(id lir.IntervalID) bool {
	for _, o := range c.contents {
		if o == id {
			return true
		}
	}
	return false
}

// forget drops stale copies of an interval.
func (c *checker) forget(id lir.IntervalID) {
	for r, o := range c.contents {
		if o == id {
			c.contents[r] = lir.NoInterval
		}
	}
}

func sameConst(a, b *lir.Interval) bool {
	return a.Kind == lir.Const && b.Kind == lir.Const && a.ConstValue == b.ConstValue &&
		a.Class.Bank() == b.Class.Bank()
}

// applyMove executes one move on the abstract machine.
func (c *checker) applyMove(mv Move, loc int) {
	switch mv.Kind {
	case MoveStore:
		if c.heldBy(mv.From) != mv.Var {
			c.fail(loc, "store of %s from %s which holds %s", c.name(mv.Var), c.tgt.RegName(mv.From), c.name(c.heldBy(mv.From)))
		}
		c.stackValid[mv.Var] = true
	case MoveLoad:
		if !c.stackValid[mv.Var] {
			c.fail(loc, "load of %s from a stale stack home", c.name(mv.Var))
		}
		c.contents[mv.To] = mv.Var
	case MoveRegToReg:
		if c.heldBy(mv.From) != mv.Var {
			c.fail(loc, "move of %s from %s which holds %s", c.name(mv.Var), c.tgt.RegName(mv.From), c.name(c.heldBy(mv.From)))
		}
		c.contents[mv.To] = mv.Var
	case MoveSwap:
		if c.heldBy(mv.From) != mv.Var || c.heldBy(mv.To) != mv.Other {
			c.fail(loc, "swap of %s and %s does not match %s/%s", c.name(mv.Var), c.name(mv.Other),
				c.tgt.RegName(mv.From), c.tgt.RegName(mv.To))
		}
		c.contents[mv.From], c.contents[mv.To] = c.contents[mv.To], c.contents[mv.From]
	}
}

// checkEdges replays each edge's moves from the predecessor's exit map and
// compares the outcome with the successor's entry map.
func (c *checker) checkEdges() {
	for _, er := range c.res.Edges {
		p, s := c.m.Blocks[er.From], c.m.Blocks[er.To]
		c.block = p.Name + "->" + s.Name
		c.reset(p.LiveOut.AppendTo(nil), c.res.BlockOut[er.From])
		for _, mv := range er.Moves {
			c.applyMove(mv, -1)
		}
		c.expect(s.LiveIn.AppendTo(nil), c.res.BlockIn[er.To], -1, "entry")
	}
}
