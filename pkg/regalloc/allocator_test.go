package regalloc

import (
	"errors"
	"reflect"
	"testing"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

func synth(t *testing.T, c target.Config) *target.Target {
	t.Helper()
	tgt, err := target.Synthetic(c)
	if err != nil {
		t.Fatalf("Synthetic: %v", err)
	}
	return tgt
}

func def(iv *lir.Interval, regs ...target.RegNum) lir.Ref {
	return lir.Ref{Kind: lir.Def, Interval: iv.ID, Mask: target.MaskOf(regs...)}
}

func use(iv *lir.Interval, regs ...target.RegNum) lir.Ref {
	return lir.Ref{Kind: lir.Use, Interval: iv.ID, Mask: target.MaskOf(regs...)}
}

func optUse(iv *lir.Interval) lir.Ref {
	return lir.Ref{Kind: lir.Use, Interval: iv.ID, Flags: lir.RegOptional}
}

func kill() lir.Ref {
	return lir.Ref{Kind: lir.Kill, Interval: lir.NoInterval}
}

func node(name string, refs ...lir.Ref) lir.Node {
	return lir.Node{Name: name, Refs: refs}
}

func live(b *lir.Block, in, out []*lir.Interval) {
	for _, iv := range in {
		b.LiveIn.Insert(int(iv.ID))
	}
	for _, iv := range out {
		b.LiveOut.Insert(int(iv.ID))
	}
}

func allocate(t *testing.T, m *lir.Method, opts Options) *Result {
	t.Helper()
	opts.Verify = true
	res, err := Allocate(m, opts)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return res
}

// refOf returns the n-th reference of kind k to interval iv.
func refOf(t *testing.T, res *Result, iv *lir.Interval, k lir.RefKind, n int) *RefPosition {
	t.Helper()
	for i := range res.Refs {
		rp := &res.Refs[i]
		if rp.Interval != iv.ID || rp.Kind != k {
			continue
		}
		if n == 0 {
			return rp
		}
		n--
	}
	t.Fatalf("no %s reference of %s", k, iv.Name)
	return nil
}

func wantReg(t *testing.T, res *Result, rp *RefPosition, want string) {
	t.Helper()
	if got := res.Target.RegName(rp.Reg); got != want {
		t.Errorf("%s of %s @%d in %s, want %s", rp.Kind, res.Method.Intervals[rp.Interval].Name, rp.Location, got, want)
	}
}

// straightLine has three temps and two registers; b is the cheapest and
// gets spilled when c is defined.
func straightLine(t *testing.T) (*lir.Method, []*lir.Interval) {
	t.Helper()
	m := lir.NewMethod("straight", synth(t, target.Config{Int: 2}))
	a := m.NewInterval("a", target.ClassInt, lir.Temp)
	b := m.NewInterval("b", target.ClassInt, lir.Temp)
	c := m.NewInterval("c", target.ClassInt, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("a = 1", def(a)))
	b0.Append(node("b = 2", def(b)))
	b0.Append(node("c = 3", def(c)))
	b0.Append(node("use a c", use(a), use(c)))
	b0.Append(node("use a c", use(a), use(c)))
	b0.Append(node("ret b", use(b)))
	return m, []*lir.Interval{a, b, c}
}

func TestStraightLineSpill(t *testing.T) {
	m, ivs := straightLine(t)
	a, b, c := ivs[0], ivs[1], ivs[2]
	res := allocate(t, m, Options{})

	if res.Stats.Spills != 1 || res.Stats.Reloads != 1 {
		t.Errorf("spills=%d reloads=%d, want 1 and 1", res.Stats.Spills, res.Stats.Reloads)
	}
	bDef := refOf(t, res, b, lir.Def, 0)
	if !bDef.Flags.Has(FlagSpillAfter) {
		t.Errorf("def of b flags %q, want spill", bDef.Flags)
	}
	bUse := refOf(t, res, b, lir.Use, 0)
	if !bUse.Flags.Has(FlagReload) {
		t.Errorf("use of b flags %q, want reload", bUse.Flags)
	}
	wantReg(t, res, bUse, "r1")
	for _, iv := range []*lir.Interval{a, c} {
		for _, as := range res.AssignmentsOf(iv.ID) {
			if as.Spill || as.Reload {
				t.Errorf("%s should never touch the stack: %+v", iv.Name, as)
			}
		}
	}
	wantReg(t, res, refOf(t, res, a, lir.Def, 0), "r0")
	wantReg(t, res, refOf(t, res, c, lir.Def, 0), "r1")
	if got := res.SpillSlots[target.ClassInt]; got != 1 {
		t.Errorf("int spill slots = %d, want 1", got)
	}
}

func TestTotality(t *testing.T) {
	m, _ := straightLine(t)
	res := allocate(t, m, Options{})
	if len(res.Assignments) != 8 {
		t.Fatalf("got %d assignments, want one per def and use (8)", len(res.Assignments))
	}
	for _, as := range res.Assignments {
		rp := &res.Refs[as.Ref]
		if !as.Reg.IsReg() && !(as.Reg == target.RegStack && rp.Flags.Has(FlagRegOptional)) {
			t.Errorf("ref %d has no location", as.Ref)
		}
		if as.Reg.IsReg() && !rp.Mask.Has(as.Reg) {
			t.Errorf("ref %d in %s outside its mask", as.Ref, res.Target.RegName(as.Reg))
		}
	}
}

// criticalEdge: B0 branches to B1 and B2, B1 also reaches B2. B1 is heavier
// than B0, so B2 inherits x in the register B1 leaves it in. B1 starts
// with every var on the stack.
func criticalEdge(t *testing.T) (*lir.Method, *lir.Interval) {
	t.Helper()
	tgt := synth(t, target.Config{Int: 2})
	r1, _ := tgt.RegByName("r1")
	m := lir.NewMethod("critical", tgt)
	m.Optimize = false
	x := m.NewInterval("x", target.ClassInt, lir.Var)
	b0 := m.AddBlock("B0", 1)
	b1 := m.AddBlock("B1", 2)
	b2 := m.AddBlock("B2", 1)
	b1.Flags |= lir.EHBoundaryIn
	b0.AddSucc(b1.ID)
	b0.AddSucc(b2.ID)
	b1.AddSucc(b2.ID)

	b0.Append(node("x = 1", def(x)))
	b0.Append(node("br"))
	live(b0, nil, []*lir.Interval{x})

	b1.Append(node("x = x + 1", use(x), def(x, r1)))
	b1.Append(node("jmp"))
	live(b1, []*lir.Interval{x}, []*lir.Interval{x})

	b2.Append(node("ret x", use(x)))
	live(b2, []*lir.Interval{x}, nil)
	return m, x
}

func TestCriticalEdgeResolution(t *testing.T) {
	m, x := criticalEdge(t)
	res := allocate(t, m, Options{})

	if len(m.Blocks) != 4 {
		t.Fatalf("got %d blocks, want one synthesized", len(m.Blocks))
	}
	nb := m.Blocks[3]
	if !nb.Flags.Has(lir.Synthetic) || nb.Name != "B0->B2" {
		t.Errorf("new block %q flags %v, want synthetic B0->B2", nb.Name, nb.Flags)
	}
	if want := []lir.BlockID{0, 3, 1, 2}; !reflect.DeepEqual(res.Sequence.Order(), want) {
		t.Errorf("order = %v, want %v", res.Sequence.Order(), want)
	}
	if res.Stats.EdgeBlocks != 1 {
		t.Errorf("EdgeBlocks = %d, want 1", res.Stats.EdgeBlocks)
	}

	want := []struct {
		from, to lir.BlockID
		kind     EdgeKindResolved
		host     lir.BlockID
		moves    []MoveKind
	}{
		{0, 1, ResolvedSplit, 1, []MoveKind{MoveStore}},
		{0, 2, ResolvedCritical, 3, []MoveKind{MoveRegToReg}},
		{1, 2, ResolvedNone, lir.NoBlock, nil},
	}
	if len(res.Edges) != len(want) {
		t.Fatalf("got %d edges, want %d", len(res.Edges), len(want))
	}
	for i, w := range want {
		er := res.Edges[i]
		if er.From != w.from || er.To != w.to || er.Kind != w.kind || er.Host != w.host {
			t.Errorf("edge %d = %d->%d %s host %d, want %d->%d %s host %d",
				i, er.From, er.To, er.Kind, er.Host, w.from, w.to, w.kind, w.host)
		}
		var kinds []MoveKind
		for _, mv := range er.Moves {
			kinds = append(kinds, mv.Kind)
			if mv.Var != x.ID {
				t.Errorf("edge %d moves %d, want x", i, mv.Var)
			}
		}
		if !reflect.DeepEqual(kinds, w.moves) {
			t.Errorf("edge %d move kinds = %v, want %v", i, kinds, w.moves)
		}
	}
	if got := MoveString(res, res.Edges[1].Moves[0]); got != "mov r0 -> r1 (x)" {
		t.Errorf("critical move = %q", got)
	}
	if mvs := res.MovesAt(1, PlaceTop); len(mvs) != 1 || mvs[0].Kind != MoveStore {
		t.Errorf("B1 top moves = %+v, want the store of x", mvs)
	}
}

func TestRegOptionalLeftOnStack(t *testing.T) {
	m := lir.NewMethod("optional", synth(t, target.Config{Int: 2}))
	v := m.NewInterval("v", target.ClassInt, lir.Var)
	a := m.NewInterval("a", target.ClassInt, lir.Temp)
	b := m.NewInterval("b", target.ClassInt, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	live(b0, []*lir.Interval{v}, nil)
	b0.Append(node("a = 1", def(a)))
	b0.Append(node("b = 2", def(b)))
	b0.Append(node("cmp [v]", optUse(v)))
	b0.Append(node("add a b", use(a), use(b)))
	b0.Append(node("cmp [v]", optUse(v)))
	b0.Append(node("cmp [v]", optUse(v)))

	res := allocate(t, m, Options{})
	first := refOf(t, res, v, lir.Use, 0)
	if first.Reg != target.RegStack || !first.Flags.Has(FlagStack) {
		t.Errorf("first use of v in %s flags %q, want the stack", res.Target.RegName(first.Reg), first.Flags)
	}
	if res.Stats.Spills != 0 {
		t.Errorf("Spills = %d, want no spill forced elsewhere", res.Stats.Spills)
	}
	if res.Stats.OptionalOnStack != 1 {
		t.Errorf("OptionalOnStack = %d, want 1", res.Stats.OptionalOnStack)
	}
	wantReg(t, res, refOf(t, res, a, lir.Use, 0), "r0")
	wantReg(t, res, refOf(t, res, b, lir.Use, 0), "r1")
	if second := refOf(t, res, v, lir.Use, 1); !second.Flags.Has(FlagReload) {
		t.Errorf("second use of v flags %q, want a reload once registers free up", second.Flags)
	}
}

func TestCallKills(t *testing.T) {
	// r2 is callee-saved
	m := lir.NewMethod("call", synth(t, target.Config{Int: 3, CalleeSavedInt: 1}))
	t1 := m.NewInterval("t1", target.ClassInt, lir.Temp)
	t2 := m.NewInterval("t2", target.ClassInt, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("t1 = 1", def(t1)))
	b0.Append(node("t2 = 2", def(t2)))
	b0.Append(node("call f", kill()))
	b0.Append(node("add", use(t1), use(t2)))

	res := allocate(t, m, Options{})
	wantReg(t, res, refOf(t, res, t1, lir.Def, 0), "r2")
	wantReg(t, res, refOf(t, res, t2, lir.Def, 0), "r0")
	if d := refOf(t, res, t2, lir.Def, 0); !d.Flags.Has(FlagSpillAfter) {
		t.Errorf("t2 lives across the call in a caller-saved register, def flags %q", d.Flags)
	}
	u := refOf(t, res, t2, lir.Use, 0)
	if !u.Flags.Has(FlagReload) {
		t.Errorf("use of t2 flags %q, want reload", u.Flags)
	}
	wantReg(t, res, u, "r0")
	if res.Stats.Heuristics[HeuristicCovers] == 0 {
		t.Error("t1 should be placed by COVERS")
	}
}

func TestDeadValuesAndCallArguments(t *testing.T) {
	tests := []struct {
		name      string
		build     func(t *testing.T) *lir.Method
		spills    int
		reloads   int
		deadDrops int
	}{
		{
			// x is read once, then rebuilt from y and t while both
			// registers are taken
			name: "redefined after its last read",
			build: func(t *testing.T) *lir.Method {
				m := lir.NewMethod("reassign", synth(t, target.Config{Int: 2}))
				x := m.NewInterval("x", target.ClassInt, lir.Temp)
				y := m.NewInterval("y", target.ClassInt, lir.Temp)
				tmp := m.NewInterval("t", target.ClassInt, lir.Temp)
				b0 := m.AddBlock("B0", 1)
				b0.Append(node("x = 1", def(x)))
				b0.Append(node("use x", use(x)))
				b0.Append(node("y = 2", def(y)))
				b0.Append(node("t = 3", def(tmp)))
				b0.Append(node("x = y + t", use(y), use(tmp), def(x)))
				for range 4 {
					b0.Append(node("use x", use(x)))
				}
				b0.Append(node("use y", use(y)))
				return m
			},
		},
		{
			// the first value of x is never read
			name:      "dead def evicted without a store",
			deadDrops: 1,
			build: func(t *testing.T) *lir.Method {
				m := lir.NewMethod("deaddef", synth(t, target.Config{Int: 2}))
				x := m.NewInterval("x", target.ClassInt, lir.Temp)
				y := m.NewInterval("y", target.ClassInt, lir.Temp)
				tmp := m.NewInterval("t", target.ClassInt, lir.Temp)
				b0 := m.AddBlock("B0", 1)
				b0.Append(node("x = 1", def(x)))
				b0.Append(node("y = 2", def(y)))
				b0.Append(node("t = 3", def(tmp)))
				b0.Append(node("x = t", use(tmp), def(x)))
				b0.Append(node("use x y", use(x), use(y)))
				return m
			},
		},
		{
			// b comes back from the stack for f while a holds the only
			// callee-saved register
			name:    "reload before a kill",
			spills:  1,
			reloads: 2,
			build:   callArgs,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := allocate(t, tt.build(t), Options{})
			st := res.Stats
			if st.Spills != tt.spills || st.Reloads != tt.reloads || st.DeadDrops != tt.deadDrops {
				t.Errorf("spills=%d reloads=%d dead=%d, want %d %d %d",
					st.Spills, st.Reloads, st.DeadDrops, tt.spills, tt.reloads, tt.deadDrops)
			}
		})
	}
}

// callArgs keeps a and b live across two calls; f takes both.
func callArgs(t *testing.T) *lir.Method {
	t.Helper()
	m := lir.NewMethod("calls", synth(t, target.Config{Int: 3, CalleeSavedInt: 1}))
	a := m.NewInterval("a", target.ClassInt, lir.Temp)
	b := m.NewInterval("b", target.ClassInt, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("a = 1", def(a)))
	b0.Append(node("b = 2", def(b)))
	b0.Append(node("call g", kill()))
	b0.Append(node("call f(a, b)", use(a), use(b), kill()))
	b0.Append(node("ret a + b", use(a), use(b)))
	return m
}

func TestReloadIntoKilledRegister(t *testing.T) {
	m := callArgs(t)
	a, b := m.Intervals[0], m.Intervals[1]
	res := allocate(t, m, Options{})
	wantReg(t, res, refOf(t, res, a, lir.Def, 0), "r2")
	if d := refOf(t, res, b, lir.Def, 0); !d.Flags.Has(FlagSpillAfter) {
		t.Errorf("def of b flags %q, want a store before the first call", d.Flags)
	}
	arg := refOf(t, res, b, lir.Use, 0)
	if !arg.Flags.Has(FlagReload) {
		t.Errorf("argument use of b flags %q, want reload", arg.Flags)
	}
	wantReg(t, res, arg, "r0")
	for _, as := range res.AssignmentsOf(a.ID) {
		if as.Reload || as.Spill {
			t.Errorf("a stays in the callee-saved register: %+v", as)
		}
	}
}

// TestEdgeMovesAfterLastNode: B3 leaves x in r0, which its last node
// writes, and B2 expects it in r1. The join edge still takes the move at
// the bottom of B3.
func TestEdgeMovesAfterLastNode(t *testing.T) {
	tgt := synth(t, target.Config{Int: 2})
	r0, _ := tgt.RegByName("r0")
	r1, _ := tgt.RegByName("r1")
	m := lir.NewMethod("tail", tgt)
	m.Optimize = false
	x := m.NewInterval("x", target.ClassInt, lir.Var)
	b0 := m.AddBlock("B0", 1)
	b1 := m.AddBlock("B1", 4)
	b2 := m.AddBlock("B2", 1)
	b3 := m.AddBlock("B3", 1)
	b0.AddSucc(b1.ID)
	b0.AddSucc(b3.ID)
	b1.AddSucc(b2.ID)
	b3.AddSucc(b2.ID)

	b0.Append(node("x = 1", def(x)))
	b0.Append(node("br"))
	live(b0, nil, []*lir.Interval{x})
	b1.Append(node("x = x + 1", use(x), def(x, r1)))
	live(b1, []*lir.Interval{x}, []*lir.Interval{x})
	b3.Append(node("x = x * 2", use(x), def(x, r0)))
	live(b3, []*lir.Interval{x}, []*lir.Interval{x})
	b2.Append(node("ret x", use(x)))
	live(b2, []*lir.Interval{x}, nil)

	res := allocate(t, m, Options{})
	if res.Stats.EdgeBlocks != 0 || len(m.Blocks) != 4 {
		t.Errorf("EdgeBlocks = %d with %d blocks, want no synthesized block", res.Stats.EdgeBlocks, len(m.Blocks))
	}
	var join *EdgeResolution
	for i := range res.Edges {
		if er := &res.Edges[i]; er.From == b3.ID && er.To == b2.ID {
			join = er
		}
	}
	if join == nil {
		t.Fatal("no resolution for B3 -> B2")
	}
	if join.Kind != ResolvedJoin || join.Host != b3.ID || join.At != PlaceBottom {
		t.Errorf("B3 -> B2 resolved %s at host %d, want a join at the bottom of B3", join.Kind, join.Host)
	}
	if len(join.Moves) != 1 || MoveString(res, join.Moves[0]) != "mov r0 -> r1 (x)" {
		t.Errorf("B3 -> B2 moves = %+v, want mov r0 -> r1 (x)", join.Moves)
	}
}

func TestKillGCRefs(t *testing.T) {
	m := lir.NewMethod("gc", synth(t, target.Config{Int: 3}))
	g := m.NewInterval("g", target.ClassInt, lir.Temp)
	g.GCRef = true
	n := m.NewInterval("n", target.ClassInt, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("g = new", def(g)))
	b0.Append(node("n = 1", def(n)))
	b0.Append(node("poll", lir.Ref{Kind: lir.KillGCRefs, Interval: lir.NoInterval}))
	b0.Append(node("store", use(g), use(n)))

	res := allocate(t, m, Options{})
	if u := refOf(t, res, g, lir.Use, 0); !u.Flags.Has(FlagReload) {
		t.Errorf("gc ref use flags %q, want reload", u.Flags)
	}
	if u := refOf(t, res, n, lir.Use, 0); u.Flags.Has(FlagReload) {
		t.Errorf("non-gc value should stay in its register, flags %q", u.Flags)
	}
	if res.Stats.Spills != 1 {
		t.Errorf("Spills = %d, want 1", res.Stats.Spills)
	}
}

func TestFixedRegMove(t *testing.T) {
	tgt := synth(t, target.Config{Int: 3})
	r0, _ := tgt.RegByName("r0")
	m := lir.NewMethod("shift", tgt)
	a := m.NewInterval("a", target.ClassInt, lir.Temp)
	b := m.NewInterval("b", target.ClassInt, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("a = 1", def(a)))
	b0.Append(node("b = 2", def(b)))
	b0.Append(node("shl a, b", lir.Ref{Kind: lir.FixedReg, Interval: lir.NoInterval, Mask: r0.Mask()},
		use(b, r0), use(a)))

	res := allocate(t, m, Options{})
	wantReg(t, res, refOf(t, res, a, lir.Def, 0), "r1")
	wantReg(t, res, refOf(t, res, b, lir.Def, 0), "r2")
	u := refOf(t, res, b, lir.Use, 0)
	wantReg(t, res, u, "r0")
	if !u.Flags.Has(FlagMoveReg) || res.Stats.Moves != 1 {
		t.Errorf("use of b flags %q moves %d, want a move into r0", u.Flags, res.Stats.Moves)
	}
	wantReg(t, res, refOf(t, res, a, lir.Use, 0), "r1")
}

func TestConsecutiveGroup(t *testing.T) {
	m := lir.NewMethod("ld2", synth(t, target.Config{Int: 1, Float: 4}))
	v0 := m.NewInterval("v0", target.ClassFloat, lir.Temp)
	v1 := m.NewInterval("v1", target.ClassFloat, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("v1 = 1", def(v1)))
	b0.Append(node("v0 = 2", def(v0)))
	group := use(v0)
	group.Consecutive = 2
	b0.Append(node("st2 {v0, v1}", group, use(v1)))

	res := allocate(t, m, Options{})
	wantReg(t, res, refOf(t, res, v0, lir.Use, 0), "f1")
	u := refOf(t, res, v1, lir.Use, 0)
	wantReg(t, res, u, "f2")
	if !u.Flags.Has(FlagMoveReg) {
		t.Errorf("v1 use flags %q, want a move next to v0", u.Flags)
	}
}

func TestConsecutiveGroupImpossible(t *testing.T) {
	m := lir.NewMethod("ld2", synth(t, target.Config{Int: 1, Float: 1}))
	v0 := m.NewInterval("v0", target.ClassFloat, lir.Temp)
	v1 := m.NewInterval("v1", target.ClassFloat, lir.Temp)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("v0 = 1", def(v0)))
	b0.Append(node("v1 = 2", def(v1)))
	group := use(v0)
	group.Consecutive = 2
	b0.Append(node("st2 {v0, v1}", group, use(v1)))

	_, err := Allocate(m, Options{})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("Allocate error = %v, want ErrInternal", err)
	}
	var ie *InternalError
	if !errors.As(err, &ie) || ie.Method != "ld2" {
		t.Errorf("error %v should carry an InternalError for ld2", err)
	}
}

func TestUpperVectorSave(t *testing.T) {
	// f2 and f3 are callee-saved and keep only the low half across calls
	m := lir.NewMethod("simd", synth(t, target.Config{Int: 2, Float: 4, CalleeSavedFloat: 2, PartialVectorSave: true}))
	vec := m.NewInterval("vec", target.ClassVector, lir.Temp)
	vec.PreferCalleeSaved = true
	up := m.NewInterval("vec.hi", target.ClassFloat, lir.UpperVector)
	up.UpperOf = vec.ID
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("vec = load", def(vec)))
	b0.Append(node("call f", lir.Ref{Kind: lir.UpperVectorSave, Interval: up.ID}, kill()))
	b0.Append(node("store vec", lir.Ref{Kind: lir.UpperVectorRestore, Interval: up.ID}, use(vec)))

	res := allocate(t, m, Options{})
	wantReg(t, res, refOf(t, res, vec, lir.Def, 0), "f2")
	wantReg(t, res, refOf(t, res, up, lir.UpperVectorSave, 0), "f3")
	wantReg(t, res, refOf(t, res, up, lir.UpperVectorRestore, 0), "f3")
	wantReg(t, res, refOf(t, res, vec, lir.Use, 0), "f2")
	if res.Stats.UpperSaves != 1 || res.Stats.Spills != 0 {
		t.Errorf("upper saves=%d spills=%d, want 1 and 0", res.Stats.UpperSaves, res.Stats.Spills)
	}
}

func TestUpperVectorNoop(t *testing.T) {
	// without partial vector preservation the save has nothing to do
	m := lir.NewMethod("simd", synth(t, target.Config{Int: 2, Float: 4, CalleeSavedFloat: 2}))
	vec := m.NewInterval("vec", target.ClassVector, lir.Temp)
	up := m.NewInterval("vec.hi", target.ClassFloat, lir.UpperVector)
	up.UpperOf = vec.ID
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("vec = load", def(vec)))
	b0.Append(node("call f", lir.Ref{Kind: lir.UpperVectorSave, Interval: up.ID}, kill()))
	b0.Append(node("store vec", lir.Ref{Kind: lir.UpperVectorRestore, Interval: up.ID}, use(vec)))

	res := allocate(t, m, Options{})
	for _, k := range []lir.RefKind{lir.UpperVectorSave, lir.UpperVectorRestore} {
		if rp := refOf(t, res, up, k, 0); rp.Reg != target.RegNone {
			t.Errorf("%s in %s, want nothing", k, res.Target.RegName(rp.Reg))
		}
	}
	if res.Stats.UpperSaves != 0 {
		t.Errorf("UpperSaves = %d, want 0", res.Stats.UpperSaves)
	}
}

func TestWriteThruNeedsNoStore(t *testing.T) {
	m := lir.NewMethod("eh", synth(t, target.Config{Int: 2}))
	w := m.NewInterval("w", target.ClassInt, lir.Var)
	w.WriteThru = true
	x := m.NewInterval("x", target.ClassInt, lir.Var)
	b0 := m.AddBlock("B0", 1)
	b1 := m.AddBlock("B1", 1)
	b1.Flags |= lir.HandlerEntry
	b0.AddSucc(b1.ID)
	b0.Append(node("w = 1", def(w)))
	b0.Append(node("x = 2", def(x)))
	b0.Append(node("jmp"))
	live(b0, nil, []*lir.Interval{w, x})
	b1.Append(node("ret", use(w), use(x)))
	live(b1, []*lir.Interval{w, x}, nil)

	res := allocate(t, m, Options{})
	d := res.AssignmentsOf(w.ID)[0]
	if !d.WriteThru || !d.Spill {
		t.Errorf("def of w = %+v, want write-through", d)
	}
	if res.Stats.ResolutionMoves != 1 {
		t.Fatalf("ResolutionMoves = %d, want only the store of x", res.Stats.ResolutionMoves)
	}
	mv := res.Edges[0].Moves[0]
	if mv.Kind != MoveStore || mv.Var != x.ID {
		t.Errorf("edge move = %s, want the store of x", MoveString(res, mv))
	}
}

func TestEHBoundaryOutStores(t *testing.T) {
	m := lir.NewMethod("try", synth(t, target.Config{Int: 2}))
	x := m.NewInterval("x", target.ClassInt, lir.Var)
	b0 := m.AddBlock("B0", 1)
	b1 := m.AddBlock("B1", 1)
	b0.Flags |= lir.EHBoundaryOut
	b0.AddSucc(b1.ID)
	b0.Append(node("x = 1", def(x)))
	live(b0, nil, []*lir.Interval{x})
	b1.Append(node("ret x", use(x)))
	live(b1, []*lir.Interval{x}, nil)

	res := allocate(t, m, Options{})
	mvs := res.MovesAt(0, PlaceBottom)
	if len(mvs) != 1 || mvs[0].Reason != ReasonEHStore || mvs[0].Var != x.ID {
		t.Fatalf("B0 bottom moves = %+v, want the eh store of x", mvs)
	}
	if got := res.BlockOut[0][x.VarIndex]; got != target.RegStack {
		t.Errorf("x leaves B0 in %s, want the stack", res.Target.RegName(got))
	}
	if u := refOf(t, res, x, lir.Use, 0); !u.Flags.Has(FlagReload) {
		t.Errorf("use of x flags %q, want reload", u.Flags)
	}
}

func TestConstReuse(t *testing.T) {
	m := lir.NewMethod("consts", synth(t, target.Config{Int: 2}))
	c1 := m.NewInterval("c1", target.ClassInt, lir.Const)
	c1.ConstValue = 42
	c2 := m.NewInterval("c2", target.ClassInt, lir.Const)
	c2.ConstValue = 42
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("c1 = 42", def(c1)))
	b0.Append(node("use c1", use(c1)))
	b0.Append(node("c2 = 42", def(c2)))
	b0.Append(node("use c2", use(c2)))

	res := allocate(t, m, Options{})
	d := refOf(t, res, c2, lir.Def, 0)
	if !d.Flags.Has(FlagConstReuse) {
		t.Errorf("def of c2 flags %q, want reuse", d.Flags)
	}
	wantReg(t, res, d, "r0")
	if res.Stats.Heuristics[HeuristicConstAvailable] != 1 {
		t.Errorf("CONST_AVAILABLE used %d times, want 1", res.Stats.Heuristics[HeuristicConstAvailable])
	}
}

func TestMinimalMode(t *testing.T) {
	m := lir.NewMethod("minopts", synth(t, target.Config{Int: 2}))
	x := m.NewInterval("x", target.ClassInt, lir.Var)
	b0 := m.AddBlock("B0", 1)
	b0.Append(node("x = 1", def(x)))
	b0.Append(node("use x", use(x)))
	b0.Append(node("use x", use(x)))

	res := allocate(t, m, Options{Mode: ModeMinimal})
	if res.Stats.Spills != 1 || res.Stats.Reloads != 2 {
		t.Errorf("spills=%d reloads=%d, want 1 and 2", res.Stats.Spills, res.Stats.Reloads)
	}
	for _, as := range res.AssignmentsOf(x.ID) {
		if as.Kind == lir.Use && !as.Reload {
			t.Errorf("every use reloads in minimal mode: %+v", as)
		}
	}
}

// loop is a counted loop keeping i and s live around a back edge.
func loop(t *testing.T, tgt *target.Target) *lir.Method {
	t.Helper()
	m := lir.NewMethod("loop", tgt)
	i := m.NewInterval("i", target.ClassInt, lir.Var)
	s := m.NewInterval("s", target.ClassInt, lir.Var)
	b0 := m.AddBlock("B0", 1)
	b1 := m.AddBlock("B1", 8)
	b2 := m.AddBlock("B2", 1)
	b0.AddSucc(b1.ID)
	b1.AddSucc(b1.ID)
	b1.AddSucc(b2.ID)

	b0.Append(node("i = 10", def(i)))
	b0.Append(node("s = 0", def(s)))
	b0.Append(node("jmp"))
	live(b0, nil, []*lir.Interval{i, s})

	b1.Append(node("s = s + i", use(s), use(i), def(s)))
	b1.Append(node("i = i - 1", use(i), def(i)))
	b1.Append(node("brnz i", use(i)))
	live(b1, []*lir.Interval{i, s}, []*lir.Interval{i, s})

	b2.Append(node("ret s", use(s)))
	live(b2, []*lir.Interval{s}, nil)
	return m
}

func TestLoopStaysInRegisters(t *testing.T) {
	res := allocate(t, loop(t, synth(t, target.Config{Int: 2})), Options{})
	if res.Stats.Spills != 0 || res.Stats.Reloads != 0 || res.Stats.ResolutionMoves != 0 {
		t.Errorf("stats %+v, want no memory traffic", res.Stats)
	}
	if !res.BlockIn[1].Equal(res.BlockOut[1]) {
		t.Error("the loop header should enter and leave with the same map")
	}
}

func TestStressModesVerify(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"entry on stack", Options{Stress: StressEntryOnStack}},
		{"limit regs", Options{Stress: StressLimitRegs}},
		{"worst pred", Options{Stress: StressWorstPred}},
		{"all", Options{Stress: StressAll}},
		{"minimal", Options{Mode: ModeMinimal}},
		{"no optimize", Options{NoOptimize: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocate(t, loop(t, synth(t, target.Config{Int: 4})), tt.opts)
			m, _ := criticalEdge(t)
			allocate(t, m, tt.opts)
			sl, _ := straightLine(t)
			allocate(t, sl, tt.opts)
		})
	}
}

func TestStressLimitRegs(t *testing.T) {
	res := allocate(t, loop(t, synth(t, target.Config{Int: 4})), Options{Stress: StressLimitRegs, StressRegLimit: 2})
	for _, as := range res.Assignments {
		if as.Reg.IsReg() && as.Reg > 1 {
			t.Errorf("ref %d in %s, outside the first two registers", as.Ref, res.Target.RegName(as.Reg))
		}
	}
}

func TestStressWorstPred(t *testing.T) {
	m, x := criticalEdge(t)
	res := allocate(t, m, Options{Stress: StressWorstPred})
	if got := res.BlockIn[2][x.VarIndex]; res.Target.RegName(got) != "r0" {
		t.Errorf("B2 inherits x in %s, want B0's r0", res.Target.RegName(got))
	}
	if res.Stats.EdgeBlocks != 0 {
		t.Errorf("EdgeBlocks = %d, want the join edge from B1 to take the move", res.Stats.EdgeBlocks)
	}
}

func TestAllocateDeterministic(t *testing.T) {
	m1, _ := criticalEdge(t)
	m2, _ := criticalEdge(t)
	r1 := allocate(t, m1, Options{})
	r2 := allocate(t, m2, Options{})
	if !reflect.DeepEqual(r1.Assignments, r2.Assignments) {
		t.Error("assignments differ between identical runs")
	}
	if !reflect.DeepEqual(r1.Moves, r2.Moves) {
		t.Error("moves differ between identical runs")
	}
	if Summary(r1) != Summary(r2) {
		t.Errorf("summaries differ:\n%s\n%s", Summary(r1), Summary(r2))
	}
}

func TestAllocateInvalidMethod(t *testing.T) {
	m := lir.NewMethod("empty", synth(t, target.Config{Int: 1}))
	if _, err := Allocate(m, Options{}); !errors.Is(err, lir.ErrInvalidMethod) {
		t.Errorf("Allocate error = %v, want ErrInvalidMethod", err)
	}
}

func TestGCRefLocations(t *testing.T) {
	m, x := criticalEdge(t)
	x.GCRef = true
	res := allocate(t, m, Options{})
	got := res.GCRefLocations(2, true)
	if len(got) != 1 || got[0].Name != "x" || res.Target.RegName(got[0].Reg) != "r1" {
		t.Errorf("GCRefLocations(B2) = %+v, want x in r1", got)
	}
	if got := res.GCRefLocations(1, true); len(got) != 1 || got[0].Reg != target.RegStack {
		t.Errorf("GCRefLocations(B1) = %+v, want x on the stack", got)
	}
}

func TestParseStress(t *testing.T) {
	tests := []struct {
		in      string
		want    Stress
		wantErr bool
	}{
		{"", 0, false},
		{"none", 0, false},
		{"entry", StressEntryOnStack, false},
		{"limit, worst", StressLimitRegs | StressWorstPred, false},
		{"all", StressAll, false},
		{"entry,bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseStress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStress(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStress(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := StressAll.String(); got != "entry,limit,worst" {
		t.Errorf("StressAll.String() = %q", got)
	}
}
