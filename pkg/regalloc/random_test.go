package regalloc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// randomMethod builds a method over a random CFG with forward, back and
// critical edges. Every var is defined at the top of the entry block and
// temps never leave the block that defines them. Nodes read up to two
// values and then either call (a kill), redefine a var or define a temp.
func randomMethod(rng *rand.Rand, tgt *target.Target, name string) *lir.Method {
	m := lir.NewMethod(name, tgt)
	var vars []*lir.Interval
	for i := range 1 + rng.IntN(3) {
		vars = append(vars, m.NewInterval(fmt.Sprintf("v%d", i), target.ClassInt, lir.Var))
	}

	nb := 2 + rng.IntN(5)
	blocks := make([]*lir.Block, nb)
	for i := range blocks {
		blocks[i] = m.AddBlock(fmt.Sprintf("B%d", i), float64(1+rng.IntN(4)))
	}
	for i, b := range blocks[:nb-1] {
		b.AddSucc(blocks[i+1].ID)
		if rng.IntN(2) == 0 {
			s := i + 1 + rng.IntN(nb-i-1)
			if rng.IntN(3) == 0 {
				s = 1 + rng.IntN(i+1) // back edge, never to the entry
			}
			if s != i+1 {
				b.AddSucc(blocks[s].ID)
			}
		}
	}

	ntemps := 0
	for i, b := range blocks {
		if i == 0 {
			for _, v := range vars {
				b.Append(node(v.Name+" = 0", def(v)))
			}
		}
		var temps []*lir.Interval
		for range 1 + rng.IntN(5) {
			avail := append(append([]*lir.Interval(nil), vars...), temps...)
			var refs []lir.Ref
			for _, k := range rng.Perm(len(avail))[:rng.IntN(min(3, len(avail)+1))] {
				refs = append(refs, use(avail[k]))
			}
			switch rng.IntN(4) {
			case 0:
				refs = append(refs, kill())
			case 1:
				refs = append(refs, def(vars[rng.IntN(len(vars))]))
			default:
				tmp := m.NewInterval(fmt.Sprintf("t%d", ntemps), target.ClassInt, lir.Temp)
				ntemps++
				temps = append(temps, tmp)
				refs = append(refs, def(tmp))
			}
			b.Append(node(fmt.Sprintf("n%d", len(b.Nodes)), refs...))
		}
	}
	computeLiveness(m)
	return m
}

// computeLiveness fills in exact live-in and live-out var sets. Vars are
// the first intervals of the method, so a uint64 holds a set of them.
func computeLiveness(m *lir.Method) {
	n := len(m.Blocks)
	gen, kills := make([]uint64, n), make([]uint64, n)
	for i, b := range m.Blocks {
		for _, nd := range b.Nodes {
			for _, r := range nd.Refs {
				if r.Interval == lir.NoInterval || !m.Intervals[r.Interval].IsVar() {
					continue
				}
				bit := uint64(1) << r.Interval
				if r.Kind == lir.Use && kills[i]&bit == 0 {
					gen[i] |= bit
				}
				if r.Kind == lir.Def {
					kills[i] |= bit
				}
			}
		}
	}
	in, out := make([]uint64, n), make([]uint64, n)
	for changed := true; changed; {
		changed = false
		for i := n - 1; i >= 0; i-- {
			var o uint64
			for _, s := range m.Blocks[i].Succs {
				o |= in[s]
			}
			ni := gen[i] | o&^kills[i]
			if o != out[i] || ni != in[i] {
				out[i], in[i], changed = o, ni, true
			}
		}
	}
	for i, b := range m.Blocks {
		for id, iv := range m.Intervals {
			if !iv.IsVar() {
				continue
			}
			bit := uint64(1) << id
			if in[i]&bit != 0 {
				b.LiveIn.Insert(id)
			}
			if out[i]&bit != 0 {
				b.LiveOut.Insert(id)
			}
		}
	}
}

func TestRandomMethodsVerify(t *testing.T) {
	tgt := synth(t, target.Config{Int: 3, CalleeSavedInt: 1})
	for seed := range uint64(300) {
		for _, opts := range []Options{{}, {NoOptimize: true}} {
			m := randomMethod(rand.New(rand.NewPCG(seed, 7)), tgt, fmt.Sprintf("rand%d", seed))
			opts.Verify = true
			_, err := Allocate(m, opts)
			switch {
			case errors.Is(err, ErrInternal), errors.Is(err, ErrVerify):
				t.Fatalf("seed %d noopt=%v: %v", seed, opts.NoOptimize, err)
			case err != nil:
				t.Fatalf("seed %d: invalid method: %v", seed, err)
			}
		}
	}
}
