package lir

import (
	"errors"
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/target"
)

// ErrInvalidMethod is wrapped by every validation failure.
var ErrInvalidMethod = errors.New("invalid method")

func invalid(m *Method, format string, args ...any) error {
	return fmt.Errorf("%w %s: %s", ErrInvalidMethod, m.Name, fmt.Sprintf(format, args...))
}

// Finalize derives predecessor lists and var indices, fills in default
// candidate masks, and checks the builder's invariants. It must be called
// after construction and before allocation.
func (m *Method) Finalize() error {
	if m.Target == nil {
		return invalid(m, "no target")
	}
	if len(m.Blocks) == 0 {
		return invalid(m, "no blocks")
	}
	if err := m.finalizeIntervals(); err != nil {
		return err
	}
	if err := m.finalizeBlocks(); err != nil {
		return err
	}
	for _, b := range m.Blocks {
		for ni := range b.Nodes {
			if err := m.finalizeNode(b, &b.Nodes[ni]); err != nil {
				return err
			}
		}
	}
	m.finalized = true
	return nil
}

func (m *Method) finalizeIntervals() error {
	m.vars = m.vars[:0]
	for i, iv := range m.Intervals {
		if iv.ID != IntervalID(i) {
			return invalid(m, "interval %s has ID %d at index %d", iv.Name, iv.ID, i)
		}
		iv.VarIndex = -1
		if iv.IsVar() {
			iv.VarIndex = len(m.vars)
			m.vars = append(m.vars, iv.ID)
		}
		legal := m.Target.Legal(iv.Class)
		if legal == 0 {
			return invalid(m, "interval %s: target %s has no %s registers", iv.Name, m.Target.Name, iv.Class)
		}
		if iv.Preferences&^legal != 0 {
			return invalid(m, "interval %s: preference outside the %s bank", iv.Name, iv.Class)
		}
		if iv.Related != NoInterval && !m.validInterval(iv.Related) {
			return invalid(m, "interval %s: bad related interval %d", iv.Name, iv.Related)
		}
		if iv.Kind == UpperVector {
			if !m.validInterval(iv.UpperOf) {
				return invalid(m, "upper interval %s has no base", iv.Name)
			}
			if base := m.Intervals[iv.UpperOf]; base.Class != target.ClassVector {
				return invalid(m, "upper interval %s: base %s is not a vector", iv.Name, base.Name)
			}
		}
	}
	return nil
}

func (m *Method) validInterval(id IntervalID) bool {
	return id >= 0 && int(id) < len(m.Intervals)
}

func (m *Method) finalizeBlocks() error {
	for _, b := range m.Blocks {
		b.Preds = b.Preds[:0]
	}
	for i, b := range m.Blocks {
		if b.ID != BlockID(i) {
			return invalid(m, "block %s has ID %d at index %d", b.Name, b.ID, i)
		}
		if b.Weight < 0 {
			return invalid(m, "block %s has negative weight", b.Name)
		}
		for _, s := range b.Succs {
			if s < 0 || int(s) >= len(m.Blocks) {
				return invalid(m, "block %s: successor %d out of range", b.Name, s)
			}
			succ := m.Blocks[s]
			if !containsBlock(succ.Preds, b.ID) {
				succ.Preds = append(succ.Preds, b.ID)
			}
		}
		for _, set := range []struct {
			name string
			ids  []int
		}{
			{"live-in", b.LiveIn.AppendTo(nil)},
			{"live-out", b.LiveOut.AppendTo(nil)},
		} {
			for _, id := range set.ids {
				if !m.validInterval(IntervalID(id)) || !m.Intervals[id].IsVar() {
					return invalid(m, "block %s: %s set holds non-var %d", b.Name, set.name, id)
				}
			}
		}
	}
	return nil
}

func containsBlock(list []BlockID, id BlockID) bool {
	for _, b := range list {
		if b == id {
			return true
		}
	}
	return false
}

func (m *Method) finalizeNode(b *Block, n *Node) error {
	for ri := range n.Refs {
		r := &n.Refs[ri]
		where := fmt.Sprintf("block %s node %q ref %d (%s)", b.Name, n.Name, ri, r.Kind)
		if !r.Kind.HasInterval() {
			if r.Interval != NoInterval {
				return invalid(m, "%s: %s references carry no interval", where, r.Kind)
			}
			switch r.Kind {
			case FixedReg:
				if !r.Mask.IsSingle() {
					return invalid(m, "%s: fixed reference needs exactly one register", where)
				}
			case Kill:
				if r.Mask == 0 {
					r.Mask = m.Target.CallKillSet()
				}
			case KillGCRefs:
				if r.Mask == 0 {
					r.Mask = m.Target.Legal(target.ClassInt)
				}
			case BlockBoundary:
				return invalid(m, "%s: block boundaries are implicit", where)
			}
			continue
		}
		if !m.validInterval(r.Interval) {
			return invalid(m, "%s: unknown interval %d", where, r.Interval)
		}
		iv := m.Intervals[r.Interval]
		legal := m.Target.Legal(iv.Class)
		if r.Kind == UpperVectorSave || r.Kind == UpperVectorRestore {
			if iv.Kind != UpperVector {
				return invalid(m, "%s: %s is not an upper-vector interval", where, iv.Name)
			}
			if r.Mask == 0 {
				r.Mask = legal
			}
			r.Flags |= RegOptional
			continue
		}
		if r.Mask == 0 {
			r.Mask = legal
		}
		if r.Mask&^legal != 0 {
			return invalid(m, "%s: mask %s outside the %s bank", where, m.Target.MaskString(r.Mask), iv.Class)
		}
		if r.Consecutive > 1 {
			if ri+r.Consecutive > len(n.Refs) {
				return invalid(m, "%s: group of %d runs past the node", where, r.Consecutive)
			}
			for k := 1; k < r.Consecutive; k++ {
				member := n.Refs[ri+k]
				if member.Kind != r.Kind || member.Interval == NoInterval {
					return invalid(m, "%s: group member %d is not a %s", where, k, r.Kind)
				}
			}
		}
		if iv.Kind == Temp && (b.LiveIn.Has(int(iv.ID)) || b.LiveOut.Has(int(iv.ID))) {
			return invalid(m, "%s: temp %s cannot be live across blocks", where, iv.Name)
		}
	}
	return nil
}

// SplitEdge inserts an empty block on the edge from -> to and returns it.
// The new block's live sets are the vars live across the edge.
func (m *Method) SplitEdge(from, to BlockID) *Block {
	src, dst := m.Blocks[from], m.Blocks[to]
	wasFinal := m.finalized
	nb := m.AddBlock(fmt.Sprintf("%s->%s", src.Name, dst.Name), edgeWeight(src, dst))
	nb.Flags |= Synthetic
	nb.Succs = []BlockID{to}
	nb.Preds = []BlockID{from}
	nb.LiveIn.Copy(&dst.LiveIn)
	nb.LiveIn.IntersectionWith(&src.LiveOut)
	nb.LiveOut.Copy(&nb.LiveIn)

	for i, s := range src.Succs {
		if s == to {
			src.Succs[i] = nb.ID
		}
	}
	for i, p := range dst.Preds {
		if p == from {
			dst.Preds[i] = nb.ID
		}
	}
	m.finalized = wasFinal
	return nb
}

func edgeWeight(from, to *Block) float64 {
	if from.Weight < to.Weight {
		return from.Weight
	}
	return to.Weight
}
