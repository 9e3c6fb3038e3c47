package regalloc

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// Printer outputs allocation results in a column-aligned text form
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a new allocation printer
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// SetColor turns ANSI styling of headers on or off
func (p *Printer) SetColor(on bool) {
	p.color = on
}

var headerStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Cyan)

func (p *Printer) header(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if p.color {
		s = headerStyle.Styled(s)
	}
	fmt.Fprintln(p.w, s)
}

// pad fits s into a column of width n, measuring printable width only.
func pad(s string, n int) string {
	w := ansi.StringWidth(s)
	if w > n {
		return ansi.Truncate(s, n, "…")
	}
	return s + strings.Repeat(" ", n-w)
}

// PrintBlocks prints the block sequence
func (p *Printer) PrintBlocks(res *Result) {
	p.header("blocks of %s", res.Method.Name)
	fmt.Fprintf(p.w, "  %s %s %s %s %s\n", pad("pos", 4), pad("block", 14), pad("weight", 8), pad("depth", 6), "flags")
	for pos, bid := range res.Sequence.Order() {
		b := res.Method.Blocks[bid]
		info := res.Sequence.Info(bid)
		var flags []string
		if pos == 0 {
			flags = append(flags, "entry")
		}
		if !info.Reachable {
			flags = append(flags, "unreachable")
		}
		if info.LoopHeader {
			flags = append(flags, "loop")
		}
		if info.CriticalIn {
			flags = append(flags, "crit-in")
		}
		if info.CriticalOut {
			flags = append(flags, "crit-out")
		}
		if b.EntersOnStack() {
			flags = append(flags, "eh-in")
		}
		if b.Flags.Has(lir.EHBoundaryOut) {
			flags = append(flags, "eh-out")
		}
		if b.Flags.Has(lir.Synthetic) {
			flags = append(flags, "synthetic")
		}
		fmt.Fprintf(p.w, "  %s %s %s %s %s\n", pad(fmt.Sprint(pos), 4), pad(b.Name, 14),
			pad(fmt.Sprintf("%g", b.Weight), 8), pad(fmt.Sprint(info.LoopDepth), 6), strings.Join(flags, " "))
	}
}

// PrintAllocation prints every reference with its assigned location,
// block by block, framed by the entry and exit maps
func (p *Printer) PrintAllocation(res *Result) {
	p.header("allocation of %s", res.Method.Name)
	m := res.Method
	cur := lir.NoBlock
	closeBlock := func() {
		if cur != lir.NoBlock {
			fmt.Fprintf(p.w, "  out %s\n", p.varMap(res, m.Blocks[cur].LiveOut.AppendTo(nil), res.BlockOut[cur]))
		}
	}
	for _, rp := range res.Refs {
		if rp.Kind == lir.BlockBoundary {
			closeBlock()
			cur = rp.Block
			b := m.Blocks[cur]
			fmt.Fprintf(p.w, "%s (weight %g)\n", b.Name, b.Weight)
			fmt.Fprintf(p.w, "  in  %s\n", p.varMap(res, b.LiveIn.AppendTo(nil), res.BlockIn[cur]))
			continue
		}
		fmt.Fprintf(p.w, "  %s %s %s %s\n", pad(fmt.Sprintf("@%d", rp.Location), 6),
			pad(p.refLabel(res, &rp), 22), pad(p.location(res, &rp), 8), rp.Flags)
	}
	closeBlock()
}

func (p *Printer) refLabel(res *Result, rp *RefPosition) string {
	if rp.IsIntervalRef() {
		return fmt.Sprintf("%s(%s)", rp.Kind, res.Method.Intervals[rp.Interval].Name)
	}
	return rp.Kind.String() + res.Target.MaskString(rp.Mask)
}

func (p *Printer) location(res *Result, rp *RefPosition) string {
	loc := res.Target.RegName(rp.Reg)
	if rp.Home != rp.Reg && rp.Home.IsReg() {
		loc += "<" + res.Target.RegName(rp.Home)
	}
	return loc
}

func (p *Printer) varMap(res *Result, live []int, vm VarMap) string {
	parts := make([]string, 0, len(live))
	for _, id := range live {
		iv := res.Method.Intervals[id]
		loc := target.RegStack
		if vm != nil && vm[iv.VarIndex] != target.RegNone {
			loc = vm[iv.VarIndex]
		}
		parts = append(parts, iv.Name+":"+res.Target.RegName(loc))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// PrintResolution prints how each edge was resolved and every inserted move
func (p *Printer) PrintResolution(res *Result) {
	p.header("resolution of %s", res.Method.Name)
	m := res.Method
	for _, er := range res.Edges {
		edge := m.Blocks[er.From].Name + " -> " + m.Blocks[er.To].Name
		if er.Kind == ResolvedNone {
			fmt.Fprintf(p.w, "  %s none\n", pad(edge, 20))
			continue
		}
		fmt.Fprintf(p.w, "  %s %s %s %s\n", pad(edge, 20), pad(er.Kind.String(), 9),
			pad(m.Blocks[er.Host].Name, 14), er.At)
	}
	for _, bid := range res.Sequence.Order() {
		for _, at := range []Placement{PlaceTop, PlaceBottom} {
			mvs := res.MovesAt(bid, at)
			if len(mvs) == 0 {
				continue
			}
			fmt.Fprintf(p.w, "%s %s:\n", m.Blocks[bid].Name, at)
			for _, mv := range mvs {
				fmt.Fprintf(p.w, "    %s\n", MoveString(res, mv))
			}
		}
	}
}

// MoveString formats one move, e.g. "mov rax -> rcx (a)".
func MoveString(res *Result, mv Move) string {
	t := res.Target
	name := func(id lir.IntervalID) string { return res.Method.Intervals[id].Name }
	var s string
	switch mv.Kind {
	case MoveSwap:
		s = fmt.Sprintf("swap %s <-> %s (%s, %s)", t.RegName(mv.From), t.RegName(mv.To), name(mv.Var), name(mv.Other))
	default:
		s = fmt.Sprintf("%s %s -> %s (%s)", mv.Kind, t.RegName(mv.From), t.RegName(mv.To), name(mv.Var))
	}
	switch {
	case mv.Temp:
		s += " temp"
	case mv.Reason == ReasonEHStore:
		s += " eh"
	case mv.Reason == ReasonSpill:
		s += " spill"
	}
	return s
}

// Summary returns the one-line statistics of a result
func Summary(res *Result) string {
	st := res.Stats
	var slots []string
	for c, n := range res.SpillSlots {
		if n > 0 {
			slots = append(slots, fmt.Sprintf("%s:%d", target.RegClass(c), n))
		}
	}
	return fmt.Sprintf("%s: blocks=%d refs=%d spills=%d reloads=%d copies=%d moves=%d stack=%d swaps=%d edge-blocks=%d resolution-moves=%d slots={%s}",
		res.Method.Name, res.Sequence.Len(), len(res.Refs), st.Spills, st.Reloads, st.Copies, st.Moves,
		st.StackRefs, st.Swaps, st.EdgeBlocks, st.ResolutionMoves, strings.Join(slots, " "))
}
