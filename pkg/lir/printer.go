package lir

import (
	"fmt"
	"io"
	"strings"
)

// Printer outputs a method's demand IR in a compact text form
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new LIR printer
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// PrintMethod prints intervals followed by every block
func (p *Printer) PrintMethod(m *Method) {
	fmt.Fprintf(p.w, "method %s (target %s)\n", m.Name, m.Target.Name)
	fmt.Fprintln(p.w, "intervals:")
	for _, iv := range m.Intervals {
		fmt.Fprintf(p.w, "  %s\n", p.intervalString(m, iv))
	}
	for _, b := range m.Blocks {
		p.PrintBlock(m, b)
	}
}

func (p *Printer) intervalString(m *Method, iv *Interval) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I%d %s %s %s", iv.ID, iv.Name, iv.Kind, iv.Class)
	if iv.Kind == Const {
		fmt.Fprintf(&sb, " =%d", iv.ConstValue)
	}
	if iv.GCRef {
		sb.WriteString(" gcref")
	}
	if iv.WriteThru {
		sb.WriteString(" writethru")
	}
	if iv.PreferCalleeSaved {
		sb.WriteString(" calleesaved")
	}
	if iv.Preferences != 0 {
		fmt.Fprintf(&sb, " prefer%s", m.Target.MaskString(iv.Preferences))
	}
	if iv.Aversion != 0 {
		fmt.Fprintf(&sb, " avoid%s", m.Target.MaskString(iv.Aversion))
	}
	if iv.Related != NoInterval {
		fmt.Fprintf(&sb, " related=%s", m.Intervals[iv.Related].Name)
	}
	if iv.UpperOf != NoInterval {
		fmt.Fprintf(&sb, " upperof=%s", m.Intervals[iv.UpperOf].Name)
	}
	return sb.String()
}

// PrintBlock prints one block header and its nodes
func (p *Printer) PrintBlock(m *Method, b *Block) {
	fmt.Fprintf(p.w, "%s weight %g", b.Name, b.Weight)
	if b.Flags.Has(HandlerEntry) {
		fmt.Fprint(p.w, " handler")
	}
	if b.Flags.Has(EHBoundaryIn) {
		fmt.Fprint(p.w, " ehin")
	}
	if b.Flags.Has(EHBoundaryOut) {
		fmt.Fprint(p.w, " ehout")
	}
	if b.Flags.Has(Synthetic) {
		fmt.Fprint(p.w, " synthetic")
	}
	fmt.Fprintf(p.w, " succs [%s]", p.blockList(m, b.Succs))
	fmt.Fprintf(p.w, " preds [%s]", p.blockList(m, b.Preds))
	fmt.Fprintln(p.w)
	if !b.LiveIn.IsEmpty() {
		fmt.Fprintf(p.w, "  live-in  %s\n", p.varSet(m, b.LiveIn.AppendTo(nil)))
	}
	if !b.LiveOut.IsEmpty() {
		fmt.Fprintf(p.w, "  live-out %s\n", p.varSet(m, b.LiveOut.AppendTo(nil)))
	}
	for i, n := range b.Nodes {
		fmt.Fprintf(p.w, "  %d: %s", i, n.Name)
		for _, r := range n.Refs {
			fmt.Fprintf(p.w, " %s", RefString(m, r))
		}
		fmt.Fprintln(p.w)
	}
}

func (p *Printer) blockList(m *Method, ids []BlockID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = m.Blocks[id].Name
	}
	return strings.Join(names, " ")
}

func (p *Printer) varSet(m *Method, ids []int) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = m.Intervals[id].Name
	}
	return "{" + strings.Join(names, " ") + "}"
}

// RefString formats a single reference, e.g. "use(a,last){rax rcx}".
func RefString(m *Method, r Ref) string {
	var sb strings.Builder
	sb.WriteString(r.Kind.String())
	var attrs []string
	if r.Interval != NoInterval {
		attrs = append(attrs, m.Intervals[r.Interval].Name)
	}
	if r.Flags.Has(LastUse) {
		attrs = append(attrs, "last")
	}
	if r.Flags.Has(DelayFree) {
		attrs = append(attrs, "delay")
	}
	if r.Flags.Has(RegOptional) {
		attrs = append(attrs, "opt")
	}
	if r.Flags.Has(InternalRef) {
		attrs = append(attrs, "internal")
	}
	if r.Consecutive > 1 {
		attrs = append(attrs, fmt.Sprintf("x%d", r.Consecutive))
	}
	if len(attrs) > 0 {
		sb.WriteString("(" + strings.Join(attrs, ",") + ")")
	}
	if r.Mask != 0 && (r.Interval == NoInterval || r.Mask != m.Target.Legal(m.Intervals[r.Interval].Class)) {
		sb.WriteString(m.Target.MaskString(r.Mask))
	}
	return sb.String()
}
