package regalloc

import (
	"sort"

	"github.com/raymyers/ralph-lsra/pkg/target"
)

// resolveLocal turns the annotated reference stream into per-reference
// assignments and sizes the temp spill area.
func (a *LinearScan) resolveLocal(res *Result) {
	for i := range a.refs {
		rp := &a.refs[i]
		if !rp.IsIntervalRef() || !rp.needsLocation() {
			continue
		}
		res.Assignments = append(res.Assignments, Assignment{
			Ref:        i,
			Interval:   rp.Interval,
			Block:      rp.Block,
			Node:       rp.Node,
			Kind:       rp.Kind,
			Reg:        rp.Reg,
			Home:       rp.Home,
			Reload:     rp.Flags.Has(FlagReload),
			Spill:      rp.Flags.Has(FlagSpillAfter),
			Copy:       rp.Flags.Has(FlagCopyReg),
			Move:       rp.Flags.Has(FlagMoveReg),
			WriteThru:  rp.Flags.Has(FlagWriteThru),
			ConstReuse: rp.Flags.Has(FlagConstReuse),
		})
	}
	res.SpillSlots = a.spillSlots()
}

// spillSlots counts, per class, the largest number of temps whose stack
// copies are needed at the same time. Vars have their own homes and
// constants are rematerialized, so neither needs a slot. A temp holds its
// slot from its first store to its last read from the stack.
func (a *LinearScan) spillSlots() [target.NumClasses]int {
	type event struct{ loc, delta int }
	var events [target.NumClasses][]event
	for i := range a.intervals {
		st := &a.intervals[i]
		if st.iv.IsVar() || st.isConst() {
			continue
		}
		first, last := -1, -1
		for idx := st.firstRef; idx != noRef; idx = a.refs[idx].NextRef {
			rp := &a.refs[idx]
			stores := rp.Flags.Has(FlagSpillAfter) || (rp.Kind.IsDef() && rp.Flags.Has(FlagStack))
			if stores && first < 0 {
				first = rp.Location
			}
			reads := rp.Flags.Has(FlagReload) || (!rp.Kind.IsDef() && rp.Flags.Has(FlagStack))
			if first >= 0 && (stores || reads) {
				last = rp.Location
			}
		}
		if first < 0 {
			continue
		}
		c := st.iv.Class
		events[c] = append(events[c], event{first, 1}, event{last + 1, -1})
	}

	var slots [target.NumClasses]int
	for c, evs := range events {
		sort.Slice(evs, func(i, j int) bool {
			if evs[i].loc != evs[j].loc {
				return evs[i].loc < evs[j].loc
			}
			return evs[i].delta < evs[j].delta
		})
		cur := 0
		for _, e := range evs {
			cur += e.delta
			slots[c] = max(slots[c], cur)
		}
	}
	return slots
}
