package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// assignConsecutive fixes the registers of a group of references that need
// N consecutive registers, starting at reference i. Each member's mask is
// narrowed to its register so the ordinary use/def processing that follows
// honors the group. A start whose registers are all free wins; otherwise
// the occupants of the cheapest start are spilled.
func (a *LinearScan) assignConsecutive(i int) {
	first := &a.refs[i]
	n := first.Consecutive
	if i+n > len(a.refs) {
		a.internalError("consecutive group of %d at ref %d runs past the stream", n, i)
	}
	members := make([]*RefPosition, n)
	states := make([]*intervalState, n)
	for k := range n {
		rp := &a.refs[i+k]
		if !rp.IsIntervalRef() || rp.Location != first.Location || rp.Node != first.Node {
			a.internalError("consecutive group at ref %d is not contiguous", i)
		}
		members[k] = rp
		states[k] = &a.intervals[rp.Interval]
	}
	bank := a.tgt.Legal(states[0].iv.Class)
	unavailable := a.regsInUseThisLocation | a.fixedThisLocation

	bestFree, bestEvict := target.RegNone, target.RegNone
	bestCost := 0.0
	first.Mask.ForEach(func(start target.RegNum) {
		allFree := true
		cost := 0.0
		for k := range n {
			r := start + target.RegNum(k)
			if int(r) >= len(a.regs) || !bank.Has(r) || !members[k].Mask.Has(r) || unavailable.Has(r) {
				return
			}
			occ := a.occupant(r)
			if occ == nil || occ == states[k] {
				continue
			}
			for _, other := range states {
				if occ == other {
					return
				}
			}
			if next, _ := a.nextUseLoc(occ); next <= a.curLoc|1 {
				return
			}
			allFree = false
			cost += a.spillWeight(occ)
		}
		if allFree {
			if bestFree == target.RegNone || (states[0].isActive && states[0].reg == start) {
				bestFree = start
			}
			return
		}
		if bestEvict == target.RegNone || cost < bestCost {
			bestEvict, bestCost = start, cost
		}
	})

	start := bestFree
	if start == target.RegNone {
		start = bestEvict
	}
	if start == target.RegNone {
		a.internalError("no %d consecutive registers for %s", n, states[0].iv.Name)
	}
	for k := range n {
		r := start + target.RegNum(k)
		if occ := a.occupant(r); occ != nil && occ != states[k] {
			a.spill(occ)
		}
		members[k].Mask = r.Mask()
		members[k].Flags |= FlagFixedReg
	}
	a.log.Debug("consecutive", "loc", first.Location, "start", a.tgt.RegName(start), "count", n)
}
