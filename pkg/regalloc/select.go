package regalloc

import (
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// Heuristic names one step of the register selection chain.
type Heuristic uint8

const (
	HeuristicFree Heuristic = iota
	HeuristicConstAvailable
	HeuristicThisAssigned
	HeuristicCovers
	HeuristicOwnPreference
	HeuristicRelatedPreference
	HeuristicCallerCallee
	HeuristicUnassigned
	HeuristicCoversFull
	HeuristicBestFit
	HeuristicPrevReg
	HeuristicRegOrder
	HeuristicSpill
	NumHeuristics
)

var heuristicNames = [...]string{
	"FREE", "CONST_AVAILABLE", "THIS_ASSIGNED", "COVERS", "OWN_PREFERENCE",
	"RELATED_PREFERENCE", "CALLER_CALLEE", "UNASSIGNED", "COVERS_FULL",
	"BEST_FIT", "PREV_REG", "REG_ORDER", "SPILL",
}

func (h Heuristic) String() string {
	if int(h) < len(heuristicNames) {
		return heuristicNames[h]
	}
	return "heuristic?"
}

// selection is the context a heuristic narrows candidates in. Heuristics
// only read it.
type selection struct {
	a   *LinearScan
	st  *intervalState
	rp  *RefPosition
	idx int

	// candidates is the reference's mask after conflict removal; wide is
	// the mask with only this location's fixed registers removed.
	candidates target.RegMask
	wide       target.RegMask
	// rangeEnd is where the value is next needed after this reference.
	rangeEnd int
	// lastLoc is where the interval's live range ends.
	lastLoc int
}

type narrowFunc func(s *selection, cands target.RegMask) target.RegMask

// selectionOrder is the heuristic chain after FREE, highest priority
// first. A heuristic returning an empty set has no opinion.
var selectionOrder = []struct {
	h      Heuristic
	narrow narrowFunc
}{
	{HeuristicConstAvailable, narrowConstAvailable},
	{HeuristicThisAssigned, narrowThisAssigned},
	{HeuristicCovers, narrowCovers},
	{HeuristicOwnPreference, narrowOwnPreference},
	{HeuristicRelatedPreference, narrowRelatedPreference},
	{HeuristicCallerCallee, narrowCallerCallee},
	{HeuristicUnassigned, narrowUnassigned},
	{HeuristicCoversFull, narrowCoversFull},
	{HeuristicBestFit, narrowBestFit},
	{HeuristicPrevReg, narrowPrevReg},
	{HeuristicRegOrder, narrowRegOrder},
}

func (a *LinearScan) newSelection(idx int, st *intervalState, mask target.RegMask) *selection {
	rp := &a.refs[idx]
	s := &selection{a: a, st: st, rp: rp, idx: idx, lastLoc: a.lastLoc(st)}

	s.rangeEnd = a.nextRefLoc(idx)
	if rp.Flags.Has(FlagLastUse) {
		s.rangeEnd = rp.Location
		if rp.Flags.Has(FlagDelayFree) {
			s.rangeEnd++
		}
	}

	cands := mask
	if !mask.IsSingle() {
		if c := cands &^ a.fixedThisLocation; c != 0 {
			cands = c
		}
		s.wide = cands
		// Drop registers a kill or fixed reference claims at this or the
		// following location while the value still needs them.
		through := rp.Location + 1
		if rp.Flags.Has(FlagLastUse) && !rp.Flags.Has(FlagDelayFree) {
			through = rp.Location
		}
		var conflicts target.RegMask
		cands.ForEach(func(r target.RegNum) {
			if a.regs[r].nextFixedLoc() <= through {
				conflicts = conflicts.With(r)
			}
		})
		if c := cands &^ conflicts; c != 0 {
			cands = c
		}
	}
	s.candidates = cands
	if s.wide == 0 {
		s.wide = cands
	}
	return s
}

// widen gives back the registers dropped for a kill or fixed reference
// right after this one. It reports whether the candidates changed.
func (s *selection) widen() bool {
	if s.wide == s.candidates {
		return false
	}
	s.candidates = s.wide
	return true
}

// freeCandidates returns the candidates not holding an active interval and
// not referenced at this location.
func (s *selection) freeCandidates() target.RegMask {
	return s.candidates &^ s.a.busyRegs() &^ s.a.regsInUseThisLocation
}

// choose folds the heuristic chain over a set of free registers and
// returns the winner and the heuristic that decided it.
func (s *selection) choose(free target.RegMask) (target.RegNum, Heuristic) {
	cands := free
	if cands.IsSingle() {
		return cands.Lowest(), HeuristicFree
	}
	for _, step := range selectionOrder {
		if next := step.narrow(s, cands); next != 0 {
			cands = next
		}
		if cands.IsSingle() {
			return cands.Lowest(), step.h
		}
	}
	return cands.Lowest(), HeuristicRegOrder
}

// allocateReg finds a register for reference idx, spilling if needed. It
// returns RegNone only for register-optional references that are better
// left in memory. Registers in exclude are never chosen.
func (a *LinearScan) allocateReg(idx int, st *intervalState, exclude target.RegMask) target.RegNum {
	rp := &a.refs[idx]
	optional := rp.Flags.Has(FlagRegOptional)
	s := a.newSelection(idx, st, rp.Mask&^exclude)
	if s.candidates == 0 {
		if optional {
			return target.RegNone
		}
		a.internalError("%s has no legal register in %s", st.iv.Name, a.tgt.MaskString(rp.Mask))
	}
	free := s.freeCandidates()
	var victim *spillCandidate
	if free == 0 {
		victim = a.selectSpill(s)
		// A register claimed right after this reference still serves it;
		// the kill or fixed reference then evicts the value again.
		if victim == nil && s.widen() {
			if free = s.freeCandidates(); free == 0 {
				victim = a.selectSpill(s)
			}
		}
	}
	if free != 0 {
		reg, h := s.choose(free)
		a.stats.Heuristics[h]++
		a.log.Debug("select", "loc", rp.Location, "interval", st.iv.Name,
			"reg", a.tgt.RegName(reg), "heuristic", h.String())
		return reg
	}

	if victim == nil {
		if optional {
			return target.RegNone
		}
		a.internalError("no register available for %s in %s", st.iv.Name, a.tgt.MaskString(s.candidates))
	}
	if victim.dead {
		a.stats.Heuristics[HeuristicFree]++
		a.dropDead(victim.st)
		return victim.reg
	}
	if optional && victim.weight <= a.spillWeight(st) {
		a.stats.OptionalOnStack++
		a.log.Debug("optional left on stack", "loc", rp.Location, "interval", st.iv.Name,
			"cheapest", victim.st.iv.Name)
		return target.RegNone
	}
	a.stats.Heuristics[HeuristicSpill]++
	a.spill(victim.st)
	return victim.reg
}

func narrowConstAvailable(s *selection, cands target.RegMask) target.RegMask {
	if !s.st.isConst() {
		return 0
	}
	var out target.RegMask
	cands.ForEach(func(r target.RegNum) {
		if s.a.holdsConst(r, s.st) {
			out = out.With(r)
		}
	})
	return out
}

func narrowThisAssigned(s *selection, cands target.RegMask) target.RegMask {
	if !s.st.reg.IsReg() {
		return 0
	}
	return cands & s.st.reg.Mask()
}

func narrowCovers(s *selection, cands target.RegMask) target.RegMask {
	var out target.RegMask
	cands.ForEach(func(r target.RegNum) {
		if s.a.regs[r].nextFixedLoc() > s.rangeEnd {
			out = out.With(r)
		}
	})
	return out
}

func narrowOwnPreference(s *selection, cands target.RegMask) target.RegMask {
	iv := s.st.iv
	if c := cands &^ iv.Aversion; c != 0 {
		cands = c
	}
	if p := cands & iv.Preferences; p != 0 {
		return p
	}
	return cands
}

// narrowRelatedPreference follows the related link one step, and only to
// an interval whose next reference is a definition after this range ends.
func narrowRelatedPreference(s *selection, cands target.RegMask) target.RegMask {
	relID := s.st.iv.Related
	if relID < 0 {
		return 0
	}
	a := s.a
	rel := &a.intervals[relID]
	idx := rel.firstRef
	if rel.recentRef != noRef {
		idx = a.refs[rel.recentRef].NextRef
	}
	for idx != noRef && a.refs[idx].Location <= s.rp.Location {
		idx = a.refs[idx].NextRef
	}
	if idx == noRef {
		return 0
	}
	def := &a.refs[idx]
	if !def.Kind.IsDef() || def.Location < s.lastLoc {
		return 0
	}
	prefs := rel.iv.Preferences
	if rel.reg.IsReg() {
		prefs = prefs.With(rel.reg)
	}
	if def.Mask != a.tgt.Legal(rel.iv.Class) {
		prefs |= def.Mask
	}
	return cands & prefs
}

func narrowCallerCallee(s *selection, cands target.RegMask) target.RegMask {
	c := s.st.iv.Class
	if s.st.iv.PreferCalleeSaved {
		return cands & s.a.tgt.CalleeSaved(c)
	}
	return cands & s.a.tgt.CallerSaved(c)
}

func narrowUnassigned(s *selection, cands target.RegMask) target.RegMask {
	var out target.RegMask
	cands.ForEach(func(r target.RegNum) {
		if s.a.regs[r].assigned < 0 {
			out = out.With(r)
		}
	})
	return out
}

func narrowCoversFull(s *selection, cands target.RegMask) target.RegMask {
	var out target.RegMask
	cands.ForEach(func(r target.RegNum) {
		if s.a.regs[r].nextFixedLoc() > s.lastLoc {
			out = out.With(r)
		}
	})
	return out
}

// narrowBestFit prefers the covering register whose next fixed use comes
// soonest after the range; failing that, the one free the longest.
func narrowBestFit(s *selection, cands target.RegMask) target.RegMask {
	var covering, rest target.RegMask
	bestCover, bestRest := maxLocation+1, -1
	cands.ForEach(func(r target.RegNum) {
		next := s.a.regs[r].nextFixedLoc()
		if next > s.lastLoc {
			switch {
			case next < bestCover:
				bestCover, covering = next, r.Mask()
			case next == bestCover:
				covering = covering.With(r)
			}
			return
		}
		switch {
		case next > bestRest:
			bestRest, rest = next, r.Mask()
		case next == bestRest:
			rest = rest.With(r)
		}
	})
	if covering != 0 {
		return covering
	}
	return rest
}

func narrowPrevReg(s *selection, cands target.RegMask) target.RegMask {
	if !s.st.prevReg.IsReg() {
		return 0
	}
	return cands & s.st.prevReg.Mask()
}

func narrowRegOrder(s *selection, cands target.RegMask) target.RegMask {
	return cands.Lowest().Mask()
}
