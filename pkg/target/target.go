// Package target describes the physical register file the allocator works
// against: register banks, the callee/caller-saved split and the few ISA
// capabilities (register exchange, partial vector preservation) that change
// allocation decisions.
package target

import (
	"errors"
	"fmt"
	"strings"
)

// RegClass is the type of value a register can hold.
type RegClass uint8

const (
	ClassInt RegClass = iota
	ClassFloat
	ClassVector // vector values; allocated from the float bank
	ClassMask   // predicate registers
	NumClasses
)

var classNames = [...]string{"int", "float", "vector", "mask"}

func (c RegClass) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", c)
}

// ParseClass converts a class name back to a RegClass.
func ParseClass(s string) (RegClass, error) {
	for i, n := range classNames {
		if n == s {
			return RegClass(i), nil
		}
	}
	return 0, fmt.Errorf("unknown register class %q", s)
}

// Bank returns the register bank a class allocates from.
func (c RegClass) Bank() RegClass {
	if c == ClassVector {
		return ClassFloat
	}
	return c
}

// Register is one physical register.
type Register struct {
	Name        string
	Bank        RegClass
	CalleeSaved bool
}

// Target is an ISA register file.
type Target struct {
	Name string
	Regs []Register

	// HasSwap is true when the int bank has an exchange instruction.
	HasSwap bool
	// PartialVectorSave is true when callee-saved float registers only
	// preserve the lower half of a vector across calls.
	PartialVectorSave bool

	banks       [NumClasses]RegMask
	calleeSaved RegMask
	byName      map[string]RegNum
}

// ErrUnknownTarget is returned by Lookup for an unregistered name.
var ErrUnknownTarget = errors.New("unknown target")

// New builds a Target and its derived masks.
func New(name string, regs []Register, hasSwap, partialVectorSave bool) *Target {
	if len(regs) > MaxRegs {
		panic(fmt.Sprintf("target %s: %d registers exceeds %d", name, len(regs), MaxRegs))
	}
	t := &Target{
		Name:              name,
		Regs:              regs,
		HasSwap:           hasSwap,
		PartialVectorSave: partialVectorSave,
		byName:            make(map[string]RegNum, len(regs)),
	}
	for i, r := range regs {
		n := RegNum(i)
		t.banks[r.Bank] = t.banks[r.Bank].With(n)
		if r.CalleeSaved {
			t.calleeSaved = t.calleeSaved.With(n)
		}
		t.byName[strings.ToLower(r.Name)] = n
	}
	return t
}

// NumRegs returns the number of physical registers.
func (t *Target) NumRegs() int {
	return len(t.Regs)
}

// Legal returns every register that can hold a value of class c.
func (t *Target) Legal(c RegClass) RegMask {
	return t.banks[c.Bank()]
}

// CalleeSaved returns the callee-saved registers of class c.
func (t *Target) CalleeSaved(c RegClass) RegMask {
	return t.banks[c.Bank()] & t.calleeSaved
}

// CallerSaved returns the registers of class c a call clobbers.
func (t *Target) CallerSaved(c RegClass) RegMask {
	return t.banks[c.Bank()] &^ t.calleeSaved
}

// CallKillSet is the full set of registers clobbered by a call.
func (t *Target) CallKillSet() RegMask {
	var all RegMask
	for _, b := range t.banks {
		all |= b
	}
	return all &^ t.calleeSaved
}

// IsCalleeSaved returns true if the register is preserved across calls.
func (t *Target) IsCalleeSaved(r RegNum) bool {
	return t.calleeSaved.Has(r)
}

// BankOf returns the bank of a register.
func (t *Target) BankOf(r RegNum) RegClass {
	return t.Regs[r].Bank
}

// RegName returns the name of a register, or a location name for the
// RegNone and RegStack sentinels.
func (t *Target) RegName(r RegNum) string {
	switch {
	case r == RegNone:
		return "-"
	case r == RegStack:
		return "STK"
	case r >= 0 && int(r) < len(t.Regs):
		return t.Regs[r].Name
	}
	return fmt.Sprintf("r?%d", r)
}

// RegByName looks up a register by (case-insensitive) name.
func (t *Target) RegByName(name string) (RegNum, bool) {
	r, ok := t.byName[strings.ToLower(name)]
	return r, ok
}

// MaskString formats a mask with register names.
func (t *Target) MaskString(m RegMask) string {
	if m == 0 {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	m.ForEach(func(r RegNum) {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		sb.WriteString(t.RegName(r))
	})
	sb.WriteByte('}')
	return sb.String()
}

// Limit returns a copy of t in which only the first n registers of every
// bank remain; the rest are dropped from the register list entirely so that
// RegNum ordinals of kept registers are unchanged.
func (t *Target) Limit(n int) *Target {
	if n <= 0 {
		return t
	}
	regs := make([]Register, len(t.Regs))
	copy(regs, t.Regs)
	c := New(t.Name+"-limited", regs, t.HasSwap, t.PartialVectorSave)
	for b := range c.banks {
		kept := RegMask(0)
		count := 0
		c.banks[b].ForEach(func(r RegNum) {
			if count < n {
				kept = kept.With(r)
				count++
			}
		})
		c.banks[b] = kept
	}
	return c
}
