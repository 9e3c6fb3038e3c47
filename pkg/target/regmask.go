package target

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxRegs is the largest register file a RegMask can describe.
const MaxRegs = 64

// RegNum identifies a physical register by its ordinal in Target.Regs.
type RegNum int16

const (
	// RegNone means no register has been assigned.
	RegNone RegNum = -1
	// RegStack means the value lives in its stack home.
	RegStack RegNum = -2
)

// IsReg reports whether r names a physical register.
func (r RegNum) IsReg() bool {
	return r >= 0
}

// Mask returns the single-register mask for r, or 0 for a sentinel.
func (r RegNum) Mask() RegMask {
	if r < 0 {
		return 0
	}
	return RegMask(1) << uint(r)
}

// RegMask is a set of physical registers.
type RegMask uint64

// MaskOf builds a mask from registers.
func MaskOf(regs ...RegNum) RegMask {
	var m RegMask
	for _, r := range regs {
		m |= r.Mask()
	}
	return m
}

func (m RegMask) Has(r RegNum) bool {
	return r >= 0 && m&r.Mask() != 0
}

func (m RegMask) With(r RegNum) RegMask {
	return m | r.Mask()
}

func (m RegMask) Without(r RegNum) RegMask {
	return m &^ r.Mask()
}

func (m RegMask) IsEmpty() bool {
	return m == 0
}

func (m RegMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

// IsSingle reports whether exactly one register is in the set.
func (m RegMask) IsSingle() bool {
	return m != 0 && m&(m-1) == 0
}

// Lowest returns the lowest-numbered register in the set, or RegNone.
func (m RegMask) Lowest() RegNum {
	if m == 0 {
		return RegNone
	}
	return RegNum(bits.TrailingZeros64(uint64(m)))
}

// ForEach calls f for every register in ascending order.
func (m RegMask) ForEach(f func(RegNum)) {
	for m != 0 {
		r := RegNum(bits.TrailingZeros64(uint64(m)))
		f(r)
		m &= m - 1
	}
}

// Regs returns the registers of m in ascending order.
func (m RegMask) Regs() []RegNum {
	out := make([]RegNum, 0, m.Count())
	m.ForEach(func(r RegNum) { out = append(out, r) })
	return out
}

// String formats the mask with ordinals; use Target.MaskString for names.
func (m RegMask) String() string {
	var parts []string
	m.ForEach(func(r RegNum) { parts = append(parts, "r"+strconv.Itoa(int(r))) })
	return "{" + strings.Join(parts, " ") + "}"
}
