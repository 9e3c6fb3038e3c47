package target

import "fmt"

// X64 integer registers in allocation order. RSP and RBP are reserved.
var x64Int = []Register{
	{"rax", ClassInt, false}, {"rcx", ClassInt, false}, {"rdx", ClassInt, false},
	{"rbx", ClassInt, true}, {"rsi", ClassInt, false}, {"rdi", ClassInt, false},
	{"r8", ClassInt, false}, {"r9", ClassInt, false}, {"r10", ClassInt, false},
	{"r11", ClassInt, false}, {"r12", ClassInt, true}, {"r13", ClassInt, true},
	{"r14", ClassInt, true}, {"r15", ClassInt, true},
}

// ARM64 allocatable registers. Callee-saved:
// - X19-X28 (integer)
// - V8-V15 (lower 64 bits only)
func arm64Regs() []Register {
	var regs []Register
	for i := 0; i <= 28; i++ {
		if i >= 16 && i <= 18 { // ip0, ip1 and the platform register
			continue
		}
		regs = append(regs, Register{fmt.Sprintf("x%d", i), ClassInt, i >= 19})
	}
	for i := 0; i < 32; i++ {
		regs = append(regs, Register{fmt.Sprintf("v%d", i), ClassFloat, i >= 8 && i <= 15})
	}
	// p0 is kept as the all-true governing predicate; p7-p15 are left out so
	// the file fits in a RegMask
	for i := 1; i < 7; i++ {
		regs = append(regs, Register{fmt.Sprintf("p%d", i), ClassMask, false})
	}
	return regs
}

func x64Regs() []Register {
	regs := append([]Register(nil), x64Int...)
	for i := 0; i < 16; i++ {
		regs = append(regs, Register{fmt.Sprintf("xmm%d", i), ClassFloat, false})
	}
	for i := 1; i < 8; i++ {
		regs = append(regs, Register{fmt.Sprintf("k%d", i), ClassMask, false})
	}
	return regs
}

// X64 returns the System V x86-64 register file.
func X64() *Target {
	return New("x64", x64Regs(), true, false)
}

// ARM64 returns the AAPCS64 register file.
func ARM64() *Target {
	return New("arm64", arm64Regs(), false, true)
}

// Config describes a synthetic register file, used for tests and for
// problems that want a tiny machine to force spilling.
type Config struct {
	Name              string `yaml:"name"`
	Int               int    `yaml:"int"`
	Float             int    `yaml:"float"`
	Mask              int    `yaml:"mask"`
	CalleeSavedInt    int    `yaml:"calleeSavedInt"`
	CalleeSavedFloat  int    `yaml:"calleeSavedFloat"`
	Swap              bool   `yaml:"swap"`
	PartialVectorSave bool   `yaml:"partialVectorSave"`
}

// Synthetic builds a register file from a Config. Registers are named
// r0.., f0.., p0..; the last CalleeSaved* registers of each bank are
// callee-saved.
func Synthetic(c Config) (*Target, error) {
	if c.Int+c.Float+c.Mask > MaxRegs {
		return nil, fmt.Errorf("target %s: too many registers (%d)", c.Name, c.Int+c.Float+c.Mask)
	}
	if c.CalleeSavedInt > c.Int || c.CalleeSavedFloat > c.Float {
		return nil, fmt.Errorf("target %s: more callee-saved than available registers", c.Name)
	}
	var regs []Register
	for i := 0; i < c.Int; i++ {
		regs = append(regs, Register{fmt.Sprintf("r%d", i), ClassInt, i >= c.Int-c.CalleeSavedInt})
	}
	for i := 0; i < c.Float; i++ {
		regs = append(regs, Register{fmt.Sprintf("f%d", i), ClassFloat, i >= c.Float-c.CalleeSavedFloat})
	}
	for i := 0; i < c.Mask; i++ {
		regs = append(regs, Register{fmt.Sprintf("p%d", i), ClassMask, false})
	}
	name := c.Name
	if name == "" {
		name = "synthetic"
	}
	return New(name, regs, c.Swap, c.PartialVectorSave), nil
}

// Lookup returns a built-in target by name.
func Lookup(name string) (*Target, error) {
	switch name {
	case "x64", "amd64":
		return X64(), nil
	case "arm64", "aarch64":
		return ARM64(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
}
