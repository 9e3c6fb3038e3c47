package regalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Mode selects the allocation strategy for a method.
type Mode uint8

const (
	// ModeFull enregisters local vars across references and blocks.
	ModeFull Mode = iota
	// ModeMinimal keeps every local var in memory: a use reloads it for one
	// location and a def stores it back immediately.
	ModeMinimal
)

func (m Mode) String() string {
	if m == ModeMinimal {
		return "minimal"
	}
	return "full"
}

// Stress flags perturb allocation to shake out resolution bugs.
type Stress uint8

const (
	// StressEntryOnStack starts every block with its live-in vars on the stack.
	StressEntryOnStack Stress = 1 << iota
	// StressLimitRegs restricts every bank to its first StressRegLimit registers.
	StressLimitRegs
	// StressWorstPred inherits block entry state from the lowest-weight
	// predecessor.
	StressWorstPred
)

// StressAll turns on every stress mode.
const StressAll = StressEntryOnStack | StressLimitRegs | StressWorstPred

func (s Stress) Has(flag Stress) bool {
	return s&flag != 0
}

var stressNames = []struct {
	name string
	flag Stress
}{
	{"entry", StressEntryOnStack},
	{"limit", StressLimitRegs},
	{"worst", StressWorstPred},
}

func (s Stress) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, sn := range stressNames {
		if s.Has(sn.flag) {
			parts = append(parts, sn.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseStress reads a comma-separated list of stress modes: entry, limit,
// worst, or all. The empty string and "none" select no stress.
func ParseStress(list string) (Stress, error) {
	var s Stress
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "", "none":
			continue
		case "all":
			s |= StressAll
			continue
		}
		found := false
		for _, sn := range stressNames {
			if sn.name == part {
				s |= sn.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown stress mode %q", part)
		}
	}
	return s, nil
}

// DefaultStressRegLimit is used when StressLimitRegs is on and
// Options.StressRegLimit is zero.
const DefaultStressRegLimit = 3

// Options configure one allocation.
type Options struct {
	Mode Mode
	// NoOptimize forces program-order block sequencing even for methods
	// that ask for optimization.
	NoOptimize     bool
	Stress         Stress
	StressRegLimit int
	// Verify runs the post-allocation checker and fails on violations.
	Verify bool
	// Logger receives Debug-level traces of every decision. Nil discards.
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (o Options) regLimit() int {
	if o.StressRegLimit > 0 {
		return o.StressRegLimit
	}
	return DefaultStressRegLimit
}

var (
	// ErrInternal wraps allocator consistency failures. The method cannot
	// be compiled.
	ErrInternal = errors.New("register allocator internal error")
	// ErrVerify is returned when the post-allocation checker finds a
	// violation.
	ErrVerify = errors.New("allocation verification failed")
)

// InternalError describes a broken allocator invariant. It is raised with
// panic inside the pass and turned into an error by Allocate.
type InternalError struct {
	Method   string
	Location int
	Msg      string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s @%d: %s", e.Method, e.Location, e.Msg)
}

func (e *InternalError) Unwrap() error {
	return ErrInternal
}
