package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/lirfile"
	"github.com/raymyers/ralph-lsra/pkg/regalloc"
)

var version = "v0.1.0"

// Dump flags
var (
	dInput   bool
	dBlocks  bool
	dAlloc   bool
	dResolve bool
)

// Allocation options
var (
	minimal    bool
	noOpt      bool
	verify     bool
	trace      bool
	jobs       int
	methodName string
	stress     stressValue
	color      = colorAuto
)

// ErrMethodNotFound is returned when --method names no method of the file.
var ErrMethodNotFound = errors.New("method not found")

// ErrAllocation is returned when at least one method failed to allocate.
var ErrAllocation = errors.New("allocation failed")

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// dumpFlagNames lists the dump flags that also accept a single dash.
var dumpFlagNames = []string{"dinput", "dblocks", "dalloc", "dresolve"}

// normalizeFlags converts single-dash dump flags like -dalloc to --dalloc
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		for _, flagName := range dumpFlagNames {
			if arg == "-"+flagName {
				result[i] = "--" + flagName
				break
			}
		}
		if result[i] == "" {
			result[i] = arg
		}
	}
	return result
}

// stressValue is a pflag.Value over regalloc stress modes.
type stressValue regalloc.Stress

func (s *stressValue) String() string { return regalloc.Stress(*s).String() }
func (s *stressValue) Type() string   { return "modes" }

func (s *stressValue) Set(v string) error {
	st, err := regalloc.ParseStress(v)
	if err != nil {
		return err
	}
	*s = stressValue(st)
	return nil
}

type colorMode string

const (
	colorAuto   colorMode = "auto"
	colorAlways colorMode = "always"
	colorNever  colorMode = "never"
)

func (c *colorMode) String() string { return string(*c) }
func (c *colorMode) Type() string   { return "when" }

func (c *colorMode) Set(v string) error {
	switch colorMode(v) {
	case colorAuto, colorAlways, colorNever:
		*c = colorMode(v)
		return nil
	}
	return fmt.Errorf("want auto, always or never, got %q", v)
}

// enabled reports whether dumps written to w should be colored.
func (c colorMode) enabled(w io.Writer) bool {
	switch c {
	case colorAlways:
		return true
	case colorNever:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var _ pflag.Value = (*stressValue)(nil)
var _ pflag.Value = (*colorMode)(nil)

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ralph-lsra [file.yaml...]",
		Short: "ralph-lsra runs a linear-scan register allocator on LIR problem files",
		Long: `ralph-lsra reads methods described in the LIR problem format,
assigns every reference a register or a stack home with a linear-scan
allocator, and resolves the allocation across control-flow edges.
Dump flags print the input, the block order, the per-reference
assignment and the resolution moves.

Environment defaults: RALPH_LSRA_MINIMAL, RALPH_LSRA_NOOPT,
RALPH_LSRA_STRESS, RALPH_LSRA_TRACE, RALPH_LSRA_VERIFY, RALPH_LSRA_JOBS.`,
		Version:       fmt.Sprintf("%s (problem format %s)", version, lirfile.FormatVersion),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			opts := allocOptions(errOut)
			var failed error
			for _, filename := range args {
				if err := doFile(filename, opts, out, errOut); err != nil {
					failed = err
				}
			}
			return failed
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().BoolVarP(&dInput, "dinput", "", false, "Dump the parsed methods")
	rootCmd.Flags().BoolVarP(&dBlocks, "dblocks", "", false, "Dump the block sequence")
	rootCmd.Flags().BoolVarP(&dAlloc, "dalloc", "", false, "Dump the assignment of every reference")
	rootCmd.Flags().BoolVarP(&dResolve, "dresolve", "", false, "Dump edge and local resolution moves")

	rootCmd.Flags().BoolVar(&minimal, "minimal", env.Bool("RALPH_LSRA_MINIMAL"), "Keep every local var in memory")
	rootCmd.Flags().BoolVar(&noOpt, "noopt", env.Bool("RALPH_LSRA_NOOPT"), "Sequence blocks in program order")
	rootCmd.Flags().BoolVar(&verify, "verify", env.Bool("RALPH_LSRA_VERIFY"), "Check every allocation with the verifier")
	rootCmd.Flags().BoolVar(&trace, "trace", env.Bool("RALPH_LSRA_TRACE"), "Log every allocation decision to stderr")
	rootCmd.Flags().IntVarP(&jobs, "jobs", "j", env.Int("RALPH_LSRA_JOBS", runtime.NumCPU()), "Allocate up to N methods in parallel")
	rootCmd.Flags().StringVar(&methodName, "method", "", "Allocate only the named method")

	stress = 0
	if s := env.Str("RALPH_LSRA_STRESS"); s != "" {
		if err := stress.Set(s); err != nil {
			fmt.Fprintf(errOut, "ralph-lsra: warning: RALPH_LSRA_STRESS: %v\n", err)
		}
	}
	rootCmd.Flags().Var(&stress, "stress", "Stress modes: entry, limit, worst or all (comma-separated)")
	color = colorAuto
	rootCmd.Flags().Var(&color, "color", "Color dumps: auto, always or never")

	return rootCmd
}

func allocOptions(errOut io.Writer) regalloc.Options {
	opts := regalloc.Options{
		NoOptimize: noOpt,
		Stress:     regalloc.Stress(stress),
		Verify:     verify,
	}
	if minimal {
		opts.Mode = regalloc.ModeMinimal
	}
	if trace {
		opts.Logger = slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return opts
}

// methodOutput collects what one method prints so parallel allocations
// can be reported in file order.
type methodOutput struct {
	buf bytes.Buffer
	err error
}

// doFile allocates the selected methods of one problem file
func doFile(filename string, opts regalloc.Options, out, errOut io.Writer) error {
	f, err := lirfile.Load(filename)
	if err != nil {
		fmt.Fprintf(errOut, "ralph-lsra: %v\n", err)
		return err
	}
	methods := f.Methods
	if methodName != "" {
		m := f.Method(methodName)
		if m == nil {
			err := fmt.Errorf("%s: %w: %s", filename, ErrMethodNotFound, methodName)
			fmt.Fprintf(errOut, "ralph-lsra: %v\n", err)
			return err
		}
		methods = []*lir.Method{m}
	}

	useColor := color.enabled(out)
	outputs := make([]methodOutput, len(methods))
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, m := range methods {
		g.Go(func() error {
			outputs[i].err = allocateMethod(m, opts, useColor, &outputs[i].buf)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i := range outputs {
		out.Write(outputs[i].buf.Bytes())
		if err := outputs[i].err; err != nil {
			reportError(errOut, filename, methods[i].Name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s: %w in %d of %d methods", filename, ErrAllocation, failed, len(methods))
	}
	return nil
}

// allocateMethod runs the allocator on m and writes the requested dumps
// followed by the summary line.
func allocateMethod(m *lir.Method, opts regalloc.Options, useColor bool, w io.Writer) error {
	if dInput {
		lir.NewPrinter(w).PrintMethod(m)
	}
	res, err := regalloc.Allocate(m, opts)
	if res == nil {
		return err
	}
	p := regalloc.NewPrinter(w)
	p.SetColor(useColor)
	if dBlocks {
		p.PrintBlocks(res)
	}
	if dAlloc {
		p.PrintAllocation(res)
	}
	if dResolve {
		p.PrintResolution(res)
	}
	fmt.Fprintln(w, regalloc.Summary(res))
	return err
}

// reportError prints an allocation failure, one line per verifier
// violation.
func reportError(errOut io.Writer, filename, method string, err error) {
	vs := violations(err)
	if len(vs) == 0 {
		fmt.Fprintf(errOut, "ralph-lsra: %s: %s: %v\n", filename, method, err)
		return
	}
	fmt.Fprintf(errOut, "ralph-lsra: %s: %s: %v (%d violations)\n", filename, method, regalloc.ErrVerify, len(vs))
	for _, v := range vs {
		fmt.Fprintf(errOut, "  %v\n", v)
	}
}

// violations flattens the verifier's error tree.
func violations(err error) []*regalloc.Violation {
	switch u := err.(type) {
	case *regalloc.Violation:
		return []*regalloc.Violation{u}
	case interface{ Unwrap() []error }:
		var out []*regalloc.Violation
		for _, e := range u.Unwrap() {
			out = append(out, violations(e)...)
		}
		return out
	case interface{ Unwrap() error }:
		return violations(u.Unwrap())
	}
	return nil
}
