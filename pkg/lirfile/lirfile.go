// Package lirfile reads allocation problems from YAML: a target register
// file and one or more methods in the lir demand model.
//
//	version: v1
//	target: x64            # or a synthetic register file:
//	                       # target: {int: 2, float: 2, swap: true}
//	methods:
//	  - name: f
//	    intervals:
//	      - {name: a, kind: var}
//	      - {name: t, kind: temp, prefer: [rcx]}
//	    blocks:
//	      - name: B0
//	        weight: 1
//	        succs: [B1]
//	        liveOut: [a]
//	        nodes:
//	          - name: a = 1
//	            refs: [{def: a}]
//
// A ref names its kind by its single key (def, use, fixed, kill, killGC,
// paramDef, zeroInit, dummyDef, exposedUse, upperSave, upperRestore) and
// takes optional regs, lastUse, delayFree, optional, internal, atDef and
// consecutive settings.
package lirfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/raymyers/ralph-lsra/pkg/lir"
	"github.com/raymyers/ralph-lsra/pkg/target"
)

// FormatVersion is the newest problem format this package reads.
const FormatVersion = "v1"

var (
	// ErrUnsupportedVersion is returned for a missing or newer format version.
	ErrUnsupportedVersion = errors.New("unsupported problem format version")
	// ErrUnknownRegister is returned for a register name the target lacks.
	ErrUnknownRegister = errors.New("unknown register")
	// ErrUnknownName is returned for a reference to an undeclared interval
	// or block.
	ErrUnknownName = errors.New("unknown name")
)

// File is a parsed problem file. Every method is finalized.
type File struct {
	Version string
	Target  *target.Target
	Methods []*lir.Method
}

// Method returns the method with the given name, or nil.
func (f *File) Method(name string) *lir.Method {
	for _, m := range f.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Load reads and parses a problem file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading problem file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a problem from YAML and builds its methods.
func Parse(data []byte) (*File, error) {
	var doc fileSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing problem: %w", err)
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	tgt, err := doc.Target.build()
	if err != nil {
		return nil, err
	}
	f := &File{Version: doc.Version, Target: tgt}
	for i := range doc.Methods {
		ms := &doc.Methods[i]
		mt := tgt
		if ms.Target != nil {
			if mt, err = ms.Target.build(); err != nil {
				return nil, fmt.Errorf("method %s: %w", ms.Name, err)
			}
		}
		m, err := ms.build(mt)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", ms.Name, err)
		}
		f.Methods = append(f.Methods, m)
	}
	return f, nil
}

func checkVersion(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	if semver.Compare(semver.Major(v), FormatVersion) > 0 {
		return fmt.Errorf("%w: %s is newer than %s", ErrUnsupportedVersion, v, FormatVersion)
	}
	return nil
}

type fileSpec struct {
	Version string       `yaml:"version"`
	Target  *targetSpec  `yaml:"target"`
	Methods []methodSpec `yaml:"methods"`
}

// targetSpec is either a built-in target name or a synthetic register
// file description.
type targetSpec struct {
	name      string
	synthetic *target.Config
}

// UnmarshalYAML implements yaml.Unmarshaler for targetSpec.
func (t *targetSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&t.name)
	}
	var c target.Config
	if err := value.Decode(&c); err != nil {
		return fmt.Errorf("invalid synthetic target: %w", err)
	}
	t.synthetic = &c
	return nil
}

func (t *targetSpec) build() (*target.Target, error) {
	switch {
	case t == nil:
		return target.X64(), nil
	case t.synthetic != nil:
		return target.Synthetic(*t.synthetic)
	}
	return target.Lookup(t.name)
}

type methodSpec struct {
	Name      string         `yaml:"name"`
	Target    *targetSpec    `yaml:"target"`
	Optimize  *bool          `yaml:"optimize"`
	Intervals []intervalSpec `yaml:"intervals"`
	Blocks    []blockSpec    `yaml:"blocks"`
}

type intervalSpec struct {
	Name              string   `yaml:"name"`
	Class             string   `yaml:"class"`
	Kind              string   `yaml:"kind"`
	Value             int64    `yaml:"value"`
	GCRef             bool     `yaml:"gcref"`
	WriteThru         bool     `yaml:"writeThru"`
	PreferCalleeSaved bool     `yaml:"preferCalleeSaved"`
	Prefer            []string `yaml:"prefer"`
	Avoid             []string `yaml:"avoid"`
	Related           string   `yaml:"related"`
	UpperOf           string   `yaml:"upperOf"`
}

type blockSpec struct {
	Name    string     `yaml:"name"`
	Weight  *float64   `yaml:"weight"`
	Succs   []string   `yaml:"succs"`
	Flags   []string   `yaml:"flags"`
	LiveIn  []string   `yaml:"liveIn"`
	LiveOut []string   `yaml:"liveOut"`
	Nodes   []nodeSpec `yaml:"nodes"`
}

type nodeSpec struct {
	Name string    `yaml:"name"`
	Refs []refSpec `yaml:"refs"`
}

type refSpec struct {
	Def          string    `yaml:"def"`
	Use          string    `yaml:"use"`
	ParamDef     string    `yaml:"paramDef"`
	ZeroInit     string    `yaml:"zeroInit"`
	DummyDef     string    `yaml:"dummyDef"`
	ExposedUse   string    `yaml:"exposedUse"`
	UpperSave    string    `yaml:"upperSave"`
	UpperRestore string    `yaml:"upperRestore"`
	Fixed        string    `yaml:"fixed"`
	Kill         *[]string `yaml:"kill"`
	KillGC       *[]string `yaml:"killGC"`

	Regs        []string `yaml:"regs"`
	LastUse     bool     `yaml:"lastUse"`
	DelayFree   bool     `yaml:"delayFree"`
	Optional    bool     `yaml:"optional"`
	Internal    bool     `yaml:"internal"`
	AtDef       bool     `yaml:"atDef"`
	Consecutive int      `yaml:"consecutive"`
}

var blockFlagNames = map[string]lir.BlockFlags{
	"handlerEntry": lir.HandlerEntry,
	"ehIn":         lir.EHBoundaryIn,
	"ehOut":        lir.EHBoundaryOut,
}

// builder resolves names while one method is assembled.
type builder struct {
	m         *lir.Method
	intervals map[string]*lir.Interval
	blocks    map[string]lir.BlockID
}

func (ms *methodSpec) build(tgt *target.Target) (*lir.Method, error) {
	if ms.Name == "" {
		return nil, errors.New("method without a name")
	}
	b := &builder{
		m:         lir.NewMethod(ms.Name, tgt),
		intervals: make(map[string]*lir.Interval),
		blocks:    make(map[string]lir.BlockID),
	}
	if ms.Optimize != nil {
		b.m.Optimize = *ms.Optimize
	}
	if err := b.addIntervals(ms.Intervals); err != nil {
		return nil, err
	}
	if err := b.addBlocks(ms.Blocks); err != nil {
		return nil, err
	}
	if err := b.m.Finalize(); err != nil {
		return nil, err
	}
	return b.m, nil
}

func (b *builder) addIntervals(specs []intervalSpec) error {
	for _, is := range specs {
		if is.Name == "" {
			return errors.New("interval without a name")
		}
		if _, dup := b.intervals[is.Name]; dup {
			return fmt.Errorf("interval %s declared twice", is.Name)
		}
		class := target.ClassInt
		if is.Class != "" {
			c, err := target.ParseClass(is.Class)
			if err != nil {
				return fmt.Errorf("interval %s: %w", is.Name, err)
			}
			class = c
		}
		kind := lir.Temp
		if is.Kind != "" {
			k, err := lir.ParseIntervalKind(is.Kind)
			if err != nil {
				return fmt.Errorf("interval %s: %w", is.Name, err)
			}
			kind = k
		}
		iv := b.m.NewInterval(is.Name, class, kind)
		iv.ConstValue = is.Value
		iv.GCRef = is.GCRef
		iv.WriteThru = is.WriteThru
		iv.PreferCalleeSaved = is.PreferCalleeSaved
		var err error
		if iv.Preferences, err = b.regs(is.Prefer); err != nil {
			return fmt.Errorf("interval %s: %w", is.Name, err)
		}
		if iv.Aversion, err = b.regs(is.Avoid); err != nil {
			return fmt.Errorf("interval %s: %w", is.Name, err)
		}
		b.intervals[is.Name] = iv
	}
	// links may point forward
	for _, is := range specs {
		iv := b.intervals[is.Name]
		if is.Related != "" {
			rel, err := b.interval(is.Related)
			if err != nil {
				return fmt.Errorf("interval %s: %w", is.Name, err)
			}
			iv.Related = rel.ID
		}
		if is.UpperOf != "" {
			base, err := b.interval(is.UpperOf)
			if err != nil {
				return fmt.Errorf("interval %s: %w", is.Name, err)
			}
			iv.UpperOf = base.ID
		}
	}
	return nil
}

func (b *builder) addBlocks(specs []blockSpec) error {
	for _, bs := range specs {
		if bs.Name == "" {
			return errors.New("block without a name")
		}
		if _, dup := b.blocks[bs.Name]; dup {
			return fmt.Errorf("block %s declared twice", bs.Name)
		}
		weight := 1.0
		if bs.Weight != nil {
			weight = *bs.Weight
		}
		b.blocks[bs.Name] = b.m.AddBlock(bs.Name, weight).ID
	}
	for _, bs := range specs {
		blk := b.m.Blocks[b.blocks[bs.Name]]
		for _, s := range bs.Succs {
			id, ok := b.blocks[s]
			if !ok {
				return fmt.Errorf("block %s: %w: successor %s", bs.Name, ErrUnknownName, s)
			}
			blk.AddSucc(id)
		}
		for _, fl := range bs.Flags {
			f, ok := blockFlagNames[fl]
			if !ok {
				return fmt.Errorf("block %s: unknown flag %q", bs.Name, fl)
			}
			blk.Flags |= f
		}
		for _, set := range []struct {
			names []string
			add   func(int) bool
		}{
			{bs.LiveIn, blk.LiveIn.Insert},
			{bs.LiveOut, blk.LiveOut.Insert},
		} {
			for _, n := range set.names {
				iv, err := b.interval(n)
				if err != nil {
					return fmt.Errorf("block %s: %w", bs.Name, err)
				}
				set.add(int(iv.ID))
			}
		}
		for _, ns := range bs.Nodes {
			n := lir.Node{Name: ns.Name}
			for k := range ns.Refs {
				r, err := b.ref(&ns.Refs[k])
				if err != nil {
					return fmt.Errorf("block %s node %q ref %d: %w", bs.Name, ns.Name, k, err)
				}
				n.Refs = append(n.Refs, r)
			}
			blk.Append(n)
		}
	}
	return nil
}

func (b *builder) interval(name string) (*lir.Interval, error) {
	iv, ok := b.intervals[name]
	if !ok {
		return nil, fmt.Errorf("%w: interval %s", ErrUnknownName, name)
	}
	return iv, nil
}

func (b *builder) regs(names []string) (target.RegMask, error) {
	var mask target.RegMask
	for _, n := range names {
		r, ok := b.m.Target.RegByName(n)
		if !ok {
			return 0, fmt.Errorf("%w %q on %s", ErrUnknownRegister, n, b.m.Target.Name)
		}
		mask = mask.With(r)
	}
	return mask, nil
}

// ref converts one ref. Exactly one kind key must be present.
func (b *builder) ref(rs *refSpec) (lir.Ref, error) {
	r := lir.Ref{Interval: lir.NoInterval, Consecutive: rs.Consecutive}
	var kinds []lir.RefKind
	var name string
	for _, k := range []struct {
		kind lir.RefKind
		name string
	}{
		{lir.Def, rs.Def},
		{lir.Use, rs.Use},
		{lir.ParamDef, rs.ParamDef},
		{lir.ZeroInit, rs.ZeroInit},
		{lir.DummyDef, rs.DummyDef},
		{lir.ExposedUse, rs.ExposedUse},
		{lir.UpperVectorSave, rs.UpperSave},
		{lir.UpperVectorRestore, rs.UpperRestore},
	} {
		if k.name != "" {
			kinds = append(kinds, k.kind)
			name = k.name
		}
	}
	if rs.Fixed != "" {
		kinds = append(kinds, lir.FixedReg)
	}
	if rs.Kill != nil {
		kinds = append(kinds, lir.Kill)
	}
	if rs.KillGC != nil {
		kinds = append(kinds, lir.KillGCRefs)
	}
	if len(kinds) != 1 {
		return r, fmt.Errorf("want exactly one ref kind, got %d", len(kinds))
	}
	r.Kind = kinds[0]

	var err error
	switch r.Kind {
	case lir.FixedReg:
		r.Mask, err = b.regs([]string{rs.Fixed})
	case lir.Kill:
		r.Mask, err = b.regs(*rs.Kill)
	case lir.KillGCRefs:
		r.Mask, err = b.regs(*rs.KillGC)
	default:
		iv, ierr := b.interval(name)
		if ierr != nil {
			return r, ierr
		}
		r.Interval = iv.ID
		r.Mask, err = b.regs(rs.Regs)
	}
	if err != nil {
		return r, err
	}

	for _, fl := range []struct {
		set  bool
		flag lir.RefFlags
	}{
		{rs.LastUse, lir.LastUse},
		{rs.DelayFree, lir.DelayFree},
		{rs.Optional, lir.RegOptional},
		{rs.Internal, lir.InternalRef},
		{rs.AtDef, lir.AtDef},
	} {
		if fl.set {
			r.Flags |= fl.flag
		}
	}
	return r, nil
}
