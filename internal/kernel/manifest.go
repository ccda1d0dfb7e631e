package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/axlab/axsweep/internal/pipeline"
	"github.com/axlab/axsweep/internal/source"
	"github.com/axlab/axsweep/internal/variant"
)

// Spec is one validated kernel manifest. File paths are resolved relative
// to the manifest's directory at load time.
type Spec struct {
	Name        string
	Description string

	// Source is the annotated kernel source the sweep rewrites.
	Source string

	// Input is the simulator's input data file, staged into the
	// workspace. Optional when no tool template references {input}.
	Input string

	// Header is the approximate-operator header, staged into the
	// workspace. Optional when no tool template references {header}.
	Header string

	// Stage lists additional files copied into the workspace root
	// (companion sources, profiler models). Templates reach them via
	// {workspace}.
	Stage []string

	// Marker overrides the annotation token; empty means the default.
	Marker string

	// Class is the operand class assumed when a candidate line is not
	// decisive.
	Class source.Class

	// Operators maps operation kinds to replacement function names. A
	// manifest that sets operators owns the whole table; omitting it
	// selects the stock header's names.
	Operators source.OpTable

	Tools Tools
}

// Tools are the kernel's toolchain templates. Compile and Simulate are
// mandatory; Disassemble and Profile run best-effort when present.
type Tools struct {
	Compile     pipeline.Tool
	Disassemble pipeline.Tool
	Simulate    pipeline.Tool
	Profile     pipeline.Tool
}

// ManifestError is a manifest defect with its CUE source position.
type ManifestError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ManifestError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE's own errors.
func formatCUEError(field string, err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &ManifestError{Field: field, Message: first.Error(), Pos: positions[0]}
	}
	return &ManifestError{Field: field, Message: first.Error()}
}

// Registry holds the loaded kernel manifests.
type Registry struct {
	kernels map[string]*Spec
}

// Get returns the named kernel's manifest.
func (r *Registry) Get(name string) (*Spec, bool) {
	s, ok := r.kernels[name]
	return s, ok
}

// Names lists the registered kernels, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir loads every .cue manifest under dir into a Registry. Two files
// defining the same kernel name collide and fail the load.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load kernel manifests: %w", err)
	}

	reg := &Registry{kernels: make(map[string]*Spec)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cue") {
			continue
		}
		specs, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			if _, dup := reg.kernels[s.Name]; dup {
				return nil, fmt.Errorf("kernel %q defined more than once", s.Name)
			}
			reg.kernels[s.Name] = s
		}
	}
	if len(reg.kernels) == 0 {
		return nil, fmt.Errorf("no kernel manifests found in %s", dir)
	}
	return reg, nil
}

// LoadFile parses one manifest file. A file may define several kernels
// under its kernel struct.
func LoadFile(path string) ([]*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load kernel manifest: %w", err)
	}

	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, formatCUEError("cue", err)
	}

	kernelsVal := v.LookupPath(cue.ParsePath("kernel"))
	if !kernelsVal.Exists() {
		return nil, &ManifestError{
			Field:   "kernel",
			Message: "manifest defines no kernel struct",
			Pos:     v.Pos(),
		}
	}

	iter, err := kernelsVal.Fields()
	if err != nil {
		return nil, formatCUEError("kernel", err)
	}

	baseDir := filepath.Dir(path)
	var specs []*Spec
	for iter.Next() {
		spec, err := compileSpec(iter.Label(), iter.Value(), baseDir)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, &ManifestError{
			Field:   "kernel",
			Message: "kernel struct is empty",
			Pos:     kernelsVal.Pos(),
		}
	}
	return specs, nil
}

// compileSpec parses and validates one kernel struct.
func compileSpec(name string, v cue.Value, baseDir string) (*Spec, error) {
	spec := &Spec{
		Name:      name,
		Class:     source.ClassFloat,
		Operators: source.DefaultOpTable(),
	}
	field := func(f string) string { return fmt.Sprintf("kernel.%s.%s", name, f) }

	srcVal := v.LookupPath(cue.ParsePath("source"))
	if !srcVal.Exists() {
		return nil, &ManifestError{Field: field("source"), Message: "source is required", Pos: v.Pos()}
	}
	src, err := srcVal.String()
	if err != nil {
		return nil, formatCUEError(field("source"), err)
	}
	spec.Source = resolve(baseDir, src)

	if descVal := v.LookupPath(cue.ParsePath("description")); descVal.Exists() {
		if spec.Description, err = descVal.String(); err != nil {
			return nil, formatCUEError(field("description"), err)
		}
	}
	if inputVal := v.LookupPath(cue.ParsePath("input")); inputVal.Exists() {
		in, err := inputVal.String()
		if err != nil {
			return nil, formatCUEError(field("input"), err)
		}
		spec.Input = resolve(baseDir, in)
	}
	if headerVal := v.LookupPath(cue.ParsePath("header")); headerVal.Exists() {
		h, err := headerVal.String()
		if err != nil {
			return nil, formatCUEError(field("header"), err)
		}
		spec.Header = resolve(baseDir, h)
	}
	if markerVal := v.LookupPath(cue.ParsePath("marker")); markerVal.Exists() {
		if spec.Marker, err = markerVal.String(); err != nil {
			return nil, formatCUEError(field("marker"), err)
		}
	}

	if classVal := v.LookupPath(cue.ParsePath("class")); classVal.Exists() {
		className, err := classVal.String()
		if err != nil {
			return nil, formatCUEError(field("class"), err)
		}
		class, ok := source.ParseClass(className)
		if !ok {
			return nil, &ManifestError{
				Field:   field("class"),
				Message: fmt.Sprintf("unknown operand class %q (use float or int)", className),
				Pos:     classVal.Pos(),
			}
		}
		spec.Class = class
	}

	if stageVal := v.LookupPath(cue.ParsePath("stage")); stageVal.Exists() {
		items, err := stringList(stageVal)
		if err != nil {
			return nil, formatCUEError(field("stage"), err)
		}
		for _, item := range items {
			spec.Stage = append(spec.Stage, resolve(baseDir, item))
		}
	}

	if opsVal := v.LookupPath(cue.ParsePath("operators")); opsVal.Exists() {
		ops, err := parseOperators(name, opsVal)
		if err != nil {
			return nil, err
		}
		spec.Operators = ops
	}

	toolsVal := v.LookupPath(cue.ParsePath("tools"))
	if !toolsVal.Exists() {
		return nil, &ManifestError{Field: field("tools"), Message: "tools struct is required", Pos: v.Pos()}
	}
	for _, t := range []struct {
		name string
		dst  *pipeline.Tool
	}{
		{"compile", &spec.Tools.Compile},
		{"disassemble", &spec.Tools.Disassemble},
		{"simulate", &spec.Tools.Simulate},
		{"profile", &spec.Tools.Profile},
	} {
		toolVal := toolsVal.LookupPath(cue.ParsePath(t.name))
		if !toolVal.Exists() {
			continue
		}
		tool, err := parseTool(field("tools."+t.name), toolVal)
		if err != nil {
			return nil, err
		}
		*t.dst = tool
	}
	if !spec.Tools.Compile.Configured() {
		return nil, &ManifestError{Field: field("tools.compile"), Message: "compile tool is required", Pos: toolsVal.Pos()}
	}
	if !spec.Tools.Simulate.Configured() {
		return nil, &ManifestError{Field: field("tools.simulate"), Message: "simulate tool is required", Pos: toolsVal.Pos()}
	}

	if err := spec.checkPlaceholders(toolsVal); err != nil {
		return nil, err
	}
	return spec, nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(baseDir, path)
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseOperators(kernelName string, v cue.Value) (source.OpTable, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(fmt.Sprintf("kernel.%s.operators", kernelName), err)
	}
	table := make(source.OpTable)
	for iter.Next() {
		kindName := iter.Label()
		kind, ok := variant.ParseOpKind(kindName)
		if !ok {
			return nil, &ManifestError{
				Field:   fmt.Sprintf("kernel.%s.operators.%s", kernelName, kindName),
				Message: "unknown operation kind",
				Pos:     iter.Value().Pos(),
			}
		}
		fn, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(fmt.Sprintf("kernel.%s.operators.%s", kernelName, kindName), err)
		}
		table[kind] = fn
	}
	return table, nil
}

func parseTool(field string, v cue.Value) (pipeline.Tool, error) {
	var tool pipeline.Tool

	argvVal := v.LookupPath(cue.ParsePath("argv"))
	if !argvVal.Exists() {
		return tool, &ManifestError{Field: field + ".argv", Message: "argv is required", Pos: v.Pos()}
	}
	argv, err := stringList(argvVal)
	if err != nil {
		return tool, formatCUEError(field+".argv", err)
	}
	if len(argv) == 0 {
		return tool, &ManifestError{Field: field + ".argv", Message: "argv must not be empty", Pos: argvVal.Pos()}
	}
	tool.Argv = argv

	if stdoutVal := v.LookupPath(cue.ParsePath("stdout")); stdoutVal.Exists() {
		if tool.Stdout, err = stdoutVal.String(); err != nil {
			return tool, formatCUEError(field+".stdout", err)
		}
	}
	if timeoutVal := v.LookupPath(cue.ParsePath("timeout")); timeoutVal.Exists() {
		s, err := timeoutVal.String()
		if err != nil {
			return tool, formatCUEError(field+".timeout", err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return tool, &ManifestError{
				Field:   field + ".timeout",
				Message: fmt.Sprintf("invalid duration %q", s),
				Pos:     timeoutVal.Pos(),
			}
		}
		tool.Timeout = d
	}
	return tool, nil
}

// knownPlaceholders is the variable set the adapter supplies per variant.
var knownPlaceholders = map[string]bool{
	"source":    true,
	"binary":    true,
	"input":     true,
	"output":    true,
	"log":       true,
	"dump":      true,
	"profile":   true,
	"header":    true,
	"include":   true,
	"workspace": true,
}

// checkPlaceholders rejects templates referencing variables the adapter
// will never supply, and templates needing files the manifest did not name.
func (s *Spec) checkPlaceholders(toolsVal cue.Value) error {
	for _, t := range []struct {
		name string
		tool pipeline.Tool
	}{
		{"compile", s.Tools.Compile},
		{"disassemble", s.Tools.Disassemble},
		{"simulate", s.Tools.Simulate},
		{"profile", s.Tools.Profile},
	} {
		for _, tmpl := range append([]string{t.tool.Stdout}, t.tool.Argv...) {
			for _, m := range pipeline.Placeholders(tmpl) {
				field := fmt.Sprintf("kernel.%s.tools.%s", s.Name, t.name)
				if !knownPlaceholders[m] {
					return &ManifestError{
						Field:   field,
						Message: fmt.Sprintf("unknown placeholder {%s}", m),
						Pos:     toolsVal.Pos(),
					}
				}
				if m == "input" && s.Input == "" {
					return &ManifestError{
						Field:   field,
						Message: "template uses {input} but the manifest names no input file",
						Pos:     toolsVal.Pos(),
					}
				}
				if m == "header" && s.Header == "" {
					return &ManifestError{
						Field:   field,
						Message: "template uses {header} but the manifest names no header file",
						Pos:     toolsVal.Pos(),
					}
				}
			}
		}
	}
	return nil
}
