// Package pipeline runs one materialized variant through the external
// toolchain: compile, disassemble, simulate, profile. Tools are argv
// templates from the kernel manifest; every stage runs under
// exec.CommandContext with its own timeout, and captured output lands in
// the variant's log artifact so concurrent variants never collide.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/axlab/axsweep/internal/variant"
)

// Stage names, also the prefixes of failure reasons in the ledger.
const (
	StageCompile     = "compile"
	StageDisassemble = "disassemble"
	StageSimulate    = "simulate"
	StageProfile     = "profile"
)

// DefaultMaxOutput caps captured stdout+stderr per stage.
const DefaultMaxOutput = 64 << 10

// Tool is one external command template. Argv elements may carry {name}
// placeholders expanded per variant; Stdout, when set, is a path template
// the stage's stdout is redirected to (the objdump idiom), leaving only
// stderr in the capture buffer.
type Tool struct {
	Argv    []string
	Stdout  string
	Timeout time.Duration
}

// Configured reports whether the tool has a command to run. Optional
// stages (disassemble, profile) are skipped when unconfigured.
func (t Tool) Configured() bool { return len(t.Argv) > 0 }

// Vars maps placeholder names to per-variant values.
type Vars map[string]string

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Expand substitutes placeholders in the template. Every placeholder must
// resolve; a missing name is a manifest defect, not a variant failure.
func (t Tool) Expand(vars Vars) ([]string, error) {
	out := make([]string, len(t.Argv))
	for i, arg := range t.Argv {
		s, err := expand(arg, vars)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Placeholders lists the placeholder names a template references, in
// order of appearance.
func Placeholders(tmpl string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, m[1])
	}
	return names
}

func expand(tmpl string, vars Vars) (string, error) {
	var missing string
	s := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("template %q: unknown placeholder {%s}", tmpl, missing)
	}
	return s, nil
}

// StageResult captures one stage execution.
type StageResult struct {
	Stage     string
	ExitCode  int
	Output    string
	Truncated bool
	TimedOut  bool
	Duration  time.Duration
}

// Report is the pipeline outcome for one variant: every stage that ran,
// plus notes from best-effort stages that failed without failing the
// variant.
type Report struct {
	Stages []StageResult
	Notes  []string
}

// Note flattens the report's caveats for the ledger record.
func (r Report) Note() string {
	switch len(r.Notes) {
	case 0:
		return ""
	case 1:
		return r.Notes[0]
	}
	note := r.Notes[0]
	for _, n := range r.Notes[1:] {
		note += "; " + n
	}
	return note
}

// Runner drives the stage sequence. Compile and Simulate are mandatory;
// Disassemble and Profile run best-effort when configured.
type Runner struct {
	Compile     Tool
	Disassemble Tool
	Simulate    Tool
	Profile     Tool

	// MaxOutput bounds captured bytes per stage; 0 selects
	// DefaultMaxOutput.
	MaxOutput int

	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) maxOutput() int {
	if r.MaxOutput > 0 {
		return r.MaxOutput
	}
	return DefaultMaxOutput
}

// Execute runs the variant through the toolchain. vars must carry every
// placeholder the configured tools use; vars["log"], when present, receives
// each stage's captured output. A compile or simulate failure returns
// *CompileError or *SimulateError; disassemble and profile failures only
// append notes.
func (r *Runner) Execute(ctx context.Context, id variant.ID, vars Vars) (Report, error) {
	var rep Report
	log := r.logger().With(slog.String("variant", id.Short()))

	if !r.Compile.Configured() {
		return rep, errors.New("compile tool not configured")
	}
	if !r.Simulate.Configured() {
		return rep, errors.New("simulate tool not configured")
	}

	res, err := r.run(ctx, StageCompile, r.Compile, vars)
	rep.Stages = append(rep.Stages, res)
	r.appendStageLog(vars, res)
	if err != nil {
		log.Warn("compile failed",
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("timed_out", res.TimedOut),
			slog.Duration("duration", res.Duration))
		return rep, &CompileError{Variant: id, ExitCode: res.ExitCode, TimedOut: res.TimedOut, Output: res.Output}
	}
	log.Debug("compile done", slog.Duration("duration", res.Duration))

	if r.Disassemble.Configured() {
		res, err = r.run(ctx, StageDisassemble, r.Disassemble, vars)
		rep.Stages = append(rep.Stages, res)
		r.appendStageLog(vars, res)
		if err != nil {
			// Best-effort: the dump only feeds the profiler's
			// instruction model.
			rep.Notes = append(rep.Notes, "disassemble failed: "+err.Error())
			log.Warn("disassemble failed", slog.String("error", err.Error()))
		}
	}

	// The proxy kernel opens the output file for writing rather than
	// creating it.
	if out, ok := vars["output"]; ok {
		if f, err := os.Create(out); err == nil {
			f.Close()
		}
	}

	res, err = r.run(ctx, StageSimulate, r.Simulate, vars)
	rep.Stages = append(rep.Stages, res)
	r.appendStageLog(vars, res)
	if err != nil {
		log.Warn("simulate failed",
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("timed_out", res.TimedOut),
			slog.Duration("duration", res.Duration))
		return rep, &SimulateError{Variant: id, ExitCode: res.ExitCode, TimedOut: res.TimedOut, Output: res.Output}
	}
	log.Debug("simulate done", slog.Duration("duration", res.Duration))

	if r.Profile.Configured() {
		res, err = r.run(ctx, StageProfile, r.Profile, vars)
		rep.Stages = append(rep.Stages, res)
		r.appendStageLog(vars, res)
		if err != nil {
			rep.Notes = append(rep.Notes, "profile failed: "+err.Error())
			log.Warn("profile failed", slog.String("error", err.Error()))
		}
	}

	return rep, nil
}

// run executes one stage under its timeout with bounded output capture.
func (r *Runner) run(parent context.Context, stage string, tool Tool, vars Vars) (StageResult, error) {
	res := StageResult{Stage: stage, ExitCode: -1}

	argv, err := tool.Expand(vars)
	if err != nil {
		return res, fmt.Errorf("%s: %w", stage, err)
	}

	ctx := parent
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, tool.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var buf bytes.Buffer
	capture := &limitedWriter{w: &buf, limit: r.maxOutput()}
	cmd.Stderr = capture

	if tool.Stdout != "" {
		path, err := expand(tool.Stdout, vars)
		if err != nil {
			return res, fmt.Errorf("%s: %w", stage, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return res, fmt.Errorf("%s: %w", stage, err)
		}
		defer f.Close()
		cmd.Stdout = f
	} else {
		cmd.Stdout = capture
	}

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Output = buf.String()
	res.Truncated = capture.truncated

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, fmt.Errorf("%s timed out after %s", stage, tool.Timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("%s exited with code %d", stage, res.ExitCode)
		}
		return res, fmt.Errorf("%s: %w", stage, runErr)
	}
	res.ExitCode = 0
	return res, nil
}

// appendStageLog records a stage's captured output in the variant's log
// artifact. Log IO never fails the variant.
func (r *Runner) appendStageLog(vars Vars, res StageResult) {
	path, ok := vars["log"]
	if !ok || path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger().Warn("stage log unavailable", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "== %s (exit %d, %s)", res.Stage, res.ExitCode, res.Duration.Round(time.Millisecond))
	if res.TimedOut {
		fmt.Fprint(f, ", timed out")
	}
	fmt.Fprintln(f, " ==")
	if res.Output != "" {
		fmt.Fprintln(f, res.Output)
	}
	if res.Truncated {
		fmt.Fprintln(f, "[output truncated]")
	}
}

// limitedWriter caps captured output; writes past the limit are discarded
// without failing the writing process.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return orig, nil
	}
	if remaining := lw.limit - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	return orig, nil
}
