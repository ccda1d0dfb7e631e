package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axlab/axsweep/internal/testutil"
	"github.com/axlab/axsweep/internal/variant"
)

var testID = variant.ComputeID(variant.ID("src"), variant.SpecFromSites(2, 0))

// testVars returns a var set with artifact paths under dir.
func testVars(t *testing.T) (Vars, string) {
	t.Helper()
	dir := t.TempDir()
	return Vars{
		"source":  filepath.Join(dir, "kernel.cpp"),
		"binary":  filepath.Join(dir, "kernel.bin"),
		"input":   filepath.Join(dir, "input.data"),
		"output":  filepath.Join(dir, "out.data"),
		"log":     filepath.Join(dir, "run.log"),
		"dump":    filepath.Join(dir, "kernel.dump"),
		"profile": filepath.Join(dir, "profile.json"),
	}, dir
}

func TestTool_Expand(t *testing.T) {
	tool := Tool{Argv: []string{"cc", "-o", "{binary}", "{source}", "-I{include}"}}
	got, err := tool.Expand(Vars{"binary": "/tmp/a.out", "source": "a.c", "include": "/usr/inc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cc", "-o", "/tmp/a.out", "a.c", "-I/usr/inc"}, got)
}

func TestTool_Expand_UnknownPlaceholder(t *testing.T) {
	tool := Tool{Argv: []string{"cc", "{nope}"}}
	_, err := tool.Expand(Vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{nope}")
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"source", "binary"}, Placeholders("{source} -o {binary} plain"))
	assert.Nil(t, Placeholders("no placeholders here"))
}

func TestExecute_AllStages(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:     Tool{Argv: testutil.Sh("echo compiled > {binary}")},
		Disassemble: Tool{Argv: testutil.Sh("echo 'addi a0,a0,1'"), Stdout: "{dump}"},
		Simulate:    Tool{Argv: testutil.Sh("echo '1.0 2.0' > {output}")},
		Profile:     Tool{Argv: testutil.Sh("echo '{}' > {profile}")},
	}

	rep, err := r.Execute(context.Background(), testID, vars)
	require.NoError(t, err)
	require.Len(t, rep.Stages, 4)
	assert.Empty(t, rep.Notes)

	for _, res := range rep.Stages {
		assert.Zero(t, res.ExitCode, "stage %s", res.Stage)
	}

	bin, err := os.ReadFile(vars["binary"])
	require.NoError(t, err)
	assert.Equal(t, "compiled\n", string(bin))

	dump, err := os.ReadFile(vars["dump"])
	require.NoError(t, err)
	assert.Contains(t, string(dump), "addi")

	out, err := os.ReadFile(vars["output"])
	require.NoError(t, err)
	assert.Equal(t, "1.0 2.0\n", string(out))
}

func TestExecute_WritesStageLog(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("echo warning: unused >&2")},
		Simulate: Tool{Argv: testutil.Sh("true")},
	}

	_, err := r.Execute(context.Background(), testID, vars)
	require.NoError(t, err)

	log, err := os.ReadFile(vars["log"])
	require.NoError(t, err)
	assert.Contains(t, string(log), "== compile (exit 0")
	assert.Contains(t, string(log), "warning: unused")
	assert.Contains(t, string(log), "== simulate (exit 0")
}

func TestExecute_CompileFailure(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("echo 'kernel.cpp:3: error' >&2; exit 3")},
		Simulate: Tool{Argv: testutil.Sh("true")},
	}

	rep, err := r.Execute(context.Background(), testID, vars)
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.ExitCode)
	assert.False(t, ce.TimedOut)
	assert.Contains(t, ce.Output, "kernel.cpp:3: error")
	assert.True(t, Retryable(err))

	// Nothing past the failed mandatory stage runs.
	require.Len(t, rep.Stages, 1)
	assert.Equal(t, StageCompile, rep.Stages[0].Stage)
}

func TestExecute_CompileTimeout(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("sleep 5"), Timeout: 50 * time.Millisecond},
		Simulate: Tool{Argv: testutil.Sh("true")},
	}

	_, err := r.Execute(context.Background(), testID, vars)
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.TimedOut)
}

func TestExecute_SimulateFailure(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("true")},
		Simulate: Tool{Argv: testutil.Sh("exit 7")},
	}

	rep, err := r.Execute(context.Background(), testID, vars)
	require.Error(t, err)

	var se *SimulateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 7, se.ExitCode)
	assert.True(t, Retryable(err))
	require.Len(t, rep.Stages, 2)
}

func TestExecute_BestEffortStagesOnlyNote(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:     Tool{Argv: testutil.Sh("true")},
		Disassemble: Tool{Argv: testutil.Sh("exit 1")},
		Simulate:    Tool{Argv: testutil.Sh("true")},
		Profile:     Tool{Argv: testutil.Sh("exit 2")},
	}

	rep, err := r.Execute(context.Background(), testID, vars)
	require.NoError(t, err, "disassemble and profile failures must not fail the variant")

	require.Len(t, rep.Notes, 2)
	assert.Contains(t, rep.Notes[0], "disassemble failed")
	assert.Contains(t, rep.Notes[1], "profile failed")
	assert.Contains(t, rep.Note(), "; ")
}

func TestExecute_TouchesOutputBeforeSimulate(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("true")},
		Simulate: Tool{Argv: testutil.Sh("test -f {output}")},
	}

	_, err := r.Execute(context.Background(), testID, vars)
	assert.NoError(t, err, "the output file must exist when the simulator starts")
}

func TestExecute_TruncatesCapturedOutput(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:   Tool{Argv: testutil.Sh("yes warning | head -c 4096 >&2; true")},
		Simulate:  Tool{Argv: testutil.Sh("true")},
		MaxOutput: 64,
	}

	rep, err := r.Execute(context.Background(), testID, vars)
	require.NoError(t, err)

	compile := rep.Stages[0]
	assert.True(t, compile.Truncated)
	assert.LessOrEqual(t, len(compile.Output), 64)
}

func TestExecute_UnconfiguredMandatoryStage(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{Simulate: Tool{Argv: testutil.Sh("true")}}
	_, err := r.Execute(context.Background(), testID, vars)
	require.Error(t, err)
	assert.False(t, Retryable(err), "a missing tool is a manifest defect, not a variant failure")
}

func TestExecute_RespectsContextCancel(t *testing.T) {
	vars, _ := testVars(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("sleep 5")},
		Simulate: Tool{Argv: testutil.Sh("true")},
	}

	start := time.Now()
	_, err := r.Execute(ctx, testID, vars)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "a cancelled context must kill the stage")
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n, "callers must see the full length")
	assert.Equal(t, "abcde", buf.String())
	assert.True(t, lw.truncated)

	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", buf.String())
}

func TestReportNote_Empty(t *testing.T) {
	assert.Empty(t, Report{}.Note())
	assert.Equal(t, "one", Report{Notes: []string{"one"}}.Note())
}

func TestStageLog_AppendsAcrossStages(t *testing.T) {
	vars, _ := testVars(t)

	r := &Runner{
		Compile:  Tool{Argv: testutil.Sh("echo first >&2")},
		Simulate: Tool{Argv: testutil.Sh("echo second >&2")},
	}

	_, err := r.Execute(context.Background(), testID, vars)
	require.NoError(t, err)

	log, err := os.ReadFile(vars["log"])
	require.NoError(t, err)
	first := strings.Index(string(log), "first")
	second := strings.Index(string(log), "second")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first, "stage sections append in execution order")
}
