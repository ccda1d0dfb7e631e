package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axlab/axsweep/internal/testutil"
)

const brokenCompileManifest = `kernel: demo: {
	source: "kern.c"
	input:  "input.data"
	header: "axprox.h"
	tools: {
		compile: {
			argv: ["/bin/sh", "-c", "exit 9"]
		}
		simulate: {
			argv: ["/bin/sh", "-c", "cat {input} > {output}"]
		}
	}
}
`

func TestRunCommand_SweepsAllVariants(t *testing.T) {
	kernels := writeKernelDir(t)
	storage := t.TempDir()

	out, err := execute(t, "run", "demo",
		"--kernels", kernels, "--storage", storage, "--workers", "1")
	require.NoError(t, err)

	requireContainsAll(t, out,
		"Sweeping kernel demo (exhaustive mode, 1 workers)",
		"Sweep of kernel demo: source ",
		"2 sites",
		"dispatched 4   succeeded 4   failed 0   pruned 0",
		"workspace: ",
		"ledger:",
	)
	assert.FileExists(t, filepath.Join(storage, "demo.db"))
}

func TestRunCommand_JSONSummary(t *testing.T) {
	kernels := writeKernelDir(t)
	storage := t.TempDir()

	out, err := execute(t, "run", "demo",
		"--kernels", kernels, "--storage", storage, "--workers", "1",
		"--format", "json")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	require.Equal(t, "success", resp.Status)

	var result RunResult
	decodeData(t, resp, &result)
	assert.Equal(t, "demo", result.Kernel)
	assert.Len(t, result.SourceID, 64)
	assert.Equal(t, 2, result.Sites)
	assert.Equal(t, "exhaustive", result.Mode)
	assert.Equal(t, 1, result.Workers)
	assert.Equal(t, 4, result.Dispatched)
	assert.Equal(t, 4, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Pruned)
	assert.False(t, result.Halted)
	assert.Equal(t, filepath.Join(storage, "demo.db"), result.Ledger)
	assert.DirExists(t, result.Workspace)
}

func TestRunCommand_ResumeSkipsSettled(t *testing.T) {
	kernels := writeKernelDir(t)
	storage := t.TempDir()

	_, err := execute(t, "run", "demo",
		"--kernels", kernels, "--storage", storage, "--workers", "1")
	require.NoError(t, err)

	// Workspace names have second resolution; a same-second rerun would
	// collide on the exclusive Mkdir.
	time.Sleep(1100 * time.Millisecond)

	out, err := execute(t, "run", "demo",
		"--kernels", kernels, "--storage", storage, "--workers", "1")
	require.NoError(t, err)

	requireContainsAll(t, out,
		"dispatched 0   succeeded 0   failed 0   pruned 0",
		"resumed: 4 success, 0 failed, 0 pruned already settled; 0 orphans reset",
	)
}

func TestRunCommand_ForceRerunsSettled(t *testing.T) {
	kernels := writeKernelDir(t)
	storage := t.TempDir()

	_, err := execute(t, "run", "demo",
		"--kernels", kernels, "--storage", storage, "--workers", "1")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	// The recorded baseline output is still readable, so only the three
	// approximate variants are reclaimed and re-run.
	out, err := execute(t, "run", "demo",
		"--kernels", kernels, "--storage", storage, "--workers", "1", "--force")
	require.NoError(t, err)

	requireContainsAll(t, out,
		"dispatched 3   succeeded 3   failed 0   pruned 0",
		"resumed: 4 success, 0 failed, 0 pruned already settled; 0 orphans reset",
	)
}

func TestRunCommand_UnknownKernel(t *testing.T) {
	kernels := writeKernelDir(t)

	_, err := execute(t, "run", "nope", "--kernels", kernels, "--storage", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown kernel")
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	kernels := writeKernelDir(t)
	cfgPath := filepath.Join(t.TempDir(), "sweep.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("no_such_key: 1\n"), 0o644))

	_, err := execute(t, "run", "demo", "--kernels", kernels, "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid sweep config")
}

func TestRunCommand_NegativeWorkers(t *testing.T) {
	kernels := writeKernelDir(t)

	_, err := execute(t, "run", "demo", "--kernels", kernels, "--workers=-2")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
	assert.Contains(t, err.Error(), "workers must be >= 0")
}

func TestRunCommand_BaselineFailure(t *testing.T) {
	files := testutil.WriteKernelFiles(t, "")
	dir := files.Dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.cue"), []byte(brokenCompileManifest), 0o644))

	_, err := execute(t, "run", "demo",
		"--kernels", dir, "--storage", t.TempDir(), "--workers", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "sweep failed")
	assert.Contains(t, err.Error(), "baseline variant")
}
