package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axlab/axsweep/internal/config"
	"github.com/axlab/axsweep/internal/ledger"
	"github.com/axlab/axsweep/internal/testutil"
	"github.com/axlab/axsweep/internal/variant"
)

const demoManifest = `kernel: demo: {
	description: "two-site demo kernel"
	source:      "kern.c"
	input:       "input.data"
	header:      "axprox.h"
	tools: {
		compile: {
			argv: ["/bin/sh", "-c", "cp {source} {binary}"]
		}
		simulate: {
			argv: ["/bin/sh", "-c", "cat {input} > {output}"]
		}
	}
}
`

// writeKernelDir builds a manifest directory holding the two-site demo
// kernel with shell stand-ins for the toolchain.
func writeKernelDir(t *testing.T) string {
	t.Helper()
	files := testutil.WriteKernelFiles(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(files.Dir, "demo.cue"), []byte(demoManifest), 0o644))
	return files.Dir
}

// execute runs a fresh root command and returns the combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeResponse parses a JSON-format command output envelope.
func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// decodeData re-marshals the envelope's data payload into dst.
func decodeData(t *testing.T, resp CLIResponse, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

const testSourceID = variant.ID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

// seedSweep writes a two-site sweep into the named kernel's ledger under
// storage: baseline and "10" succeeded, "01" is still running, "11" was
// pruned. Returns the source ID the records belong to.
func seedSweep(t *testing.T, storage, kernelName string) variant.ID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(storage, 0o755))

	cfg := config.Default()
	cfg.StorageRoot = storage
	led, err := ledger.Open(cfg.LedgerPath(kernelName))
	require.NoError(t, err)
	defer led.Close()

	_, err = led.RegisterSource(ctx, ledger.SourceInfo{
		ID: testSourceID, Path: "kern.c", SiteCount: 2,
	})
	require.NoError(t, err)

	complete := func(bits string, seq int64, out ledger.Outcome) {
		spec, err := variant.ParseSpec(bits)
		require.NoError(t, err)
		id := variant.ComputeID(testSourceID, spec)
		claimed, err := led.Reserve(ctx, testSourceID, id, spec, seq, false)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, led.Complete(ctx, id, out))
	}

	complete("00", 0, ledger.Outcome{
		Status:    ledger.StatusSuccess,
		Artifacts: ledger.Artifacts{OutputPath: "executions/run/out/kern_base.data"},
		Metrics:   map[string]float64{"rmse": 0, "mae": 0, "max_error": 0, "accuracy": 1},
	})
	complete("10", 1, ledger.Outcome{
		Status:    ledger.StatusSuccess,
		Artifacts: ledger.Artifacts{OutputPath: "executions/run/out/kern_10.data"},
		Metrics:   map[string]float64{"rmse": 0.05, "mae": 0.03, "max_error": 0.09, "accuracy": 1},
	})

	// "01" stays running: an orphan the next run will reset.
	spec01, err := variant.ParseSpec("01")
	require.NoError(t, err)
	claimed, err := led.Reserve(ctx, testSourceID, variant.ComputeID(testSourceID, spec01), spec01, 2, false)
	require.NoError(t, err)
	require.True(t, claimed)

	spec11, err := variant.ParseSpec("11")
	require.NoError(t, err)
	require.NoError(t, led.MarkPruned(ctx, testSourceID, variant.ComputeID(testSourceID, spec11), spec11, 3,
		"superset of over-budget variant"))

	return testSourceID
}

// bitsID is the content-addressed ID for a bits string under the seeded
// test source.
func bitsID(t *testing.T, bits string) variant.ID {
	t.Helper()
	spec, err := variant.ParseSpec(bits)
	require.NoError(t, err)
	return variant.ComputeID(testSourceID, spec)
}

// requireContainsAll asserts every needle appears in the output.
func requireContainsAll(t *testing.T, out string, needles ...string) {
	t.Helper()
	for _, n := range needles {
		require.True(t, strings.Contains(out, n), "output missing %q:\n%s", n, out)
	}
}
