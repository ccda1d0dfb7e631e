// Package workspace manages the per-run artifact tree. Every run gets a
// fresh timestamped directory under <storage root>/executions/; durable
// sweep state lives in the ledger, so a run directory is disposable once
// its artifacts are no longer wanted.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axlab/axsweep/internal/variant"
)

const (
	dirVariants = "variants"
	dirBin      = "bin"
	dirOut      = "out"
	dirLogs     = "logs"
	dirProfiles = "profiles"
	dirDumps    = "dumps"

	runFile = "run.json"
)

// Run is the metadata persisted as run.json at the workspace root.
type Run struct {
	ID        string    `json:"id"`
	Kernel    string    `json:"kernel"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	Config    any       `json:"config,omitempty"`
}

// Workspace is one run's artifact tree.
type Workspace struct {
	// Root is the run directory, <storage root>/executions/<name>.
	Root string

	storageRoot string
	run         Run
}

// Create builds the run tree <root>/executions/<kernel>_<mode>_<timestamp>
// with the artifact subdirectories and writes run.json. cfg is echoed into
// the metadata so a run directory documents the configuration that
// produced it.
func Create(storageRoot, kernel, mode string, cfg any) (*Workspace, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	started := time.Now()
	name := fmt.Sprintf("%s_%s_%s", kernel, mode, started.Format("20060102_150405"))
	root := filepath.Join(storageRoot, "executions", name)

	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	// Mkdir, not MkdirAll: two runs racing into the same second must not
	// silently share a tree.
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	for _, sub := range []string{dirVariants, dirBin, dirOut, dirLogs, dirProfiles, dirDumps} {
		if err := os.Mkdir(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	ws := &Workspace{
		Root:        root,
		storageRoot: storageRoot,
		run: Run{
			ID:        id.String(),
			Kernel:    kernel,
			Mode:      mode,
			StartedAt: started.UTC(),
			Config:    cfg,
		},
	}
	if err := ws.writeRun(); err != nil {
		return nil, err
	}
	return ws, nil
}

// Run returns the metadata written to run.json.
func (ws *Workspace) Run() Run { return ws.run }

func (ws *Workspace) writeRun() error {
	data, err := json.MarshalIndent(ws.run, "", "  ")
	if err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(ws.Root, runFile), data, 0o644); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	return nil
}

// VariantPaths is the artifact path set for one variant, named
// <stem>_<short id> in the subdirectory matching each artifact's kind.
type VariantPaths struct {
	Source  string
	Binary  string
	Output  string
	Log     string
	Profile string
	Dump    string
}

// Variant returns the artifact paths for one variant of the source file
// named src (its extension carries over to the rewritten source).
func (ws *Workspace) Variant(src string, id variant.ID) VariantPaths {
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext) + "_" + id.Short()
	return VariantPaths{
		Source:  filepath.Join(ws.Root, dirVariants, stem+ext),
		Binary:  filepath.Join(ws.Root, dirBin, stem),
		Output:  filepath.Join(ws.Root, dirOut, stem+".data"),
		Log:     filepath.Join(ws.Root, dirLogs, stem+".log"),
		Profile: filepath.Join(ws.Root, dirProfiles, stem+".json"),
		Dump:    filepath.Join(ws.Root, dirDumps, stem+".dump"),
	}
}

// Staged returns the path of a file staged at the workspace root.
func (ws *Workspace) Staged(name string) string {
	return filepath.Join(ws.Root, name)
}

// Stage copies a file into the workspace root under its base name and
// returns the staged path. Kernels stage their header and input data here
// so a run directory is self-contained.
func (ws *Workspace) Stage(src string) (string, error) {
	dst := ws.Staged(filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("stage %s: %w", src, err)
	}
	return dst, nil
}

// Rel rewrites an artifact path relative to the storage root for ledger
// storage, so a relocated storage tree keeps its records resolvable. Paths
// outside the storage root are returned unchanged.
func (ws *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(ws.storageRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
