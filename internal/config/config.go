// Package config loads and validates the sweep configuration: a YAML file
// of per-run settings, overlaid on defaults, with operational flags applied
// on top by the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axlab/axsweep/internal/variant"
)

// Timeouts bound each pipeline stage per variant. Zero disables the bound
// for that stage.
type Timeouts struct {
	Compile     time.Duration `yaml:"compile"`
	Disassemble time.Duration `yaml:"disassemble"`
	Simulate    time.Duration `yaml:"simulate"`
	Profile     time.Duration `yaml:"profile"`
}

// Sweep is the full run configuration.
type Sweep struct {
	// StorageRoot holds the ledger database and the per-run execution
	// trees.
	StorageRoot string `yaml:"storage_root"`

	// Workers sizes the pool; 0 means one fewer than the CPU count.
	Workers int `yaml:"workers"`

	// Retries is how many times a failed compile or simulate is
	// re-attempted before the variant goes failed.
	Retries int `yaml:"retries"`

	// MaxPopcount caps simultaneous approximations per variant.
	// Negative means unbounded.
	MaxPopcount int `yaml:"max_popcount"`

	// MaxVariants caps the total enumeration, reference included.
	// Zero means unbounded.
	MaxVariants int64 `yaml:"max_variants"`

	// ErrorBudget, when positive, enables threshold pruning: any spec
	// whose RMSE exceeds the budget vetoes its supersets.
	ErrorBudget float64 `yaml:"error_budget"`

	// AccuracyThreshold is the absolute error above which an output point
	// counts as a miss.
	AccuracyThreshold float64 `yaml:"accuracy_threshold"`

	// FailureStreak halts dispatch after this many consecutive failed
	// variants. Zero or negative disables the halt.
	FailureStreak int `yaml:"failure_streak"`

	Timeouts Timeouts `yaml:"timeouts"`

	// Force re-runs variants the ledger already finished.
	Force bool `yaml:"force"`
}

// Default returns the configuration used when no sweep file is given.
func Default() Sweep {
	return Sweep{
		StorageRoot:       "storage",
		Workers:           0,
		Retries:           1,
		MaxPopcount:       -1,
		MaxVariants:       0,
		ErrorBudget:       0,
		AccuracyThreshold: 1e-5,
		FailureStreak:     20,
		Timeouts: Timeouts{
			Compile:     2 * time.Minute,
			Disassemble: 1 * time.Minute,
			Simulate:    10 * time.Minute,
			Profile:     5 * time.Minute,
		},
	}
}

// Load overlays the YAML sweep file at path on the defaults. Unknown keys
// are rejected so a typo does not silently fall back to a default.
func Load(path string) (Sweep, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Sweep{}, fmt.Errorf("load sweep config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Sweep{}, fmt.Errorf("load sweep config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first configuration error. Callers treat the error
// as a usage failure.
func (s *Sweep) Validate() error {
	if s.StorageRoot == "" {
		return fmt.Errorf("storage_root must not be empty")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", s.Workers)
	}
	if s.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", s.Retries)
	}
	if s.ErrorBudget < 0 {
		return fmt.Errorf("error_budget must be >= 0, got %g", s.ErrorBudget)
	}
	if s.AccuracyThreshold <= 0 {
		return fmt.Errorf("accuracy_threshold must be > 0, got %g", s.AccuracyThreshold)
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"compile", s.Timeouts.Compile},
		{"disassemble", s.Timeouts.Disassemble},
		{"simulate", s.Timeouts.Simulate},
		{"profile", s.Timeouts.Profile},
	} {
		if t.d < 0 {
			return fmt.Errorf("timeouts.%s must be >= 0, got %s", t.name, t.d)
		}
	}
	return nil
}

// EffectiveWorkers resolves the auto setting to a concrete pool size.
func (s Sweep) EffectiveWorkers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// Mode names the sweep strategy for workspace and log labels.
func (s Sweep) Mode() string {
	if s.ErrorBudget > 0 {
		return "threshold"
	}
	return "exhaustive"
}

// Policy converts the enumeration bounds for the variant enumerator.
func (s Sweep) Policy() variant.Policy {
	return variant.Policy{MaxPopcount: s.MaxPopcount, MaxVariants: s.MaxVariants}
}

// LedgerPath is where the kernel's sweep database lives. It sits beside the
// execution trees, not inside one, so interrupted sweeps resume across runs.
func (s Sweep) LedgerPath(kernel string) string {
	return filepath.Join(s.StorageRoot, kernel+".db")
}
