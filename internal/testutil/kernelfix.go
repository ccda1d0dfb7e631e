// Package testutil holds the kernel fixture shared by the sweep packages'
// tests: a two-site annotated source with shell stand-ins for the
// toolchain, so sweeps run end to end without a cross compiler.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// AnnotatedKernel has two candidate sites: a float add on line 5 and a
// float mul on line 7.
const AnnotatedKernel = `#include "axprox.h"

double kern(double a, double b, double c) {
	// approx:
	double s = a + b;
	// approx:
	double p = s * c;
	return p;
}
`

// Header is a host-compilable stand-in for the approximate-operator
// header the fixture includes.
const Header = "#define FADDX(a, b) ((a) + (b))\n"

// Input is the simulator input; the shell simulate stand-in copies it to
// the output, so every variant's output matches the baseline exactly.
const Input = "1 2 3\n"

// Sh wraps a shell script as a tool argv.
func Sh(script string) []string { return []string{"/bin/sh", "-c", script} }

// KernelFiles are the paths WriteKernelFiles wrote.
type KernelFiles struct {
	Dir    string
	Source string
	Header string
	Input  string
}

// WriteKernelFiles writes the annotated kernel, its header, and input
// data into dir. An empty dir means a fresh temp dir.
func WriteKernelFiles(tb testing.TB, dir string) KernelFiles {
	tb.Helper()
	if dir == "" {
		dir = tb.TempDir()
	}
	files := KernelFiles{
		Dir:    dir,
		Source: filepath.Join(dir, "kern.c"),
		Header: filepath.Join(dir, "axprox.h"),
		Input:  filepath.Join(dir, "input.data"),
	}
	for path, content := range map[string]string{
		files.Source: AnnotatedKernel,
		files.Header: Header,
		files.Input:  Input,
	} {
		require.NoError(tb, os.WriteFile(path, []byte(content), 0o644))
	}
	return files
}
