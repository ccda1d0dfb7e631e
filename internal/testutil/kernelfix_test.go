package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axlab/axsweep/internal/source"
	"github.com/axlab/axsweep/internal/variant"
)

func TestWriteKernelFiles(t *testing.T) {
	files := WriteKernelFiles(t, "")

	assert.FileExists(t, files.Source)
	assert.FileExists(t, files.Header)
	assert.FileExists(t, files.Input)

	sites, err := source.Parse(AnnotatedKernel, source.Options{})
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, variant.OpFloatAdd, sites[0].Kind)
	assert.Equal(t, variant.OpFloatMul, sites[1].Kind)
}
