package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/sunset/internal/plan"
)

func TestRunManifest(t *testing.T) {
	m, err := plan.ParseManifest([]byte(`
sites:
  - name: add
    address: 0x401000
    bytes: "55 8B EC 8B 45 08 03 45 0C 5D C3"
`))
	require.NoError(t, err)
	assert.True(t, runManifest(m))

	m, err = plan.ParseManifest([]byte(`
sites:
  - name: tiny
    address: 0x401000
    bytes: "33 C0 C3"
`))
	require.NoError(t, err)
	assert.False(t, runManifest(m))
}

func TestCompleter(t *testing.T) {
	c := completer()
	assert.Len(t, c.GetChildren(), len(plan.Commands))
}
