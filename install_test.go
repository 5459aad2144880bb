package sunset

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/sunset/internal/x86"
)

func TestInstall(t *testing.T) {
	h, s := sandboxed(t)
	const base = uintptr(0x00400000)
	s.Load(uint32(base)+0x1000, addFunc)
	s.Load(uint32(base)+0x1100, addFunc)

	var orig uintptr
	inline := &Inline{Name: "add", Offset: 0x1000, Callback: callback}
	replace := &Replace{Name: "add2", Offset: 0x1100, Slot: &orig, Detour: detourFn}
	require.NoError(t, Install(h, base, inline, replace))

	require.NotNil(t, inline.Hook)
	assert.Equal(t, base+0x1000, inline.Hook.Target)
	assert.NotZero(t, orig)
	assert.NotEqual(t, base+0x1100, orig)

	to, ok := x86.JmpTarget(s.Peek(uint32(base)+0x1100, 5), uint32(base)+0x1100)
	require.True(t, ok)
	assert.Equal(t, uint32(detourFn), to)
}

func TestInstallKeepsGoing(t *testing.T) {
	h, s := sandboxed(t)
	const base = uintptr(0x00400000)
	s.Load(uint32(base)+0x1000, []byte{0x33, 0xC0, 0xC3})
	s.Load(uint32(base)+0x1100, addFunc)

	bad := &Inline{Name: "tiny", Offset: 0x1000, Callback: callback}
	good := &Inline{Name: "add", Offset: 0x1100, Callback: callback}
	noSlot := &Replace{Offset: 0x1200, Detour: detourFn}
	err := Install(h, base, bad, good, noSlot)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrInvalidCodeSize))
	assert.True(t, errors.Is(err, ErrTransaction))
	assert.True(t, strings.Contains(err.Error(), "hook tiny"), err.Error())
	assert.True(t, strings.Contains(err.Error(), "hook #2"), err.Error())
	assert.Nil(t, bad.Hook)
	assert.NotNil(t, good.Hook)
}

func TestReplaceKeepsPresetSlot(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)

	slot := uintptr(site)
	r := &Replace{Name: "preset", Offset: 0x9999, Slot: &slot, Detour: detourFn}
	require.NoError(t, r.Install(h, 0x00400000))
	to, ok := x86.JmpTarget(s.Peek(site, 5), site)
	require.True(t, ok)
	assert.Equal(t, uint32(detourFn), to)
}
