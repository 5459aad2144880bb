package memory

import (
	"os"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSelfRoundTrip(t *testing.T) {
	s := Self()
	a, err := s.Alloc(64)
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, s.Write(a.Base, []byte{0x90, 0xC3}))
	buf := make([]byte, 2)
	require.NoError(t, s.Read(a.Base, buf))
	assert.Equal(t, []byte{0x90, 0xC3}, buf)

	old, err := s.Protect(a.Base, 2, ExecuteRead)
	require.NoError(t, err)
	assert.Equal(t, ExecuteReadWrite, old)

	old, err = s.Protect(a.Base, 2, ExecuteReadWrite)
	require.NoError(t, err)
	assert.Equal(t, ExecuteRead, old)
}

func TestSelfRefusesWindowsOnlyFlags(t *testing.T) {
	s := Self()
	a, err := s.Alloc(16)
	require.NoError(t, err)
	defer a.Release()

	for _, p := range []Perm{Guard, NoCache, WriteCombine, Perm(3)} {
		_, err := s.Protect(a.Base, 1, p)
		assert.True(t, errors.Is(err, ErrPermissionChange), "%s", p)
	}
}

func TestModuleBaseSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	base, err := ModuleBase(exe)
	require.NoError(t, err)
	assert.NotZero(t, base)

	first, err := ModuleBase("")
	require.NoError(t, err)
	assert.Equal(t, base, first)
}

func TestSelfReadStopsAtUnmappedPage(t *testing.T) {
	ps := unix.Getpagesize()
	b, err := unix.Mmap(-1, 0, 2*ps, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(b[:ps])
	require.NoError(t, unix.Munmap(b[ps:]))
	b[ps-1] = 0xC3

	end := uintptr(unsafe.Pointer(&b[0])) + uintptr(ps)
	buf := make([]byte, 1)
	require.NoError(t, Self().Read(end-1, buf))
	assert.Equal(t, byte(0xC3), buf[0])

	err = Self().Read(end-1, make([]byte, 2))
	assert.True(t, errors.Is(err, ErrAddressRange), "got %v", err)
}
