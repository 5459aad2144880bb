package sunset

import (
	"runtime"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/sunset/internal/freeze"
	"github.com/k2io/sunset/internal/sandbox"
	"github.com/k2io/sunset/internal/x86"
)

const (
	site     = uint32(0x00401000)
	callback = uintptr(0x00402000)
)

// push ebp; mov ebp,esp; mov eax,[ebp+8]; add eax,[ebp+0xc]; pop ebp; ret
var addFunc = []byte{0x55, 0x8B, 0xEC, 0x8B, 0x45, 0x08, 0x03, 0x45, 0x0C, 0x5D, 0xC3}

func sandboxed(t *testing.T, opts ...Option) (*Hooker, *sandbox.Space) {
	t.Helper()
	s := sandbox.New()
	h := New(append([]Option{WithSpace(s), WithoutFreeze()}, opts...)...)
	return h, s
}

func ops(j []sandbox.Event) []sandbox.Op {
	out := make([]sandbox.Op, len(j))
	for i, e := range j {
		out[i] = e.Op
	}
	return out
}

func TestInlineHookRoundTrip(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)

	hk, err := h.InlineHook(uintptr(site), callback)
	require.NoError(t, err)
	assert.Equal(t, uintptr(site), hk.Target)
	assert.Equal(t, 6, hk.Size)
	assert.Equal(t, addFunc[:6], hk.Original)
	assert.Equal(t, addFunc[:6], hk.Relocated)

	head := s.Peek(site, hk.Size)
	to, ok := x86.JmpTarget(head, site)
	require.True(t, ok, "% x", head)
	assert.Equal(t, uint32(hk.Trampoline), to)
	assert.Equal(t, byte(0x90), head[5])
	assert.Equal(t, addFunc[6:], s.Peek(site+6, len(addFunc)-6), "rest of the function is untouched")

	base := uint32(hk.Trampoline)
	want := x86.BuildTrampoline(base, uint32(callback), hk.Relocated, site+6)
	assert.Equal(t, want, s.Peek(base, len(want)))

	perm, _ := s.PermAt(site)
	assert.Equal(t, ExecuteRead, perm)

	spans, arenas := h.reg.counts()
	assert.Equal(t, 1, spans)
	assert.Equal(t, 1, arenas)
}

func TestInlineHookWritesInOrder(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)

	hk, err := h.InlineHook(uintptr(site), callback)
	require.NoError(t, err)

	j := s.Journal()
	require.Equal(t, []sandbox.Op{
		sandbox.OpAlloc,
		sandbox.OpWrite, // trampoline
		sandbox.OpProtect,
		sandbox.OpWrite, // nop fill
		sandbox.OpWrite, // jmp
		sandbox.OpProtect,
	}, ops(j))
	assert.Equal(t, x86.TrampolineSize(6), j[0].Size)
	assert.Equal(t, ExecuteReadWrite, j[2].Perm)
	assert.Equal(t, site, j[2].Addr)
	assert.Equal(t, x86.Nops(6), j[3].Data)
	assert.Equal(t, x86.Jmp(site, uint32(hk.Trampoline)), j[4].Data)
	assert.Equal(t, ExecuteRead, j[5].Perm)
}

func TestInlineHookWidensBranches(t *testing.T) {
	h, s := sandboxed(t)
	// test ecx,ecx; jz +6; mov eax,1; ret; xor eax,eax; ret
	code := []byte{0x85, 0xC9, 0x74, 0x06, 0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0x31, 0xC0, 0xC3}
	s.Load(site, code)

	hk, err := h.InlineHook(uintptr(site), callback)
	require.NoError(t, err)
	assert.Equal(t, 9, hk.Size)
	require.Len(t, hk.Relocated, 13, "jz rel8 becomes jz rel32")
	assert.Equal(t, []byte{0x0F, 0x84}, hk.Relocated[2:4])
	assert.Equal(t, code[4:9], hk.Relocated[8:])

	// the branch still lands on the xor in the original
	at := uint32(hk.Trampoline) + uint32(x86.PreambleSize) + 2
	rel := uint32(hk.Relocated[4]) | uint32(hk.Relocated[5])<<8 | uint32(hk.Relocated[6])<<16 | uint32(hk.Relocated[7])<<24
	assert.Equal(t, site+10, at+6+rel)
}

func TestInlineHookAtEndOfMapping(t *testing.T) {
	h, s := sandboxed(t)
	at := site + sandbox.PageSize - 15
	s.Load(at, addFunc)
	_, mapped := s.PermAt(site + sandbox.PageSize)
	require.False(t, mapped)

	hk, err := h.InlineHook(uintptr(at), callback)
	require.NoError(t, err)
	assert.Equal(t, 6, hk.Size)
	assert.Equal(t, addFunc[:6], hk.Original)

	end := uint32(0x00405000) - uint32(len(addFunc))
	s.Load(end, addFunc)
	slot := uintptr(end)
	require.NoError(t, h.ReplaceHook(&slot, 0x00403000))
	assert.NotEqual(t, uintptr(end), slot)
}

type recordingFreezer struct {
	s                *sandbox.Space
	atFreeze, atThaw int
	freezes, thaws   int
	err              error
}

func (f *recordingFreezer) Freeze() (freeze.Set, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.freezes++
	f.atFreeze = len(f.s.Journal())
	return f, nil
}

func (f *recordingFreezer) Len() int { return 1 }

func (f *recordingFreezer) Thaw() error {
	f.thaws++
	f.atThaw = len(f.s.Journal())
	return nil
}

func TestInlineHookPatchesWhileFrozen(t *testing.T) {
	s := sandbox.New()
	f := &recordingFreezer{s: s}
	h := New(WithSpace(s), WithFreezer(f))
	s.Load(site, addFunc)

	_, err := h.InlineHook(uintptr(site), callback)
	require.NoError(t, err)
	assert.Equal(t, 1, f.freezes)
	assert.Equal(t, 1, f.thaws)
	assert.Equal(t, 2, f.atFreeze, "trampoline is built before freezing")
	assert.Equal(t, 6, f.atThaw)
}

func TestInlineHookFreezeFailure(t *testing.T) {
	s := sandbox.New()
	h := New(WithSpace(s), WithFreezer(&recordingFreezer{s: s, err: errors.New("no threads for you")}))
	s.Load(site, addFunc)

	_, err := h.InlineHook(uintptr(site), callback)
	require.Error(t, err)
	assert.Equal(t, addFunc, s.Peek(site, len(addFunc)))
	assert.Equal(t, sandbox.OpRelease, s.Journal()[len(s.Journal())-1].Op)
	spans, arenas := h.reg.counts()
	assert.Zero(t, spans)
	assert.Zero(t, arenas)
}

func TestInlineHookLeavesTargetOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		setup  func(*sandbox.Space)
		want   error
		allocs bool
	}{
		{
			name: "too short",
			code: []byte{0x33, 0xC0, 0xC3}, // xor eax,eax; ret
			want: ErrInvalidCodeSize,
		},
		{
			name: "padding",
			code: []byte{0x90, 0x90, 0xCC, 0xCC, 0xCC, 0xCC},
			want: ErrInvalidCodeSize,
		},
		{
			name:   "not relocatable",
			code:   []byte{0x0F, 0x31, 0x90, 0x90, 0x90, 0xC3}, // rdtsc
			want:   ErrFailedToRelocateCode,
			allocs: true,
		},
		{
			name:   "get pc",
			code:   []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x58, 0xC3}, // call $+5; pop eax
			want:   ErrFailedToRelocateCode,
			allocs: true,
		},
		{
			name:  "no memory",
			code:  addFunc,
			setup: func(s *sandbox.Space) { s.SetLimit(sandbox.ArenaBase) },
			want:  ErrAllocation,
		},
		{
			name:   "permission denied",
			code:   addFunc,
			setup:  func(s *sandbox.Space) { s.FailOn(sandbox.OpProtect, 1, errors.New("denied")) },
			want:   ErrPermissionChange,
			allocs: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s := sandboxed(t)
			s.Load(site, tt.code)
			if tt.setup != nil {
				tt.setup(s)
			}

			hk, err := h.InlineHook(uintptr(site), callback)
			assert.Nil(t, hk)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.code, s.Peek(site, len(tt.code)))
			perm, _ := s.PermAt(site)
			assert.Equal(t, ExecuteRead, perm)

			if tt.allocs {
				j := s.Journal()
				assert.Equal(t, sandbox.OpAlloc, j[0].Op)
				assert.Equal(t, sandbox.OpRelease, j[len(j)-1].Op)
			}
			spans, arenas := h.reg.counts()
			assert.Zero(t, spans)
			assert.Zero(t, arenas)
		})
	}
}

func TestInlineHookUndoesTornPatch(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)
	// trampoline, nop fill, then the jump fails
	s.FailOn(sandbox.OpWrite, 3, errors.New("torn"))

	_, err := h.InlineHook(uintptr(site), callback)
	assert.True(t, errors.Is(err, sandbox.ErrAccessViolation), "got %v", err)
	assert.Equal(t, addFunc, s.Peek(site, len(addFunc)))
	perm, _ := s.PermAt(site)
	assert.Equal(t, ExecuteRead, perm)
}

func TestInlineHookLiveDespiteRestoreFailure(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)
	s.FailOn(sandbox.OpProtect, 2, errors.New("denied"))

	hk, err := h.InlineHook(uintptr(site), callback)
	require.NotNil(t, hk)
	assert.True(t, errors.Is(err, ErrPermissionChange), "got %v", err)
	to, ok := x86.JmpTarget(s.Peek(site, 5), site)
	require.True(t, ok)
	assert.Equal(t, uint32(hk.Trampoline), to)
	_, arenas := h.reg.counts()
	assert.Equal(t, 1, arenas, "a live trampoline is never released")
}

func TestInlineHookTwice(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)
	other := site + 0x100
	s.Load(other, addFunc)

	_, err := h.InlineHook(uintptr(site), callback)
	require.NoError(t, err)
	patched := s.Peek(site, 6)

	for _, at := range []uint32{site, site + 3, site + 5, site - 2} {
		_, err = h.InlineHook(uintptr(at), callback)
		assert.True(t, errors.Is(err, ErrDoubleHook), "%#x: %v", at, err)
	}
	assert.Equal(t, patched, s.Peek(site, 6))

	hk, err := h.InlineHook(uintptr(other), callback)
	require.NoError(t, err)
	assert.Equal(t, uintptr(other), hk.Target)
	spans, arenas := h.reg.counts()
	assert.Equal(t, 2, spans)
	assert.Equal(t, 2, arenas)
}

func TestInlineHookRetryAfterFailure(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)
	s.FailOn(sandbox.OpProtect, 1, errors.New("denied"))

	_, err := h.InlineHook(uintptr(site), callback)
	require.Error(t, err)
	_, err = h.InlineHook(uintptr(site), callback)
	assert.NoError(t, err)
}

func TestInlineHookConcurrentSameSite(t *testing.T) {
	h, s := sandboxed(t)
	s.Load(site, addFunc)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.InlineHook(uintptr(site), callback)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrDoubleHook), "got %v", err)
	}
}

func TestInlineHookAddressRange(t *testing.T) {
	if ^uintptr(0) == 0xFFFFFFFF {
		t.Skip("every address fits on a 32-bit host")
	}
	h, _ := sandboxed(t)
	big := uintptr(1) << 33
	_, err := h.InlineHook(big, callback)
	assert.True(t, errors.Is(err, ErrAddressRange))
	_, err = h.InlineHook(uintptr(site), big)
	assert.True(t, errors.Is(err, ErrAddressRange))
}

func TestLiveHooksNeed386(t *testing.T) {
	if runtime.GOARCH == "386" {
		t.Skip("live hooks are supported here")
	}
	_, err := New().InlineHook(uintptr(site), callback)
	assert.True(t, errors.Is(err, ErrUnsupportedArch))
	assert.True(t, errors.Is(New().WriteNop(uintptr(site), 5), ErrUnsupportedArch))
}
