package x86

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const jit = uint32(0x10000000)

// branchTarget decodes the relative branch at the start of code, placed at pc.
func branchTarget(t *testing.T, code []byte, pc uint32) uint32 {
	t.Helper()
	inst, err := x86asm.Decode(code, 32)
	require.NoError(t, err)
	rel, ok := inst.Args[0].(x86asm.Rel)
	require.True(t, ok, "%s is not a relative branch", inst.Op)
	return pc + uint32(inst.Len) + uint32(int32(rel))
}

func TestRelocatePlainCopy(t *testing.T) {
	src := []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0xFF, 0x25, 0x00, 0x20, 0x40, 0x00}
	out, err := Relocate(src, site, jit)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestRelocateBranches(t *testing.T) {
	tests := []struct {
		name   string
		src    []byte
		op     []byte // expected opcode bytes of the rewritten branch
		target uint32
		length int
	}{
		{"call rel32", []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}, []byte{0xE8}, 0x00402000, 5},
		{"jmp rel32", []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}, []byte{0xE9}, 0x00402000, 5},
		{"jmp rel8 widened", []byte{0xEB, 0x10}, []byte{0xE9}, site + 0x12, 5},
		{"backward jmp rel8", []byte{0xEB, 0x80}, []byte{0xE9}, site + 2 - 0x80, 5},
		{"jz rel8 widened", []byte{0x74, 0x05}, []byte{0x0F, 0x84}, site + 7, 6},
		{"jg rel8 widened", []byte{0x7F, 0x20}, []byte{0x0F, 0x8F}, site + 0x22, 6},
		{"jne rel32", []byte{0x0F, 0x85, 0x00, 0x01, 0x00, 0x00}, []byte{0x0F, 0x85}, site + 6 + 0x100, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Relocate(tt.src, site, jit)
			require.NoError(t, err)
			require.Len(t, out, tt.length)
			assert.Equal(t, tt.op, out[:len(tt.op)])
			assert.Equal(t, tt.target, branchTarget(t, out, jit))
		})
	}
}

func TestRelocateKeepsConditionCodes(t *testing.T) {
	for cc := byte(0); cc < 16; cc++ {
		out, err := Relocate([]byte{0x70 + cc, 0x00}, site, jit)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x0F, 0x80 + cc}, out[:2])
		assert.Equal(t, site+2, branchTarget(t, out, jit))
	}
}

func TestRelocateBranchIntoPrefix(t *testing.T) {
	// jmp +1 skips the first nop and lands on the second one
	src := []byte{0xEB, 0x01, 0x90, 0x90, 0x90}
	out, err := Relocate(src, site, jit)
	require.NoError(t, err)
	require.Len(t, out, 8)
	assert.Equal(t, jit+6, branchTarget(t, out, jit))
	assert.Equal(t, []byte{0x90, 0x90, 0x90}, out[5:])
}

func TestRelocateBranchToEntryStaysOnEntry(t *testing.T) {
	// dec ecx; jnz back to the entry; nop
	src := []byte{0x49, 0x75, 0xFD, 0x90, 0x90}
	out, err := Relocate(src, site, jit)
	require.NoError(t, err)
	require.Len(t, out, 9)
	assert.Equal(t, site, branchTarget(t, out[1:], jit+1))
}

func TestRelocateBranchToResumePointStaysOutside(t *testing.T) {
	src := []byte{0x85, 0xC0, 0x75, 0x01, 0x90}
	out, err := Relocate(src, site, jit)
	require.NoError(t, err)
	assert.Equal(t, site+5, branchTarget(t, out[2:], jit+2))
}

func TestRelocateFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
	}{
		{"loop", []byte{0xE2, 0xFE, 0x90, 0x90, 0x90}},
		{"jecxz", []byte{0xE3, 0x10, 0x90, 0x90, 0x90}},
		{"get pc", []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x58}},
		{"into an instruction", []byte{0xEB, 0x01, 0x8B, 0x45, 0x08}},
		{"jmp register", []byte{0x90, 0x90, 0x90, 0xFF, 0xE0}},
		{"call register", []byte{0x90, 0x90, 0x90, 0xFF, 0xD0}},
		{"jmp through register memory", []byte{0x90, 0xFF, 0x24, 0x85, 0x00, 0x20, 0x40, 0x00}},
		{"far jmp", []byte{0xEA, 0x00, 0x10, 0x40, 0x00, 0x08, 0x00}},
		{"rel16 call", []byte{0x66, 0xE8, 0x10, 0x00, 0x90}},
		{"branch hint", []byte{0x3E, 0x74, 0x05, 0x90, 0x90}},
		{"rdtsc", []byte{0x0F, 0x31, 0x90, 0x90, 0x90}},
		{"syscall gate", []byte{0xCD, 0x80, 0x90, 0x90, 0x90}},
		{"truncated", []byte{0x90, 0xB8, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Relocate(tt.src, site, jit)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFailedToRelocateCode), "%v", err)
		})
	}
}

func TestRelocatedFitsPadded(t *testing.T) {
	streams := [][]byte{
		pad(0x55, 0x89, 0xE5, 0xEB, 0x10),
		pad(0x85, 0xC0, 0x74, 0x05, 0x40, 0xC3),
		pad(0x74, 0x02, 0x75, 0x00, 0x90),
		pad(0xE8, 0x10, 0x00, 0x00, 0x00, 0xC3),
		pad(0x8B, 0xFF, 0x55, 0x8B, 0xEC),
	}
	for _, code := range streams {
		p, err := Scan(code, site)
		require.NoError(t, err)
		out, err := Relocate(code[:p.Size], site, jit)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(out), p.Padded)
	}
}

func TestRelocateWrapsAddressSpace(t *testing.T) {
	// a target below the arena needs a negative displacement
	out, err := Relocate([]byte{0xE8, 0x00, 0x00, 0x00, 0x01}, 0x00001000, 0xFFFF0000)
	require.NoError(t, err)
	want := uint32(0x00001000 + 5 + 0x01000000)
	assert.Equal(t, want, 0xFFFF0000+5+binary.LittleEndian.Uint32(out[1:]))
}
