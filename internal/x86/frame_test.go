package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameOffsets(t *testing.T) {
	want := map[Slot]int{
		EFLAGS: 0, EDI: 4, ESI: 8, EBP: 12, ESP: 16,
		EBX: 20, EDX: 24, ECX: 28, EAX: 32,
	}
	for s, off := range want {
		assert.Equal(t, off, s.Offset(), s.String())
	}
	assert.Equal(t, -1, Slot(42).Offset())
	assert.Equal(t, "Slot(42)", Slot(42).String())
	assert.Len(t, FrameLayout, FrameSize/4)
}

func TestFrameCode(t *testing.T) {
	assert.Equal(t, []byte{0x60, 0x9C}, frameSave)
	assert.Equal(t, []byte{0x9D, 0x61}, frameRestore)

	// flags stored above the registers
	save, restore, err := frameCode([]Slot{EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX, EFLAGS})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x9C, 0x60}, save)
	assert.Equal(t, []byte{0x61, 0x9D}, restore)
}

func TestFrameCodeRejectsLayouts(t *testing.T) {
	layouts := map[string][]Slot{
		"reordered registers": {EFLAGS, EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI},
		"flags twice":         {EFLAGS, EFLAGS, EDI, ESI, EBP, ESP, EBX, EDX, ECX},
		"missing flags":       {EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX},
		"partial group":       {EFLAGS, EDI, ESI},
	}
	for name, layout := range layouts {
		t.Run(name, func(t *testing.T) {
			_, _, err := frameCode(layout)
			assert.Error(t, err)
		})
	}
}
