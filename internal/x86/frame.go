package x86

import (
	"fmt"

	"github.com/pkg/errors"
)

// Slot names one 4-byte cell of the register frame a trampoline builds on
// the stack before calling the hook callback.
type Slot int

const (
	EFLAGS Slot = iota
	EDI
	ESI
	EBP
	ESP
	EBX
	EDX
	ECX
	EAX
)

var slotNames = [...]string{"eflags", "edi", "esi", "ebp", "esp", "ebx", "edx", "ecx", "eax"}

func (s Slot) String() string {
	if s < 0 || int(s) >= len(slotNames) {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slotNames[s]
}

// FrameLayoutVersion changes whenever FrameLayout does. Callbacks compiled
// against a Context of another version must not be mixed in.
const FrameLayoutVersion = 1

// FrameLayout lists the frame cells from the lowest address (the pointer
// handed to the callback) upwards. It is the only definition of the frame:
// the save/restore code is derived from it and sunset.Context mirrors it.
var FrameLayout = []Slot{EFLAGS, EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX}

// FrameSize is the byte size of the register frame.
const FrameSize = 9 * 4

// Offset returns the byte offset of s inside the frame, or -1.
func (s Slot) Offset() int {
	for i, v := range FrameLayout {
		if v == s {
			return i * 4
		}
	}
	return -1
}

// pushGroup is a hardware save instruction and the cells it leaves on the
// stack, lowest address first.
type pushGroup struct {
	slots     []Slot
	push, pop byte
}

var pushGroups = []pushGroup{
	// PUSHAD stores the ESP value from before the instruction; POPAD skips it.
	{slots: []Slot{EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX}, push: 0x60, pop: 0x61},
	{slots: []Slot{EFLAGS}, push: 0x9C, pop: 0x9D},
}

// frameCode derives the save and restore sequences that produce layout.
func frameCode(layout []Slot) (save, restore []byte, err error) {
	var seq []pushGroup
	used := make(map[byte]bool)
	for i := 0; i < len(layout); {
		g, ok := matchGroup(layout[i:])
		if !ok {
			return nil, nil, errors.Errorf("x86: no push sequence stores %s at frame offset %d", layout[i], i*4)
		}
		if used[g.push] {
			return nil, nil, errors.Errorf("x86: %s stored twice in frame layout", layout[i])
		}
		used[g.push] = true
		seq = append(seq, g)
		i += len(g.slots)
	}
	if len(layout)*4 != FrameSize {
		return nil, nil, errors.Errorf("x86: frame layout covers %d bytes, want %d", len(layout)*4, FrameSize)
	}
	// the group at the highest address is pushed first and popped last
	for i := len(seq) - 1; i >= 0; i-- {
		save = append(save, seq[i].push)
	}
	for _, g := range seq {
		restore = append(restore, g.pop)
	}
	return save, restore, nil
}

func matchGroup(layout []Slot) (pushGroup, bool) {
next:
	for _, g := range pushGroups {
		if len(layout) < len(g.slots) {
			continue
		}
		for i, s := range g.slots {
			if layout[i] != s {
				continue next
			}
		}
		return g, true
	}
	return pushGroup{}, false
}

var frameSave, frameRestore = mustFrameCode(FrameLayout)

func mustFrameCode(layout []Slot) ([]byte, []byte) {
	save, restore, err := frameCode(layout)
	if err != nil {
		panic(err)
	}
	return save, restore
}
