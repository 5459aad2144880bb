package sunset

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/k2io/sunset/internal/x86"
)

// Register is one saved 32-bit register. The same bits can be read and
// written as whichever type the callback expects.
type Register uint32

func (r Register) Uint32() uint32   { return uint32(r) }
func (r Register) Int32() int32     { return int32(r) }
func (r Register) Float32() float32 { return math.Float32frombits(uint32(r)) }
func (r Register) Pointer() uintptr { return uintptr(r) }

func (r *Register) SetUint32(v uint32)   { *r = Register(v) }
func (r *Register) SetInt32(v int32)     { *r = Register(uint32(v)) }
func (r *Register) SetFloat32(v float32) { *r = Register(math.Float32bits(v)) }
func (r *Register) SetPointer(p uintptr) { *r = Register(uint32(p)) }

// Context is the register snapshot an inline hook callback receives. Its
// layout is what PUSHAD followed by PUSHFD leaves on the stack.
//
// Every register except ESP is written back when the callback returns; ESP
// holds the stack pointer at the hooked address and is read-only. There is
// no instruction pointer: execution always resumes in the original code.
type Context struct {
	EFLAGS Register
	EDI    Register
	ESI    Register
	EBP    Register
	ESP    Register
	EBX    Register
	EDX    Register
	ECX    Register
	EAX    Register
}

// ContextVersion identifies the Context layout.
const ContextVersion = x86.FrameLayoutVersion

func (c *Context) String() string {
	return fmt.Sprintf("eax: %#X\necx: %#X\nedx: %#X\nebx: %#X\nesp: %#X\nebp: %#X\nesi: %#X\nedi: %#X\neflags: %#X\n",
		uint32(c.EAX), uint32(c.ECX), uint32(c.EDX), uint32(c.EBX), uint32(c.ESP),
		uint32(c.EBP), uint32(c.ESI), uint32(c.EDI), uint32(c.EFLAGS))
}

// Arg returns the nth 32-bit stack argument of a hook placed on a function
// entry, read from the live stack. Only meaningful inside a callback.
func (c *Context) Arg(n int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(c.ESP) + 4 + 4*uintptr(n)))
}

// ArgIn is Arg for a context captured from another address space.
func (c *Context) ArgIn(s Space, n int) (uint32, error) {
	var b [4]byte
	if err := s.Read(uintptr(c.ESP)+4+4*uintptr(n), b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
