// Package x86 holds the machine-code side of the hooking engine: it finds a
// safe patch boundary, relocates the displaced instructions and assembles
// trampolines. Everything here works on byte slices and 32-bit virtual
// addresses, never on live memory, so it can be exercised on any host.
package x86

import "encoding/binary"

const (
	opNop       = 0x90
	opPushImm32 = 0x68
	opCallRel32 = 0xE8
	opJmpRel32  = 0xE9
	opJmpRel8   = 0xEB
	opInt3      = 0xCC
	opTwoByte   = 0x0F
	opJccRel8   = 0x70 // 0x70-0x7F
	opJccRel32  = 0x80 // 0x0F 0x80-0x8F
	opPushESP   = 0x54
	opPopEAX    = 0x58

	// JmpSize is the length of JMP rel32, the instruction written over a
	// hooked entry point.
	JmpSize  = 5
	CallSize = 5
	PushSize = 5
)

// rel32 is the displacement a size-byte instruction at 'at' needs to reach
// 'to'. Addresses wrap modulo 2^32, so every target is reachable.
func rel32(at, to uint32, size int) uint32 {
	return to - at - uint32(size)
}

func putRel(op byte, at, to uint32) []byte {
	code := make([]byte, 5)
	code[0] = op
	binary.LittleEndian.PutUint32(code[1:], rel32(at, to, 5))
	return code
}

// Jmp encodes JMP rel32 located at 'at' and landing on 'to'.
func Jmp(at, to uint32) []byte {
	return putRel(opJmpRel32, at, to)
}

// Call encodes CALL rel32 located at 'at' calling 'to'.
func Call(at, to uint32) []byte {
	return putRel(opCallRel32, at, to)
}

// Push encodes PUSH imm32.
func Push(imm uint32) []byte {
	code := make([]byte, PushSize)
	code[0] = opPushImm32
	binary.LittleEndian.PutUint32(code[1:], imm)
	return code
}

// Nops returns n single-byte NOPs.
func Nops(n int) []byte {
	code := make([]byte, n)
	for i := range code {
		code[i] = opNop
	}
	return code
}

// JmpTarget decodes a JMP rel32 or CALL rel32 at the start of code, assumed
// to live at 'at', and returns its absolute destination.
func JmpTarget(code []byte, at uint32) (uint32, bool) {
	if len(code) < 5 || (code[0] != opJmpRel32 && code[0] != opCallRel32) {
		return 0, false
	}
	return at + 5 + binary.LittleEndian.Uint32(code[1:]), true
}
