package x86

// PreambleSize is the length of the callback bridge that opens every inline
// hook trampoline.
var PreambleSize = len(frameSave) + 1 + CallSize + 1 + len(frameRestore)

// TrampolineSize is how much JIT memory an inline hook needs for a prefix
// whose relocated form is at most padded bytes.
func TrampolineSize(padded int) int {
	return PreambleSize + padded + JmpSize
}

// DetourSize is the JIT memory needed by BuildDetour for the same prefix.
func DetourSize(padded int) int {
	return padded + JmpSize
}

// BuildTrampoline assembles the code of an inline hook living at base:
//
//	PUSHAD; PUSHFD          ; frame in FrameLayout order
//	PUSH ESP                ; the frame address is the only argument
//	CALL callback           ; cdecl, so the caller pops
//	POP EAX
//	POPFD; POPAD            ; callback edits to the frame take effect here
//	<relocated prefix>
//	JMP resume
//
// relocated must already have been relocated to base+PreambleSize.
func BuildTrampoline(base, callback uint32, relocated []byte, resume uint32) []byte {
	code := make([]byte, 0, TrampolineSize(len(relocated)))
	code = append(code, frameSave...)
	code = append(code, opPushESP)
	code = append(code, Call(base+uint32(len(code)), callback)...)
	code = append(code, opPopEAX)
	code = append(code, frameRestore...)
	code = append(code, relocated...)
	code = append(code, Jmp(base+uint32(len(code)), resume)...)
	return code
}

// BuildDetour assembles a callable copy of the original entry at base: the
// relocated prefix followed by a jump to the untouched rest of the function.
// relocated must already have been relocated to base.
func BuildDetour(base uint32, relocated []byte, resume uint32) []byte {
	code := make([]byte, 0, DetourSize(len(relocated)))
	code = append(code, relocated...)
	return append(code, Jmp(base+uint32(len(code)), resume)...)
}
