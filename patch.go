package sunset

import (
	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/x86"
)

// SetPermission changes the protection of [addr, addr+size) and returns the
// previous one. The range is widened to whole pages.
func (h *Hooker) SetPermission(addr uintptr, size int, perm Perm) (Perm, error) {
	old, err := h.space.Protect(addr, size, perm)
	if err != nil {
		return 0, err
	}
	h.logger().Debug().
		Uint64("addr", uint64(addr)).
		Int("size", size).
		Stringer("perm", perm).
		Stringer("old", old).
		Msg("protect")
	return old, nil
}

// poke writes code at addr under the permission guard. Raw writes are not
// recorded in the registry.
func (h *Hooker) poke(addr uintptr, code []byte) error {
	if err := h.checkArch(); err != nil {
		return err
	}
	_, err := h.commit(addr, len(code), nil, write{0, code})
	return errors.WithMessagef(err, "write %#x", addr)
}

func (h *Hooker) pair(at, to uintptr) (uint32, uint32, error) {
	a, err := addr32(at)
	if err != nil {
		return 0, 0, err
	}
	b, err := addr32(to)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// WriteJmp writes JMP rel32 at 'at' pointing to 'to'.
func (h *Hooker) WriteJmp(at, to uintptr) error {
	a, b, err := h.pair(at, to)
	if err != nil {
		return err
	}
	return h.poke(at, x86.Jmp(a, b))
}

// WriteCall writes CALL rel32 at 'at' pointing to 'to'.
func (h *Hooker) WriteCall(at, to uintptr) error {
	a, b, err := h.pair(at, to)
	if err != nil {
		return err
	}
	return h.poke(at, x86.Call(a, b))
}

// WritePush writes PUSH imm32 at 'at'.
func (h *Hooker) WritePush(at uintptr, imm uint32) error {
	if _, err := addr32(at); err != nil {
		return err
	}
	return h.poke(at, x86.Push(imm))
}

// WriteNop fills n bytes at 'at' with NOP.
func (h *Hooker) WriteNop(at uintptr, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := addr32(at); err != nil {
		return err
	}
	return h.poke(at, x86.Nops(n))
}

// InlineReplace NOP-fills n bytes at src and writes a CALL to dst over the
// first five. The displaced instructions are discarded, not relocated.
func (h *Hooker) InlineReplace(src, dst uintptr, n int) error {
	return h.replaceWith(src, dst, n, x86.Call)
}

// InlineReplaceJump is InlineReplace with a JMP.
func (h *Hooker) InlineReplaceJump(src, dst uintptr, n int) error {
	return h.replaceWith(src, dst, n, x86.Jmp)
}

func (h *Hooker) replaceWith(src, dst uintptr, n int, enc func(at, to uint32) []byte) error {
	if err := h.checkArch(); err != nil {
		return err
	}
	if n < x86.JmpSize {
		return errors.Wrapf(ErrInvalidCodeSize, "%d bytes at %#x", n, src)
	}
	a, b, err := h.pair(src, dst)
	if err != nil {
		return err
	}
	orig := make([]byte, n)
	if err := h.space.Read(src, orig); err != nil {
		return errors.WithMessagef(err, "read %#x", src)
	}
	_, err = h.commit(src, n, orig,
		write{0, x86.Nops(n)},
		write{0, enc(a, b)})
	return errors.WithMessagef(err, "replace %#x", src)
}

// InlineReplace uses the default Hooker.
func InlineReplace(src, dst uintptr, n int) error {
	return Default().InlineReplace(src, dst, n)
}

// InlineReplaceJump uses the default Hooker.
func InlineReplaceJump(src, dst uintptr, n int) error {
	return Default().InlineReplaceJump(src, dst, n)
}
