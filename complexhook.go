package sunset

import (
	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/memory"
	"github.com/k2io/sunset/internal/x86"
)

// InlineHook makes address call callback before running its own code.
//
// callback is a cdecl function taking a *Context. The first whole
// instructions covering five bytes at address move to a trampoline that
// saves all registers, calls callback with a pointer to them, restores them
// and runs the moved instructions before jumping back. On error the target
// is left untouched, unless the error says the patch was written.
func (h *Hooker) InlineHook(address, callback uintptr) (*Hook, error) {
	if err := h.checkArch(); err != nil {
		return nil, err
	}
	target, err := addr32(address)
	if err != nil {
		return nil, err
	}
	cb, err := addr32(callback)
	if err != nil {
		return nil, err
	}
	log := h.logger()

	// every hook writes at least a jump; claim that much before reading
	sp, err := h.reg.reserve(address, x86.JmpSize)
	if err != nil {
		return nil, err
	}
	hk, arena, err := h.prepareInline(sp, target, cb)
	if err != nil {
		h.reg.drop(sp)
		return nil, err
	}

	jmp := x86.Jmp(target, uint32(arena.Base))
	live, err := h.commit(address, hk.Size, hk.Original,
		write{0, x86.Nops(hk.Size)},
		write{0, jmp})
	if !live {
		arena.Release()
		h.reg.drop(sp)
		return nil, errors.WithMessagef(err, "patch %#x", address)
	}
	h.reg.retain(arena)
	log.Debug().
		Uint64("target", uint64(address)).
		Uint64("trampoline", uint64(arena.Base)).
		Int("size", hk.Size).
		Msg("inline hook installed")
	if err != nil {
		// only the protection restore failed
		return hk, errors.WithMessagef(err, "hook %#x is live", address)
	}
	return hk, nil
}

// prepareInline builds the trampoline for target in a fresh arena. Nothing
// at target is modified.
func (h *Hooker) prepareInline(sp *span, target, cb uint32) (*Hook, *memory.Arena, error) {
	log := h.logger()
	p, code, err := x86.ScanAt(h.readCode, target)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().
		Uint32("target", target).
		Int("size", p.Size).
		Int("padded", p.Padded).
		Msg("scan")
	if err := h.reg.grow(sp, p.Size); err != nil {
		return nil, nil, err
	}

	arena, err := h.space.Alloc(x86.TrampolineSize(p.Padded))
	if err != nil {
		return nil, nil, err
	}
	base, err := addr32(arena.Base)
	if err != nil {
		arena.Release()
		return nil, nil, err
	}
	log.Debug().Stringer("arena", arena).Msg("alloc")

	rel, err := x86.Relocate(code[:p.Size], target, base+uint32(x86.PreambleSize))
	if err != nil {
		arena.Release()
		return nil, nil, err
	}
	log.Debug().Int("in", p.Size).Int("out", len(rel)).Msg("relocate")

	tramp := x86.BuildTrampoline(base, cb, rel, target+uint32(p.Size))
	if err := h.space.Write(arena.Base, tramp); err != nil {
		arena.Release()
		return nil, nil, errors.WithMessage(err, "write trampoline")
	}
	return &Hook{
		Target:     uintptr(target),
		Trampoline: arena.Base,
		Size:       p.Size,
		Original:   append([]byte(nil), code[:p.Size]...),
		Relocated:  rel,
	}, arena, nil
}

// readCode reads code at addr for the scanner.
func (h *Hooker) readCode(addr uint32, buf []byte) error {
	return errors.WithMessagef(h.space.Read(uintptr(addr), buf), "read %#x", addr)
}
