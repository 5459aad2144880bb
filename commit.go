package sunset

import (
	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/memory"
)

type write struct {
	off  int
	data []byte
}

// commit applies writes, in order, to [addr, addr+size) while the range is
// unlocked and the other threads are frozen, then restores the protection.
// live reports whether every write landed. When one fails after others
// landed, undo is written back at addr.
func (h *Hooker) commit(addr uintptr, size int, undo []byte, writes ...write) (live bool, err error) {
	set, err := h.freezer.Freeze()
	if err != nil {
		return false, errors.Wrap(err, "freeze threads")
	}
	live, err = h.commitFrozen(addr, size, undo, writes)
	if terr := set.Thaw(); terr != nil && err == nil {
		err = errors.Wrap(terr, "thaw threads")
	}
	h.logger().Debug().
		Uint64("addr", uint64(addr)).
		Int("size", size).
		Bool("live", live).
		Int("frozen", set.Len()).
		Err(err).
		Msg("commit")
	return live, err
}

// commitFrozen must not allocate before the last write: frozen threads may
// hold the heap lock.
func (h *Hooker) commitFrozen(addr uintptr, size int, undo []byte, writes []write) (bool, error) {
	old, err := h.space.Protect(addr, size, memory.ExecuteReadWrite)
	if err != nil {
		return false, err
	}
	done := 0
	for _, w := range writes {
		if err = h.space.Write(addr+uintptr(w.off), w.data); err != nil {
			break
		}
		done++
	}
	if err != nil && done > 0 && undo != nil {
		if uerr := h.space.Write(addr, undo); uerr != nil {
			err = errors.WithMessagef(err, "restoring %#x failed: %v", addr, uerr)
		}
	}
	if _, perr := h.space.Protect(addr, size, old); perr != nil && err == nil {
		err = perr
	}
	return done == len(writes), err
}
