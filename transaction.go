package sunset

import (
	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/freeze"
	"github.com/k2io/sunset/internal/memory"
	"github.com/k2io/sunset/internal/x86"
)

// Detourer is a detour transaction: attachments are collected between Begin
// and Commit and applied together.
type Detourer interface {
	Begin() error
	// UpdateThread names a thread whose instruction pointer must be fixed up
	// if it sits inside a patched range.
	UpdateThread(tid uint32) error
	// Attach redirects the function *slot points at to detour. After Commit,
	// *slot points at a callable copy of the original.
	Attach(slot *uintptr, detour uintptr) error
	Commit() error
	Abort() error
}

// Transaction is the built-in Detourer. Every attachment is prepared when
// attached, so a failing Attach leaves all targets untouched and makes the
// following Commit fail.
type Transaction struct {
	h       *Hooker
	open    bool
	failed  error
	threads []uint32
	pending []*attachment
}

type attachment struct {
	slot   *uintptr
	target uintptr
	size   int
	orig   []byte
	writes []write
	arena  *memory.Arena
	sp     *span
}

// Transaction returns a native transaction on h.
func (h *Hooker) Transaction() *Transaction {
	return &Transaction{h: h}
}

func (t *Transaction) Begin() error {
	if t.open {
		return errors.Wrap(ErrTransaction, "begin twice")
	}
	t.open = true
	t.failed = nil
	t.threads = t.threads[:0]
	t.pending = t.pending[:0]
	return nil
}

// UpdateThread records tid for the commit log and nothing else. Commit
// freezes every thread but the caller's whether it was named or not, and
// moves no instruction pointers: a thread suspended inside a patched range
// resumes in the rewritten bytes.
func (t *Transaction) UpdateThread(tid uint32) error {
	if !t.open {
		return errors.Wrap(ErrTransaction, "update thread outside a transaction")
	}
	t.threads = append(t.threads, tid)
	return nil
}

func (t *Transaction) Attach(slot *uintptr, detour uintptr) error {
	if !t.open {
		return errors.Wrap(ErrTransaction, "attach outside a transaction")
	}
	a, err := t.prepare(slot, detour)
	if err != nil {
		if t.failed == nil {
			t.failed = err
		}
		return err
	}
	t.pending = append(t.pending, a)
	return nil
}

func (t *Transaction) prepare(slot *uintptr, detour uintptr) (*attachment, error) {
	h := t.h
	if slot == nil || *slot == 0 {
		return nil, errors.Wrap(ErrTransaction, "attach with an empty slot")
	}
	if err := h.checkArch(); err != nil {
		return nil, err
	}
	target, err := addr32(*slot)
	if err != nil {
		return nil, err
	}
	to, err := addr32(detour)
	if err != nil {
		return nil, err
	}
	sp, err := h.reg.reserve(*slot, x86.JmpSize)
	if err != nil {
		return nil, err
	}
	a, err := t.build(sp, target, to)
	if err != nil {
		h.reg.drop(sp)
		return nil, err
	}
	a.slot = slot
	return a, nil
}

func (t *Transaction) build(sp *span, target, detour uint32) (*attachment, error) {
	h := t.h
	p, code, err := x86.ScanAt(h.readCode, target)
	if err != nil {
		return nil, err
	}
	if err := h.reg.grow(sp, p.Size); err != nil {
		return nil, err
	}
	arena, err := h.space.Alloc(x86.DetourSize(p.Padded))
	if err != nil {
		return nil, err
	}
	base, err := addr32(arena.Base)
	if err != nil {
		arena.Release()
		return nil, err
	}
	rel, err := x86.Relocate(code[:p.Size], target, base)
	if err != nil {
		arena.Release()
		return nil, err
	}
	if err := h.space.Write(arena.Base, x86.BuildDetour(base, rel, target+uint32(p.Size))); err != nil {
		arena.Release()
		return nil, errors.WithMessage(err, "write detour trampoline")
	}
	h.logger().Debug().
		Uint32("target", target).
		Uint32("detour", detour).
		Stringer("arena", arena).
		Int("size", p.Size).
		Msg("attach")
	return &attachment{
		target: uintptr(target),
		size:   p.Size,
		orig:   code[:p.Size],
		writes: []write{{0, x86.Nops(p.Size)}, {0, x86.Jmp(target, detour)}},
		arena:  arena,
		sp:     sp,
	}, nil
}

// Commit patches every attached target and points each slot at its
// original. If an Attach failed nothing is patched.
func (t *Transaction) Commit() error {
	if !t.open {
		return errors.Wrap(ErrTransaction, "commit outside a transaction")
	}
	if t.failed != nil {
		err := t.failed
		t.Abort()
		return errors.WithMessage(err, "transaction has a failed attach")
	}
	h := t.h
	// patch bytes were built by Attach; nothing below allocates unless a
	// write fails
	set, err := h.freezer.Freeze()
	if err != nil {
		t.Abort()
		return errors.Wrap(err, "freeze threads")
	}
	var done int
	for _, a := range t.pending {
		live, perr := h.commitFrozen(a.target, a.size, a.orig, a.writes)
		if !live {
			err = errors.WithMessagef(perr, "patch %#x", a.target)
			break
		}
		*a.slot = a.arena.Base
		h.reg.retain(a.arena)
		a.arena = nil
		done++
		if perr != nil {
			err = errors.WithMessagef(perr, "detour %#x is live", a.target)
			break
		}
	}
	if terr := set.Thaw(); terr != nil && err == nil {
		err = errors.Wrap(terr, "thaw threads")
	}
	h.logger().Debug().
		Int("attached", len(t.pending)).
		Int("patched", done).
		Int("frozen", set.Len()).
		Uints32("threads", t.threads).
		Err(err).
		Msg("detour commit")
	t.pending = t.pending[done:]
	t.Abort()
	return err
}

// Abort releases every prepared attachment that was not committed.
func (t *Transaction) Abort() error {
	if !t.open {
		return errors.Wrap(ErrTransaction, "abort outside a transaction")
	}
	for _, a := range t.pending {
		if a.arena != nil {
			a.arena.Release()
		}
		t.h.reg.drop(a.sp)
	}
	t.pending = nil
	t.threads = nil
	t.open = false
	return nil
}

// ReplaceHook redirects the function *slot points at to detour, storing a
// callable copy of the original in *slot. Nothing is patched on error.
func (h *Hooker) ReplaceHook(slot *uintptr, detour uintptr) error {
	var d Detourer = h.detourer
	if d == nil {
		d = h.Transaction()
	}
	if err := d.Begin(); err != nil {
		return err
	}
	if err := d.UpdateThread(freeze.CurrentThread()); err != nil {
		d.Abort()
		return err
	}
	if err := d.Attach(slot, detour); err != nil {
		d.Abort()
		return err
	}
	return d.Commit()
}
