//go:build unicorn

// Package emulator executes the code held by a sandbox.Space on the Unicorn
// x86 CPU emulator, so relocated prefixes and trampolines can be checked by
// running them instead of by reading their bytes.
package emulator

import (
	"encoding/binary"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/k2io/sunset/internal/memory"
	"github.com/k2io/sunset/internal/sandbox"
)

const (
	StackBase = 0x00100000
	StackSize = 0x10000
	// ReturnAddress is pushed as the return address of every Call; reaching
	// it ends the run.
	ReturnAddress = 0x00050000

	maxInstructions = 100000
)

// Regs is the general purpose register file.
type Regs struct {
	EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI, EFLAGS uint32
}

var regIDs = []struct {
	id  int
	get func(*Regs) *uint32
}{
	{uc.X86_REG_EAX, func(r *Regs) *uint32 { return &r.EAX }},
	{uc.X86_REG_ECX, func(r *Regs) *uint32 { return &r.ECX }},
	{uc.X86_REG_EDX, func(r *Regs) *uint32 { return &r.EDX }},
	{uc.X86_REG_EBX, func(r *Regs) *uint32 { return &r.EBX }},
	{uc.X86_REG_EBP, func(r *Regs) *uint32 { return &r.EBP }},
	{uc.X86_REG_ESI, func(r *Regs) *uint32 { return &r.ESI }},
	{uc.X86_REG_EDI, func(r *Regs) *uint32 { return &r.EDI }},
	{uc.X86_REG_EFLAGS, func(r *Regs) *uint32 { return &r.EFLAGS }},
}

// Machine is a 32-bit CPU with a copy of a sandbox's pages mapped in.
type Machine struct {
	mu    uc.Unicorn
	trace []uint32
}

// New maps every page of s, with its protection, plus a stack.
func New(s *sandbox.Space) (*Machine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	if err != nil {
		return nil, errors.Wrap(err, "unicorn")
	}
	m := &Machine{mu: mu}
	for _, base := range s.Pages() {
		perm, _ := s.PermAt(base)
		if err := mu.MemMapProt(uint64(base), sandbox.PageSize, prot(perm)); err != nil {
			mu.Close()
			return nil, errors.Wrapf(err, "map %#x", base)
		}
		if err := mu.MemWrite(uint64(base), s.Peek(base, sandbox.PageSize)); err != nil {
			mu.Close()
			return nil, errors.Wrapf(err, "load %#x", base)
		}
	}
	if err := mu.MemMap(StackBase, StackSize); err != nil {
		mu.Close()
		return nil, errors.Wrap(err, "map stack")
	}
	if err := mu.MemMapProt(ReturnAddress, sandbox.PageSize, uc.PROT_EXEC|uc.PROT_READ); err != nil {
		mu.Close()
		return nil, errors.Wrap(err, "map return page")
	}
	_, err = mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		m.trace = append(m.trace, uint32(addr))
	}, 1, 0)
	if err != nil {
		mu.Close()
		return nil, errors.Wrap(err, "trace hook")
	}
	return m, nil
}

func prot(p memory.Perm) int {
	v := uc.PROT_NONE
	if p.Readable() {
		v |= uc.PROT_READ
	}
	if p.Writable() {
		v |= uc.PROT_WRITE
	}
	if p.Executable() {
		v |= uc.PROT_EXEC
	}
	return v
}

// Close frees the emulator.
func (m *Machine) Close() error {
	return m.mu.Close()
}

// Call runs the cdecl function at entry with args on the stack and regs
// loaded, until it returns. regs.ESP is ignored. It returns the register
// file at the return.
func (m *Machine) Call(entry uint32, regs Regs, args ...uint32) (Regs, error) {
	m.trace = m.trace[:0]
	sp := uint32(StackBase + StackSize - 0x100)
	frame := make([]byte, 4+4*len(args))
	binary.LittleEndian.PutUint32(frame, ReturnAddress)
	for i, a := range args {
		binary.LittleEndian.PutUint32(frame[4+4*i:], a)
	}
	sp -= uint32(len(frame))
	if err := m.mu.MemWrite(uint64(sp), frame); err != nil {
		return Regs{}, err
	}
	for _, r := range regIDs {
		if err := m.mu.RegWrite(r.id, uint64(*r.get(&regs))); err != nil {
			return Regs{}, err
		}
	}
	if err := m.mu.RegWrite(uc.X86_REG_ESP, uint64(sp)); err != nil {
		return Regs{}, err
	}

	err := m.mu.StartWithOptions(uint64(entry), ReturnAddress, &uc.UcOptions{Count: maxInstructions})
	if err != nil {
		eip, _ := m.mu.RegRead(uc.X86_REG_EIP)
		return Regs{}, errors.Wrapf(err, "run from %#x stopped at %#x", entry, eip)
	}
	if eip, _ := m.mu.RegRead(uc.X86_REG_EIP); eip != ReturnAddress {
		return Regs{}, errors.Errorf("run from %#x did not return (eip %#x after %d instructions)", entry, eip, len(m.trace))
	}

	var out Regs
	for _, r := range regIDs {
		v, err := m.mu.RegRead(r.id)
		if err != nil {
			return Regs{}, err
		}
		*r.get(&out) = uint32(v)
	}
	esp, err := m.mu.RegRead(uc.X86_REG_ESP)
	if err != nil {
		return Regs{}, err
	}
	out.ESP = uint32(esp)
	return out, nil
}

// Executed reports whether the last Call ran the instruction at addr.
func (m *Machine) Executed(addr uint32) bool {
	for _, a := range m.trace {
		if a == addr {
			return true
		}
	}
	return false
}

// Read returns n bytes of emulated memory.
func (m *Machine) Read(addr uint32, n int) ([]byte, error) {
	return m.mu.MemRead(uint64(addr), uint64(n))
}
