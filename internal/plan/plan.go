// Package plan performs hook installs against an emulated address space and
// reports what they would write, so hook sites in an image can be checked
// without running it.
package plan

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/sunset"
	"github.com/k2io/sunset/internal/image"
	"github.com/k2io/sunset/internal/sandbox"
	"github.com/k2io/sunset/internal/x86"
)

// Plan is the outcome of a dry-run install at one site.
type Plan struct {
	Name     string
	Addr     uint32
	Callback uint32
	Hook     *sunset.Hook
	// Patch is the site after the install; Trampoline the arena contents.
	Patch      []byte
	Trampoline []byte
	Err        error
}

// Build installs an inline hook at addr, holding code, into a fresh
// sandbox. An install error is recorded in the Plan, not returned.
func Build(name string, addr uint32, code []byte, callback uint32) *Plan {
	p := &Plan{Name: name, Addr: addr, Callback: callback}
	s := sandbox.New()
	// int3 past the known code, up to the top of the address space, stops
	// the scanner there
	n := x86.Window
	end := uint64(addr) + uint64(len(code))
	switch {
	case end > 1<<32:
		n = 0
	case 1<<32-end < uint64(n):
		n = int(1<<32 - end)
	}
	pad := bytes.Repeat([]byte{0xCC}, n)
	if err := s.Load(addr, append(append([]byte(nil), code...), pad...)); err != nil {
		p.Err = errors.WithMessagef(err, "load %d bytes", len(code))
		return p
	}

	h := sunset.New(sunset.WithSpace(s), sunset.WithoutFreeze())
	hk, err := h.InlineHook(uintptr(addr), uintptr(callback))
	if err != nil {
		p.Err = err
		return p
	}
	p.Hook = hk
	p.Patch = s.Peek(addr, hk.Size)
	p.Trampoline = s.Peek(uint32(hk.Trampoline), x86.TrampolineSize(len(hk.Relocated)))
	return p
}

// Site resolves s and builds its plan.
func (m *Manifest) Site(s *Site) (*Plan, error) {
	if s.Bytes != "" {
		code, err := s.Code()
		if err != nil {
			return nil, err
		}
		return Build(s.Label(), uint32(s.Address), code, uint32(m.Callback)), nil
	}
	img, err := image.Open(s.Image)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return FromImage(img, s.Label(), s.Symbol, s.Address, uint32(m.Callback))
}

// FromImage plans a hook on symbol, or on the virtual address va when
// symbol is empty.
func FromImage(img *image.Image, name, symbol string, va uint64, callback uint32) (*Plan, error) {
	if !img.Is386() {
		return nil, errors.Errorf("%s is a %s image for another architecture", img.Path, img.Format())
	}
	if symbol != "" {
		var err error
		if va, err = img.Lookup(symbol); err != nil {
			return nil, err
		}
	}
	if va > math.MaxUint32 {
		return nil, errors.Wrapf(sunset.ErrAddressRange, "%#x", va)
	}
	code, err := img.Code(va, x86.Window)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("%#x", va)
	}
	return Build(name, uint32(va), code, callback), nil
}

// Print writes a readable report of p.
func (p *Plan) Print(w io.Writer) {
	fmt.Fprintf(w, "%s @ %#08x\n", p.Name, p.Addr)
	if p.Err != nil {
		fmt.Fprintf(w, "  cannot hook: %v\n", p.Err)
		return
	}
	hk := p.Hook
	fmt.Fprintf(w, "  displaced %d bytes, relocated to %d\n", hk.Size, len(hk.Relocated))
	fmt.Fprintf(w, "  original:\n")
	Disasm(w, hk.Original, p.Addr, p.lookup)
	fmt.Fprintf(w, "  patched:\n")
	Disasm(w, p.Patch, p.Addr, p.lookup)
	fmt.Fprintf(w, "  trampoline @ %#08x (%d bytes):\n", hk.Trampoline, len(p.Trampoline))
	Disasm(w, p.Trampoline, uint32(hk.Trampoline), p.lookup)
}

func (p *Plan) lookup(addr uint64) (string, uint64) {
	switch {
	case addr == uint64(p.Callback):
		return "callback", addr
	case addr == uint64(p.Addr):
		return p.Name, addr
	case p.Hook != nil && addr == uint64(p.Addr)+uint64(p.Hook.Size):
		return fmt.Sprintf("%s+%d", p.Name, p.Hook.Size), addr
	case p.Hook != nil && addr == uint64(p.Hook.Trampoline):
		return "trampoline", addr
	}
	return "", 0
}

// Disasm prints code, located at pc, one instruction per line. Bytes that
// do not decode are shown as such.
func Disasm(w io.Writer, code []byte, pc uint32, sym x86asm.SymLookup) {
	for off := 0; off < len(code); {
		at := pc + uint32(off)
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			fmt.Fprintf(w, "    %08x  %-20x  (bad)\n", at, code[off:off+1])
			off++
			continue
		}
		text := x86asm.IntelSyntax(inst, uint64(at), sym)
		fmt.Fprintf(w, "    %08x  %-20x  %s\n", at, code[off:off+inst.Len], text)
		off += inst.Len
	}
}
