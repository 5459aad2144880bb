package x86

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrInvalidCodeSize means no run of whole instructions at the address
	// is long enough to hold a JMP rel32.
	ErrInvalidCodeSize = errors.New("invalid code size")
	// ErrFailedToRelocateCode means an instruction in the patch area cannot
	// be moved to another address without changing what it does.
	ErrFailedToRelocateCode = errors.New("failed to relocate code")
)

// Window is how many bytes callers should read at a hook site before
// scanning it: enough for a 4-byte prefix followed by a maximal instruction.
const Window = 32

const (
	// MaxInstLen is the longest legal x86 instruction encoding.
	MaxInstLen = 15
	// pageSize is the x86 page granularity. A readable byte makes its whole
	// page readable.
	pageSize = 0x1000
)

// Kind classifies an instruction by what relocating it takes.
type Kind int

const (
	// Plain instructions are position independent and copied verbatim.
	Plain Kind = iota
	Jmp8
	Jmp32
	Jcc8
	Jcc32
	Call32
	// Unsupported instructions make the relocation fail.
	Unsupported
)

// Inst is one decoded instruction of a hook prefix.
type Inst struct {
	Off  int // offset from the prefix start
	Kind Kind
	Why  string // reason, for Unsupported
	x86asm.Inst
}

// Target returns the absolute destination of a relative branch located at
// base+Off.
func (i *Inst) Target(base uint32) uint32 {
	rel, _ := i.Args[0].(x86asm.Rel)
	return base + uint32(i.Off) + uint32(i.Len) + uint32(int32(rel))
}

// RelocatedLen is the size of the instruction once moved: short branches are
// always widened to their rel32 form.
func (i *Inst) RelocatedLen() int {
	switch i.Kind {
	case Jmp8:
		return 5
	case Jcc8:
		return 6
	}
	return i.Len
}

// Prefix is the instruction run a hook displaces.
type Prefix struct {
	Addr uint32
	// Size is the minimal backup length: the smallest sum of whole
	// instruction lengths that is at least JmpSize.
	Size int
	// Padded bounds the size of the relocated prefix.
	Padded int
	Insts  []Inst
}

// Scan decodes code, the bytes found at addr, until at least JmpSize bytes of
// whole instructions are covered.
func Scan(code []byte, addr uint32) (*Prefix, error) {
	p, err := scan(code, addr)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ReadFunc copies the bytes at addr into buf.
type ReadFunc func(addr uint32, buf []byte) error

// ScanAt reads the code at addr with read and scans it. It reads up to the
// end of the page holding addr, and past it only when an instruction may
// continue on the next page; a next page that cannot be read, or the end of
// the address space, ends the code.
// It returns the prefix and the bytes read.
func ScanAt(read ReadFunc, addr uint32) (*Prefix, []byte, error) {
	n := pageSize - int(addr%pageSize)
	if n > Window {
		n = Window
	}
	code := make([]byte, n)
	if err := read(addr, code); err != nil {
		return nil, nil, err
	}
	p, err := scan(code, addr)
	last := uint64(addr)+uint64(len(code)) == 1<<32
	if last || len(code) == Window || !p.nearEnd(len(code), err != nil) {
		if err != nil {
			return nil, nil, err
		}
		return p, code, nil
	}
	more := make([]byte, Window-len(code))
	if rerr := read(addr+uint32(len(code)), more); rerr == nil {
		code = append(code, more...)
		p, err = scan(code, addr)
	}
	if err != nil {
		return nil, nil, err
	}
	return p, code, nil
}

// nearEnd reports whether an instruction decoded from, or failing at, the
// end of n bytes may have been cut short.
func (p *Prefix) nearEnd(n int, failed bool) bool {
	last := -1
	if k := len(p.Insts); k > 0 {
		last = p.Insts[k-1].Off
	}
	if failed {
		last = p.Size
	}
	return last >= 0 && n-last < MaxInstLen
}

// scan is Scan, but returns the instructions decoded so far on error.
func scan(code []byte, addr uint32) (*Prefix, error) {
	p := &Prefix{Addr: addr}
	for p.Size < JmpSize {
		if p.Size >= len(code) {
			return p, errors.Wrapf(ErrInvalidCodeSize, "only %d bytes of code at %#x", p.Size, addr)
		}
		if code[p.Size] == opInt3 {
			return p, errors.Wrapf(ErrInvalidCodeSize, "padding after %d bytes at %#x", p.Size, addr)
		}
		inst, err := x86asm.Decode(code[p.Size:], 32)
		if err != nil {
			return p, errors.Wrapf(ErrInvalidCodeSize, "decode at %#x: %v", addr+uint32(p.Size), err)
		}
		in := Inst{Off: p.Size, Inst: inst}
		in.Kind, in.Why = classify(&inst, code[p.Size:p.Size+inst.Len])
		p.Insts = append(p.Insts, in)
		p.Size += inst.Len
		p.Padded += in.RelocatedLen()
		if p.Size < JmpSize && terminal(&inst) {
			return p, errors.Wrapf(ErrInvalidCodeSize, "function at %#x ends with %s after %d bytes", addr, inst.Op, p.Size)
		}
	}
	return p, nil
}

// terminal reports whether execution never falls through inst.
func terminal(inst *x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.IRET, x86asm.IRETD,
		x86asm.HLT, x86asm.UD1, x86asm.UD2:
		return true
	}
	return false
}

func classify(inst *x86asm.Inst, raw []byte) (Kind, string) {
	if inst.PCRel > 0 {
		if inst.Prefix[0] != 0 {
			return Unsupported, "prefixed relative branch"
		}
		switch op := raw[0]; {
		case op == opJmpRel8 && inst.Len == 2:
			return Jmp8, ""
		case op == opJmpRel32 && inst.Len == 5:
			return Jmp32, ""
		case op == opCallRel32 && inst.Len == 5:
			return Call32, ""
		case op >= opJccRel8 && op <= opJccRel8+0x0F && inst.Len == 2:
			return Jcc8, ""
		case op == opTwoByte && raw[1] >= opJccRel32 && raw[1] <= opJccRel32+0x0F && inst.Len == 6:
			return Jcc32, ""
		}
		return Unsupported, "relative " + inst.Op.String() + " has no rel32 form"
	}
	switch inst.Op {
	case x86asm.JMP, x86asm.CALL:
		if m, ok := inst.Args[0].(x86asm.Mem); ok && m.Base == 0 && m.Index == 0 {
			// through an absolute pointer, which does not move
			return Plain, ""
		}
		return Unsupported, "indirect " + inst.Op.String() + " through " + inst.Args[0].String()
	case x86asm.LJMP, x86asm.LCALL:
		return Unsupported, "far " + inst.Op.String()
	}
	if !supported[inst.Op] {
		return Unsupported, inst.Op.String() + " is outside the relocatable subset"
	}
	return Plain, ""
}

// supported lists the position-independent instructions the relocator
// copies verbatim. It covers what compilers put in prologues and short
// leaf bodies; anything else fails closed.
var supported = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.ADC: true, x86asm.SUB: true, x86asm.SBB: true,
	x86asm.AND: true, x86asm.OR: true, x86asm.XOR: true, x86asm.CMP: true,
	x86asm.TEST: true, x86asm.INC: true, x86asm.DEC: true, x86asm.NEG: true,
	x86asm.NOT: true, x86asm.MUL: true, x86asm.IMUL: true, x86asm.DIV: true,
	x86asm.IDIV: true, x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true,
	x86asm.ROL: true, x86asm.ROR: true, x86asm.SHLD: true, x86asm.SHRD: true,
	x86asm.BT: true, x86asm.BSWAP: true,

	x86asm.MOV: true, x86asm.MOVZX: true, x86asm.MOVSX: true, x86asm.LEA: true,
	x86asm.XCHG: true, x86asm.XADD: true, x86asm.CMPXCHG: true,
	x86asm.CBW: true, x86asm.CWD: true, x86asm.CWDE: true, x86asm.CDQ: true,
	x86asm.SAHF: true, x86asm.LAHF: true,

	x86asm.PUSH: true, x86asm.POP: true, x86asm.PUSHA: true, x86asm.POPA: true,
	x86asm.PUSHAD: true, x86asm.POPAD: true, x86asm.PUSHFD: true, x86asm.POPFD: true,
	x86asm.ENTER: true, x86asm.LEAVE: true, x86asm.RET: true,
	x86asm.NOP: true, x86asm.PAUSE: true,

	x86asm.MOVSB: true, x86asm.MOVSW: true, x86asm.MOVSD: true,
	x86asm.STOSB: true, x86asm.STOSW: true, x86asm.STOSD: true,
	x86asm.LODSB: true, x86asm.LODSD: true, x86asm.SCASB: true, x86asm.SCASD: true,
	x86asm.CMPSB: true, x86asm.CMPSD: true, x86asm.CLD: true, x86asm.STD: true,

	x86asm.SETA: true, x86asm.SETAE: true, x86asm.SETB: true, x86asm.SETBE: true,
	x86asm.SETE: true, x86asm.SETG: true, x86asm.SETGE: true, x86asm.SETL: true,
	x86asm.SETLE: true, x86asm.SETNE: true, x86asm.SETNO: true, x86asm.SETNP: true,
	x86asm.SETNS: true, x86asm.SETO: true, x86asm.SETP: true, x86asm.SETS: true,
	x86asm.CMOVA: true, x86asm.CMOVAE: true, x86asm.CMOVB: true, x86asm.CMOVBE: true,
	x86asm.CMOVE: true, x86asm.CMOVG: true, x86asm.CMOVGE: true, x86asm.CMOVL: true,
	x86asm.CMOVLE: true, x86asm.CMOVNE: true, x86asm.CMOVNO: true, x86asm.CMOVNP: true,
	x86asm.CMOVNS: true, x86asm.CMOVO: true, x86asm.CMOVP: true, x86asm.CMOVS: true,

	x86asm.FLD: true, x86asm.FSTP: true, x86asm.FLDZ: true, x86asm.FLD1: true,
	x86asm.FILD: true, x86asm.FISTP: true, x86asm.FNSTCW: true, x86asm.FLDCW: true,
	x86asm.FXCH: true,
	x86asm.MOVSS: true, x86asm.MOVSD_XMM: true, x86asm.MOVAPS: true, x86asm.MOVUPS: true,
	x86asm.MOVAPD: true, x86asm.MOVDQA: true, x86asm.MOVDQU: true, x86asm.XORPS: true,
	x86asm.PXOR: true, x86asm.MOVD: true, x86asm.MOVQ: true,
}
