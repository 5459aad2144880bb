package x86

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Relocate rewrites src, the instructions found at 'from', so that they run
// from 'to' with unchanged behavior. Relative branches are re-targeted and
// short ones widened to rel32; a branch that lands inside src is redirected
// to the moved copy of its target instruction. A branch back to 'from'
// keeps its target, so it enters through whatever is patched there.
func Relocate(src []byte, from, to uint32) ([]byte, error) {
	insts, err := decodeAll(src, from)
	if err != nil {
		return nil, err
	}

	// new offsets first, since widening shifts everything after it
	newOff := make(map[int]int, len(insts))
	size := 0
	for i := range insts {
		newOff[insts[i].Off] = size
		size += insts[i].RelocatedLen()
	}

	end := from + uint32(len(src))
	out := make([]byte, 0, size)
	for i := range insts {
		in := &insts[i]
		at := to + uint32(len(out))
		raw := src[in.Off : in.Off+in.Len]

		switch in.Kind {
		case Plain:
			out = append(out, raw...)
			continue
		case Unsupported:
			return nil, errors.Wrapf(ErrFailedToRelocateCode, "%s at %#x: %s", in.Op, from+uint32(in.Off), in.Why)
		}

		target := in.Target(from)
		if in.Kind == Call32 && target == from+uint32(in.Off+in.Len) {
			return nil, errors.Wrapf(ErrFailedToRelocateCode, "call at %#x reads its own address", from+uint32(in.Off))
		}
		if target > from && target < end {
			off, ok := newOff[int(target-from)]
			if !ok {
				return nil, errors.Wrapf(ErrFailedToRelocateCode, "%s at %#x lands inside an instruction at %#x", in.Op, from+uint32(in.Off), target)
			}
			target = to + uint32(off)
		}

		switch in.Kind {
		case Jmp8, Jmp32:
			out = append(out, Jmp(at, target)...)
		case Call32:
			out = append(out, Call(at, target)...)
		case Jcc8, Jcc32:
			cond := raw[0] - opJccRel8
			if in.Kind == Jcc32 {
				cond = raw[1] - opJccRel32
			}
			code := make([]byte, 6)
			code[0] = opTwoByte
			code[1] = opJccRel32 + cond
			binary.LittleEndian.PutUint32(code[2:], rel32(at, target, 6))
			out = append(out, code...)
		}
	}
	return out, nil
}

// decodeAll splits src into instructions and insists they cover it exactly.
func decodeAll(src []byte, from uint32) ([]Inst, error) {
	var insts []Inst
	for off := 0; off < len(src); {
		inst, err := x86asm.Decode(src[off:], 32)
		if err != nil {
			return nil, errors.Wrapf(ErrFailedToRelocateCode, "decode at %#x: %v", from+uint32(off), err)
		}
		in := Inst{Off: off, Inst: inst}
		in.Kind, in.Why = classify(&inst, src[off:off+inst.Len])
		insts = append(insts, in)
		off += inst.Len
	}
	return insts, nil
}
