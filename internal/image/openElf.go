package image

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Format() string { return "elf" }

func (e *elfFile) Is386() bool { return e.elf.Machine == elf.EM_386 }

func (e *elfFile) Base() uint64 {
	base := ^uint64(0)
	for _, p := range e.elf.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < base {
			base = p.Vaddr
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base
}

func (e *elfFile) Symbols() (map[string]uint64, error) {
	stab, err := e.elf.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	dyn, err := e.elf.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	return getElfOff(append(stab, dyn...)), nil
}

func getElfOff(stab []elf.Symbol) map[string]uint64 {
	elfOff := make(map[string]uint64, len(stab))
	for _, k := range stab {
		if k.Name == "" || k.Section == elf.SHN_UNDEF {
			continue
		}
		if _, ok := elfOff[k.Name]; !ok {
			elfOff[k.Name] = k.Value
		}
	}
	return elfOff
}

func (e *elfFile) ReadAt(p []byte, va uint64) (int, error) {
	for _, prog := range e.elf.Progs {
		if prog.Type != elf.PT_LOAD || va < prog.Vaddr || va >= prog.Vaddr+prog.Filesz {
			continue
		}
		n := len(p)
		if rest := prog.Vaddr + prog.Filesz - va; uint64(n) > rest {
			n = int(rest)
		}
		return prog.ReadAt(p[:n], int64(va-prog.Vaddr))
	}
	return 0, errors.Errorf("%#x is not in a loaded segment", va)
}
