package image

import (
	"debug/macho"
	"io"

	"github.com/pkg/errors"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Format() string { return "macho" }

func (f *machoFile) Is386() bool { return f.macho.Cpu == macho.Cpu386 }

func (f *machoFile) Base() uint64 {
	if seg := f.macho.Segment("__TEXT"); seg != nil {
		return seg.Addr
	}
	return 0
}

func (f *machoFile) Symbols() (map[string]uint64, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}
	machoOff := make(map[string]uint64, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		if s.Sect == 0 {
			continue
		}
		machoOff[s.Name] = s.Value
	}
	return machoOff, nil
}

func (f *machoFile) ReadAt(p []byte, va uint64) (int, error) {
	for _, s := range f.macho.Sections {
		if va < s.Addr || va >= s.Addr+s.Size {
			continue
		}
		n := len(p)
		if rest := s.Addr + s.Size - va; uint64(n) > rest {
			n = int(rest)
		}
		return s.ReadAt(p[:n], int64(va-s.Addr))
	}
	return 0, errors.Errorf("%#x is not in a section", va)
}
