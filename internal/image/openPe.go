package image

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Format() string { return "pe" }

func (f *peFile) Is386() bool { return f.pe.Machine == pe.IMAGE_FILE_MACHINE_I386 }

func (f *peFile) Base() uint64 {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

func (f *peFile) dataDir(i int) (pe.DataDirectory, bool) {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i], true
		}
	case *pe.OptionalHeader64:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i], true
		}
	}
	return pe.DataDirectory{}, false
}

// Symbols merges the COFF symbol table, present in unstripped MinGW builds,
// with the export directory.
func (f *peFile) Symbols() (map[string]uint64, error) {
	base := f.Base()
	peOff := make(map[string]uint64, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sec := f.pe.Sections[s.SectionNumber-1]
		peOff[s.Name] = base + uint64(sec.VirtualAddress) + uint64(s.Value)
	}
	exports, err := f.exports()
	if err != nil {
		return nil, err
	}
	for name, va := range exports {
		peOff[name] = va
	}
	return peOff, nil
}

func (f *peFile) exports() (map[string]uint64, error) {
	dd, ok := f.dataDir(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if !ok || dd.VirtualAddress == 0 {
		return nil, nil
	}
	hdr := make([]byte, 40)
	if err := f.readRVA(hdr, dd.VirtualAddress); err != nil {
		return nil, errors.Wrap(err, "export directory")
	}
	le := binary.LittleEndian
	nFuncs, nNames := le.Uint32(hdr[20:]), le.Uint32(hdr[24:])
	funcs, names, ords := le.Uint32(hdr[28:]), le.Uint32(hdr[32:]), le.Uint32(hdr[36:])

	out := make(map[string]uint64, nNames)
	var w [4]byte
	for i := uint32(0); i < nNames; i++ {
		if err := f.readRVA(w[:2], ords+2*i); err != nil {
			return nil, err
		}
		ord := uint32(le.Uint16(w[:2]))
		if ord >= nFuncs {
			continue
		}
		if err := f.readRVA(w[:], funcs+4*ord); err != nil {
			return nil, err
		}
		rva := le.Uint32(w[:])
		if rva >= dd.VirtualAddress && rva < dd.VirtualAddress+dd.Size {
			// forwarded to another module
			continue
		}
		if err := f.readRVA(w[:], names+4*i); err != nil {
			return nil, err
		}
		name, err := f.cstring(le.Uint32(w[:]))
		if err != nil {
			return nil, err
		}
		out[name] = f.Base() + uint64(rva)
	}
	return out, nil
}

func (f *peFile) section(rva uint32) *pe.Section {
	for _, s := range f.pe.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s
		}
	}
	return nil
}

func (f *peFile) readRVA(p []byte, rva uint32) error {
	s := f.section(rva)
	if s == nil {
		return errors.Errorf("rva %#x is outside every section", rva)
	}
	_, err := s.ReadAt(p, int64(rva-s.VirtualAddress))
	return err
}

func (f *peFile) cstring(rva uint32) (string, error) {
	var name []byte
	chunk := make([]byte, 64)
	for len(name) < 1024 {
		s := f.section(rva)
		if s == nil {
			return "", errors.Errorf("name at rva %#x is outside every section", rva)
		}
		n, err := s.ReadAt(chunk, int64(rva-s.VirtualAddress))
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(name, chunk[:i]...)), nil
		}
		if err != nil {
			return "", err
		}
		name = append(name, chunk[:n]...)
		rva += uint32(n)
	}
	return "", errors.Errorf("unterminated name at rva %#x", rva)
}

func (f *peFile) ReadAt(p []byte, va uint64) (int, error) {
	base := f.Base()
	if va < base {
		return 0, errors.Errorf("%#x is below the image base %#x", va, base)
	}
	rva := uint32(va - base)
	s := f.section(rva)
	if s == nil {
		return 0, errors.Errorf("%#x is outside every section", va)
	}
	off := rva - s.VirtualAddress
	if off >= s.Size {
		return 0, errors.Errorf("%#x has no file data", va)
	}
	n := len(p)
	if rest := s.Size - off; uint32(n) > rest {
		n = int(rest)
	}
	return s.ReadAt(p[:n], int64(off))
}
