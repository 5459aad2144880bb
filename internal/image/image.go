// Package image reads executable images from disk: it resolves symbol
// addresses and returns the code bytes found at a virtual address, so hook
// sites can be planned without loading the image.
package image

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownFormat is returned for files that are not ELF, Mach-O or PE.
var ErrUnknownFormat = errors.New("unrecognized object file")

// ErrNoSymbol is returned by Lookup for names the image does not define.
var ErrNoSymbol = errors.New("symbol not found")

type rawFile interface {
	Symbols() (map[string]uint64, error)
	// ReadAt reads len(p) bytes of mapped image content at virtual address va.
	ReadAt(p []byte, va uint64) (int, error)
	Base() uint64
	Is386() bool
	Format() string
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openPE,
	openMacho,
}

// Image is an opened executable or shared library.
type Image struct {
	Path string
	raw  rawFile
	f    *os.File
	syms map[string]uint64
}

// Open identifies and parses the image at path.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	img, err := newImage(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "open %s", path)
	}
	img.Path, img.f = path, f
	return img, nil
}

func newImage(r io.ReaderAt) (*Image, error) {
	for _, try := range objType {
		if raw, err := try(r); err == nil {
			return &Image{raw: raw}, nil
		}
	}
	return nil, ErrUnknownFormat
}

// Close releases the underlying file.
func (img *Image) Close() error {
	if img.f == nil {
		return nil
	}
	return img.f.Close()
}

// Format is "elf", "pe" or "macho".
func (img *Image) Format() string { return img.raw.Format() }

// Base is the preferred load address.
func (img *Image) Base() uint64 { return img.raw.Base() }

// Is386 reports whether the image holds 32-bit x86 code.
func (img *Image) Is386() bool { return img.raw.Is386() }

// Symbols returns every named symbol with its virtual address.
func (img *Image) Symbols() (map[string]uint64, error) {
	if img.syms == nil {
		syms, err := img.raw.Symbols()
		if err != nil {
			return nil, err
		}
		if syms == nil {
			syms = make(map[string]uint64)
		}
		img.syms = syms
	}
	return img.syms, nil
}

// Names returns the symbol names in sorted order.
func (img *Image) Names() ([]string, error) {
	syms, err := img.Symbols()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(syms))
	for n := range syms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Lookup returns the virtual address of name.
func (img *Image) Lookup(name string) (uint64, error) {
	syms, err := img.Symbols()
	if err != nil {
		return 0, err
	}
	va, ok := syms[name]
	if !ok {
		return 0, errors.Wrap(ErrNoSymbol, name)
	}
	return va, nil
}

// Code returns up to n bytes at va. It stops early at the end of the
// section holding va.
func (img *Image) Code(va uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := img.raw.ReadAt(buf, va)
	if got == 0 && err != nil {
		return nil, errors.Wrapf(err, "read %#x", va)
	}
	return buf[:got], nil
}
