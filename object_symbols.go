package sunset

import (
	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/image"
)

// GetSymbols returns the link-time address of every symbol defined by the
// ELF, PE or Mach-O image at name.
func GetSymbols(name string) (map[string]uintptr, error) {
	img, err := image.Open(name)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	syms, err := img.Symbols()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uintptr, len(syms))
	for k, v := range syms {
		out[k] = uintptr(v)
	}
	return out, nil
}

// SymbolOffset returns where symbol lives relative to the image base of
// path. Adding it to the base the image was loaded at gives a hook address.
func SymbolOffset(path, symbol string) (uintptr, error) {
	img, err := image.Open(path)
	if err != nil {
		return 0, err
	}
	defer img.Close()
	va, err := img.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	if va < img.Base() {
		return 0, errors.Errorf("%s at %#x is below the image base %#x", symbol, va, img.Base())
	}
	return uintptr(va - img.Base()), nil
}
