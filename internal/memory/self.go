package memory

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Self returns the address space of the running process.
func Self() Space {
	return self{}
}

type self struct{}

// bytesAt views live memory as a slice; the caller vouches for the range.
func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func (self) Read(addr uintptr, buf []byte) error {
	if addr == 0 {
		return errors.Wrap(ErrAddressRange, "read at nil")
	}
	if err := readable(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, bytesAt(addr, len(buf)))
	return nil
}

func (self) Write(addr uintptr, data []byte) error {
	if addr == 0 {
		return errors.Wrap(ErrAddressRange, "write at nil")
	}
	copy(bytesAt(addr, len(data)), data)
	return nil
}
