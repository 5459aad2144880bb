//go:build !windows && !linux

package memory

import (
	"runtime"

	"github.com/pkg/errors"
)

func (self) Protect(addr uintptr, size int, perm Perm) (Perm, error) {
	return 0, errors.Wrapf(ErrPermissionChange, "not supported on %s", runtime.GOOS)
}

func (self) Alloc(size int) (*Arena, error) {
	return nil, errors.Wrapf(ErrAllocation, "not supported on %s", runtime.GOOS)
}

func readable(addr uintptr, n int) error {
	return errors.Wrapf(ErrAddressRange, "reading live memory is not supported on %s", runtime.GOOS)
}

func ModuleBase(name string) (uintptr, error) {
	return 0, errors.Errorf("module lookup not supported on %s", runtime.GOOS)
}
