package memory

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

func (self) Protect(addr uintptr, size int, perm Perm) (Perm, error) {
	prot, ok := unixProt(perm)
	if !ok {
		return 0, errors.Wrapf(ErrPermissionChange, "%s has no mprotect equivalent", perm)
	}
	old, err := currentPerm(addr)
	if err != nil {
		return 0, errors.Wrapf(ErrPermissionChange, "protection at %#x: %v", addr, err)
	}
	start, length := pageSpan(addr, size, pageSize)
	if err := unix.Mprotect(bytesAt(start, int(length)), prot); err != nil {
		return 0, errors.Wrapf(ErrPermissionChange, "mprotect %#x+%#x %s: %v", start, length, perm, err)
	}
	return old, nil
}

func (self) Alloc(size int) (*Arena, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "mmap %d: %v", size, err)
	}
	return NewArena(uintptr(unsafe.Pointer(&b[0])), size, func() error {
		return unix.Munmap(b)
	}), nil
}

func currentPerm(addr uintptr) (Perm, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return findMapping(f, addr)
}

// readable checks [addr, addr+n) against /proc/self/maps.
func readable(addr uintptr, n int) error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return err
	}
	defer f.Close()
	return findReadable(f, addr, n)
}

func unixProt(p Perm) (int, bool) {
	switch p {
	case NoAccess:
		return unix.PROT_NONE, true
	case Read:
		return unix.PROT_READ, true
	case ReadWrite, WriteCopy:
		return unix.PROT_READ | unix.PROT_WRITE, true
	case Execute:
		return unix.PROT_EXEC, true
	case ExecuteRead:
		return unix.PROT_READ | unix.PROT_EXEC, true
	case ExecuteReadWrite, ExecuteWriteCopy:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC, true
	}
	return 0, false
}

// ModuleBase returns where the file name is mapped in the running process.
func ModuleBase(name string) (uintptr, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return findModule(f, name)
}
