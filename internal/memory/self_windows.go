package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func (self) Protect(addr uintptr, size int, perm Perm) (Perm, error) {
	if !perm.Valid() {
		return 0, errors.Wrapf(ErrPermissionChange, "unknown protection %s", perm)
	}
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), uint32(perm), &old); err != nil {
		return 0, errors.Wrapf(ErrPermissionChange, "VirtualProtect %#x+%d %s: %v", addr, size, perm, err)
	}
	return Perm(old), nil
}

func (self) Alloc(size int) (*Arena, error) {
	base, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "VirtualAlloc %d: %v", size, err)
	}
	return NewArena(base, size, func() error {
		return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
	}), nil
}

// readable walks the regions VirtualQuery reports for [addr, addr+n).
func readable(addr uintptr, n int) error {
	for at, stop := addr, addr+uintptr(n); at < stop; {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(at, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return errors.Wrapf(ErrAddressRange, "VirtualQuery %#x: %v", at, err)
		}
		perm := Perm(mbi.Protect)
		if mbi.State != windows.MEM_COMMIT || perm&Guard != 0 || !(perm &^ (Guard | NoCache | WriteCombine)).Readable() {
			return errors.Wrapf(ErrAddressRange, "%#x is not readable", at)
		}
		at = mbi.BaseAddress + mbi.RegionSize
	}
	return nil
}

// ModuleBase returns the load address of the module name, or of the main
// executable when name is empty.
func ModuleBase(name string) (uintptr, error) {
	var p *uint16
	if name != "" {
		var err error
		if p, err = windows.UTF16PtrFromString(name); err != nil {
			return 0, err
		}
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, p, &h); err != nil {
		return 0, errors.Wrapf(err, "GetModuleHandleEx %q", name)
	}
	return uintptr(h), nil
}
