// Package memory abstracts the address space hooks are installed into: page
// protection, executable allocations and raw reads and writes.
package memory

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrPermissionChange means a protection change was refused.
	ErrPermissionChange = errors.New("failed to change memory permission")
	// ErrAllocation means no executable memory could be obtained.
	ErrAllocation = errors.New("failed to allocate executable memory")
	// ErrAddressRange means an address is unmapped or outside the 32-bit
	// address space the engine patches.
	ErrAddressRange = errors.New("address out of range")
)

// Perm is a page protection. The values are the Windows PAGE_* constants so
// they can be handed to VirtualProtect unchanged.
type Perm uint32

const (
	NoAccess         Perm = 0x01
	Read             Perm = 0x02
	ReadWrite        Perm = 0x04
	WriteCopy        Perm = 0x08
	Execute          Perm = 0x10
	ExecuteRead      Perm = 0x20
	ExecuteReadWrite Perm = 0x40
	ExecuteWriteCopy Perm = 0x80
	Guard            Perm = 0x100
	NoCache          Perm = 0x200
	WriteCombine     Perm = 0x400
)

var permNames = map[Perm]string{
	NoAccess:         "NoAccess",
	Read:             "Read",
	ReadWrite:        "ReadWrite",
	WriteCopy:        "WriteCopy",
	Execute:          "Execute",
	ExecuteRead:      "ExecuteRead",
	ExecuteReadWrite: "ExecuteReadWrite",
	ExecuteWriteCopy: "ExecuteWriteCopy",
	Guard:            "Guard",
	NoCache:          "NoCache",
	WriteCombine:     "WriteCombine",
}

func (p Perm) String() string {
	if s, ok := permNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Perm(%#x)", uint32(p))
}

// Valid reports whether p is one of the defined protections.
func (p Perm) Valid() bool {
	_, ok := permNames[p]
	return ok
}

func (p Perm) Readable() bool {
	switch p {
	case Read, ReadWrite, WriteCopy, ExecuteRead, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

func (p Perm) Writable() bool {
	switch p {
	case ReadWrite, WriteCopy, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

func (p Perm) Executable() bool {
	switch p {
	case Execute, ExecuteRead, ExecuteReadWrite, ExecuteWriteCopy:
		return true
	}
	return false
}

// Space is an address space hooks can be installed into.
type Space interface {
	// Protect sets the protection of every page overlapping
	// [addr, addr+size) and returns the protection the first page had.
	Protect(addr uintptr, size int, perm Perm) (Perm, error)
	// Alloc returns a fresh ExecuteReadWrite region of at least size bytes.
	Alloc(size int) (*Arena, error)
	// Read copies len(buf) bytes at addr into buf.
	Read(addr uintptr, buf []byte) error
	// Write copies data to addr. The pages must already be writable.
	Write(addr uintptr, data []byte) error
}

// Arena is an executable allocation. Ownership passes to whoever keeps the
// code that lives in it; it is released at most once.
type Arena struct {
	Base uintptr
	Len  int

	once sync.Once
	free func() error
	err  error
}

// NewArena wraps a region that free gives back to the system.
func NewArena(base uintptr, n int, free func() error) *Arena {
	return &Arena{Base: base, Len: n, free: free}
}

// Release frees the region. Later calls return the first result.
func (a *Arena) Release() error {
	a.once.Do(func() {
		if a.free != nil {
			a.err = a.free()
		}
	})
	return a.err
}

func (a *Arena) String() string {
	return fmt.Sprintf("arena %#x+%d", a.Base, a.Len)
}

// pageSpan returns the page-aligned range covering [addr, addr+size).
func pageSpan(addr uintptr, size int, pageSize uintptr) (start, length uintptr) {
	start = addr &^ (pageSize - 1)
	end := addr + uintptr(size)
	end = (end + pageSize - 1) &^ (pageSize - 1)
	return start, end - start
}
