package sunset

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/memory"
	"github.com/k2io/sunset/internal/x86"
)

// Hook describes an installed inline hook.
type Hook struct {
	// Target is the hooked address; it now starts with a JMP to Trampoline.
	Target uintptr
	// Trampoline is the base of the JIT arena holding the callback bridge.
	Trampoline uintptr
	// Size is how many bytes at Target were displaced.
	Size int
	// Original holds those bytes as they were before patching.
	Original []byte
	// Relocated is the displaced code as it runs from the trampoline.
	Relocated []byte
}

func (h *Hook) String() string {
	return fmt.Sprintf("hook %#x -> %#x (%d bytes)", h.Target, h.Trampoline, h.Size)
}

var (
	// ErrInvalidCodeSize means the target has fewer than five bytes of whole
	// instructions before the function ends.
	ErrInvalidCodeSize = x86.ErrInvalidCodeSize
	// ErrFailedToRelocateCode means the displaced instructions cannot run
	// from another address.
	ErrFailedToRelocateCode = x86.ErrFailedToRelocateCode
	// ErrPermissionChange means the OS refused a page protection change.
	ErrPermissionChange = memory.ErrPermissionChange
	// ErrAllocation means no executable memory was available.
	ErrAllocation = memory.ErrAllocation
	// ErrAddressRange means an address does not fit the 32-bit space.
	ErrAddressRange = memory.ErrAddressRange
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrUnsupportedArch means live code can only be patched by a 386 build
	ErrUnsupportedArch = errors.New("live hooks need GOARCH=386")
	// ErrTransaction means a detour transaction call came out of order
	ErrTransaction = errors.New("detour transaction misuse")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
)

type span struct {
	addr uintptr
	size int
}

func (s *span) overlaps(addr uintptr, size int) bool {
	return addr < s.addr+uintptr(s.size) && s.addr < addr+uintptr(size)
}

// registry owns every arena reachable from patched code and the address
// ranges that are patched or being patched. Arenas are never released.
type registry struct {
	// protect the spans and arenas
	lock   sync.Mutex
	spans  []*span
	arenas []*memory.Arena
}

// registries maps each address space to its registry, so Hookers on one
// space see each other's hooks.
var registries = struct {
	lock sync.Mutex
	m    map[memory.Space]*registry
}{m: make(map[memory.Space]*registry)}

func registryFor(s memory.Space) *registry {
	registries.lock.Lock()
	defer registries.lock.Unlock()
	r, ok := registries.m[s]
	if !ok {
		r = &registry{}
		registries.m[s] = r
	}
	return r
}

// reserve claims [addr, addr+size) for one install.
func (r *registry) reserve(addr uintptr, size int) (*span, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkLocked(nil, addr, size); err != nil {
		return nil, err
	}
	sp := &span{addr: addr, size: size}
	r.spans = append(r.spans, sp)
	return sp, nil
}

// grow widens a reservation once the patch size is known.
func (r *registry) grow(sp *span, size int) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkLocked(sp, sp.addr, size); err != nil {
		return err
	}
	if size > sp.size {
		sp.size = size
	}
	return nil
}

func (r *registry) checkLocked(self *span, addr uintptr, size int) error {
	for _, sp := range r.spans {
		if sp != self && sp.overlaps(addr, size) {
			return errors.Wrapf(ErrDoubleHook, "%#x+%d overlaps %#x+%d", addr, size, sp.addr, sp.size)
		}
	}
	return nil
}

// drop forgets a reservation whose install failed before patching.
func (r *registry) drop(sp *span) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, s := range r.spans {
		if s == sp {
			r.spans = append(r.spans[:i], r.spans[i+1:]...)
			return
		}
	}
}

// retain keeps a for the rest of the process lifetime.
func (r *registry) retain(a *memory.Arena) {
	r.lock.Lock()
	r.arenas = append(r.arenas, a)
	r.lock.Unlock()
}

func (r *registry) counts() (spans, arenas int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.spans), len(r.arenas)
}
