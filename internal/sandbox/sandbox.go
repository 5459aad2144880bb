// Package sandbox is an emulated 32-bit address space. It implements
// memory.Space with paged protections, a bump allocator for executable
// arenas, a journal of every mutating call and injectable faults, so the
// hooking pipeline can be driven end to end without touching live code.
package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/k2io/sunset/internal/memory"
)

const (
	PageSize = 0x1000
	// ArenaBase is where Alloc hands out its first region.
	ArenaBase = 0x10000000
)

// ErrAccessViolation is returned by a read or write the page protection
// forbids.
var ErrAccessViolation = errors.New("access violation")

// Op names a Space call for the journal and for fault injection.
type Op int

const (
	OpProtect Op = iota
	OpAlloc
	OpRelease
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpProtect:
		return "protect"
	case OpAlloc:
		return "alloc"
	case OpRelease:
		return "release"
	case OpWrite:
		return "write"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Event is one journal entry.
type Event struct {
	Op   Op
	Addr uint32
	Size int
	Perm memory.Perm // new protection, for OpProtect
	Data []byte      // bytes written, for OpWrite
}

func (e Event) String() string {
	switch e.Op {
	case OpProtect:
		return fmt.Sprintf("protect %#x+%d %s", e.Addr, e.Size, e.Perm)
	case OpWrite:
		return fmt.Sprintf("write %#x % x", e.Addr, e.Data)
	}
	return fmt.Sprintf("%s %#x+%d", e.Op, e.Addr, e.Size)
}

type page struct {
	data [PageSize]byte
	perm memory.Perm
}

type fault struct {
	op  Op
	nth int
	err error
}

// Space is an emulated address space. The zero value is not usable; call New.
type Space struct {
	mu      sync.Mutex
	pages   map[uint32]*page
	next    uint32
	limit   uint32
	journal []Event
	faults  []*fault
}

// New returns an empty space.
func New() *Space {
	return &Space{
		pages: make(map[uint32]*page),
		next:  ArenaBase,
		limit: 0x7FFF0000,
	}
}

var _ memory.Space = (*Space)(nil)

// Map creates zeroed pages covering [addr, addr+size) with perm, the way a
// loader maps an image section. The range must end within 4GiB.
func (s *Space) Map(addr uint32, size int, perm memory.Perm) error {
	if _, err := addr32(uintptr(addr), size); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapLocked(addr, size, perm)
	return nil
}

func (s *Space) mapLocked(addr uint32, size int, perm memory.Perm) {
	for _, pn := range pageNumbers(addr, size) {
		if _, ok := s.pages[pn]; !ok {
			s.pages[pn] = &page{}
		}
		s.pages[pn].perm = perm
	}
}

// Load maps code at addr as ExecuteRead, rounded out to whole pages.
func (s *Space) Load(addr uint32, code []byte) error {
	if err := s.Map(addr, len(code), memory.ExecuteRead); err != nil {
		return err
	}
	s.Poke(addr, code)
	return nil
}

// Poke writes data regardless of protection. It panics on unmapped memory.
func (s *Space) Poke(addr uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.copyLocked(addr, data, false); err != nil {
		panic(err)
	}
}

// Peek reads n bytes regardless of protection. It panics on unmapped memory.
func (s *Space) Peek(addr uint32, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, n)
	if err := s.copyLocked(addr, buf, true); err != nil {
		panic(err)
	}
	return buf
}

// PermAt returns the protection of the page holding addr.
func (s *Space) PermAt(addr uint32) (memory.Perm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[addr/PageSize]
	if !ok {
		return 0, false
	}
	return p.perm, true
}

// Pages returns the base addresses of all mapped pages in ascending order.
func (s *Space) Pages() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.pages))
	for pn := range s.pages {
		out = append(out, pn*PageSize)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Journal returns a copy of the mutating calls made so far.
func (s *Space) Journal() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.journal...)
}

// ResetJournal forgets recorded events.
func (s *Space) ResetJournal() {
	s.mu.Lock()
	s.journal = nil
	s.mu.Unlock()
}

// FailOn makes the nth call (1-based) of op from now on fail with err.
func (s *Space) FailOn(op Op, nth int, err error) {
	s.mu.Lock()
	s.faults = append(s.faults, &fault{op: op, nth: nth, err: err})
	s.mu.Unlock()
}

// SetLimit caps the arena allocator; Alloc fails once it would pass limit.
func (s *Space) SetLimit(limit uint32) {
	s.mu.Lock()
	s.limit = limit
	s.mu.Unlock()
}

func (s *Space) injected(op Op) error {
	for i, f := range s.faults {
		if f.op != op {
			continue
		}
		f.nth--
		if f.nth == 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

// Protect implements memory.Space.
func (s *Space) Protect(addr uintptr, size int, perm memory.Perm) (memory.Perm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := addr32(addr, size)
	if err != nil {
		return 0, errors.Wrap(memory.ErrPermissionChange, err.Error())
	}
	if err := s.injected(OpProtect); err != nil {
		return 0, errors.Wrapf(memory.ErrPermissionChange, "protect %#x: %v", a, err)
	}
	if !perm.Valid() {
		return 0, errors.Wrapf(memory.ErrPermissionChange, "unknown protection %s", perm)
	}
	pns := pageNumbers(a, size)
	for _, pn := range pns {
		if _, ok := s.pages[pn]; !ok {
			return 0, errors.Wrapf(memory.ErrPermissionChange, "page %#x is not mapped", pn*PageSize)
		}
	}
	old := s.pages[pns[0]].perm
	for _, pn := range pns {
		s.pages[pn].perm = perm
	}
	s.journal = append(s.journal, Event{Op: OpProtect, Addr: a, Size: size, Perm: perm})
	return old, nil
}

// Alloc implements memory.Space.
func (s *Space) Alloc(size int) (*memory.Arena, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size <= 0 {
		return nil, errors.Wrapf(memory.ErrAllocation, "size %d", size)
	}
	if err := s.injected(OpAlloc); err != nil {
		return nil, errors.Wrap(memory.ErrAllocation, err.Error())
	}
	n := uint32(size+PageSize-1) &^ (PageSize - 1)
	for s.busyLocked(s.next, int(n)) {
		s.next += PageSize
	}
	if uint64(s.next)+uint64(n) > uint64(s.limit) {
		return nil, errors.Wrapf(memory.ErrAllocation, "%d bytes exceed the arena limit %#x", size, s.limit)
	}
	base := s.next
	s.next += n
	s.mapLocked(base, size, memory.ExecuteReadWrite)
	s.journal = append(s.journal, Event{Op: OpAlloc, Addr: base, Size: size})
	return memory.NewArena(uintptr(base), size, func() error {
		return s.release(base, size)
	}), nil
}

// busyLocked reports whether any page of [addr, addr+size) is mapped.
func (s *Space) busyLocked(addr uint32, size int) bool {
	if uint64(addr)+uint64(size) > uint64(s.limit) {
		return false
	}
	for _, pn := range pageNumbers(addr, size) {
		if _, ok := s.pages[pn]; ok {
			return true
		}
	}
	return false
}

func (s *Space) release(base uint32, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pn := range pageNumbers(base, size) {
		delete(s.pages, pn)
	}
	s.journal = append(s.journal, Event{Op: OpRelease, Addr: base, Size: size})
	return nil
}

// Read implements memory.Space. Every page must be readable.
func (s *Space) Read(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := addr32(addr, len(buf))
	if err != nil {
		return err
	}
	for _, pn := range pageNumbers(a, len(buf)) {
		if p, ok := s.pages[pn]; ok && !p.perm.Readable() {
			return errors.Wrapf(ErrAccessViolation, "read of %s page %#x", p.perm, pn*PageSize)
		}
	}
	return s.copyLocked(a, buf, true)
}

// Write implements memory.Space. Every page must be writable.
func (s *Space) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := addr32(addr, len(data))
	if err != nil {
		return err
	}
	if err := s.injected(OpWrite); err != nil {
		return errors.Wrapf(ErrAccessViolation, "write %#x: %v", a, err)
	}
	for _, pn := range pageNumbers(a, len(data)) {
		if p, ok := s.pages[pn]; ok && !p.perm.Writable() {
			return errors.Wrapf(ErrAccessViolation, "write to %s page %#x", p.perm, pn*PageSize)
		}
	}
	if err := s.copyLocked(a, data, false); err != nil {
		return err
	}
	s.journal = append(s.journal, Event{Op: OpWrite, Addr: a, Size: len(data), Data: append([]byte(nil), data...)})
	return nil
}

// copyLocked moves bytes between buf and the pages at addr.
func (s *Space) copyLocked(addr uint32, buf []byte, read bool) error {
	if _, err := addr32(uintptr(addr), len(buf)); err != nil {
		return err
	}
	for _, pn := range pageNumbers(addr, len(buf)) {
		if _, ok := s.pages[pn]; !ok {
			return errors.Wrapf(memory.ErrAddressRange, "page %#x is not mapped", pn*PageSize)
		}
	}
	for done := 0; done < len(buf); {
		at := addr + uint32(done)
		p := s.pages[at/PageSize]
		off := int(at % PageSize)
		var n int
		if read {
			n = copy(buf[done:], p.data[off:])
		} else {
			n = copy(p.data[off:], buf[done:])
		}
		done += n
	}
	return nil
}

func addr32(addr uintptr, size int) (uint32, error) {
	if uint64(addr)+uint64(size) > 1<<32 {
		return 0, errors.Wrapf(memory.ErrAddressRange, "%#x+%d is beyond 4GiB", addr, size)
	}
	return uint32(addr), nil
}

func pageNumbers(addr uint32, size int) []uint32 {
	if size <= 0 {
		size = 1
	}
	first := addr / PageSize
	last := uint32((uint64(addr) + uint64(size) - 1) / PageSize)
	out := make([]uint32, 0, last-first+1)
	for pn := first; pn <= last; pn++ {
		out = append(out, pn)
	}
	return out
}
