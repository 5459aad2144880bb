package sunset

import (
	"math"
	"reflect"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/k2io/sunset/internal/freeze"
	"github.com/k2io/sunset/internal/memory"
)

// Space is an address space hooks are installed into. The running process
// is the default; tests and offline tools substitute an emulated one.
type Space = memory.Space

// Arena is an executable allocation returned by Space.Alloc.
type Arena = memory.Arena

// NewArena describes a region for Space implementations.
var NewArena = memory.NewArena

// Hooker installs hooks into one address space. Every Hooker on the same
// space shares one registry of patched ranges and live trampolines.
type Hooker struct {
	space    memory.Space
	live     bool
	log      *zerolog.Logger
	freezer  freeze.Freezer
	detourer Detourer
	reg      *registry
}

// Option configures a Hooker.
type Option func(*Hooker)

// WithSpace installs into s instead of the running process. s keys the
// shared registry, so it must be comparable, such as a pointer.
func WithSpace(s Space) Option {
	return func(h *Hooker) {
		h.space = s
		h.live = false
	}
}

// WithLogger gives the Hooker its own logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hooker) {
		h.log = &l
	}
}

// WithoutFreeze patches while other threads keep running. A thread that
// executes the site mid-write can observe a torn instruction.
func WithoutFreeze() Option {
	return WithFreezer(freeze.Nop{})
}

// WithFreezer replaces the thread suspension strategy.
func WithFreezer(f freeze.Freezer) Option {
	return func(h *Hooker) {
		h.freezer = f
	}
}

// WithDetourer routes ReplaceHook through d, for example a binding to an
// external detour library. By default each ReplaceHook runs its own
// Transaction.
func WithDetourer(d Detourer) Option {
	return func(h *Hooker) {
		h.detourer = d
	}
}

// New returns a Hooker for the running process unless an option says
// otherwise.
func New(opts ...Option) *Hooker {
	h := &Hooker{
		space:   memory.Self(),
		live:    true,
		freezer: freeze.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.reg = registryFor(h.space)
	return h
}

func (h *Hooker) logger() *zerolog.Logger {
	if h.log != nil {
		return h.log
	}
	return logger.Load()
}

// Space returns the address space h patches.
func (h *Hooker) Space() Space {
	return h.space
}

// checkArch refuses to emit 32-bit code into a live process of another
// architecture.
func (h *Hooker) checkArch() error {
	if h.live && runtime.GOARCH != "386" {
		return errors.Wrapf(ErrUnsupportedArch, "running on %s", runtime.GOARCH)
	}
	return nil
}

func addr32(a uintptr) (uint32, error) {
	if uint64(a) > math.MaxUint32 {
		return 0, errors.Wrapf(ErrAddressRange, "%#x", a)
	}
	return uint32(a), nil
}

var (
	defaultHooker *Hooker
	defaultOnce   sync.Once
)

// Default returns the process-wide Hooker used by the package functions.
func Default() *Hooker {
	defaultOnce.Do(func() {
		defaultHooker = New()
	})
	return defaultHooker
}

// InlineHook hooks address with callback using the default Hooker.
func InlineHook(address, callback uintptr) (*Hook, error) {
	return Default().InlineHook(address, callback)
}

// ReplaceHook redirects *slot to detour using the default Hooker.
func ReplaceHook(slot *uintptr, detour uintptr) error {
	return Default().ReplaceHook(slot, detour)
}

// SetPermission changes the protection of [addr, addr+size) in the running
// process and returns the previous one.
func SetPermission(addr uintptr, size int, perm Perm) (Perm, error) {
	return Default().SetPermission(addr, size, perm)
}

// WriteJmp writes JMP rel32 at 'at' using the default Hooker.
func WriteJmp(at, to uintptr) error { return Default().WriteJmp(at, to) }

// WriteCall writes CALL rel32 at 'at' using the default Hooker.
func WriteCall(at, to uintptr) error { return Default().WriteCall(at, to) }

// WritePush writes PUSH imm32 at 'at' using the default Hooker.
func WritePush(at uintptr, imm uint32) error { return Default().WritePush(at, imm) }

// WriteNop fills n bytes at 'at' with NOPs using the default Hooker.
func WriteNop(at uintptr, n int) error { return Default().WriteNop(at, n) }

// ModuleBase returns where the module name is loaded in the running
// process; an empty name means the main executable.
func ModuleBase(name string) (uintptr, error) {
	return memory.ModuleBase(name)
}

// FuncAddr returns the entry address of the Go function fn.
func FuncAddr(fn interface{}) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, ErrInputType
	}
	return v.Pointer(), nil
}
