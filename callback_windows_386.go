package sunset

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// NewCallback turns fn into a cdecl function pointer that InlineHook can
// call. Windows caps the number of callbacks a process can create, so make
// one per hook.
func NewCallback(fn func(*Context)) uintptr {
	return windows.NewCallbackCDecl(func(ctx *Context) uintptr {
		fn(ctx)
		return 0
	})
}

// InlineHookFunc hooks address with a Go callback.
func (h *Hooker) InlineHookFunc(address uintptr, fn func(*Context)) (*Hook, error) {
	return h.InlineHook(address, NewCallback(fn))
}

// InlineHookFunc hooks address with a Go callback using the default Hooker.
func InlineHookFunc(address uintptr, fn func(*Context)) (*Hook, error) {
	return Default().InlineHookFunc(address, fn)
}

// CallOriginal calls the native function at addr, typically the slot filled
// in by ReplaceHook. The stack pointer is restored after the call, so both
// stdcall and cdecl targets work.
func CallOriginal(addr uintptr, args ...uintptr) uintptr {
	r, _, _ := syscall.SyscallN(addr, args...)
	return r
}
