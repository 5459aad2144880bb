package freeze

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread = kernel32.NewProc("SuspendThread")
)

// Default returns the Toolhelp32 based freezer.
func Default() Freezer {
	return toolhelp{}
}

type toolhelp struct{}

type threads struct {
	handles []windows.Handle
}

func (t *threads) Len() int { return len(t.handles) }

func (t *threads) Thaw() error {
	var first error
	for _, h := range t.handles {
		if _, err := windows.ResumeThread(h); err != nil && first == nil {
			first = errors.Wrapf(err, "ResumeThread %#x", uintptr(h))
		}
		windows.CloseHandle(h)
	}
	t.handles = nil
	runtime.UnlockOSThread()
	return first
}

func (toolhelp) Freeze() (Set, error) {
	// the caller must stay on the thread that is left running
	runtime.LockOSThread()
	t := &threads{}

	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	pid := windows.GetCurrentProcessId()
	me := windows.GetCurrentThreadId()
	var e windows.ThreadEntry32
	e.Size = uint32(unsafe.Sizeof(e))
	for err = windows.Thread32First(snap, &e); err == nil; err = windows.Thread32Next(snap, &e) {
		if e.OwnerProcessID != pid || e.ThreadID == me {
			continue
		}
		h, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, e.ThreadID)
		if err != nil {
			// exited since the snapshot
			continue
		}
		if r, _, _ := procSuspendThread.Call(uintptr(h)); uint32(r) == 0xFFFFFFFF {
			windows.CloseHandle(h)
			continue
		}
		t.handles = append(t.handles, h)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		t.Thaw()
		return nil, errors.Wrap(err, "Thread32Next")
	}
	return t, nil
}

// CurrentThread returns the OS id of the calling thread.
func CurrentThread() uint32 {
	return windows.GetCurrentThreadId()
}
