package freeze

import "golang.org/x/sys/unix"

// CurrentThread returns the OS id of the calling thread.
func CurrentThread() uint32 {
	return uint32(unix.Gettid())
}
