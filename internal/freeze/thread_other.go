//go:build !windows && !linux

package freeze

// CurrentThread returns 0: threads have no portable id here.
func CurrentThread() uint32 {
	return 0
}
