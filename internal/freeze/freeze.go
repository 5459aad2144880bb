// Package freeze suspends the other threads of the process while a hook
// site is rewritten, so no thread executes a half-written instruction.
package freeze

// Set is a group of suspended threads.
type Set interface {
	// Len is the number of threads that were suspended.
	Len() int
	// Thaw resumes every thread of the set. It must be called exactly once.
	Thaw() error
}

// Freezer suspends every thread of the process except the caller's. The
// caller must not allocate or block between Freeze and Thaw: the threads it
// stopped may hold runtime locks.
type Freezer interface {
	Freeze() (Set, error)
}

// Nop freezes nothing.
type Nop struct{}

func (Nop) Freeze() (Set, error) { return empty{}, nil }

type empty struct{}

func (empty) Len() int    { return 0 }
func (empty) Thaw() error { return nil }
