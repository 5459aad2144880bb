package sunset

import "github.com/k2io/sunset/internal/memory"

// Perm is a page protection, valued as the Windows PAGE_* constants.
type Perm = memory.Perm

const (
	NoAccess         = memory.NoAccess
	Read             = memory.Read
	ReadWrite        = memory.ReadWrite
	WriteCopy        = memory.WriteCopy
	Execute          = memory.Execute
	ExecuteRead      = memory.ExecuteRead
	ExecuteReadWrite = memory.ExecuteReadWrite
	ExecuteWriteCopy = memory.ExecuteWriteCopy
	Guard            = memory.Guard
	NoCache          = memory.NoCache
	WriteCombine     = memory.WriteCombine
)
