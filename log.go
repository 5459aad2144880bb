package sunset

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	SetLogger(zerolog.Nop())
}

// SetDebug turns debug logging to stderr on or off.
func SetDebug(x bool) {
	if !x {
		SetLogger(zerolog.Nop())
		return
	}
	SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Str("pkg", "sunset").Logger())
}

// SetLogger routes the package's log events to l. Hookers created with
// WithLogger keep their own.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}
