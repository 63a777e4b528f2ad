package sessions

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the knobs shared by every repository backend. It is
// supplied at repository construction; there is no hidden global state and
// no file parsing — wiring configuration sources is the caller's concern.
type Config struct {
	// DefaultMaxInactiveInterval is applied to sessions returned by
	// CreateSession. Zero selects DefaultMaxInactiveInterval (30m); a
	// negative value creates sessions that never expire.
	DefaultMaxInactiveInterval time.Duration

	// IDGenerator produces session ids. Defaults to UUIDGenerator.
	IDGenerator IDGenerator

	// CleanupInterval is the proactive sweep period. It must be no coarser
	// than the smallest max-inactive-interval in use, or staleness is
	// unbounded for backends without native expiry. Zero selects one
	// minute.
	CleanupInterval time.Duration

	// EventSink receives lifecycle events. Nil disables delivery.
	EventSink EventSink

	// EventBufferSize is the dispatcher queue depth. Zero selects 64.
	EventBufferSize int

	// EventDropIfFull makes event publication non-blocking; overflow is
	// counted, not delivered.
	EventDropIfFull bool

	// Logger receives structured diagnostics. The zero value is silent.
	Logger zerolog.Logger

	// Metrics receives operation counters when non-nil.
	Metrics *Metrics
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.DefaultMaxInactiveInterval == 0 {
		c.DefaultMaxInactiveInterval = DefaultMaxInactiveInterval
	}
	if c.IDGenerator == nil {
		c.IDGenerator = UUIDGenerator{}
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
}

// Validate fails fast on construction-time misuse.
func (c Config) Validate() error {
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: negative cleanup interval", ErrInvalidArgument)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("%w: negative event buffer size", ErrInvalidArgument)
	}
	return nil
}

// NewSession builds an unpersisted session honoring the configured id
// generator and default timeout. Shared by the backend CreateSession
// implementations.
func (c Config) NewSession() *MapSession {
	s := NewMapSession(c.IDGenerator.Generate())
	s.SetIDGenerator(c.IDGenerator)
	s.maxInactiveInterval = c.DefaultMaxInactiveInterval
	return s
}
