package sessions

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces unique session identifiers. Generate must be
// side-effect free from the caller's perspective and must never fail;
// collision probability must be negligible across the session volume of a
// single deployment.
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator generates random version-4 UUIDs rendered in canonical
// form. It is the default generator and carries 122 bits of entropy.
type UUIDGenerator struct{}

// Generate returns a new random UUID string.
func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

// FixedIDGenerator returns ids from a caller-supplied list, cycling back to
// the start when exhausted. It exists for tests and migration tooling where
// deterministic ids are required, and is safe for concurrent use.
type FixedIDGenerator struct {
	mu   sync.Mutex
	ids  []string
	next int
}

// NewFixedIDGenerator creates a generator that yields the given ids in
// order. An empty list falls back to a single zero UUID.
func NewFixedIDGenerator(ids ...string) *FixedIDGenerator {
	if len(ids) == 0 {
		ids = []string{uuid.Nil.String()}
	}
	return &FixedIDGenerator{ids: ids}
}

// Generate returns the next id in the configured sequence.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.ids[g.next%len(g.ids)]
	g.next++
	return id
}
