package sessions

import (
	"maps"
	"time"
)

// DefaultMaxInactiveInterval is the inactivity timeout applied to sessions
// when no per-repository default is configured.
const DefaultMaxInactiveInterval = 30 * time.Minute

// MapSession is the canonical in-memory [Session] implementation. Backend
// repositories embed one in their own session types and consume its change
// tracking to compute delta writes.
//
// MapSession is a single-caller working copy and is not safe for concurrent
// mutation; each request handler operates on its own instance.
type MapSession struct {
	id                  string
	originalID          string
	creationTime        time.Time
	lastAccessedTime    time.Time
	maxInactiveInterval time.Duration
	attributes          map[string]any
	idGenerator         IDGenerator

	changed       map[string]struct{}
	metadataDirty bool
}

// NewMapSession creates a session with the given id. Creation and
// last-accessed time are set to now, the inactivity timeout to
// [DefaultMaxInactiveInterval], and the id generator to [UUIDGenerator].
func NewMapSession(id string) *MapSession {
	now := time.Now()
	return &MapSession{
		id:                  id,
		originalID:          id,
		creationTime:        now,
		lastAccessedTime:    now,
		maxInactiveInterval: DefaultMaxInactiveInterval,
		attributes:          make(map[string]any),
		idGenerator:         UUIDGenerator{},
		changed:             make(map[string]struct{}),
	}
}

// NewMapSessionFrom deep-copies another session. The copy starts clean and
// detached: mutating it never affects the source.
func NewMapSessionFrom(src Session) *MapSession {
	s := NewMapSession(src.ID())
	s.creationTime = src.CreationTime()
	s.lastAccessedTime = src.LastAccessedTime()
	s.maxInactiveInterval = src.MaxInactiveInterval()
	for _, name := range src.AttributeNames() {
		if v, ok := src.Attribute(name); ok {
			s.attributes[name] = v
		}
	}
	s.MarkClean()
	return s
}

// SetIDGenerator configures the generator used by ChangeSessionID.
// Repositories call this on sessions they create or load.
func (s *MapSession) SetIDGenerator(gen IDGenerator) {
	if gen != nil {
		s.idGenerator = gen
	}
}

// ID returns the session identifier.
func (s *MapSession) ID() string { return s.id }

// OriginalID returns the id under which the session was last persisted.
// It differs from ID only after ChangeSessionID and before the next
// MarkClean; backends use it to retire the stale record.
func (s *MapSession) OriginalID() string { return s.originalID }

// CreationTime returns the creation instant.
func (s *MapSession) CreationTime() time.Time { return s.creationTime }

// SetCreationTime is used by backends when rehydrating a stored session.
func (s *MapSession) SetCreationTime(t time.Time) {
	s.creationTime = t
}

// LastAccessedTime returns the most recent access instant.
func (s *MapSession) LastAccessedTime() time.Time { return s.lastAccessedTime }

// SetLastAccessedTime records an access and marks the session dirty.
func (s *MapSession) SetLastAccessedTime(t time.Time) {
	s.lastAccessedTime = t
	s.metadataDirty = true
}

// MaxInactiveInterval returns the inactivity timeout. Non-positive means
// the session never expires.
func (s *MapSession) MaxInactiveInterval() time.Duration { return s.maxInactiveInterval }

// SetMaxInactiveInterval overrides the inactivity timeout and marks the
// session dirty.
func (s *MapSession) SetMaxInactiveInterval(d time.Duration) {
	s.maxInactiveInterval = d
	s.metadataDirty = true
}

// Attribute returns the named attribute value and whether it is set.
func (s *MapSession) Attribute(name string) (any, bool) {
	v, ok := s.attributes[name]
	return v, ok
}

// AttributeOrDefault returns the attribute value, or def when absent.
func (s *MapSession) AttributeOrDefault(name string, def any) any {
	if v, ok := s.attributes[name]; ok {
		return v
	}
	return def
}

// RequiredAttribute returns the attribute value or a
// *MissingAttributeError naming the absent attribute.
func (s *MapSession) RequiredAttribute(name string) (any, error) {
	v, ok := s.attributes[name]
	if !ok {
		return nil, &MissingAttributeError{Name: name}
	}
	return v, nil
}

// SetAttribute sets the named attribute, removing it when value is nil.
// Either way the name is recorded as changed for the next delta save.
func (s *MapSession) SetAttribute(name string, value any) {
	if value == nil {
		delete(s.attributes, name)
	} else {
		s.attributes[name] = value
	}
	s.changed[name] = struct{}{}
}

// AttributeNames returns a detached snapshot of the attribute names.
func (s *MapSession) AttributeNames() []string {
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	return names
}

// IsExpired reports expiry at the given instant using a closed interval:
// the session is expired when now-lastAccessed >= maxInactiveInterval.
func (s *MapSession) IsExpired(now time.Time) bool {
	if s.maxInactiveInterval <= 0 {
		return false
	}
	return now.Sub(s.lastAccessedTime) >= s.maxInactiveInterval
}

// ChangeSessionID issues a fresh id from the configured generator,
// preserving all other state, and returns the new id. The previous
// persisted id remains available via OriginalID until MarkClean.
func (s *MapSession) ChangeSessionID() string {
	s.id = s.idGenerator.Generate()
	s.metadataDirty = true
	return s.id
}

// Equal reports identity-style equality: two sessions are equal iff their
// ids are equal, regardless of attribute content.
func (s *MapSession) Equal(other Session) bool {
	if other == nil {
		return false
	}
	return s.id == other.ID()
}

// IsDirty reports whether the session carries unsaved changes.
func (s *MapSession) IsDirty() bool {
	return s.metadataDirty || len(s.changed) > 0 || s.id != s.originalID
}

// ChangedAttributeNames returns the attribute names touched since the last
// MarkClean, whether set or removed.
func (s *MapSession) ChangedAttributeNames() []string {
	names := make([]string, 0, len(s.changed))
	for name := range s.changed {
		names = append(names, name)
	}
	return names
}

// MarkClean resets change tracking after a successful save or load.
func (s *MapSession) MarkClean() {
	s.originalID = s.id
	s.metadataDirty = false
	clear(s.changed)
}

// Snapshot returns a copy of the attribute map. Used by backends that
// persist the whole attribute set as one payload.
func (s *MapSession) Snapshot() map[string]any {
	return maps.Clone(s.attributes)
}
