package sessions

import "time"

// PrincipalNameIndexName is the well-known index attribute under which a
// session records its authenticated principal. Indexed repositories keep a
// secondary mapping from each principal value to the set of live session
// ids carrying it.
const PrincipalNameIndexName = "PRINCIPAL_NAME_INDEX_NAME"

// Session is a server-side record of per-user state keyed by an opaque id.
//
// Two sessions are the same session iff their ids are equal; attribute
// content never participates in identity. A Session obtained from a
// repository is a working copy — mutations are not durable until Save.
type Session interface {
	// ID returns the session identifier. Immutable except through
	// ChangeSessionID.
	ID() string

	// CreationTime returns the instant the session was created. Set once.
	CreationTime() time.Time

	// LastAccessedTime returns the instant of the most recent access.
	LastAccessedTime() time.Time

	// SetLastAccessedTime records an access. Drives expiration.
	SetLastAccessedTime(t time.Time)

	// MaxInactiveInterval returns the inactivity timeout. A non-positive
	// value means the session never expires.
	MaxInactiveInterval() time.Duration

	// SetMaxInactiveInterval overrides the inactivity timeout.
	SetMaxInactiveInterval(d time.Duration)

	// Attribute returns the named attribute value and whether it is set.
	Attribute(name string) (any, bool)

	// AttributeOrDefault returns the named attribute value, or def when the
	// attribute is absent.
	AttributeOrDefault(name string, def any) any

	// RequiredAttribute returns the named attribute value or a
	// *MissingAttributeError naming the absent attribute.
	RequiredAttribute(name string) (any, error)

	// SetAttribute sets the named attribute. A nil value removes it.
	SetAttribute(name string, value any)

	// AttributeNames returns a snapshot of the attribute names. The
	// snapshot is detached: removing attributes while iterating a
	// previously captured snapshot is safe.
	AttributeNames() []string

	// IsExpired reports whether the session is expired at the given
	// instant. The boundary is inclusive: exactly at
	// lastAccessedTime+maxInactiveInterval the session IS expired.
	IsExpired(now time.Time) bool

	// ChangeSessionID issues a fresh id from the configured generator and
	// returns it. All other state is preserved. Callers must propagate the
	// new id to any client-visible token.
	ChangeSessionID() string
}
