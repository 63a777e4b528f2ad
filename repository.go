package sessions

import "context"

// SessionRepository is the minimum capability set a storage backend must
// offer. Implementations are safe for concurrent use by independent
// request handlers, each operating on its own working copy.
type SessionRepository interface {
	// CreateSession returns a new, not-yet-persisted session with a
	// generated id, creation and last-accessed time set to now, empty
	// attributes, and the repository's default inactivity timeout.
	CreateSession(ctx context.Context) (Session, error)

	// Save persists the changes accumulated on the session since it was
	// created or loaded. Backends with partial-update support write only
	// the delta. Saving an unchanged session is a harmless no-op write.
	// Saving a session whose id was concurrently deleted returns
	// ErrSessionNotFound without resurrecting it, where the backend can
	// enforce that atomically.
	Save(ctx context.Context, session Session) error

	// FindByID loads the session, or returns (nil, nil) when it does not
	// exist. An expired session is deleted as a side effect and reported
	// as absent; callers cannot distinguish expired from never-existed.
	// Backend faults surface as ErrStorageUnavailable, never as absence.
	FindByID(ctx context.Context, id string) (Session, error)

	// DeleteByID removes the session. Idempotent: deleting an absent id
	// is not an error.
	DeleteByID(ctx context.Context, id string) error
}

// IndexedSessionRepository extends [SessionRepository] with secondary
// lookup by index attribute. Only [PrincipalNameIndexName] is indexed;
// lookups under any other name return an empty map.
type IndexedSessionRepository interface {
	SessionRepository

	// FindByIndexNameAndIndexValue returns the live sessions whose index
	// attribute equals the given value, keyed by session id. The index is
	// a hint: ids that no longer resolve to a live, unexpired session are
	// silently dropped (and pruned where the backend allows it).
	FindByIndexNameAndIndexValue(ctx context.Context, indexName, indexValue string) (map[string]Session, error)

	// FindByPrincipalName is shorthand for a lookup under
	// [PrincipalNameIndexName].
	FindByPrincipalName(ctx context.Context, principal string) (map[string]Session, error)
}

// Cleaner is the proactive-sweep hook a backend exposes to the [Sweeper].
type Cleaner interface {
	// CleanupExpiredSessions removes sessions whose inactivity timeout has
	// elapsed (or, for backends with native key expiry, prunes index
	// entries left dangling by it) and returns how many records were
	// removed. A failure on one record must not abort the rest of the
	// batch.
	CleanupExpiredSessions(ctx context.Context) (int, error)
}
