package sessions

import (
	"context"
	"sync"
	"time"
)

// MapSessionRepository is an in-process [SessionRepository] backed by a
// mutex-guarded map. It is intended for tests and single-node deployments;
// it maintains no principal index and offers no cross-process durability.
//
// Concurrency note: Save is a last-writer-wins put at whole-session
// granularity. The map backend has no conditional-write primitive, so a
// save racing a delete of the same id re-inserts the session; callers
// needing the no-resurrect guarantee must use a backend that can enforce
// it atomically.
type MapSessionRepository struct {
	cfg        Config
	dispatcher *EventDispatcher

	mu       sync.RWMutex
	sessions map[string]*MapSession
}

// NewMapSessionRepository creates an empty in-memory repository.
func NewMapSessionRepository(cfg Config) (*MapSessionRepository, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &MapSessionRepository{
		cfg:        cfg,
		dispatcher: NewEventDispatcher(cfg.EventSink, cfg.EventBufferSize, cfg.EventDropIfFull),
		sessions:   make(map[string]*MapSession),
	}, nil
}

// CreateSession returns a new unpersisted working copy.
func (r *MapSessionRepository) CreateSession(_ context.Context) (Session, error) {
	return r.cfg.NewSession(), nil
}

// Save stores a deep copy of the session as the authoritative record and
// clears the working copy's change tracking. A changed session id retires
// the record stored under the previous id.
func (r *MapSessionRepository) Save(ctx context.Context, session Session) error {
	stored := NewMapSessionFrom(session)
	stored.SetIDGenerator(r.cfg.IDGenerator)

	oldID := session.ID()
	if ms, ok := session.(*MapSession); ok {
		oldID = ms.OriginalID()
	}

	r.mu.Lock()
	_, existed := r.sessions[oldID]
	if existed && oldID != stored.ID() {
		delete(r.sessions, oldID)
	}
	r.sessions[stored.ID()] = stored
	r.mu.Unlock()

	if ms, ok := session.(*MapSession); ok {
		ms.MarkClean()
	}
	if !existed {
		r.cfg.Metrics.Inc(MetricSessionsCreated)
		r.dispatcher.Publish(ctx, Event{Type: EventCreated, SessionID: stored.ID(), Session: stored})
	}
	return nil
}

// FindByID returns a working copy of the stored session, or (nil, nil)
// when absent. Expired sessions are removed on read and reported absent.
func (r *MapSessionRepository) FindByID(ctx context.Context, id string) (Session, error) {
	r.mu.RLock()
	stored, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if stored.IsExpired(time.Now()) {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		r.cfg.Metrics.Inc(MetricSessionsExpired)
		r.dispatcher.Publish(ctx, Event{Type: EventExpired, SessionID: id, Session: stored})
		return nil, nil
	}

	working := NewMapSessionFrom(stored)
	working.SetIDGenerator(r.cfg.IDGenerator)
	return working, nil
}

// DeleteByID removes the session. Deleting an absent id is a no-op.
func (r *MapSessionRepository) DeleteByID(ctx context.Context, id string) error {
	r.mu.Lock()
	stored, existed := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if existed {
		r.cfg.Metrics.Inc(MetricSessionsDeleted)
		r.dispatcher.Publish(ctx, Event{Type: EventDeleted, SessionID: id, Session: stored})
	}
	return nil
}

// CleanupExpiredSessions removes every expired session, implementing
// [Cleaner] for the [Sweeper].
func (r *MapSessionRepository) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := time.Now()

	r.mu.Lock()
	var expired []*MapSession
	for id, stored := range r.sessions {
		if stored.IsExpired(now) {
			expired = append(expired, stored)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, stored := range expired {
		r.cfg.Metrics.Inc(MetricSessionsExpired)
		r.dispatcher.Publish(ctx, Event{Type: EventExpired, SessionID: stored.ID(), Session: stored})
	}
	return len(expired), nil
}

// Len reports the number of stored sessions. Test helper.
func (r *MapSessionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops event dispatch after draining queued events.
func (r *MapSessionRepository) Close() {
	r.dispatcher.Close()
}
