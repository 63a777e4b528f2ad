package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiln-dev/sessions"
	"github.com/kiln-dev/sessions/internal/codec"
)

// Config configures a PostgreSQL-backed repository.
type Config struct {
	sessions.Config
}

// Repository is a PostgreSQL-backed [sessions.IndexedSessionRepository].
// It also implements [sessions.Cleaner] so a [sessions.Sweeper] can retire
// expired rows that no read path touches.
type Repository struct {
	pool       *pgxpool.Pool
	cfg        Config
	dispatcher *sessions.EventDispatcher
}

// New creates a repository over an established pool and applies any pending
// schema migrations.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil connection pool", sessions.ErrInvalidArgument)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := runMigrations(ctx, pool, cfg.Logger); err != nil {
		return nil, fmt.Errorf("%w: %v", sessions.ErrStorageUnavailable, err)
	}

	return &Repository{
		pool:       pool,
		cfg:        cfg,
		dispatcher: sessions.NewEventDispatcher(cfg.EventSink, cfg.EventBufferSize, cfg.EventDropIfFull),
	}, nil
}

// expiryTimeMillis precomputes the instant after which the session is
// expired, in epoch milliseconds. Never-expiring sessions store the maximum
// bigint so range scans on expiry_time skip them.
func expiryTimeMillis(s sessions.Session) int64 {
	d := s.MaxInactiveInterval()
	if d <= 0 {
		return math.MaxInt64
	}
	return s.LastAccessedTime().UnixMilli() + d.Milliseconds()
}

// nullablePrincipal maps "" to NULL so the principal index never matches
// sessions without one.
func nullablePrincipal(principal string) any {
	if principal == "" {
		return nil
	}
	return principal
}

// CreateSession returns a new unpersisted working copy.
func (r *Repository) CreateSession(_ context.Context) (sessions.Session, error) {
	return newSession(r.cfg.NewSession(), uuid.New(), true), nil
}

// Save inserts new sessions whole and updates existing ones by delta: the
// metadata row always, attribute rows only for attributes touched since the
// last save. Saving a session whose row was concurrently deleted returns
// [sessions.ErrSessionNotFound] and writes nothing.
func (r *Repository) Save(ctx context.Context, session sessions.Session) error {
	s, ok := session.(*Session)
	if !ok {
		return fmt.Errorf("%w: session was not created by this repository", sessions.ErrInvalidArgument)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return r.storageErr(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if s.isNew {
		err = r.insertSession(ctx, tx, s)
	} else {
		err = r.updateSession(ctx, tx, s)
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return r.storageErr(err)
	}

	id := s.ID()
	created := s.isNew
	s.isNew = false
	s.MarkClean()

	if created {
		r.cfg.Metrics.Inc(sessions.MetricSessionsCreated)
		r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventCreated, SessionID: id, Session: s})
	}
	r.cfg.Logger.Debug().Str("session_id", id).Bool("created", created).Msg("session saved")
	return nil
}

func (r *Repository) insertSession(ctx context.Context, tx pgx.Tx, s *Session) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sessions (
			primary_id, session_id,
			creation_time, last_access_time,
			max_inactive_interval, expiry_time, principal_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		s.primaryID,
		s.ID(),
		s.CreationTime().UnixMilli(),
		s.LastAccessedTime().UnixMilli(),
		s.MaxInactiveInterval().Milliseconds(),
		expiryTimeMillis(s),
		nullablePrincipal(principalOf(s)),
	)
	if err != nil {
		return mapPostgresError(err)
	}

	attrs := s.Snapshot()
	for name, value := range attrs {
		if err := r.upsertAttribute(ctx, tx, s.primaryID, name, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) updateSession(ctx context.Context, tx pgx.Tx, s *Session) error {
	// Matching on the previously persisted id both locates the row and
	// enforces that a concurrently deleted session is not resurrected.
	result, err := tx.Exec(ctx, `
		UPDATE sessions SET
			session_id = $2,
			last_access_time = $3,
			max_inactive_interval = $4,
			expiry_time = $5,
			principal_name = $6
		WHERE session_id = $1
	`,
		s.OriginalID(),
		s.ID(),
		s.LastAccessedTime().UnixMilli(),
		s.MaxInactiveInterval().Milliseconds(),
		expiryTimeMillis(s),
		nullablePrincipal(principalOf(s)),
	)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, s.OriginalID())
	}

	for _, name := range s.ChangedAttributeNames() {
		value, present := s.Attribute(name)
		if !present {
			if _, err := tx.Exec(ctx, `
				DELETE FROM session_attributes
				WHERE session_primary_id = $1 AND attribute_name = $2
			`, s.primaryID, name); err != nil {
				return mapPostgresError(err)
			}
			continue
		}
		if err := r.upsertAttribute(ctx, tx, s.primaryID, name, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) upsertAttribute(ctx context.Context, tx pgx.Tx, primaryID uuid.UUID, name string, value any) error {
	encoded, err := codec.EncodeValue(value)
	if err != nil {
		var nse *sessions.NotSerializableError
		if errors.As(err, &nse) {
			nse.Attribute = name
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO session_attributes (session_primary_id, attribute_name, attribute_bytes)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_primary_id, attribute_name)
		DO UPDATE SET attribute_bytes = EXCLUDED.attribute_bytes
	`, primaryID, name, encoded)
	if err != nil {
		return mapPostgresError(err)
	}
	return nil
}

// FindByID loads the session and its attributes. An expired row is deleted
// and reported absent, indistinguishable from one that never existed.
func (r *Repository) FindByID(ctx context.Context, id string) (sessions.Session, error) {
	s, err := r.querySession(ctx, `
		SELECT primary_id, session_id,
			creation_time, last_access_time, max_inactive_interval
		FROM sessions
		WHERE session_id = $1
	`, id)
	if err != nil || s == nil {
		return nil, err
	}

	if s.IsExpired(time.Now()) {
		if err := r.expireNow(ctx, s); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s, nil
}

// DeleteByID removes the session row; attribute rows go with it via the
// cascade. Deleting an absent id succeeds without an event.
func (r *Repository) DeleteByID(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return nil
	}

	r.cfg.Metrics.Inc(sessions.MetricSessionsDeleted)
	r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventDeleted, SessionID: id})
	r.cfg.Logger.Debug().Str("session_id", id).Msg("session deleted")
	return nil
}

// FindByIndexNameAndIndexValue queries the denormalized principal_name
// column. Expired matches are deleted on the way out, exactly as FindByID
// would have done.
func (r *Repository) FindByIndexNameAndIndexValue(ctx context.Context, indexName, indexValue string) (map[string]sessions.Session, error) {
	result := make(map[string]sessions.Session)
	if indexName != sessions.PrincipalNameIndexName || indexValue == "" {
		return result, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT primary_id, session_id,
			creation_time, last_access_time, max_inactive_interval
		FROM sessions
		WHERE principal_name = $1
	`, indexValue)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	loaded, err := r.scanSessions(ctx, rows)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, s := range loaded {
		if s.IsExpired(now) {
			if err := r.expireNow(ctx, s); err != nil {
				return nil, err
			}
			continue
		}
		result[s.ID()] = s
	}
	return result, nil
}

// FindByPrincipalName is shorthand for the principal-name index lookup.
func (r *Repository) FindByPrincipalName(ctx context.Context, principal string) (map[string]sessions.Session, error) {
	return r.FindByIndexNameAndIndexValue(ctx, sessions.PrincipalNameIndexName, principal)
}

// CleanupExpiredSessions bulk-deletes rows past their expiry instant.
// Implements [sessions.Cleaner].
func (r *Repository) CleanupExpiredSessions(ctx context.Context) (int, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM sessions WHERE expiry_time <= $1
		RETURNING session_id
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, mapPostgresError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, mapPostgresError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, mapPostgresError(err)
	}

	for _, id := range ids {
		r.cfg.Metrics.Inc(sessions.MetricSessionsExpired)
		r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventExpired, SessionID: id})
	}
	return len(ids), nil
}

// querySession runs a single-row session query and hydrates the result, or
// returns (nil, nil) when no row matches.
func (r *Repository) querySession(ctx context.Context, query string, args ...any) (*Session, error) {
	var (
		primaryID                        uuid.UUID
		sessionID                        string
		creationMillis, lastAccessMillis int64
		maxInactiveMillis                int64
	)
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&primaryID, &sessionID, &creationMillis, &lastAccessMillis, &maxInactiveMillis,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPostgresError(err)
	}

	s := r.hydrate(primaryID, sessionID, creationMillis, lastAccessMillis, maxInactiveMillis)
	if err := r.loadAttributes(ctx, s); err != nil {
		return nil, err
	}
	s.MarkClean()
	return s, nil
}

func (r *Repository) scanSessions(ctx context.Context, rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()

	var loaded []*Session
	for rows.Next() {
		var (
			primaryID                        uuid.UUID
			sessionID                        string
			creationMillis, lastAccessMillis int64
			maxInactiveMillis                int64
		)
		if err := rows.Scan(&primaryID, &sessionID, &creationMillis, &lastAccessMillis, &maxInactiveMillis); err != nil {
			return nil, mapPostgresError(err)
		}
		loaded = append(loaded, r.hydrate(primaryID, sessionID, creationMillis, lastAccessMillis, maxInactiveMillis))
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	for _, s := range loaded {
		if err := r.loadAttributes(ctx, s); err != nil {
			return nil, err
		}
		s.MarkClean()
	}
	return loaded, nil
}

func (r *Repository) hydrate(primaryID uuid.UUID, sessionID string, creationMillis, lastAccessMillis, maxInactiveMillis int64) *Session {
	ms := sessions.NewMapSession(sessionID)
	ms.SetCreationTime(time.UnixMilli(creationMillis))
	ms.SetLastAccessedTime(time.UnixMilli(lastAccessMillis))
	ms.SetMaxInactiveInterval(time.Duration(maxInactiveMillis) * time.Millisecond)
	ms.SetIDGenerator(r.cfg.IDGenerator)
	return newSession(ms, primaryID, false)
}

func (r *Repository) loadAttributes(ctx context.Context, s *Session) error {
	rows, err := r.pool.Query(ctx, `
		SELECT attribute_name, attribute_bytes
		FROM session_attributes
		WHERE session_primary_id = $1
	`, s.primaryID)
	if err != nil {
		return mapPostgresError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name    string
			encoded []byte
		)
		if err := rows.Scan(&name, &encoded); err != nil {
			return mapPostgresError(err)
		}
		value, err := codec.DecodeValue(encoded)
		if err != nil {
			return err
		}
		s.SetAttribute(name, value)
	}
	return rows.Err()
}

// expireNow deletes a session found expired on a read path and publishes
// the expired event.
func (r *Repository) expireNow(ctx context.Context, s *Session) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE primary_id = $1`, s.primaryID); err != nil {
		return mapPostgresError(err)
	}
	r.cfg.Metrics.Inc(sessions.MetricSessionsExpired)
	r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventExpired, SessionID: s.ID(), Session: s})
	return nil
}

func (r *Repository) storageErr(err error) error {
	r.cfg.Metrics.Inc(sessions.MetricStorageErrors)
	return fmt.Errorf("%w: %v", sessions.ErrStorageUnavailable, err)
}

// Close stops event dispatch after draining queued events. The pool is
// owned by the caller and is not closed.
func (r *Repository) Close() {
	r.dispatcher.Close()
}
