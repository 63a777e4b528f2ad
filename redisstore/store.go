package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiln-dev/sessions"
)

// principalKeyGrace keeps the principal companion key alive a little longer
// than the session itself, so the expiration listener can still resolve the
// principal of a key Redis has already expired.
const principalKeyGrace = 10 * time.Minute

// saveScript persists the blob and maintains the principal index and the
// principal companion key in one atomic step. It refuses to re-create a
// session that was concurrently deleted: updates of a missing key return 0
// and write nothing.
//
//	KEYS[1] session key (current id)
//	ARGV[1] "1" when the session has never been persisted
//	ARGV[2] session blob
//	ARGV[3] blob TTL in milliseconds, "0" = no expiry
//	ARGV[4] session id
//	ARGV[5] previous session key, "" unless the id changed
//	ARGV[6] previous session id, "" unless the id changed
//	ARGV[7] previous index set key, "" when the session had no principal
//	ARGV[8] current index set key, "" when the session has no principal
//	ARGV[9] principal companion key (current id)
//	ARGV[10] previous principal companion key, "" unless the id changed
//	ARGV[11] principal value, "" when none
//	ARGV[12] companion TTL in milliseconds, "0" = no expiry
const saveScript = `
if ARGV[1] == "0" then
  local target = KEYS[1]
  if ARGV[5] ~= "" then
    target = ARGV[5]
  end
  if redis.call("EXISTS", target) == 0 then
    return 0
  end
end

if ARGV[5] ~= "" then
  redis.call("DEL", ARGV[5])
  if ARGV[10] ~= "" then
    redis.call("DEL", ARGV[10])
  end
end

if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[2])
end

if ARGV[7] ~= "" then
  if ARGV[6] ~= "" then
    redis.call("SREM", ARGV[7], ARGV[6])
  end
  if ARGV[7] ~= ARGV[8] then
    redis.call("SREM", ARGV[7], ARGV[4])
  end
end
if ARGV[8] ~= "" then
  redis.call("SADD", ARGV[8], ARGV[4])
end

if ARGV[11] ~= "" then
  if tonumber(ARGV[12]) > 0 then
    redis.call("SET", ARGV[9], ARGV[11], "PX", ARGV[12])
  else
    redis.call("SET", ARGV[9], ARGV[11])
  end
else
  redis.call("DEL", ARGV[9])
end

return 1
`

var saveLua = redis.NewScript(saveScript)

// deleteScript removes a session, its companion key, and its index
// membership in one atomic step. Returns whether the session key existed.
//
//	KEYS[1] session key
//	ARGV[1] session id
//	ARGV[2] index set key, "" when the session had no principal
//	ARGV[3] principal companion key
const deleteScript = `
local existed = redis.call("EXISTS", KEYS[1])
if ARGV[2] ~= "" then
  redis.call("SREM", ARGV[2], ARGV[1])
end
redis.call("DEL", ARGV[3])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteLua = redis.NewScript(deleteScript)

// Config configures a Redis-backed repository.
type Config struct {
	sessions.Config

	// Prefix namespaces every key written by the repository. Defaults to
	// "sessions".
	Prefix string
}

// Repository is a Redis-backed [sessions.IndexedSessionRepository]. It also
// implements [sessions.Cleaner] so a [sessions.Sweeper] can prune index
// entries left dangling by native key expiry.
type Repository struct {
	client     redis.UniversalClient
	cfg        Config
	dispatcher *sessions.EventDispatcher
}

// New creates a repository over an established Redis client. The client's
// pooling and timeouts are the caller's concern; the repository only issues
// logical commands against it.
func New(client redis.UniversalClient, cfg Config) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", sessions.ErrInvalidArgument)
	}
	cfg.ApplyDefaults()
	if cfg.Prefix == "" {
		cfg.Prefix = "sessions"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Repository{
		client:     client,
		cfg:        cfg,
		dispatcher: sessions.NewEventDispatcher(cfg.EventSink, cfg.EventBufferSize, cfg.EventDropIfFull),
	}, nil
}

func (r *Repository) sessionKey(id string) string {
	return r.cfg.Prefix + ":sessions:" + id
}

func (r *Repository) principalKey(id string) string {
	return r.cfg.Prefix + ":principals:" + id
}

func (r *Repository) indexKey(name, value string) string {
	return r.cfg.Prefix + ":index:" + name + ":" + value
}

func (r *Repository) principalIndexKey(principal string) string {
	if principal == "" {
		return ""
	}
	return r.indexKey(sessions.PrincipalNameIndexName, principal)
}

func (r *Repository) storageErr(err error) error {
	r.cfg.Metrics.Inc(sessions.MetricStorageErrors)
	return fmt.Errorf("%w: %v", sessions.ErrStorageUnavailable, err)
}

// CreateSession returns a new unpersisted working copy.
func (r *Repository) CreateSession(_ context.Context) (sessions.Session, error) {
	return newSession(r.cfg.NewSession(), true), nil
}

// Save writes the session blob and index membership atomically. The blob
// TTL carries the inactivity timeout, so Redis retires idle sessions
// without any read. Saving a session whose id was concurrently deleted (or
// natively expired) returns [sessions.ErrSessionNotFound] and writes
// nothing.
func (r *Repository) Save(ctx context.Context, session sessions.Session) error {
	s, ok := session.(*Session)
	if !ok {
		return fmt.Errorf("%w: session was not created by this repository", sessions.ErrInvalidArgument)
	}

	blob, err := encodeSession(s.MapSession)
	if err != nil {
		return err
	}

	id := s.ID()
	oldID := s.OriginalID()
	principal := principalOf(s)

	isNew := "0"
	if s.isNew {
		isNew = "1"
	}

	var oldKey, oldPrincipalKey, oldIDArg string
	if oldID != id {
		oldKey = r.sessionKey(oldID)
		oldPrincipalKey = r.principalKey(oldID)
		oldIDArg = oldID
	}

	var blobTTL, companionTTL int64
	if d := s.MaxInactiveInterval(); d > 0 {
		blobTTL = d.Milliseconds()
		if blobTTL < 1 {
			blobTTL = 1
		}
		companionTTL = (d + principalKeyGrace).Milliseconds()
	}

	status, err := saveLua.Run(ctx, r.client,
		[]string{r.sessionKey(id)},
		isNew,
		blob,
		blobTTL,
		id,
		oldKey,
		oldIDArg,
		r.principalIndexKey(s.lastPrincipal),
		r.principalIndexKey(principal),
		r.principalKey(id),
		oldPrincipalKey,
		principal,
		companionTTL,
	).Int64()
	if err != nil {
		return r.storageErr(err)
	}
	if status == 0 {
		return fmt.Errorf("%w: %s", sessions.ErrSessionNotFound, oldID)
	}

	created := s.isNew
	s.isNew = false
	s.lastPrincipal = principal
	s.MarkClean()

	if created {
		r.cfg.Metrics.Inc(sessions.MetricSessionsCreated)
		r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventCreated, SessionID: id, Session: s})
	}
	r.cfg.Logger.Debug().Str("session_id", id).Bool("created", created).Msg("session saved")
	return nil
}

// FindByID loads and decodes the session. An expired record is deleted and
// reported absent, indistinguishable from one that never existed.
func (r *Repository) FindByID(ctx context.Context, id string) (sessions.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, r.storageErr(err)
	}

	ms, err := decodeSession(id, data)
	if err != nil {
		return nil, err
	}
	ms.SetIDGenerator(r.cfg.IDGenerator)

	if ms.IsExpired(time.Now()) {
		if err := r.expireNow(ctx, ms); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return newSession(ms, false), nil
}

// DeleteByID removes the session and every index entry referencing it.
// Deleting an absent id only clears leftover companion state and succeeds.
func (r *Repository) DeleteByID(ctx context.Context, id string) error {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.deindexDanglingID(ctx, id)
		}
		return r.storageErr(err)
	}

	ms, decErr := decodeSession(id, data)
	var principal string
	if decErr == nil {
		principal = principalOf(ms)
	}

	existed, err := r.runDelete(ctx, id, principal)
	if err != nil {
		return err
	}
	if existed {
		r.cfg.Metrics.Inc(sessions.MetricSessionsDeleted)
		r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventDeleted, SessionID: id, Session: wrapOrNil(ms, decErr)})
	}
	return nil
}

// FindByIndexNameAndIndexValue resolves the index set against the primary
// store. Dead or expired member ids are pruned from the set as they are
// discovered, so a stale index self-heals under read traffic.
func (r *Repository) FindByIndexNameAndIndexValue(ctx context.Context, indexName, indexValue string) (map[string]sessions.Session, error) {
	result := make(map[string]sessions.Session)
	if indexName != sessions.PrincipalNameIndexName || indexValue == "" {
		return result, nil
	}

	setKey := r.indexKey(indexName, indexValue)
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return result, nil
		}
		return nil, r.storageErr(err)
	}
	if len(ids) == 0 {
		return result, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, r.storageErr(err)
	}

	now := time.Now()
	for i, cmd := range cmds {
		id := ids[i]
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				if err := r.client.SRem(ctx, setKey, id).Err(); err != nil {
					return nil, r.storageErr(err)
				}
				continue
			}
			return nil, r.storageErr(cmdErr)
		}

		ms, decErr := decodeSession(id, data)
		if decErr != nil {
			return nil, decErr
		}
		ms.SetIDGenerator(r.cfg.IDGenerator)

		if ms.IsExpired(now) {
			if err := r.expireNow(ctx, ms); err != nil {
				return nil, err
			}
			continue
		}

		result[id] = newSession(ms, false)
	}

	return result, nil
}

// FindByPrincipalName is shorthand for the principal-name index lookup.
func (r *Repository) FindByPrincipalName(ctx context.Context, principal string) (map[string]sessions.Session, error) {
	return r.FindByIndexNameAndIndexValue(ctx, sessions.PrincipalNameIndexName, principal)
}

// CleanupExpiredSessions walks every index set and removes member ids whose
// primary key is gone, i.e. sessions Redis has already expired but whose
// notification was lost or never delivered. Implements [sessions.Cleaner].
func (r *Repository) CleanupExpiredSessions(ctx context.Context) (int, error) {
	pattern := r.cfg.Prefix + ":index:*"
	var (
		cursor uint64
		pruned int
	)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return pruned, r.storageErr(err)
		}

		for _, setKey := range keys {
			n, err := r.pruneIndexSet(ctx, setKey)
			if err != nil {
				// One bad bucket must not abort the sweep of the rest.
				r.cfg.Logger.Warn().Err(err).Str("index_key", setKey).Msg("index prune failed")
				continue
			}
			pruned += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return pruned, nil
}

func (r *Repository) pruneIndexSet(ctx context.Context, setKey string) (int, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, r.storageErr(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		existsCmds[i] = pipe.Exists(ctx, r.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, r.storageErr(err)
	}

	pruned := 0
	for i, cmd := range existsCmds {
		exists, cmdErr := cmd.Result()
		if cmdErr != nil {
			return pruned, r.storageErr(cmdErr)
		}
		if exists == 1 {
			continue
		}

		id := ids[i]
		if err := r.client.SRem(ctx, setKey, id).Err(); err != nil {
			return pruned, r.storageErr(err)
		}
		_ = r.client.Del(ctx, r.principalKey(id)).Err()
		pruned++
		r.cfg.Metrics.Inc(sessions.MetricSessionsExpired)
		r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventExpired, SessionID: id})
	}

	return pruned, nil
}

// expireNow deletes a session found expired on a read path and publishes
// the expired event.
func (r *Repository) expireNow(ctx context.Context, ms *sessions.MapSession) error {
	if _, err := r.runDelete(ctx, ms.ID(), principalOf(ms)); err != nil {
		return err
	}
	r.cfg.Metrics.Inc(sessions.MetricSessionsExpired)
	r.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventExpired, SessionID: ms.ID(), Session: newSession(ms, false)})
	return nil
}

// deindexDanglingID clears index membership for an id whose blob is gone,
// using the principal companion key to find the right set.
func (r *Repository) deindexDanglingID(ctx context.Context, id string) error {
	principal, err := r.client.Get(ctx, r.principalKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return r.storageErr(err)
	}

	_, err = r.runDelete(ctx, id, principal)
	return err
}

func (r *Repository) runDelete(ctx context.Context, id, principal string) (bool, error) {
	existed, err := deleteLua.Run(ctx, r.client,
		[]string{r.sessionKey(id)},
		id,
		r.principalIndexKey(principal),
		r.principalKey(id),
	).Int64()
	if err != nil {
		return false, r.storageErr(err)
	}
	return existed == 1, nil
}

func wrapOrNil(ms *sessions.MapSession, decErr error) sessions.Session {
	if decErr != nil || ms == nil {
		return nil
	}
	return newSession(ms, false)
}

// Dispatcher exposes the event dispatcher to the expiration listener.
func (r *Repository) Dispatcher() *sessions.EventDispatcher {
	return r.dispatcher
}

// Close stops event dispatch after draining queued events.
func (r *Repository) Close() {
	r.dispatcher.Close()
}

// expiredKeyID extracts the session id from an expired-key notification
// payload, or "" when the key is not a session key of this repository.
func (r *Repository) expiredKeyID(key string) string {
	prefix := r.cfg.Prefix + ":sessions:"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}
