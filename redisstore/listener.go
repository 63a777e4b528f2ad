package redisstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kiln-dev/sessions"
)

// expiredChannelPattern matches keyspace notifications for natively expired
// keys in any database. Requires notify-keyspace-events to include "Ex" on
// the server.
const expiredChannelPattern = "__keyevent@*__:expired"

// ExpirationListener subscribes to Redis expired-key notifications and
// clears the index membership of sessions Redis retired on its own. It is
// an optimization for cleanup latency: notifications are fire-and-forget,
// so the sweep backstop remains necessary for correctness.
type ExpirationListener struct {
	client redis.UniversalClient
	repo   *Repository

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewExpirationListener starts listening immediately. The subscription is
// re-established with exponential backoff after connection loss.
func NewExpirationListener(client redis.UniversalClient, repo *Repository) (*ExpirationListener, error) {
	if client == nil {
		return nil, errors.New("redisstore: nil redis client")
	}
	if repo == nil {
		return nil, errors.New("redisstore: nil repository")
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &ExpirationListener{
		client: client,
		repo:   repo,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.run(ctx)
	return l, nil
}

func (l *ExpirationListener) run(ctx context.Context) {
	defer l.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		l.repo.cfg.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("expiration subscription lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// listen holds one subscription until it fails or the context ends.
func (l *ExpirationListener) listen(ctx context.Context) error {
	sub := l.client.PSubscribe(ctx, expiredChannelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redisstore: subscription channel closed")
			}
			l.handleExpiredKey(ctx, msg.Payload)
		}
	}
}

func (l *ExpirationListener) handleExpiredKey(ctx context.Context, key string) {
	id := l.repo.expiredKeyID(key)
	if id == "" {
		return
	}

	// The blob is already gone; the companion key tells us which index set
	// to clean. Best effort, the sweep catches anything missed here.
	principal, err := l.client.Get(ctx, l.repo.principalKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.repo.cfg.Logger.Warn().Err(err).Str("session_id", id).Msg("principal lookup failed during expiry cleanup")
		return
	}

	if principal != "" {
		if err := l.client.SRem(ctx, l.repo.principalIndexKey(principal), id).Err(); err != nil {
			l.repo.cfg.Logger.Warn().Err(err).Str("session_id", id).Msg("index cleanup failed during expiry cleanup")
			return
		}
	}
	_ = l.client.Del(ctx, l.repo.principalKey(id)).Err()

	l.repo.cfg.Metrics.Inc(sessions.MetricSessionsExpired)
	l.repo.dispatcher.Publish(ctx, sessions.Event{Type: sessions.EventExpired, SessionID: id})
	l.repo.cfg.Logger.Debug().Str("session_id", id).Msg("expired session deindexed")
}

// Close stops the listener and waits for the subscription goroutine.
func (l *ExpirationListener) Close() {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cancel()
	l.wg.Wait()
}
