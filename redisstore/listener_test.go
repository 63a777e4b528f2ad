package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/kiln-dev/sessions"
)

func TestListenerCleansIndexOnExpiryNotification(t *testing.T) {
	metrics := sessions.NewMetrics()
	sink := sessions.NewChannelSink(16)
	repo, _, rdb := newRepositoryTest(t, Config{Config: sessions.Config{
		Metrics:   metrics,
		EventSink: sink,
	}})
	ctx := context.Background()

	s := createSaved(t, repo, "bob")

	listener, err := NewExpirationListener(rdb, repo)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	defer listener.Close()

	// Give the pattern subscription time to establish.
	waitForSubscriber(t, repo)

	// Simulate native TTL expiry: the blob vanishes, then the server emits
	// the keyspace notification.
	if err := rdb.Del(ctx, repo.sessionKey(s.ID())).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := rdb.Publish(ctx, "__keyevent@0__:expired", repo.sessionKey(s.ID())).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		members, err := rdb.SMembers(ctx, repo.principalIndexKey("bob")).Result()
		if err != nil {
			t.Fatalf("smembers: %v", err)
		}
		if len(members) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("index not cleaned after expiry notification: %v", members)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	expectExpiredEvent(t, sink, s.ID())
	if metrics.Get(sessions.MetricSessionsExpired) != 1 {
		t.Fatalf("expected 1 expired metric, got %d", metrics.Get(sessions.MetricSessionsExpired))
	}
}

// expectExpiredEvent waits for the expired event, skipping earlier
// lifecycle events still in flight.
func expectExpiredEvent(t *testing.T, sink *sessions.ChannelSink, sessionID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sink.Events():
			if e.Type != sessions.EventExpired {
				continue
			}
			if e.SessionID != sessionID {
				t.Fatalf("expired event for wrong session: %+v", e)
			}
			return
		case <-deadline:
			t.Fatal("expired event not published")
		}
	}
}

func TestListenerIgnoresForeignKeys(t *testing.T) {
	repo, _, rdb := newRepositoryTest(t, Config{})
	ctx := context.Background()

	s := createSaved(t, repo, "bob")

	listener, err := NewExpirationListener(rdb, repo)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	defer listener.Close()
	waitForSubscriber(t, repo)

	if err := rdb.Publish(ctx, "__keyevent@0__:expired", "other:sessions:"+s.ID()).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	members, _ := rdb.SMembers(ctx, repo.principalIndexKey("bob")).Result()
	if len(members) != 1 {
		t.Fatalf("foreign key notification must not touch the index: %v", members)
	}
}

func TestListenerRejectsNilArguments(t *testing.T) {
	repo, _, rdb := newRepositoryTest(t, Config{})

	if _, err := NewExpirationListener(nil, repo); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewExpirationListener(rdb, nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	repo, _, rdb := newRepositoryTest(t, Config{})

	listener, err := NewExpirationListener(rdb, repo)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	listener.Close()
	listener.Close()
}

// waitForSubscriber polls until the server reports a pattern subscriber so
// published notifications are not lost to subscription latency.
func waitForSubscriber(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()

	deadline := time.After(2 * time.Second)
	for {
		counts, err := repo.client.PubSubNumPat(ctx).Result()
		if err == nil && counts > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("pattern subscription never established")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}
