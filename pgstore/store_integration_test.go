//go:build integration

package pgstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiln-dev/sessions"
)

func setupRepository(t *testing.T, ctx context.Context, cfg Config) *Repository {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	repo, err := New(ctx, pool, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		repo.Close()
		pool.Close()
		_ = container.Terminate(ctx)
	})
	return repo
}

func TestIntegration_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx, Config{})

	t.Run("save and find round trip", func(t *testing.T) {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		s.SetAttribute("user", "alice")
		s.SetAttribute("visits", 7)
		s.SetMaxInactiveInterval(time.Hour)
		require.NoError(t, repo.Save(ctx, s))

		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		require.NotNil(t, loaded)

		v, ok := loaded.Attribute("user")
		require.True(t, ok)
		require.Equal(t, "alice", v)
		v, ok = loaded.Attribute("visits")
		require.True(t, ok)
		require.Equal(t, 7, v)
		require.Equal(t, time.Hour, loaded.MaxInactiveInterval())
	})

	t.Run("find missing is nil nil", func(t *testing.T) {
		loaded, err := repo.FindByID(ctx, "never-existed")
		require.NoError(t, err)
		require.Nil(t, loaded)
	})

	t.Run("delta save updates and removes attributes", func(t *testing.T) {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		s.SetAttribute("keep", "v1")
		s.SetAttribute("drop", "v1")
		require.NoError(t, repo.Save(ctx, s))

		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		loaded.SetAttribute("keep", "v2")
		loaded.SetAttribute("drop", nil)
		require.NoError(t, repo.Save(ctx, loaded))

		final, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		v, _ := final.Attribute("keep")
		require.Equal(t, "v2", v)
		_, ok := final.Attribute("drop")
		require.False(t, ok)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, s))

		require.NoError(t, repo.DeleteByID(ctx, s.ID()))
		require.NoError(t, repo.DeleteByID(ctx, s.ID()))

		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		require.Nil(t, loaded)
	})

	t.Run("save racing delete does not resurrect", func(t *testing.T) {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, s))
		require.NoError(t, repo.DeleteByID(ctx, s.ID()))

		s.SetAttribute("user", "alice")
		err = repo.Save(ctx, s)
		require.ErrorIs(t, err, sessions.ErrSessionNotFound)

		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		require.Nil(t, loaded)
	})

	t.Run("change session id", func(t *testing.T) {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		s.SetAttribute("user", "alice")
		require.NoError(t, repo.Save(ctx, s))
		oldID := s.ID()

		newID := s.ChangeSessionID()
		require.NoError(t, repo.Save(ctx, s))

		stale, err := repo.FindByID(ctx, oldID)
		require.NoError(t, err)
		require.Nil(t, stale)

		fresh, err := repo.FindByID(ctx, newID)
		require.NoError(t, err)
		require.NotNil(t, fresh)
		v, _ := fresh.Attribute("user")
		require.Equal(t, "alice", v)
	})
}

func TestIntegration_PrincipalIndex(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx, Config{})

	saveWithPrincipal := func(principal string) sessions.Session {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		s.SetAttribute(sessions.PrincipalNameIndexName, principal)
		require.NoError(t, repo.Save(ctx, s))
		return s
	}

	first := saveWithPrincipal("bob")
	second := saveWithPrincipal("bob")
	saveWithPrincipal("carol")

	found, err := repo.FindByPrincipalName(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Contains(t, found, first.ID())
	require.Contains(t, found, second.ID())

	none, err := repo.FindByPrincipalName(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)

	unknown, err := repo.FindByIndexNameAndIndexValue(ctx, "OTHER_INDEX", "bob")
	require.NoError(t, err)
	require.Empty(t, unknown)

	// Reassignment moves the session between principals.
	moved, err := repo.FindByID(ctx, first.ID())
	require.NoError(t, err)
	moved.SetAttribute(sessions.PrincipalNameIndexName, "carol")
	require.NoError(t, repo.Save(ctx, moved))

	bob, err := repo.FindByPrincipalName(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bob, 1)
	carol, err := repo.FindByPrincipalName(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, carol, 2)
}

func TestIntegration_Expiration(t *testing.T) {
	ctx := context.Background()
	metrics := sessions.NewMetrics()
	repo := setupRepository(t, ctx, Config{Config: sessions.Config{Metrics: metrics}})

	expired := func(principal string) sessions.Session {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		if principal != "" {
			s.SetAttribute(sessions.PrincipalNameIndexName, principal)
		}
		s.SetMaxInactiveInterval(time.Minute)
		s.SetLastAccessedTime(time.Now().Add(-2 * time.Minute))
		require.NoError(t, repo.Save(ctx, s))
		return s
	}

	t.Run("lazy expiration on read", func(t *testing.T) {
		s := expired("")
		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		require.Nil(t, loaded)
	})

	t.Run("expired sessions hidden from principal lookup", func(t *testing.T) {
		s := expired("dana")
		found, err := repo.FindByPrincipalName(ctx, "dana")
		require.NoError(t, err)
		require.Empty(t, found)

		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		require.Nil(t, loaded)
	})

	t.Run("cleanup bulk deletes expired rows", func(t *testing.T) {
		expired("")
		expired("")
		live, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, live))

		removed, err := repo.CleanupExpiredSessions(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, removed)

		still, err := repo.FindByID(ctx, live.ID())
		require.NoError(t, err)
		require.NotNil(t, still)
	})

	t.Run("never expiring session survives cleanup", func(t *testing.T) {
		s, err := repo.CreateSession(ctx)
		require.NoError(t, err)
		s.SetMaxInactiveInterval(-1)
		s.SetLastAccessedTime(time.Now().Add(-24 * time.Hour))
		require.NoError(t, repo.Save(ctx, s))

		_, err = repo.CleanupExpiredSessions(ctx)
		require.NoError(t, err)

		loaded, err := repo.FindByID(ctx, s.ID())
		require.NoError(t, err)
		require.NotNil(t, loaded)
	})
}
