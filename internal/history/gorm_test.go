package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

func newSQLiteRepository(t *testing.T) *GormRepository {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)

	// Every new connection to :memory: would see an empty database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo, err := NewGormRepository(db)
	require.NoError(t, err)
	return repo
}

func archivedSession(id, user string, created time.Time) models.LabSession {
	return models.LabSession{
		SessionID:      id,
		UserID:         user,
		TemplateID:     "network-troubleshooting",
		State:          models.StateExpired,
		ExitReason:     models.ExitReasonIdleTimeout,
		CreatedAt:      created,
		LastActivityAt: created.Add(time.Minute),
		EndedAt:        created.Add(20 * time.Minute),
	}
}

func TestGormRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepository(t)
	require.NoError(t, repo.Ping(ctx))
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	s := archivedSession("s1", "alice", created)
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.ExitReasonIdleTimeout, got.ExitReason)
	assert.True(t, got.EndedAt.Equal(s.EndedAt))

	// Saving again replaces the record.
	s.State = models.StateStopped
	s.ExitReason = models.ExitReasonStopped
	require.NoError(t, repo.Save(ctx, s))
	got, err = repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, got.State)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestGormRepository_ListByUser(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepository(t)
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, archivedSession("a1", "alice", base)))
	require.NoError(t, repo.Save(ctx, archivedSession("a2", "alice", base.Add(time.Hour))))
	require.NoError(t, repo.Save(ctx, archivedSession("b1", "bob", base)))

	list, err := repo.ListByUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a2", list[0].SessionID)

	list, err = repo.ListByUser(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMigrations_Rollback(t *testing.T) {
	repo := newSQLiteRepository(t)
	require.True(t, repo.db.Migrator().HasTable("lab_sessions"))

	for _, m := range Migrations() {
		require.NoError(t, m.Rollback(repo.db))
	}
	assert.False(t, repo.db.Migrator().HasTable("lab_sessions"))
}
