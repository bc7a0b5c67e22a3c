package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testTemplate(id string) *models.LabTemplate {
	return &models.LabTemplate{ID: id, IdleTimeoutSeconds: 60, MaxLifetimeSeconds: 600}
}

func TestInMemoryStore_ReserveOrGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tmpl := testTemplate("t1")

	first, created, err := store.ReserveOrGet(ctx, "alice", tmpl)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StateCreated, first.State)
	assert.Equal(t, time.Minute, first.IdleTimeout)
	assert.Equal(t, 10*time.Minute, first.MaxLifetime)

	second, created, err := store.ReserveOrGet(ctx, "alice", tmpl)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SessionID, second.SessionID)

	other, created, err := store.ReserveOrGet(ctx, "alice", testTemplate("t2"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.SessionID, other.SessionID)

	_, _, err = store.ReserveOrGet(ctx, "", tmpl)
	assert.Error(t, err)
}

func TestInMemoryStore_ConcurrentReserveCreatesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tmpl := testTemplate("t1")

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[string]struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, c, err := store.ReserveOrGet(ctx, "bob", tmpl)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if c {
				created++
			}
			ids[s.SessionID] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestInMemoryStore_StateMachine(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	tmpl := testTemplate("t1")

	s, _, err := store.ReserveOrGet(ctx, "alice", tmpl)
	require.NoError(t, err)

	_, err = store.UpdateState(ctx, s.SessionID, models.StateRunning, "")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	for _, state := range []models.SessionState{models.StateStarting, models.StateRunning, models.StateStopping} {
		_, err = store.UpdateState(ctx, s.SessionID, state, "")
		require.NoError(t, err)
	}

	// Still active while stopping: a new reservation returns the same session.
	again, created, err := store.ReserveOrGet(ctx, "alice", tmpl)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s.SessionID, again.SessionID)

	stopped, err := store.UpdateState(ctx, s.SessionID, models.StateStopped, models.ExitReasonStopped)
	require.NoError(t, err)
	assert.Equal(t, models.ExitReasonStopped, stopped.ExitReason)
	assert.False(t, stopped.EndedAt.IsZero())

	_, err = store.UpdateState(ctx, s.SessionID, models.StateStarting, "")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition), "terminal states are final")

	fresh, created, err := store.ReserveOrGet(ctx, "alice", tmpl)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s.SessionID, fresh.SessionID)

	_, err = store.UpdateState(ctx, "missing", models.StateStarting, "")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestInMemoryStore_SetContainerRefOnce(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	s, _, err := store.ReserveOrGet(ctx, "alice", testTemplate("t1"))
	require.NoError(t, err)

	require.NoError(t, store.SetContainerRef(ctx, s.SessionID, "c-1"))
	err = store.SetContainerRef(ctx, s.SessionID, "c-2")
	assert.True(t, errors.Is(err, models.ErrContainerRefSet))

	got, err := store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ContainerRef)
}

func TestInMemoryStore_ListExpiredCandidates(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore(WithClock(clock.Now))

	idle, _, _ := store.ReserveOrGet(ctx, "alice", testTemplate("t1"))
	busy, _, _ := store.ReserveOrGet(ctx, "bob", testTemplate("t1"))
	pending, _, _ := store.ReserveOrGet(ctx, "carol", testTemplate("t1"))
	for _, id := range []string{idle.SessionID, busy.SessionID} {
		_, err := store.UpdateState(ctx, id, models.StateStarting, "")
		require.NoError(t, err)
		_, err = store.UpdateState(ctx, id, models.StateRunning, "")
		require.NoError(t, err)
	}

	clock.Advance(30 * time.Second)
	require.NoError(t, store.Touch(ctx, busy.SessionID))
	clock.Advance(45 * time.Second)

	candidates, err := store.ListExpiredCandidates(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, idle.SessionID, candidates[0].SessionID)
	assert.Equal(t, models.ExitReasonIdleTimeout, candidates[0].ExpiryReason(clock.Now()))

	// Created sessions are never expiry candidates.
	for _, c := range candidates {
		assert.NotEqual(t, pending.SessionID, c.SessionID)
	}

	clock.Advance(20 * time.Minute)
	candidates, err = store.ListExpiredCandidates(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, models.ExitReasonMaxLifetime, candidates[1].ExpiryReason(clock.Now()))
}

func TestInMemoryStore_ListTerminatedBeforeAndRemove(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryStore(WithClock(clock.Now))

	s, _, _ := store.ReserveOrGet(ctx, "alice", testTemplate("t1"))
	_, err := store.UpdateState(ctx, s.SessionID, models.StateStopped, models.ExitReasonStopped)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	old, err := store.ListTerminatedBefore(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, old, 1)

	require.NoError(t, store.Remove(ctx, s.SessionID))
	_, err = store.Get(ctx, s.SessionID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.True(t, errors.Is(store.Remove(ctx, s.SessionID), models.ErrNotFound))
}

func TestInMemoryStore_ListActive(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	a, _, _ := store.ReserveOrGet(ctx, "alice", testTemplate("t1"))
	_, _, _ = store.ReserveOrGet(ctx, "alice", testTemplate("t2"))
	_, _, _ = store.ReserveOrGet(ctx, "bob", testTemplate("t1"))
	_, err := store.UpdateState(ctx, a.SessionID, models.StateFailed, models.ExitReasonProvisioningFailed)
	require.NoError(t, err)

	alice, err := store.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "t2", alice[0].TemplateID)

	all, err := store.ListActive(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInMemoryStore_LocksSerializeOperations(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	s, _, _ := store.ReserveOrGet(ctx, "alice", testTemplate("t1"))

	runlock, err := store.RLock(s.SessionID)
	require.NoError(t, err)
	runlock2, err := store.RLock(s.SessionID)
	require.NoError(t, err, "shared locks do not exclude each other")

	acquired := make(chan struct{})
	go func() {
		unlock, err := store.Lock(s.SessionID)
		if err == nil {
			close(acquired)
			unlock()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive lock acquired while shared locks are held")
	case <-time.After(50 * time.Millisecond):
	}

	runlock()
	runlock2()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("exclusive lock not acquired after release")
	}

	// The store's own mutex is not held by session locks.
	unlock, err := store.Lock(s.SessionID)
	require.NoError(t, err)
	_, err = store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	unlock()

	_, err = store.Lock("missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestInMemoryStore_TryLockDoesNotWait(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	s, _, _ := store.ReserveOrGet(ctx, "alice", testTemplate("t1"))

	runlock, err := store.RLock(s.SessionID)
	require.NoError(t, err)

	unlock, ok, err := store.TryLock(s.SessionID)
	require.NoError(t, err)
	assert.False(t, ok, "a running command holds the shared lock")
	assert.Nil(t, unlock)

	runlock()
	unlock, ok, err = store.TryLock(s.SessionID)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryLock(s.SessionID)
	require.NoError(t, err)
	assert.False(t, ok, "already held exclusively")
	unlock()

	_, _, err = store.TryLock("missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
