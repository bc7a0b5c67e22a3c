package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ericmiano/CYBER-SENSEI/internal/executor"
	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
	"github.com/Ericmiano/CYBER-SENSEI/internal/policy"
	"github.com/Ericmiano/CYBER-SENSEI/internal/provisioner"
	"github.com/Ericmiano/CYBER-SENSEI/internal/session"
	"github.com/Ericmiano/CYBER-SENSEI/internal/store"
	"github.com/Ericmiano/CYBER-SENSEI/internal/templates"
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

type stack struct {
	reaper   *Reaper
	manager  *session.Manager
	executor *executor.Executor
	store    *store.InMemoryStore
	backend  *provisioner.MemoryBackend
	clock    *fakeClock
}

func newStack(t *testing.T) *stack {
	t.Helper()
	reg, err := templates.Default()
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	st := store.NewInMemoryStore(store.WithClock(clock.Now))
	backend := provisioner.NewMemoryBackend()
	manager := session.NewManager(st, reg, backend, logger, session.WithClock(clock.Now))
	exec := executor.New(st, reg, policy.NewEngine(), backend, executor.DefaultOptions(), logger)

	reaper := NewReaper(st, manager, time.Minute, time.Hour, logger)
	reaper.now = clock.Now

	return &stack{reaper: reaper, manager: manager, executor: exec, store: st, backend: backend, clock: clock}
}

func TestSweep_ExpiresIdleSession(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	sess, err := s.manager.CreateSession(ctx, "alice", "network-troubleshooting")
	require.NoError(t, err)

	s.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, s.reaper.Sweep(ctx))

	s.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, s.reaper.Sweep(ctx))

	status, err := s.manager.GetStatus(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, status.State)
	assert.Equal(t, models.ExitReasonIdleTimeout, status.ExitReason)
	assert.Equal(t, 1, s.backend.Calls("RemoveContainer"))

	_, err = s.executor.Execute(ctx, sess.SessionID, "ifconfig", 0)
	assert.True(t, errors.Is(err, models.ErrSessionNotRunning))
}

func TestSweep_ActivityDefersIdleExpiry(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	sess, err := s.manager.CreateSession(ctx, "alice", "network-troubleshooting")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.clock.Advance(10 * time.Minute)
		_, err := s.executor.Execute(ctx, sess.SessionID, "ifconfig", 0)
		require.NoError(t, err)
		assert.Equal(t, 0, s.reaper.Sweep(ctx))
	}

	got, err := s.manager.GetStatus(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
}

func TestSweep_MaxLifetimeWinsOverActivity(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	sess, err := s.manager.CreateSession(ctx, "alice", "network-troubleshooting")
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		s.clock.Advance(10 * time.Minute)
		require.NoError(t, s.manager.Touch(ctx, sess.SessionID))
	}
	assert.Equal(t, 1, s.reaper.Sweep(ctx))

	got, err := s.manager.GetStatus(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.ExitReasonMaxLifetime, got.ExitReason)
}

// blockExec makes every command wait until release is closed. started receives
// once per command that reached the backend.
func blockExec(backend *provisioner.MemoryBackend) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{}, 4)
	release = make(chan struct{})
	backend.SetExecFunc(func(ctx context.Context, _ string, req provisioner.ExecRequest) (int, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
		io.WriteString(req.Stdout, "eth0\n")
		return 0, nil
	})
	return started, release
}

func TestSweep_BusySessionDoesNotStallOthers(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	alice, err := s.manager.CreateSession(ctx, "alice", "network-troubleshooting")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		s.clock.Advance(10 * time.Minute)
		require.NoError(t, s.manager.Touch(ctx, alice.SessionID))
	}
	bob, err := s.manager.CreateSession(ctx, "bob", "network-troubleshooting")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		s.clock.Advance(10 * time.Minute)
		require.NoError(t, s.manager.Touch(ctx, alice.SessionID))
	}
	// alice is past her max lifetime, bob has been idle for 31 minutes.
	s.clock.Advance(time.Minute)

	started, release := blockExec(s.backend)
	execDone := make(chan error, 1)
	go func() {
		_, err := s.executor.Execute(ctx, alice.SessionID, "ifconfig", 0)
		execDone <- err
	}()
	<-started

	swept := make(chan int, 1)
	go func() { swept <- s.reaper.Sweep(ctx) }()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("sweep waited for the in-flight command")
	}

	got, err := s.manager.GetStatus(ctx, bob.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.ExitReasonIdleTimeout, got.ExitReason)

	got, err = s.manager.GetStatus(ctx, alice.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State, "skipped while the command runs")

	close(release)
	require.NoError(t, <-execDone)

	assert.Equal(t, 1, s.reaper.Sweep(ctx))
	got, err = s.manager.GetStatus(ctx, alice.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.ExitReasonMaxLifetime, got.ExitReason)
}

func TestStopSession_WaitsForRunningCommand(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	sess, err := s.manager.CreateSession(ctx, "alice", "network-troubleshooting")
	require.NoError(t, err)

	started, release := blockExec(s.backend)
	execDone := make(chan error, 1)
	go func() {
		res, err := s.executor.Execute(ctx, sess.SessionID, "ifconfig", 0)
		if err == nil && res.Stdout != "eth0\n" {
			err = errors.New("unexpected output " + res.Stdout)
		}
		execDone <- err
	}()
	<-started

	stopped := make(chan models.LabSession, 1)
	go func() {
		out, err := s.manager.StopSession(ctx, sess.SessionID)
		if err == nil {
			stopped <- out
		}
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop completed while a command was running")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, s.backend.Calls("StopContainer"))
	assert.Equal(t, 0, s.backend.Calls("RemoveContainer"))

	close(release)
	require.NoError(t, <-execDone, "the command finishes with its output")

	select {
	case out, ok := <-stopped:
		require.True(t, ok, "stop failed")
		assert.Equal(t, models.StateStopped, out.State)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not proceed after the command finished")
	}
	assert.Equal(t, 1, s.backend.Calls("StopContainer"))
	assert.Equal(t, 1, s.backend.Calls("RemoveContainer"))
}

func TestSweep_PurgesAfterRetention(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	sess, err := s.manager.CreateSession(ctx, "alice", "network-troubleshooting")
	require.NoError(t, err)
	_, err = s.manager.StopSession(ctx, sess.SessionID)
	require.NoError(t, err)

	s.clock.Advance(30 * time.Minute)
	s.reaper.Sweep(ctx)
	_, err = s.store.Get(ctx, sess.SessionID)
	require.NoError(t, err, "still within retention")

	s.clock.Advance(31 * time.Minute)
	s.reaper.Sweep(ctx)
	_, err = s.store.Get(ctx, sess.SessionID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestStart_StopsOnCancel(t *testing.T) {
	s := newStack(t)
	s.reaper.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.reaper.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
