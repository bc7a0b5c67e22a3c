// Package session owns the lifecycle of lab sessions: provisioning, stop, expiry
// and the archive of finished sessions.
//
// All lifecycle changes of one session run under that session's exclusive lock in
// the store, so a session is never provisioned and torn down at the same time and
// the backend is asked to tear a container down at most once.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/metrics"
	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
	"github.com/Ericmiano/CYBER-SENSEI/internal/provisioner"
	"github.com/Ericmiano/CYBER-SENSEI/internal/store"
)

// Templates resolves template ids.
type Templates interface {
	GetTemplate(id string) (*models.LabTemplate, error)
}

// History archives terminal sessions so their status outlives the in-memory record.
type History interface {
	Save(ctx context.Context, s models.LabSession) error
	Get(ctx context.Context, sessionID string) (models.LabSession, error)
}

// StatusPublisher is notified of every state change. It must not block for long.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, s models.LabSession, message string)
}

type Manager struct {
	store     store.Store
	templates Templates
	backend   provisioner.Backend
	history   History
	publisher StatusPublisher
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	provisionTimeout time.Duration
	teardownTimeout  time.Duration
	now              func() time.Time
}

type Option func(*Manager)

func WithHistory(h History) Option {
	return func(m *Manager) { m.history = h }
}

func WithStatusPublisher(p StatusPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithProvisionTimeout bounds container creation, start and setup commands.
func WithProvisionTimeout(d time.Duration) Option {
	return func(m *Manager) { m.provisionTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(st store.Store, templates Templates, backend provisioner.Backend, log logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		store:            st,
		templates:        templates,
		backend:          backend,
		log:              log.WithField("component", "session"),
		provisionTimeout: 2 * time.Minute,
		teardownTimeout:  30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) sessionLog(s models.LabSession) logrus.FieldLogger {
	return m.log.WithFields(logrus.Fields{
		"session_id":  s.SessionID,
		"user_id":     s.UserID,
		"template_id": s.TemplateID,
	})
}

// CreateSession returns the user's active session for the template, or provisions
// a new one. Provisioning is not cancelled when ctx is; it is bounded by the
// provisioning timeout instead. Failures are never retried.
func (m *Manager) CreateSession(ctx context.Context, userID, templateID string) (models.LabSession, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(templateID) == "" {
		return models.LabSession{}, fmt.Errorf("%w: user_id and template_id are required", models.ErrInvalidRequest)
	}

	tmpl, err := m.templates.GetTemplate(templateID)
	if err != nil {
		return models.LabSession{}, err
	}

	sess, created, err := m.store.ReserveOrGet(ctx, userID, tmpl)
	if err != nil {
		return models.LabSession{}, err
	}
	if !created {
		return sess, nil
	}

	m.metrics.SessionCreated(tmpl.ID)
	m.publish(ctx, sess, "session created")
	m.sessionLog(sess).Info("Session created")

	unlock, err := m.store.Lock(sess.SessionID)
	if err != nil {
		return models.LabSession{}, err
	}
	defer unlock()

	cur, err := m.store.Get(ctx, sess.SessionID)
	if err != nil {
		return models.LabSession{}, err
	}
	if cur.State != models.StateCreated {
		// Stopped before provisioning began.
		return cur, nil
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.provisionTimeout)
	defer cancel()
	return m.provision(pctx, cur, tmpl)
}

func (m *Manager) provision(ctx context.Context, sess models.LabSession, tmpl *models.LabTemplate) (models.LabSession, error) {
	log := m.sessionLog(sess)
	start := m.now()

	sess, err := m.store.UpdateState(ctx, sess.SessionID, models.StateStarting, "")
	if err != nil {
		return sess, err
	}
	m.publish(ctx, sess, "provisioning container")

	ref, err := m.backend.CreateContainer(ctx, provisioner.ContainerSpec{
		SessionID:    sess.SessionID,
		TemplateID:   tmpl.ID,
		Image:        tmpl.BaseImage,
		Limits:       tmpl.ResourceLimits,
		Network:      tmpl.NetworkMode,
		Capabilities: tmpl.Capabilities,
		ExposedPorts: tmpl.ExposedPorts,
	})
	if err != nil {
		return m.fail(sess, "", fmt.Errorf("creating container: %w", err))
	}
	if err := m.store.SetContainerRef(ctx, sess.SessionID, ref); err != nil {
		return m.fail(sess, ref, err)
	}
	sess.ContainerRef = ref

	if err := m.backend.StartContainer(ctx, ref); err != nil {
		return m.fail(sess, ref, fmt.Errorf("starting container: %w", err))
	}

	for i, cmd := range tmpl.SetupCommands {
		if err := m.runSetup(ctx, ref, cmd); err != nil {
			return m.fail(sess, ref, fmt.Errorf("setup command %d: %w", i+1, err))
		}
	}

	sess, err = m.store.UpdateState(ctx, sess.SessionID, models.StateRunning, "")
	if err != nil {
		return m.fail(sess, ref, err)
	}

	elapsed := m.now().Sub(start)
	m.metrics.SessionRunning(tmpl.ID, elapsed)
	m.publish(ctx, sess, "lab ready")
	log.WithField("duration", elapsed.String()).Info("Session running")
	return sess, nil
}

func (m *Manager) runSetup(ctx context.Context, ref, cmd string) error {
	var stderr bytes.Buffer
	code, err := m.backend.Exec(ctx, ref, provisioner.ExecRequest{
		Cmd:     strings.Fields(cmd),
		Timeout: m.provisionTimeout,
		Stdout:  io.Discard,
		Stderr:  &stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("%q exited with %d: %s", cmd, code, msg)
	}
	return nil
}

// fail tears down whatever was created and marks the session Failed. The caller
// only sees the error taxonomy; backend detail goes to the log.
func (m *Manager) fail(sess models.LabSession, ref string, cause error) (models.LabSession, error) {
	reason, sentinel := models.ExitReasonProvisioningFailed, models.ErrProvisioningFailed
	if errors.Is(cause, provisioner.ErrUnavailable) {
		reason, sentinel = models.ExitReasonBackendUnavailable, models.ErrBackendUnavailable
	}

	m.sessionLog(sess).WithError(cause).Error("Provisioning failed")
	m.metrics.ProvisioningFailed(sess.TemplateID, reason)

	ctx, cancel := m.teardownContext(context.Background())
	defer cancel()

	if ref != "" {
		m.teardown(ctx, sess, ref)
	}

	final, err := m.store.UpdateState(ctx, sess.SessionID, models.StateFailed, reason)
	if err != nil {
		m.sessionLog(sess).WithError(err).Warn("Failed to mark session failed")
		return sess, fmt.Errorf("%w: %s", sentinel, sess.SessionID)
	}
	m.ended(ctx, final)
	return final, fmt.Errorf("%w: session %s", sentinel, sess.SessionID)
}

// StopSession tears the session down. Stopping a session that already ended is a
// no-op that returns its final record.
func (m *Manager) StopSession(ctx context.Context, sessionID string) (models.LabSession, error) {
	unlock, err := m.store.Lock(sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) && m.history != nil {
			if archived, herr := m.history.Get(ctx, sessionID); herr == nil {
				return archived, nil
			}
		}
		return models.LabSession{}, err
	}
	defer unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return models.LabSession{}, err
	}
	if sess.State.IsTerminal() {
		return sess, nil
	}
	return m.shutdown(ctx, sess, models.StateStopped, models.ExitReasonStopped)
}

// ExpireSession ends a session on behalf of the reaper. It never waits for the
// session lock: while a command or another lifecycle change holds it the call
// returns ErrSessionBusy and the next sweep tries again. The state and the expiry
// condition are checked again under the lock; if either no longer holds the call
// does nothing.
func (m *Manager) ExpireSession(ctx context.Context, sessionID, reason string) (models.LabSession, error) {
	unlock, ok, err := m.store.TryLock(sessionID)
	if err != nil {
		return models.LabSession{}, err
	}
	if !ok {
		return models.LabSession{}, fmt.Errorf("%w: %s", models.ErrSessionBusy, sessionID)
	}
	defer unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return models.LabSession{}, err
	}
	if sess.State != models.StateRunning && sess.State != models.StateStarting {
		return sess, nil
	}
	// Activity since the candidate was listed can clear or change the reason.
	if reason = sess.ExpiryReason(m.now()); reason == "" {
		return sess, nil
	}

	m.sessionLog(sess).WithField("reason", reason).Info("Expiring session")
	return m.shutdown(ctx, sess, models.StateExpired, reason)
}

// shutdown runs the Stopping phase. The session lock must be held.
func (m *Manager) shutdown(ctx context.Context, sess models.LabSession, final models.SessionState, reason string) (models.LabSession, error) {
	tctx, cancel := m.teardownContext(ctx)
	defer cancel()

	if sess.State == models.StateCreated {
		// Nothing was provisioned yet.
		out, err := m.store.UpdateState(tctx, sess.SessionID, models.StateStopped, reason)
		if err != nil {
			return sess, err
		}
		m.ended(tctx, out)
		return out, nil
	}

	if sess.State != models.StateStopping {
		var err error
		sess, err = m.store.UpdateState(tctx, sess.SessionID, models.StateStopping, "")
		if err != nil {
			return sess, err
		}
		m.publish(tctx, sess, "stopping")
	}

	if sess.ContainerRef != "" {
		m.teardown(tctx, sess, sess.ContainerRef)
	}

	out, err := m.store.UpdateState(tctx, sess.SessionID, final, reason)
	if err != nil {
		return sess, err
	}
	m.ended(tctx, out)
	m.sessionLog(out).WithFields(logrus.Fields{"state": out.State, "reason": reason}).Info("Session ended")
	return out, nil
}

// teardown stops and removes a container. Errors are logged and never block the
// state change.
func (m *Manager) teardown(ctx context.Context, sess models.LabSession, ref string) {
	log := m.sessionLog(sess)
	if err := m.backend.StopContainer(ctx, ref); err != nil {
		log.WithError(err).Warn("Failed to stop container")
	}
	if err := m.backend.RemoveContainer(ctx, ref); err != nil {
		log.WithError(err).Warn("Failed to remove container")
	}
}

func (m *Manager) teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.teardownTimeout)
}

func (m *Manager) ended(ctx context.Context, s models.LabSession) {
	m.metrics.SessionEnded(string(s.State), s.ExitReason)
	m.publish(ctx, s, "session ended")
	m.archive(ctx, s)
}

func (m *Manager) archive(ctx context.Context, s models.LabSession) bool {
	if m.history == nil {
		return true
	}
	if err := m.history.Save(ctx, s); err != nil {
		m.sessionLog(s).WithError(err).Warn("Failed to archive session")
		return false
	}
	return true
}

func (m *Manager) publish(ctx context.Context, s models.LabSession, message string) {
	if m.publisher != nil {
		m.publisher.PublishStatus(context.WithoutCancel(ctx), s, message)
	}
}

// GetStatus returns the session record, falling back to the archive once the
// record has been purged from the store.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (models.LabSession, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err == nil || !errors.Is(err, models.ErrNotFound) || m.history == nil {
		return s, err
	}
	return m.history.Get(ctx, sessionID)
}

// Touch records learner activity on the session.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	return m.store.Touch(ctx, sessionID)
}

// ListActive returns the user's non-terminal sessions; an empty user lists all.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]models.LabSession, error) {
	return m.store.ListActive(ctx, userID)
}

// PurgeTerminated archives and removes terminal sessions that ended before cutoff.
// A session whose archive write fails stays in the store for the next pass.
func (m *Manager) PurgeTerminated(ctx context.Context, cutoff time.Time) (int, error) {
	old, err := m.store.ListTerminatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, s := range old {
		if !m.archive(ctx, s) {
			continue
		}
		if err := m.store.Remove(ctx, s.SessionID); err != nil && !errors.Is(err, models.ErrNotFound) {
			m.sessionLog(s).WithError(err).Warn("Failed to purge session")
			continue
		}
		purged++
	}
	return purged, nil
}

// RemoveOrphans removes containers a previous engine process left behind, when
// the backend supports it.
func (m *Manager) RemoveOrphans(ctx context.Context) (int, error) {
	sweeper, ok := m.backend.(provisioner.OrphanSweeper)
	if !ok {
		return 0, nil
	}
	n, err := sweeper.RemoveOrphans(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.log.WithField("count", n).Info("Removed orphaned lab containers")
	}
	return n, nil
}
