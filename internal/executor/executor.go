// Package executor runs learner commands inside running lab sessions.
//
// Every command goes through the policy engine first; a rejected command never
// reaches the backend. Accepted commands run as an argv list with a timeout and
// capped output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/metrics"
	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
	"github.com/Ericmiano/CYBER-SENSEI/internal/policy"
	"github.com/Ericmiano/CYBER-SENSEI/internal/provisioner"
)

// Sessions is the part of the session store the executor needs.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (models.LabSession, error)
	RLock(sessionID string) (func(), error)
	Touch(ctx context.Context, sessionID string) error
}

// Templates resolves a session's template.
type Templates interface {
	GetTemplate(id string) (*models.LabTemplate, error)
}

// Auditor receives one event per submitted command. It must not block for long.
type Auditor interface {
	RecordCommand(ctx context.Context, event models.CommandAuditEvent)
}

type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	OutputCap      int
}

// DefaultOptions returns the stock timeouts and a 64 KiB cap per stream.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     120 * time.Second,
		OutputCap:      64 * 1024,
	}
}

type Executor struct {
	sessions  Sessions
	templates Templates
	policy    *policy.Engine
	backend   provisioner.Backend
	auditor   Auditor
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	opts      Options
	now       func() time.Time
}

type Option func(*Executor)

func WithAuditor(a Auditor) Option {
	return func(e *Executor) { e.auditor = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func New(sessions Sessions, templates Templates, engine *policy.Engine, backend provisioner.Backend, opts Options, log logrus.FieldLogger, options ...Option) *Executor {
	defaults := DefaultOptions()
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaults.DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = defaults.MaxTimeout
	}
	if opts.OutputCap <= 0 {
		opts.OutputCap = defaults.OutputCap
	}

	e := &Executor{
		sessions:  sessions,
		templates: templates,
		policy:    engine,
		backend:   backend,
		log:       log.WithField("component", "executor"),
		opts:      opts,
		now:       time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *Executor) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return e.opts.DefaultTimeout
	}
	if timeout > e.opts.MaxTimeout {
		return e.opts.MaxTimeout
	}
	return timeout
}

// Execute validates and runs raw in the session's container.
//
// When the command times out the partial result is returned together with an
// error wrapping models.ErrTimedOut; the session stays Running.
func (e *Executor) Execute(ctx context.Context, sessionID, raw string, timeout time.Duration) (*models.CommandExecutionResult, error) {
	timeout = e.clampTimeout(timeout)

	unlock, err := e.sessions.RLock(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != models.StateRunning {
		return nil, fmt.Errorf("%w: session %s is %s", models.ErrSessionNotRunning, sessionID, sess.State)
	}

	tmpl, err := e.templates.GetTemplate(sess.TemplateID)
	if err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{
		"session_id":  sess.SessionID,
		"user_id":     sess.UserID,
		"template_id": sess.TemplateID,
	})
	event := models.CommandAuditEvent{
		SessionID:  sess.SessionID,
		UserID:     sess.UserID,
		TemplateID: sess.TemplateID,
		Command:    raw,
		At:         e.now(),
	}

	approved, err := e.policy.Validate(tmpl, raw)
	if err != nil {
		log.WithField("reason", err.Error()).Info("Command rejected")
		event.Outcome = metrics.OutcomeRejected
		event.Reason = err.Error()
		e.finish(ctx, event, 0)
		return nil, err
	}
	event.Argv = approved.Argv

	stdout := newCappedWriter(e.opts.OutputCap)
	stderr := newCappedWriter(e.opts.OutputCap)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	exitCode, execErr := e.backend.Exec(execCtx, sess.ContainerRef, provisioner.ExecRequest{
		Cmd:     approved.Argv,
		Timeout: timeout,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	elapsed := e.now().Sub(start)

	result := &models.CommandExecutionResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		ExitCode:   exitCode,
		DurationMS: elapsed.Milliseconds(),
	}
	event.ExitCode = exitCode
	event.DurationMS = result.DurationMS
	event.Truncated = result.Truncated

	switch {
	case execErr == nil:
		e.touch(ctx, log, sessionID)
		event.Outcome = metrics.OutcomeCompleted
		e.finish(ctx, event, elapsed)
		return result, nil

	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// Only a completed command counts as activity.
		result.TimedOut = true
		event.Outcome = metrics.OutcomeTimedOut
		e.finish(ctx, event, elapsed)
		log.WithField("command", approved.String()).Info("Command timed out")
		return result, fmt.Errorf("%w after %s", models.ErrTimedOut, timeout)

	default:
		event.Outcome = metrics.OutcomeFailed
		event.Reason = execErr.Error()
		e.finish(ctx, event, elapsed)
		log.WithError(execErr).Warn("Command dispatch failed")
		if errors.Is(execErr, provisioner.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, execErr)
		}
		return nil, fmt.Errorf("executing command: %w", execErr)
	}
}

func (e *Executor) touch(ctx context.Context, log logrus.FieldLogger, sessionID string) {
	if err := e.sessions.Touch(context.WithoutCancel(ctx), sessionID); err != nil {
		log.WithError(err).Warn("Failed to record session activity")
	}
}

func (e *Executor) finish(ctx context.Context, event models.CommandAuditEvent, elapsed time.Duration) {
	e.metrics.CommandFinished(event.TemplateID, event.Outcome, elapsed, event.Truncated)
	if e.auditor != nil {
		e.auditor.RecordCommand(context.WithoutCancel(ctx), event)
	}
}
