package models

import "time"

// SessionState is the lifecycle state of a lab session.
type SessionState string

const (
	StateCreated  SessionState = "Created"
	StateStarting SessionState = "Starting"
	StateRunning  SessionState = "Running"
	StateStopping SessionState = "Stopping"
	StateStopped  SessionState = "Stopped"
	StateFailed   SessionState = "Failed"
	StateExpired  SessionState = "Expired"
)

// Exit reasons recorded on terminal sessions.
const (
	ExitReasonStopped            = "stopped"
	ExitReasonIdleTimeout        = "idle_timeout"
	ExitReasonMaxLifetime        = "max_lifetime_exceeded"
	ExitReasonProvisioningFailed = "provisioning_failed"
	ExitReasonBackendUnavailable = "backend_unavailable"
)

var transitions = map[SessionState][]SessionState{
	StateCreated:  {StateStarting, StateStopped, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped, StateExpired},
}

// IsActive reports whether the state counts against the one-session-per-(user, template) rule.
func (s SessionState) IsActive() bool {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateStopping:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateStopped, StateFailed, StateExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the session state machine.
func CanTransition(from, to SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LabSession is one user's live instance of a template.
type LabSession struct {
	SessionID      string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	TemplateID     string        `json:"template_id"`
	ContainerRef   string        `json:"-"`
	State          SessionState  `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExitReason     string        `json:"exit_reason,omitempty"`
	IdleTimeout    time.Duration `json:"-"`
	MaxLifetime    time.Duration `json:"-"`
	EndedAt        time.Time     `json:"ended_at,omitzero"`
}

// ExpiryReason returns the reason the session should be expired at now, or "" if it
// is still within its limits. The absolute lifetime wins over idleness.
func (s *LabSession) ExpiryReason(now time.Time) string {
	if s.MaxLifetime > 0 && now.Sub(s.CreatedAt) > s.MaxLifetime {
		return ExitReasonMaxLifetime
	}
	if s.IdleTimeout > 0 && now.Sub(s.LastActivityAt) > s.IdleTimeout {
		return ExitReasonIdleTimeout
	}
	return ""
}
