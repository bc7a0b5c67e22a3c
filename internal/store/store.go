package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

// Store is the single shared registry of lab sessions.
type Store interface {
	ReserveOrGet(ctx context.Context, userID string, tmpl *models.LabTemplate) (models.LabSession, bool, error)
	Get(ctx context.Context, sessionID string) (models.LabSession, error)
	UpdateState(ctx context.Context, sessionID string, state models.SessionState, exitReason string) (models.LabSession, error)
	SetContainerRef(ctx context.Context, sessionID, ref string) error
	Touch(ctx context.Context, sessionID string) error
	Remove(ctx context.Context, sessionID string) error
	ListExpiredCandidates(ctx context.Context, now time.Time) ([]models.LabSession, error)
	ListTerminatedBefore(ctx context.Context, cutoff time.Time) ([]models.LabSession, error)
	ListActive(ctx context.Context, userID string) ([]models.LabSession, error)
	Lock(sessionID string) (func(), error)
	TryLock(sessionID string) (func(), bool, error)
	RLock(sessionID string) (func(), error)
}

type sessionKey struct {
	userID     string
	templateID string
}

// entry pairs a session record with the lock that serializes operations on it.
// ops is never taken while s.mu is held.
type entry struct {
	ops     sync.RWMutex
	session models.LabSession
}

// InMemoryStore is an in-memory implementation of the Store interface.
// It is thread-safe.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	active   map[sessionKey]string

	now   func() time.Time
	newID func() string
}

// Option customizes an InMemoryStore.
type Option func(*InMemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) { s.now = now }
}

// WithIDGenerator replaces the uuid session id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *InMemoryStore) { s.newID = newID }
}

// NewInMemoryStore creates a new thread-safe, in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		sessions: make(map[string]*entry),
		active:   make(map[sessionKey]string),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveOrGet returns the active session for (userID, tmpl.ID) with created=false, or
// inserts a new Created session and returns it with created=true.
func (s *InMemoryStore) ReserveOrGet(ctx context.Context, userID string, tmpl *models.LabTemplate) (models.LabSession, bool, error) {
	if userID == "" || tmpl == nil || tmpl.ID == "" {
		return models.LabSession{}, false, fmt.Errorf("%w: user and template are required", models.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{userID: userID, templateID: tmpl.ID}
	if id, ok := s.active[key]; ok {
		if e, ok := s.sessions[id]; ok {
			return e.session, false, nil
		}
	}

	now := s.now()
	e := &entry{session: models.LabSession{
		SessionID:      s.newID(),
		UserID:         userID,
		TemplateID:     tmpl.ID,
		State:          models.StateCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		IdleTimeout:    tmpl.IdleTimeout(),
		MaxLifetime:    tmpl.MaxLifetime(),
	}}
	s.sessions[e.session.SessionID] = e
	s.active[key] = e.session.SessionID
	return e.session, true, nil
}

// Get returns a copy of the session.
func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (models.LabSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return models.LabSession{}, fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
	}
	return e.session, nil
}

// UpdateState moves a session along the state machine. Entering a terminal state
// releases the (user, template) reservation.
func (s *InMemoryStore) UpdateState(ctx context.Context, sessionID string, state models.SessionState, exitReason string) (models.LabSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return models.LabSession{}, fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
	}
	if !models.CanTransition(e.session.State, state) {
		return e.session, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, e.session.State, state)
	}

	e.session.State = state
	if exitReason != "" {
		e.session.ExitReason = exitReason
	}
	if state.IsTerminal() {
		e.session.EndedAt = s.now()
		key := sessionKey{userID: e.session.UserID, templateID: e.session.TemplateID}
		if s.active[key] == sessionID {
			delete(s.active, key)
		}
	}
	return e.session, nil
}

// SetContainerRef records the backend handle. It can be set only once.
func (s *InMemoryStore) SetContainerRef(ctx context.Context, sessionID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
	}
	if e.session.ContainerRef != "" {
		return fmt.Errorf("%w: session %s", models.ErrContainerRefSet, sessionID)
	}
	e.session.ContainerRef = ref
	return nil
}

// Touch updates the last activity time of a session
func (s *InMemoryStore) Touch(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
	}
	e.session.LastActivityAt = s.now()
	return nil
}

// Remove deletes a session record.
func (s *InMemoryStore) Remove(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
	}
	key := sessionKey{userID: e.session.UserID, templateID: e.session.TemplateID}
	if s.active[key] == sessionID {
		delete(s.active, key)
	}
	delete(s.sessions, sessionID)
	return nil
}

// ListExpiredCandidates returns Running or Starting sessions past their idle or
// lifetime limit at now, oldest first.
func (s *InMemoryStore) ListExpiredCandidates(ctx context.Context, now time.Time) ([]models.LabSession, error) {
	return s.collect(func(ls *models.LabSession) bool {
		if ls.State != models.StateRunning && ls.State != models.StateStarting {
			return false
		}
		return ls.ExpiryReason(now) != ""
	}), nil
}

// ListTerminatedBefore returns terminal sessions that ended before cutoff.
func (s *InMemoryStore) ListTerminatedBefore(ctx context.Context, cutoff time.Time) ([]models.LabSession, error) {
	return s.collect(func(ls *models.LabSession) bool {
		return ls.State.IsTerminal() && ls.EndedAt.Before(cutoff)
	}), nil
}

// ListActive returns active sessions, optionally filtered by user.
func (s *InMemoryStore) ListActive(ctx context.Context, userID string) ([]models.LabSession, error) {
	return s.collect(func(ls *models.LabSession) bool {
		return ls.State.IsActive() && (userID == "" || ls.UserID == userID)
	}), nil
}

func (s *InMemoryStore) collect(keep func(*models.LabSession) bool) []models.LabSession {
	s.mu.Lock()
	out := make([]models.LabSession, 0)
	for _, e := range s.sessions {
		if keep(&e.session) {
			out = append(out, e.session)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Lock takes the exclusive operation lock of a session. Lifecycle changes
// (provisioning, stop, expiry) hold it for their whole duration.
func (s *InMemoryStore) Lock(sessionID string) (func(), error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.ops.Lock()
	return e.ops.Unlock, nil
}

// TryLock takes the exclusive operation lock only if nothing holds the lock now.
// ok is false while a command or another lifecycle change is in flight.
func (s *InMemoryStore) TryLock(sessionID string) (unlock func(), ok bool, err error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, false, err
	}
	if !e.ops.TryLock() {
		return nil, false, nil
	}
	return e.ops.Unlock, true, nil
}

// RLock takes the shared operation lock of a session. Command execution holds it so
// a session is never torn down under a running command.
func (s *InMemoryStore) RLock(sessionID string) (func(), error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.ops.RLock()
	return e.ops.RUnlock, nil
}

func (s *InMemoryStore) lookup(sessionID string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, sessionID)
	}
	return e, nil
}
