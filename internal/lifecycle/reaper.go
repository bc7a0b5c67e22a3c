package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

// Candidates lists sessions past their idle or lifetime limit.
type Candidates interface {
	ListExpiredCandidates(ctx context.Context, now time.Time) ([]models.LabSession, error)
}

// Expirer ends sessions on the reaper's behalf. ExpireSession must not block on a
// busy session; it returns models.ErrSessionBusy instead.
type Expirer interface {
	ExpireSession(ctx context.Context, sessionID, reason string) (models.LabSession, error)
	PurgeTerminated(ctx context.Context, cutoff time.Time) (int, error)
}

// Reaper periodically expires idle and overdue sessions and purges old terminal
// records from the store.
type Reaper struct {
	candidates Candidates
	expirer    Expirer
	log        logrus.FieldLogger

	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewReaper creates a new reaper. retention is how long terminal sessions stay in
// the store before they are purged.
func NewReaper(candidates Candidates, expirer Expirer, interval, retention time.Duration, log logrus.FieldLogger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Reaper{
		candidates: candidates,
		expirer:    expirer,
		log:        log.WithField("component", "reaper"),
		interval:   interval,
		retention:  retention,
		now:        time.Now,
	}
}

// Start runs sweeps until ctx is cancelled. It blocks.
func (r *Reaper) Start(ctx context.Context) {
	r.log.WithField("interval", r.interval.String()).Info("Starting reaper")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many sessions it expired.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()

	candidates, err := r.candidates.ListExpiredCandidates(ctx, now)
	if err != nil {
		r.log.WithError(err).Error("Error listing expiry candidates")
		return 0
	}

	expired := 0
	for _, c := range candidates {
		reason := c.ExpiryReason(now)
		if reason == "" {
			continue
		}

		s, err := r.expirer.ExpireSession(ctx, c.SessionID, reason)
		if errors.Is(err, models.ErrSessionBusy) {
			r.log.WithField("session_id", c.SessionID).Debug("Session busy, retrying next sweep")
			continue
		}
		if err != nil {
			r.log.WithError(err).WithField("session_id", c.SessionID).Warn("Error expiring session")
			continue
		}
		if s.State == models.StateExpired {
			expired++
		}
	}

	purged, err := r.expirer.PurgeTerminated(ctx, now.Add(-r.retention))
	if err != nil {
		r.log.WithError(err).Warn("Error purging terminal sessions")
	}

	if expired > 0 || purged > 0 {
		r.log.WithFields(logrus.Fields{"expired": expired, "purged": purged}).Info("Reaper sweep finished")
	}
	return expired
}
