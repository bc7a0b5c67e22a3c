package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabSession_JSONOmitsEndedAtWhileActive(t *testing.T) {
	started := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s := LabSession{
		SessionID:      "s1",
		UserID:         "alice",
		TemplateID:     "network-troubleshooting",
		ContainerRef:   "ctr-1",
		State:          StateRunning,
		CreatedAt:      started,
		LastActivityAt: started,
	}

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "ended_at")
	assert.NotContains(t, fields, "exit_reason")
	assert.NotContains(t, fields, "ContainerRef")

	s.State = StateStopped
	s.ExitReason = ExitReasonStopped
	s.EndedAt = started.Add(5 * time.Minute)
	raw, err = json.Marshal(s)
	require.NoError(t, err)
	fields = nil
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "2026-05-04T10:05:00Z", fields["ended_at"])
}

func TestLabSession_ExpiryReason(t *testing.T) {
	created := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s := LabSession{
		CreatedAt:      created,
		LastActivityAt: created,
		IdleTimeout:    15 * time.Minute,
		MaxLifetime:    time.Hour,
	}

	assert.Empty(t, s.ExpiryReason(created.Add(10*time.Minute)))
	assert.Equal(t, ExitReasonIdleTimeout, s.ExpiryReason(created.Add(16*time.Minute)))

	s.LastActivityAt = created.Add(59 * time.Minute)
	assert.Equal(t, ExitReasonMaxLifetime, s.ExpiryReason(created.Add(61*time.Minute)))
}
