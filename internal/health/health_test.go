package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func ok(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func newTestChecker() *Checker {
	logger, _ := test.NewNullLogger()
	return NewChecker(logger)
}

func servingStatus(t *testing.T, c *Checker) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.GRPCServer().Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	return resp.Status
}

func TestChecker_AllHealthy(t *testing.T) {
	c := newTestChecker()
	c.Register("backend", true, ok)
	c.Register("history", false, ok)

	report := c.Refresh(context.Background())

	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, map[string]string{"backend": "ok", "history": "ok"}, report.Checks)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, c))
}

func TestChecker_NonCriticalFailureDegrades(t *testing.T) {
	c := newTestChecker()
	c.Register("backend", true, ok)
	c.Register("history", false, failing("connection refused"))

	report := c.Refresh(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "error: connection refused", report.Checks["history"])
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, c))
}

func TestChecker_CriticalFailureIsUnavailable(t *testing.T) {
	c := newTestChecker()
	c.Register("history", false, failing("timeout"))
	c.Register("backend", true, failing("daemon not reachable"))

	report := c.Refresh(context.Background())

	assert.Equal(t, StatusUnavailable, report.Status)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, c))

	c.checks = nil
	c.Register("backend", true, ok)
	c.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, c))
}

func TestChecker_StartStopsOnCancel(t *testing.T) {
	c := newTestChecker()
	c.Register("backend", true, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	<-done
}
