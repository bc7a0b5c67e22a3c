// Package health aggregates dependency checks for the HTTP health endpoint and the
// standard gRPC health service.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Status string

const (
	StatusOK          Status = "ok"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type Report struct {
	Status    Status            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Checker runs the registered checks. A failing critical check makes the engine
// unavailable; any other failure only degrades it.
type Checker struct {
	mu     sync.Mutex
	checks []check
	grpc   *health.Server
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewChecker(log logrus.FieldLogger) *Checker {
	return &Checker{
		grpc: health.NewServer(),
		log:  log.WithField("component", "health"),
		now:  time.Now,
	}
}

// Register adds a named check.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, fn: fn, critical: critical})
	sort.Slice(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
}

func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	checks := append([]check(nil), c.checks...)
	c.mu.Unlock()

	report := Report{Status: StatusOK, Checks: make(map[string]string, len(checks)), Timestamp: c.now()}
	for _, chk := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chk.fn(checkCtx)
		cancel()

		if err == nil {
			report.Checks[chk.name] = "ok"
			continue
		}
		report.Checks[chk.name] = "error: " + err.Error()
		switch {
		case chk.critical:
			report.Status = StatusUnavailable
		case report.Status == StatusOK:
			report.Status = StatusDegraded
		}
	}
	return report
}

// GRPCServer is the health service to register on a gRPC server.
func (c *Checker) GRPCServer() healthpb.HealthServer {
	return c.grpc
}

// Refresh runs the checks once and publishes the result to the gRPC health service.
func (c *Checker) Refresh(ctx context.Context) Report {
	report := c.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if report.Status == StatusUnavailable {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		c.log.WithField("checks", report.Checks).Warn("Engine unavailable")
	}
	c.grpc.SetServingStatus("", status)
	return report
}

// Start refreshes the gRPC status every interval until ctx is cancelled.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			c.grpc.Shutdown()
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}
