// Package provisioner holds the container backends a lab session runs on.
//
// The engine only ever talks to a backend through the Backend interface so the
// local Docker engine, a Kubernetes namespace or the in-memory backend used by
// tests can be swapped without touching the session logic.
package provisioner

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

// ErrUnavailable marks failures to reach the backend at all, as opposed to an
// operation the backend refused.
var ErrUnavailable = errors.New("backend unreachable")

// Labels applied to every container the engine creates.
const (
	LabelManagedBy  = "cyber-sensei.managed-by"
	LabelSessionID  = "cyber-sensei.session-id"
	LabelTemplateID = "cyber-sensei.template-id"
	ManagedByValue  = "lab-engine"
)

// ContainerSpec describes the container to create for a session.
type ContainerSpec struct {
	SessionID    string
	TemplateID   string
	Image        string
	Limits       models.ResourceLimits
	Network      models.NetworkMode
	Capabilities []string
	ExposedPorts []string
}

// ExecRequest runs Cmd as an argv list, never through a shell. Output is streamed
// into the writers; the backend does not buffer it.
type ExecRequest struct {
	Cmd     []string
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// Backend is the narrow contract the engine needs from a container runtime.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, ref string) error
	// Exec runs a command and returns its exit code. When ctx ends first the
	// in-container process is killed and ctx.Err() is returned.
	Exec(ctx context.Context, ref string, req ExecRequest) (int, error)
	StopContainer(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, ref string) error
}

// OrphanSweeper is implemented by backends that can find containers left behind by
// a previous engine process.
type OrphanSweeper interface {
	RemoveOrphans(ctx context.Context) (int, error)
}

func labels(spec ContainerSpec) map[string]string {
	return map[string]string{
		LabelManagedBy:  ManagedByValue,
		LabelSessionID:  spec.SessionID,
		LabelTemplateID: spec.TemplateID,
	}
}
