package provisioner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ExecFunc produces the output of a command run on the memory backend.
type ExecFunc func(ctx context.Context, ref string, req ExecRequest) (int, error)

// MemoryBackend is a Backend that keeps containers in a map. It runs nothing; exec
// output comes from an ExecFunc. It is used by tests and by BACKEND=memory.
type MemoryBackend struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*MemoryContainer
	calls      map[string]int
	failures   map[string]error
	exec       ExecFunc
}

// MemoryContainer is the state the memory backend keeps per container.
type MemoryContainer struct {
	Spec    ContainerSpec
	Running bool
	Removed bool
	Execs   [][]string
}

// NewMemoryBackend creates an empty memory backend. Without an ExecFunc every
// command echoes its argv to stdout and exits 0.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		containers: make(map[string]*MemoryContainer),
		calls:      make(map[string]int),
		failures:   make(map[string]error),
		exec:       echoExec,
	}
}

func echoExec(_ context.Context, _ string, req ExecRequest) (int, error) {
	if req.Stdout != nil {
		io.WriteString(req.Stdout, strings.Join(req.Cmd, " ")+"\n")
	}
	return 0, nil
}

// SetExecFunc replaces the command handler.
func (m *MemoryBackend) SetExecFunc(fn ExecFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exec = fn
}

// FailOn makes every later call to op ("CreateContainer", "Exec", ...) return err.
// A nil err clears the failure.
func (m *MemoryBackend) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MemoryBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Container returns a copy of the container state.
func (m *MemoryBackend) Container(ref string) (MemoryContainer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[ref]
	if !ok {
		return MemoryContainer{}, false
	}
	return *c, true
}

func (m *MemoryBackend) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	return m.failures[op]
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Ping(ctx context.Context) error {
	return m.record("Ping")
}

func (m *MemoryBackend) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := m.record("CreateContainer"); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("mem-%d", m.seq)
	m.containers[ref] = &MemoryContainer{Spec: spec}
	return ref, nil
}

func (m *MemoryBackend) StartContainer(ctx context.Context, ref string) error {
	if err := m.record("StartContainer"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[ref]
	if !ok || c.Removed {
		return fmt.Errorf("container %s not found", ref)
	}
	c.Running = true
	return nil
}

func (m *MemoryBackend) Exec(ctx context.Context, ref string, req ExecRequest) (int, error) {
	if err := m.record("Exec"); err != nil {
		return -1, err
	}

	m.mu.Lock()
	c, ok := m.containers[ref]
	if !ok || !c.Running {
		m.mu.Unlock()
		return -1, fmt.Errorf("container %s is not running", ref)
	}
	c.Execs = append(c.Execs, append([]string(nil), req.Cmd...))
	fn := m.exec
	m.mu.Unlock()

	return fn(ctx, ref, req)
}

func (m *MemoryBackend) StopContainer(ctx context.Context, ref string) error {
	if err := m.record("StopContainer"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[ref]; ok {
		c.Running = false
	}
	return nil
}

func (m *MemoryBackend) RemoveContainer(ctx context.Context, ref string) error {
	if err := m.record("RemoveContainer"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[ref]; ok {
		c.Running = false
		c.Removed = true
	}
	return nil
}

// RemoveOrphans removes every container that is still present.
func (m *MemoryBackend) RemoveOrphans(ctx context.Context) (int, error) {
	if err := m.record("RemoveOrphans"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.containers {
		if !c.Removed {
			c.Running = false
			c.Removed = true
			n++
		}
	}
	return n, nil
}
