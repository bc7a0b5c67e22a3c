package provisioner

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
)

// DockerOptions configures the Docker backend.
type DockerOptions struct {
	// IsolatedNetwork is the internal (no egress) network used for isolated labs.
	IsolatedNetwork string
	// StopTimeout is how long a container gets to exit before it is killed.
	StopTimeout time.Duration
	// WrapWithTimeout runs every exec under `timeout -s KILL` so the in-container
	// process dies even if the engine loses the attach stream.
	WrapWithTimeout bool
}

// DockerBackend implements Backend using the Docker engine.
type DockerBackend struct {
	cli  *client.Client
	log  logrus.FieldLogger
	opts DockerOptions

	netMu sync.Mutex
}

// NewDockerBackend creates a new DockerBackend and verifies the daemon answers.
func NewDockerBackend(ctx context.Context, opts DockerOptions, log logrus.FieldLogger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: connecting to docker daemon: %v", ErrUnavailable, err)
	}

	if opts.IsolatedNetwork == "" {
		opts.IsolatedNetwork = "lab-isolated"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	log = log.WithField("component", "provisioner.docker")
	log.Info("Successfully connected to Docker daemon")
	return &DockerBackend{cli: cli, log: log, opts: opts}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// CreateContainer creates a lab container that idles until commands are exec'd into it.
func (b *DockerBackend) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return "", b.wrap(err, "ensuring image %s", spec.Image)
	}

	networkMode, err := b.networkMode(ctx, spec.Network)
	if err != nil {
		return "", b.wrap(err, "preparing network")
	}

	exposed, bindings, err := nat.ParsePortSpecs(spec.ExposedPorts)
	if err != nil {
		return "", fmt.Errorf("parsing exposed ports: %w", err)
	}

	pids := spec.Limits.PIDLimit
	memory := spec.Limits.MemoryMB * 1024 * 1024
	config := &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"tail", "-f", "/dev/null"},
		Labels:       labels(spec),
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:     container.NetworkMode(networkMode),
		PortBindings:    bindings,
		PublishAllPorts: len(exposed) > 0,
		CapDrop:         []string{"ALL"},
		CapAdd:          spec.Capabilities,
		SecurityOpt:     []string{"no-new-privileges"},
		Resources: container.Resources{
			CPUShares:  spec.Limits.CPUShares,
			Memory:     memory,
			MemorySwap: memory,
			PidsLimit:  &pids,
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "lab-"+spec.SessionID)
	if err != nil {
		return "", b.wrap(err, "creating container")
	}
	for _, w := range resp.Warnings {
		b.log.WithField("container_id", shortID(resp.ID)).Warn(w)
	}
	return resp.ID, nil
}

func (b *DockerBackend) StartContainer(ctx context.Context, ref string) error {
	if err := b.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		return b.wrap(err, "starting container %s", shortID(ref))
	}
	return nil
}

// Exec runs the command with attached output streams and reports its exit code.
func (b *DockerBackend) Exec(ctx context.Context, ref string, req ExecRequest) (int, error) {
	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	argv := req.Cmd
	if b.opts.WrapWithTimeout && req.Timeout > 0 {
		secs := int(math.Ceil(req.Timeout.Seconds()))
		argv = append([]string{"timeout", "-s", "KILL", strconv.Itoa(secs)}, req.Cmd...)
	}

	created, err := b.cli.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, b.wrap(err, "creating exec")
	}

	attach, err := b.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, b.wrap(err, "attaching exec")
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return -1, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-done
		b.reportStaleExec(created.ID)
		return -1, ctx.Err()
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, b.wrap(err, "inspecting exec")
	}
	return inspect.ExitCode, nil
}

func (b *DockerBackend) reportStaleExec(execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inspect, err := b.cli.ContainerExecInspect(ctx, execID)
	if err != nil || !inspect.Running {
		return
	}
	b.log.WithFields(logrus.Fields{
		"exec_id": shortID(execID),
		"pid":     inspect.Pid,
	}).Warn("Exec still running after timeout")
}

func (b *DockerBackend) StopContainer(ctx context.Context, ref string) error {
	timeout := int(b.opts.StopTimeout.Seconds())
	if err := b.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return b.wrap(err, "stopping container %s", shortID(ref))
	}
	return nil
}

func (b *DockerBackend) RemoveContainer(ctx context.Context, ref string) error {
	err := b.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return b.wrap(err, "removing container %s", shortID(ref))
	}
	return nil
}

// RemoveOrphans force-removes every container labeled as managed by the engine.
// It is called once at startup: sessions do not survive a restart.
func (b *DockerBackend) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue)),
	})
	if err != nil {
		return 0, b.wrap(err, "listing containers")
	}

	removed := 0
	for _, c := range list {
		if err := b.RemoveContainer(ctx, c.ID); err != nil {
			b.log.WithError(err).WithField("container_id", shortID(c.ID)).Warn("Failed to remove orphaned container")
			continue
		}
		removed++
	}
	return removed, nil
}

func (b *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	_, err := b.cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}

	b.log.WithField("image", ref).Info("Image not present, pulling")
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *DockerBackend) networkMode(ctx context.Context, mode models.NetworkMode) (string, error) {
	switch mode {
	case models.NetworkBridged:
		return "bridge", nil
	case models.NetworkIsolated:
		return b.opts.IsolatedNetwork, b.ensureIsolatedNetwork(ctx)
	default:
		return "none", nil
	}
}

func (b *DockerBackend) ensureIsolatedNetwork(ctx context.Context) error {
	b.netMu.Lock()
	defer b.netMu.Unlock()

	_, err := b.cli.NetworkInspect(ctx, b.opts.IsolatedNetwork, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return err
	}

	_, err = b.cli.NetworkCreate(ctx, b.opts.IsolatedNetwork, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels:   map[string]string{LabelManagedBy: ManagedByValue},
	})
	if err != nil {
		return fmt.Errorf("creating isolated network: %w", err)
	}
	b.log.WithField("network", b.opts.IsolatedNetwork).Info("Created isolated lab network")
	return nil
}

func (b *DockerBackend) wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
