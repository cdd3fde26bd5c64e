// Package docker implements the container sandbox provider on the
// Docker SDK. The agent runs as the container entrypoint with stdin
// attached and no TTY; stdout carries the JSONL event stream, stderr
// goes to the per-session log store.
package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
)

// ContainerSpec describes the agent container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountSpec
	NetworkMode string
	Memory      int64 // bytes
	CPUQuota    int64 // microseconds per 100ms period
	Labels      map[string]string
}

// MountSpec is one host bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerState is the subset of inspect output the provider needs.
type ContainerState struct {
	ID        string
	State     string // created, running, paused, restarting, removing, exited, dead
	ExitCode  int
	Labels    map[string]string
	StartedAt time.Time
}

// ContainerSummary is one row of a label-filtered listing.
type ContainerSummary struct {
	ID        string
	State     string
	Labels    map[string]string
	CreatedAt time.Time
}

// AttachStreams carries the live I/O of an attached container. Stdout
// is already demultiplexed; stderr frames are routed to the writer
// given at attach time and never appear here.
type AttachStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	conn   net.Conn
}

// Close tears down the attach connection. The container keeps running.
func (a *AttachStreams) Close() error {
	if a.Stdin != nil {
		a.Stdin.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// Client wraps the Docker SDK client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client from configuration. Host and API
// version fall back to SDK negotiation when unset.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying SDK client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// IsNotFound reports whether the daemon said the container is gone.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// Ping probes the daemon.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PullImage pulls an image, draining the progress stream so the pull
// completes before returning.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull output: %w", err)
	}
	return nil
}

// CreateAgentContainer creates the agent container with stdin open and
// no TTY so the multiplexed stream framing stays intact for JSONL.
func (c *Client) CreateAgentContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	c.logger.Info("creating agent container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container, escalating to SIGKILL after the
// timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// PauseContainer freezes all processes in the container.
func (c *Client) PauseContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("pause container %s: %w", containerID, err)
	}
	return nil
}

// UnpauseContainer thaws a paused container.
func (c *Client) UnpauseContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerUnpause(ctx, containerID); err != nil {
		return fmt.Errorf("unpause container %s: %w", containerID, err)
	}
	return nil
}

// InspectContainer returns the state the provider cares about.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	state := &ContainerState{ID: inspect.ID}
	if inspect.State != nil {
		state.State = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
		if inspect.State.StartedAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
				state.StartedAt = t
			}
		}
	}
	if inspect.Config != nil {
		state.Labels = inspect.Config.Labels
	}
	return state, nil
}

// ListByLabels lists containers matching all given labels, including
// stopped ones.
func (c *Client) ListByLabels(ctx context.Context, labels map[string]string) ([]ContainerSummary, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	summaries := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		summaries = append(summaries, ContainerSummary{
			ID:        ctr.ID,
			State:     ctr.State,
			Labels:    ctr.Labels,
			CreatedAt: time.Unix(ctr.Created, 0).UTC(),
		})
	}
	return summaries, nil
}

// AttachContainer attaches to the container's stdio. Stdout frames are
// demultiplexed onto the returned reader; stderr frames go to stderr.
func (c *Client) AttachContainer(ctx context.Context, containerID string, stderr io.Writer) (*AttachStreams, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		io.Copy(resp.Conn, stdinReader)
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		c.demultiplexStream(resp.Reader, stdoutWriter, stderr)
	}()

	c.logger.Debug("attached to container", zap.String("container_id", containerID))

	return &AttachStreams{
		Stdin:  stdinWriter,
		Stdout: stdoutReader,
		conn:   resp.Conn,
	}, nil
}

// demultiplexStream parses Docker's Tty=false stream framing: byte 0
// is the stream type (1=stdout, 2=stderr), bytes 4-7 the big-endian
// frame size, then the frame data. Stdout and stderr are routed to
// separate writers so diagnostics never leak into the event stream.
func (c *Client) demultiplexStream(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("demultiplex stream ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			c.logger.Debug("short read on stream frame", zap.Error(err))
			return
		}

		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			if stderr != nil {
				stderr.Write(data)
			}
		}
	}
}
