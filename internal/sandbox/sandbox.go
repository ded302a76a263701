// Package sandbox builds and runs the per-PR test container through the
// Docker Engine API. Containers run privileged so the in-container
// wrapper can capture traffic with tcpdump and mitmproxy; the driver
// watches them from outside and tears them down on every exit path.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the slice of the Docker client the driver uses. Tests
// substitute a fake runtime; *client.Client satisfies it.
type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Driver runs sandbox containers against a Docker engine.
type Driver struct {
	api          dockerAPI
	pollInterval time.Duration
}

// New connects to the Docker engine named by the environment, with API
// version negotiation.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Driver{api: cli, pollInterval: time.Second}, nil
}

// BuildError is a failed image build, carrying the daemon's error and
// the last stream line before it.
type BuildError struct {
	Image  string
	Detail string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("building image %s: %v (last step: %s)", e.Image, e.Err, e.Detail)
	}
	return fmt.Sprintf("building image %s: %v", e.Image, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// RunError is a container lifecycle failure before or during a run.
type RunError struct {
	Phase string // "create", "start", "inspect"
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("container %s: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// BuildImage tars contextDir and builds it into the named image. The
// dockerfile path is relative to the context root; empty means the
// daemon default. Errors reported inside the build stream surface as
// *BuildError.
func (d *Driver) BuildImage(ctx context.Context, image, contextDir, dockerfile string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archiving build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:     []string{image},
		Remove:   true,
		Platform: "linux/amd64",
	}
	if dockerfile != "" {
		opts.Dockerfile = dockerfile
	}

	resp, err := d.api.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return &BuildError{Image: image, Err: err}
	}
	defer resp.Body.Close()

	// The build streams JSON messages; a failed step arrives as an
	// error frame rather than a non-nil err from ImageBuild.
	dec := json.NewDecoder(resp.Body)
	var lastStep string
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return &BuildError{Image: image, Detail: lastStep, Err: fmt.Errorf("decoding build stream: %w", err)}
		}
		if msg.Error != nil {
			return &BuildError{Image: image, Detail: lastStep, Err: msg.Error}
		}
		if step := strings.TrimSpace(msg.Stream); step != "" {
			lastStep = step
			slog.Debug("image build", "image", image, "step", step)
		}
	}
	return nil
}
