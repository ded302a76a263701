package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// DefaultStreamingDeadline bounds runs that stream logs or stats to
	// an observer.
	DefaultStreamingDeadline = 300 * time.Second

	// DefaultDeadline bounds runs nobody is watching.
	DefaultDeadline = 60 * time.Second

	// stopGrace is how long the engine waits for the entrypoint to exit
	// after SIGTERM before killing it.
	stopGrace = 10 * time.Second
)

// RunOptions configures one sandbox container run.
type RunOptions struct {
	// Name is the container name; empty lets the engine pick one.
	Name string

	// BindDir, when set, is bind-mounted read-write at /mnt.
	BindDir string

	// Cmd overrides the image CMD when non-empty.
	Cmd []string

	// Deadline bounds the run; zero selects a default based on whether
	// an observer is attached.
	Deadline time.Duration

	// OnLog receives each log chunk as it streams.
	OnLog func(chunk string)

	// OnStat receives each decoded stats frame.
	OnStat func(stat Stat)
}

func (o RunOptions) deadline() time.Duration {
	if o.Deadline > 0 {
		return o.Deadline
	}
	if o.OnLog != nil || o.OnStat != nil {
		return DefaultStreamingDeadline
	}
	return DefaultDeadline
}

// RunResult is the outcome of a completed (or deadline-stopped) run.
type RunResult struct {
	Logs     string
	ExitCode int
	TimedOut bool
}

// Run creates, starts, and watches a container until it exits or the
// deadline elapses. The container always runs privileged with a capped
// json-file log driver, and is force-removed on every exit path. A
// deadline stop is not an error; the result carries TimedOut instead.
func (d *Driver) Run(ctx context.Context, image string, opts RunOptions) (*RunResult, error) {
	cfg := &container.Config{Image: image}
	if len(opts.Cmd) > 0 {
		cfg.Cmd = strslice.StrSlice(opts.Cmd)
	}
	hostCfg := &container.HostConfig{
		Privileged: true,
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "10m", "max-file": "3"},
		},
	}
	if opts.BindDir != "" {
		hostCfg.Binds = []string{opts.BindDir + ":/mnt:rw"}
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, &RunError{Phase: "create", Err: err}
	}
	id := created.ID

	defer func() {
		// Removal must survive a canceled run context.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("removing container", "container", shortID(id), "error", err)
		}
	}()

	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, &RunError{Phase: "start", Err: err}
	}

	obsCtx, cancelObs := context.WithCancel(ctx)
	defer cancelObs()

	var logs logAccumulator
	logDone := make(chan struct{})
	go d.observeLogs(obsCtx, id, &logs, opts.OnLog, logDone)
	if opts.OnStat != nil {
		go d.observeStats(obsCtx, id, opts.OnStat)
	}

	exitCode, timedOut, err := d.poll(ctx, id, opts.deadline())

	// Let the log observer drain whatever the engine already buffered.
	cancelObs()
	select {
	case <-logDone:
	case <-time.After(5 * time.Second):
		slog.Warn("log observer did not finish", "container", shortID(id))
	}

	if err != nil {
		return &RunResult{Logs: logs.String(), ExitCode: exitCode, TimedOut: timedOut}, err
	}
	return &RunResult{Logs: logs.String(), ExitCode: exitCode, TimedOut: timedOut}, nil
}

// poll inspects the container roughly once a second until it exits or
// the deadline elapses.
func (d *Driver) poll(ctx context.Context, id string, deadline time.Duration) (exitCode int, timedOut bool, err error) {
	interval := d.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	stopAt := time.Now().Add(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := d.api.ContainerInspect(ctx, id)
		if err != nil {
			return 0, false, &RunError{Phase: "inspect", Err: err}
		}
		if state := info.State; state != nil {
			switch state.Status {
			case "exited", "dead":
				return state.ExitCode, false, nil
			}
		}

		if time.Now().After(stopAt) {
			slog.Info("container deadline reached, stopping", "container", shortID(id), "deadline", deadline)
			grace := int(stopGrace.Seconds())
			if err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
				slog.Warn("stopping container", "container", shortID(id), "error", err)
			}
			code := 0
			if info, err := d.api.ContainerInspect(ctx, id); err == nil && info.State != nil {
				code = info.State.ExitCode
			}
			return code, true, nil
		}

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// observeLogs follows the container's log stream, demuxing stdout and
// stderr into the accumulator. Engines whose log driver cannot be read
// back get the attach fallback instead.
func (d *Driver) observeLogs(ctx context.Context, id string, acc *logAccumulator, onLog func(string), done chan<- struct{}) {
	defer close(done)

	w := &chunkWriter{acc: acc, onLog: onLog}
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if logDriverUnreadable(err) {
			d.attachLogs(ctx, id, w)
			return
		}
		slog.Warn("streaming container logs", "container", shortID(id), "error", err)
		return
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && !errors.Is(err, context.Canceled) {
		if logDriverUnreadable(err) {
			d.attachLogs(ctx, id, w)
			return
		}
		slog.Debug("log stream ended", "container", shortID(id), "error", err)
	}
}

// attachLogs consumes output over a hijacked attach connection.
func (d *Driver) attachLogs(ctx context.Context, id string, w *chunkWriter) {
	resp, err := d.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		slog.Warn("attaching to container", "container", shortID(id), "error", err)
		return
	}
	defer resp.Close()

	if _, err := stdcopy.StdCopy(w, w, resp.Reader); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("attach stream ended", "container", shortID(id), "error", err)
	}
}

// logDriverUnreadable matches the engine error for log drivers that
// cannot be streamed back, such as "none" or "syslog".
func logDriverUnreadable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not support reading")
}

// logAccumulator collects log chunks from the observer goroutine.
type logAccumulator struct {
	mu sync.Mutex
	sb strings.Builder
}

func (a *logAccumulator) append(chunk string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(chunk)
}

func (a *logAccumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sb.String()
}

// chunkWriter adapts the demuxed log stream into accumulator appends
// plus the caller's OnLog callback.
type chunkWriter struct {
	acc   *logAccumulator
	onLog func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	chunk := string(p)
	w.acc.append(chunk)
	if w.onLog != nil {
		w.onLog(chunk)
	}
	return len(p), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
