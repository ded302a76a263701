// Package tunnel exposes the local webhook listener through an Azure
// DevTunnel so the platform can deliver events to a development
// machine that has no public address.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
)

var tunnelURLPattern = regexp.MustCompile(`https://[^\s]*\.devtunnels\.ms[^\s]*`)

// Manager hosts a devtunnel process in front of the webhook port.
type Manager struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	url     string
	running bool
}

// NewManager returns a new tunnel Manager.
func NewManager() *Manager {
	return &Manager{}
}

// IsInstalled reports whether the devtunnel binary is available in
// PATH.
func (m *Manager) IsInstalled() bool {
	_, err := exec.LookPath("devtunnel")
	return err == nil
}

// IsLoggedIn checks whether the current user is logged in to
// devtunnel. Hosting fails without a login.
func (m *Manager) IsLoggedIn() bool {
	return exec.Command("devtunnel", "user", "show").Run() == nil
}

// Start hosts a devtunnel forwarding to the given local port. It
// returns once the process is launched; the public URL becomes
// available asynchronously when devtunnel prints it, at which point
// the webhook URL to register with the platform is logged.
func (m *Manager) Start(ctx context.Context, port int) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	cmd := exec.CommandContext(ctx, "devtunnel", "host", "-p", fmt.Sprintf("%d", port), "--allow-anonymous")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.mu.Unlock()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		m.mu.Unlock()
		return fmt.Errorf("starting devtunnel: %w", err)
	}

	m.cmd = cmd
	m.running = true
	m.url = ""
	m.mu.Unlock()

	slog.Info("devtunnel started", "port", port, "pid", cmd.Process.Pid)

	// Watch stdout for the tunnel URL.
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			slog.Debug("devtunnel output", "line", line)

			if match := tunnelURLPattern.FindString(line); match != "" {
				m.mu.Lock()
				m.url = match
				m.mu.Unlock()
				slog.Info("webhook tunnel ready",
					"url", match,
					"webhook_url", match+"/webhook/")
			}
		}

		_ = cmd.Wait()

		m.mu.Lock()
		m.running = false
		m.url = ""
		m.cmd = nil
		m.mu.Unlock()

		slog.Info("devtunnel exited", "port", port)
	}()

	return nil
}

// Stop terminates the devtunnel process.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	cmd := m.cmd
	running := m.running
	m.mu.Unlock()

	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}
	if cmd != nil {
		// The watcher goroutine resets state after Wait returns.
		_ = cmd.Wait()
	}
}

// URL returns the public tunnel URL, or empty until discovered.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}
