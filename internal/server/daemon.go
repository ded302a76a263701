package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sadguard/sadguard/internal/config"
	"github.com/sadguard/sadguard/internal/llm"
	"github.com/sadguard/sadguard/internal/orchestrator"
	"github.com/sadguard/sadguard/internal/platform"
	"github.com/sadguard/sadguard/internal/sandbox"
	"github.com/sadguard/sadguard/internal/store"
	"github.com/sadguard/sadguard/internal/tunnel"
)

// PIDFilePath returns the path to the daemon PID file.
func PIDFilePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			slog.Error("cannot determine home directory; set $HOME or $XDG_DATA_HOME", "error", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "sadguard", "sadguardd.pid")
}

// LogFilePath returns the path to the daemon log file.
func LogFilePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "sadguard", "logs", "sadguardd.log")
}

// StartDaemon starts the webhook server. If foreground is true the
// server runs inline and holds the instance lock until it exits;
// otherwise the process forks a detached child and returns. With
// tunnel set, a devtunnel is hosted in front of the listen port.
func StartDaemon(listen, configPath string, foreground, tunnel bool) error {
	if foreground {
		return WithLock(PIDFilePath(), DefaultLockTimeout, func() error {
			if running, pid, _, _ := DaemonStatus(); running {
				return fmt.Errorf("daemon already running (PID %d)", pid)
			}
			return runForeground(listen, configPath, tunnel)
		})
	}

	// Fork path: take the lock only long enough to check for a
	// running instance and spawn the child.
	return WithLock(PIDFilePath(), DefaultLockTimeout, func() error {
		if running, pid, _, _ := DaemonStatus(); running {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		return forkDaemon(listen, configPath, tunnel)
	})
}

// expandHome replaces a leading "~/" in a path with the user's home
// directory. If the path does not start with "~/" or the home
// directory cannot be determined, the path is returned unchanged.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func forkDaemon(listen, configPath string, tunnel bool) error {
	logFile := LogFilePath()
	if logFile == "" {
		return fmt.Errorf("cannot determine log directory; set $HOME or $XDG_DATA_HOME")
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	// Re-exec ourselves; the child runs the foreground path and takes
	// over the instance lock once we release it.
	forkArgs := []string{"serve"}
	if listen != "" {
		forkArgs = append(forkArgs, "--listen", listen)
	}
	if configPath != "" {
		forkArgs = append(forkArgs, "--config", configPath)
	}
	if tunnel {
		forkArgs = append(forkArgs, "--tunnel")
	}

	cmd := exec.Command(os.Args[0], forkArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("starting daemon: %w", err)
	}

	pid := cmd.Process.Pid

	// Release without waiting — the child writes its own PID file.
	cmd.Process.Release()
	f.Close()

	fmt.Printf("daemon started (PID: %d)\n", pid)
	fmt.Printf("log file: %s\n", logFile)
	return nil
}

func runForeground(listen, configPath string, withTunnel bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		defaultCfg := config.DefaultConfig()
		cfg = &defaultCfg
	}
	env, err := config.FromEnv()
	if err != nil {
		return err
	}

	if err := writePIDFile(os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	deps, err := BuildDeps(ctx, cfg, env)
	if err != nil {
		return err
	}
	defer deps.Close()

	if listen == "" {
		listen = cfg.Server.Listen
	}

	if withTunnel {
		port, err := listenPort(listen)
		if err != nil {
			return err
		}
		tun := tunnel.NewManager()
		if !tun.IsInstalled() {
			return fmt.Errorf("--tunnel requires the devtunnel CLI in PATH")
		}
		if !tun.IsLoggedIn() {
			return fmt.Errorf("--tunnel requires a devtunnel login (run: devtunnel user login)")
		}
		if err := tun.Start(ctx, port); err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer tun.Stop()
	}

	srv := New(deps.Orchestrator, []byte(env.WebhookSecret))
	return srv.Run(ctx, listen)
}

// listenPort extracts the TCP port from a listen address like ":3000"
// or "0.0.0.0:3000".
func listenPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("cannot determine port from listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("cannot determine port from listen address %q: %w", listen, err)
	}
	return port, nil
}

// Deps is the wired production dependency graph. The CLI's manual
// trigger uses the same graph the daemon does.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Platform     platform.Client
	Store        *store.Store
}

// Close releases the database handle.
func (d *Deps) Close() error {
	return d.Store.Close()
}

// BuildDeps wires the GitHub App client, container runtime, database,
// and LLM client into an orchestrator.
func BuildDeps(ctx context.Context, cfg *config.Config, env *config.Env) (*Deps, error) {
	gh, err := platform.NewGitHub(env.AppID, expandHome(env.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("creating platform client: %w", err)
	}

	driver, err := sandbox.New()
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}

	st, err := OpenStore(ctx, env)
	if err != nil {
		return nil, err
	}

	llmClient := llm.NewAnthropicClient(env.AnthropicKey, cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.LLM.ParseTimeout())

	orch := orchestrator.New(gh, driver, llmClient, st, nil, orchestrator.Config{
		RunDeadline:   cfg.Run.ParseDeadline(),
		MaxIterations: cfg.Run.MaxIterations,
	})
	return &Deps{Orchestrator: orch, Platform: gh, Store: st}, nil
}

// OpenStore opens the database selected by the environment: Postgres
// when DB_HOST is set, SQLite otherwise.
func OpenStore(ctx context.Context, env *config.Env) (*store.Store, error) {
	storeCfg := store.Config{Driver: store.DriverSQLite, DSN: expandHome(env.SQLitePath)}
	if env.UsesPostgres() {
		storeCfg = store.Config{
			Driver: store.DriverPostgres,
			DSN:    store.PostgresDSN(env.DBHost, env.DBName, env.DBUser, env.DBPassword),
		}
	}
	st, err := store.Open(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// StopDaemon sends SIGTERM to the running daemon and waits for exit.
func StopDaemon() error {
	running, pid, _, err := DaemonStatus()
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Check if process is already gone.
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			removePIDFile()
			return nil
		}
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	// Wait for exit with timeout.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			_ = proc.Signal(syscall.SIGKILL)
			removePIDFile()
			return fmt.Errorf("daemon did not stop gracefully, sent SIGKILL")
		case <-ticker.C:
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				// Process is gone.
				removePIDFile()
				return nil
			}
		}
	}
}

// DaemonStatus checks whether the daemon is running.
// Returns: running bool, pid int, uptime duration, error.
func DaemonStatus() (bool, int, time.Duration, error) {
	pidFile := PIDFilePath()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, 0, nil
		}
		return false, 0, 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, 0, fmt.Errorf("invalid PID file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		removePIDFile()
		return false, 0, 0, nil
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Process is not running — stale PID file.
		removePIDFile()
		return false, 0, 0, nil
	}

	info, err := os.Stat(pidFile)
	if err != nil {
		return true, pid, 0, nil
	}
	return true, pid, time.Since(info.ModTime()), nil
}

func writePIDFile(pid int) error {
	pidFile := PIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("creating PID directory: %w", err)
	}

	// Atomic write: temp file + rename.
	tmp := pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, pidFile)
}

func removePIDFile() {
	_ = os.Remove(PIDFilePath())
}

// InstallSystemdService writes a systemd user unit file and enables
// the service.
func InstallSystemdService() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home dir: %w", err)
	}

	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0755); err != nil {
		return fmt.Errorf("creating systemd directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable path: %w", err)
	}

	unit := fmt.Sprintf(`[Unit]
Description=SadGuard webhook daemon
After=network.target docker.service

[Service]
Type=simple
ExecStart=%s serve
Restart=on-failure
RestartSec=5s
TimeoutStopSec=30
Environment=HOME=%s

[Install]
WantedBy=default.target
`, execPath, home)

	unitPath := filepath.Join(unitDir, "sadguard.service")
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	reloadCmd := exec.Command("systemctl", "--user", "daemon-reload")
	if out, err := reloadCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("daemon-reload: %s: %w", string(out), err)
	}

	enableCmd := exec.Command("systemctl", "--user", "enable", "sadguard")
	if out, err := enableCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enabling service: %s: %w", string(out), err)
	}

	fmt.Printf("installed sadguard.service at %s\n", unitPath)
	fmt.Println("service enabled — start with: systemctl --user start sadguard")
	return nil
}
