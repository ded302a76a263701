package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Listen != ":3000" {
		t.Errorf("expected listen :3000, got %s", cfg.Server.Listen)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Errorf("expected max_tokens 4096, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.Run.MaxIterations != 3 {
		t.Errorf("expected max_iterations 3, got %d", cfg.Run.MaxIterations)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != ":3000" {
		t.Errorf("expected defaults for missing file, got listen %s", cfg.Server.Listen)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// local overrides
		"server": {"listen": ":8080"},
		"run": {"deadline": "2m"},
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected listen :8080, got %s", cfg.Server.Listen)
	}
	if cfg.Run.Deadline != "2m" {
		t.Errorf("expected deadline 2m, got %s", cfg.Run.Deadline)
	}
	// Values the file does not mention keep their defaults.
	if cfg.Run.MaxIterations != 3 {
		t.Errorf("expected max_iterations 3, got %d", cfg.Run.MaxIterations)
	}
	if cfg.LLM.Model == "" {
		t.Error("expected default model to survive merge")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestParseDurations(t *testing.T) {
	l := LLMConfig{Timeout: "90s"}
	if got := l.ParseTimeout(); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	l.Timeout = "garbage"
	if got := l.ParseTimeout(); got != 10*time.Minute {
		t.Errorf("expected 10m fallback, got %v", got)
	}

	r := RunConfig{Deadline: "45s"}
	if got := r.ParseDeadline(); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}
	r.Deadline = ""
	if got := r.ParseDeadline(); got != 5*time.Minute {
		t.Errorf("expected 5m fallback, got %v", got)
	}
}

func TestDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	want := filepath.Join(home, ".sadguard", "config.json")
	if got := DefaultPath(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func setCompleteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GITHUB_APP_ID", "12345")
	t.Setenv("GITHUB_PRIVATE_KEY_PATH", "/keys/app.pem")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "hunter2")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_NAME", "")
	t.Setenv("DB_USERNAME", "")
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("SADGUARD_DB_PATH", "/tmp/sadguard.db")
}

func TestFromEnvSQLite(t *testing.T) {
	setCompleteEnv(t)

	env, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.AppID != 12345 {
		t.Errorf("expected app id 12345, got %d", env.AppID)
	}
	if env.UsesPostgres() {
		t.Error("expected SQLite selection")
	}
	if env.SQLitePath != "/tmp/sadguard.db" {
		t.Errorf("unexpected sqlite path %s", env.SQLitePath)
	}
}

func TestFromEnvPostgres(t *testing.T) {
	setCompleteEnv(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "sadguard")
	t.Setenv("DB_USERNAME", "sadguard")
	t.Setenv("DB_PASSWORD", "secret")

	env, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.UsesPostgres() {
		t.Error("expected Postgres selection")
	}
	if env.DBName != "sadguard" {
		t.Errorf("unexpected db name %s", env.DBName)
	}
}

func TestFromEnvMissing(t *testing.T) {
	setCompleteEnv(t)
	t.Setenv("GITHUB_WEBHOOK_SECRET", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if !strings.Contains(err.Error(), "GITHUB_WEBHOOK_SECRET") {
		t.Errorf("error should name GITHUB_WEBHOOK_SECRET: %v", err)
	}
	if !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("error should name ANTHROPIC_API_KEY: %v", err)
	}
}

func TestFromEnvPostgresIncomplete(t *testing.T) {
	setCompleteEnv(t)
	t.Setenv("DB_HOST", "db.internal")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error for incomplete Postgres settings")
	}
	if !strings.Contains(err.Error(), "DB_NAME") {
		t.Errorf("error should name DB_NAME: %v", err)
	}
}

func TestFromEnvNoDatabase(t *testing.T) {
	setCompleteEnv(t)
	t.Setenv("SADGUARD_DB_PATH", "")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error when no database is configured")
	}
	if !strings.Contains(err.Error(), "SADGUARD_DB_PATH") {
		t.Errorf("error should mention SADGUARD_DB_PATH: %v", err)
	}
}

func TestFromEnvBadAppID(t *testing.T) {
	setCompleteEnv(t)
	t.Setenv("GITHUB_APP_ID", "not-a-number")

	if _, err := FromEnv(); err == nil {
		t.Error("expected error for non-numeric GITHUB_APP_ID")
	}
}

func TestDatabaseFromEnv(t *testing.T) {
	// Only the database selection is required; no GitHub or LLM vars.
	t.Setenv("GITHUB_APP_ID", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("SADGUARD_DB_PATH", "/tmp/sadguard.db")

	env, err := DatabaseFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.UsesPostgres() {
		t.Error("expected SQLite selection")
	}

	t.Setenv("SADGUARD_DB_PATH", "")
	if _, err := DatabaseFromEnv(); err == nil {
		t.Error("expected error when no database is configured")
	}
}
