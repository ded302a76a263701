package config

import "time"

// Config is the file-backed tuning configuration. Secrets never live
// here; they come from the environment (see FromEnv).
type Config struct {
	Server ServerConfig `json:"server"`
	LLM    LLMConfig    `json:"llm"`
	Run    RunConfig    `json:"run"`
	Log    LogConfig    `json:"log"`
}

// ServerConfig holds webhook server settings.
type ServerConfig struct {
	Listen string `json:"listen"`
}

// LLMConfig selects the review model and its request bounds.
type LLMConfig struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	Timeout   string `json:"timeout"`
}

// ParseTimeout returns the per-completion timeout as a time.Duration.
func (l LLMConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// RunConfig bounds the sandbox run and the review loops.
type RunConfig struct {
	Deadline      string `json:"deadline"`
	MaxIterations int    `json:"max_iterations"`
}

// ParseDeadline returns the sandbox run deadline as a time.Duration.
func (r RunConfig) ParseDeadline() time.Duration {
	d, err := time.ParseDuration(r.Deadline)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":3000",
		},
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Timeout:   "10m",
		},
		Run: RunConfig{
			Deadline:      "5m",
			MaxIterations: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
