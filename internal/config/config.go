// Package config loads sadguard's tuning configuration from a JSONC
// file and its secrets from the environment. File values override the
// built-in defaults; missing files are fine, malformed ones are not.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// DefaultPath returns the default config file location,
// ~/.sadguard/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sadguard", "config.json")
	}
	return filepath.Join(home, ".sadguard", "config.json")
}

// Load builds the effective configuration: defaults overlaid with the
// JSONC file at path. An empty path means DefaultPath. A missing file
// is not an error; an unreadable or malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath()
	}
	raw, err := loadJSONC(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	} else if err := mergeIntoConfig(&cfg, raw); err != nil {
		return nil, fmt.Errorf("merging config %s: %w", path, err)
	}

	return &cfg, nil
}

// loadJSONC reads a JSONC file and returns its contents as a generic
// map, with comments and trailing commas stripped.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}

// mergeIntoConfig overlays raw onto cfg. Values present in raw win;
// everything else keeps its current value.
func mergeIntoConfig(cfg *Config, raw map[string]any) error {
	base, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling base config: %w", err)
	}
	var baseMap map[string]any
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return fmt.Errorf("unmarshaling base config: %w", err)
	}

	if err := mergo.Merge(&baseMap, raw, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config maps: %w", err)
	}

	merged, err := json.Marshal(baseMap)
	if err != nil {
		return fmt.Errorf("marshaling merged config: %w", err)
	}
	if err := json.Unmarshal(merged, cfg); err != nil {
		return fmt.Errorf("unmarshaling merged config: %w", err)
	}
	return nil
}

// Env carries the secrets and credentials sadguard refuses to read
// from a file: GitHub App identity, the LLM API key, and database
// coordinates.
type Env struct {
	AppID          int64
	PrivateKeyPath string
	WebhookSecret  string
	AnthropicKey   string

	DBHost     string
	DBName     string
	DBUser     string
	DBPassword string
	SQLitePath string
}

// UsesPostgres reports whether the environment selected Postgres over
// SQLite.
func (e *Env) UsesPostgres() bool {
	return e.DBHost != ""
}

// FromEnv reads the required environment variables and validates that
// a complete set is present. DB_HOST selects Postgres and requires the
// full DB_* set; otherwise SADGUARD_DB_PATH selects SQLite.
func FromEnv() (*Env, error) {
	env := &Env{
		PrivateKeyPath: os.Getenv("GITHUB_PRIVATE_KEY_PATH"),
		WebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		DBHost:         os.Getenv("DB_HOST"),
		DBName:         os.Getenv("DB_NAME"),
		DBUser:         os.Getenv("DB_USERNAME"),
		DBPassword:     os.Getenv("DB_PASSWORD"),
		SQLitePath:     os.Getenv("SADGUARD_DB_PATH"),
	}

	var missing []string
	if raw := os.Getenv("GITHUB_APP_ID"); raw == "" {
		missing = append(missing, "GITHUB_APP_ID")
	} else {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing GITHUB_APP_ID: %w", err)
		}
		env.AppID = id
	}
	if env.PrivateKeyPath == "" {
		missing = append(missing, "GITHUB_PRIVATE_KEY_PATH")
	}
	if env.WebhookSecret == "" {
		missing = append(missing, "GITHUB_WEBHOOK_SECRET")
	}
	if env.AnthropicKey == "" {
		missing = append(missing, "ANTHROPIC_API_KEY")
	}

	missing = append(missing, env.missingDatabaseVars()...)

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return env, nil
}

// DatabaseFromEnv reads only the database selection from the
// environment. Read-only commands use it so they do not demand the
// GitHub and LLM credentials the server needs.
func DatabaseFromEnv() (*Env, error) {
	env := &Env{
		DBHost:     os.Getenv("DB_HOST"),
		DBName:     os.Getenv("DB_NAME"),
		DBUser:     os.Getenv("DB_USERNAME"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		SQLitePath: os.Getenv("SADGUARD_DB_PATH"),
	}
	if missing := env.missingDatabaseVars(); len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return env, nil
}

func (e *Env) missingDatabaseVars() []string {
	var missing []string
	if e.DBHost != "" {
		if e.DBName == "" {
			missing = append(missing, "DB_NAME")
		}
		if e.DBUser == "" {
			missing = append(missing, "DB_USERNAME")
		}
		if e.DBPassword == "" {
			missing = append(missing, "DB_PASSWORD")
		}
	} else if e.SQLitePath == "" {
		missing = append(missing, "DB_HOST or SADGUARD_DB_PATH")
	}
	return missing
}
