package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
)

const (
	// APIKeyPrefix is the required prefix for control API keys.
	APIKeyPrefix = "ts_"

	// APIKeyMinLen is the minimum total key length including the prefix.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Config holds all environment-based configuration for treesync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// RootsFile is the YAML file listing sync roots.
	RootsFile string `env:"TREESYNC_ROOTS_FILE"`

	// StateDir holds one journal database per sync root.
	StateDir string `env:"TREESYNC_STATE_DIR"`

	// Parallelism.
	TransferConcurrency int `env:"TREESYNC_TRANSFER_CONCURRENCY" envDefault:"4"`
	RootConcurrency     int `env:"TREESYNC_ROOT_CONCURRENCY" envDefault:"2"`

	// Network and retry policy.
	NetworkTimeout   time.Duration `env:"TREESYNC_NETWORK_TIMEOUT" envDefault:"30s"`
	MaxAttempts      int           `env:"TREESYNC_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitial     time.Duration `env:"TREESYNC_RETRY_INITIAL" envDefault:"1s"`
	RetryMax         time.Duration `env:"TREESYNC_RETRY_MAX" envDefault:"30s"`
	BreakerThreshold int           `env:"TREESYNC_BREAKER_THRESHOLD" envDefault:"5"`
	PollInterval     time.Duration `env:"TREESYNC_POLL_INTERVAL" envDefault:"5m"`

	// Rename detection policy.
	RenameMinConfidence float64 `env:"TREESYNC_RENAME_MIN_CONFIDENCE" envDefault:"0.8"`
	RenameMinSize       int64   `env:"TREESYNC_RENAME_MIN_SIZE" envDefault:"1"`

	// Control surface. MCP tools are only mounted when API keys are set.
	ControlAddr    string `env:"TREESYNC_CONTROL_ADDR" envDefault:"127.0.0.1:8091"`
	ControlAPIKeys string `env:"TREESYNC_CONTROL_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, syncerr.Config(fmt.Errorf("parsing config: %w", err))
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, syncerr.Config(fmt.Errorf("validating config: %w", err))
	}

	return cfg, nil
}

func (c *Config) applyDefaults() error {
	home, err := os.UserHomeDir()
	if err != nil && (c.RootsFile == "" || c.StateDir == "") {
		return fmt.Errorf("determining home directory: %w", err)
	}

	if c.RootsFile == "" {
		c.RootsFile = filepath.Join(home, ".treesync", "roots.yaml")
	}

	if c.StateDir == "" {
		c.StateDir = filepath.Join(home, ".treesync", "state")
	}

	// Journals are keyed by path and compared by string prefix, so both
	// locations are made absolute once here.
	c.RootsFile, err = filepath.Abs(c.RootsFile)
	if err != nil {
		return fmt.Errorf("resolving roots file to absolute path: %w", err)
	}

	c.StateDir, err = filepath.Abs(c.StateDir)
	if err != nil {
		return fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.TransferConcurrency < 1 {
		return fmt.Errorf("TREESYNC_TRANSFER_CONCURRENCY must be at least 1")
	}

	if c.RootConcurrency < 1 {
		return fmt.Errorf("TREESYNC_ROOT_CONCURRENCY must be at least 1")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("TREESYNC_MAX_ATTEMPTS must be at least 1")
	}

	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("TREESYNC_NETWORK_TIMEOUT must be positive")
	}

	if c.RetryMax < c.RetryInitial {
		return fmt.Errorf("TREESYNC_RETRY_MAX must not be smaller than TREESYNC_RETRY_INITIAL")
	}

	if c.BreakerThreshold < 1 {
		return fmt.Errorf("TREESYNC_BREAKER_THRESHOLD must be at least 1")
	}

	if c.RenameMinConfidence <= 0 || c.RenameMinConfidence > 1 {
		return fmt.Errorf("TREESYNC_RENAME_MIN_CONFIDENCE must be in (0, 1]")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("TREESYNC_POLL_INTERVAL must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// JournalPath returns the journal database path for a root.
func (c *Config) JournalPath(root string) string {
	return filepath.Join(c.StateDir, root+".journal.db")
}

// APIKeyEntry holds a pre-configured API key and its associated operator
// identity parsed from TREESYNC_CONTROL_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the TREESYNC_CONTROL_API_KEYS string.
// Format: "user1:ts_key1,user2:ts_key2"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.ControlAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.ControlAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if len(key) < APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, APIKeyMinLen)
		}

		suffix := key[len(APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in TREESYNC_CONTROL_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
