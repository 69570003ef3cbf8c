package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for msgsync.
type Config struct {
	// ServerURL is the WebSocket endpoint of the sync server.
	ServerURL string `env:"SERVER_URL"`

	// Local author identity stamped onto composed messages.
	AuthorID   string `env:"AUTHOR_ID"`
	AuthorName string `env:"AUTHOR_NAME"`

	// StorePath is the bbolt database file holding the message log, the
	// outbound queue, and the sync cursor. Defaults to
	// ~/.msgsync/messages.db.
	StorePath string `env:"STORE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Outbound retry policy.
	MaxSendAttempts int           `env:"MAX_SEND_ATTEMPTS" envDefault:"3"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffCap      time.Duration `env:"BACKOFF_CAP" envDefault:"16s"`

	// Connection policy.
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	LivenessTimeout      time.Duration `env:"LIVENESS_TIMEOUT" envDefault:"10s"`
	AckTimeout           time.Duration `env:"ACK_TIMEOUT" envDefault:"5s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`

	// BackfillMaxRetries bounds how often a detected gap is re-requested
	// before it is abandoned.
	BackfillMaxRetries int `env:"BACKFILL_MAX_RETRIES" envDefault:"3"`

	// EvictBatch is how many oldest acked messages are dropped when the
	// store reports it is full.
	EvictBatch int `env:"EVICT_BATCH" envDefault:"32"`
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
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StorePath == "" {
		path, err := defaultStorePath()
		if err != nil {
			return nil, err
		}

		cfg.StorePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".msgsync", "messages.db"), nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if c.AuthorID == "" {
		return fmt.Errorf("AUTHOR_ID is required")
	}

	if c.AuthorName == "" {
		return fmt.Errorf("AUTHOR_NAME is required")
	}

	if c.MaxSendAttempts < 1 {
		return fmt.Errorf("MAX_SEND_ATTEMPTS must be at least 1")
	}

	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and BACKOFF_CAP must not be below it")
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.EvictBatch < 1 {
		return fmt.Errorf("EVICT_BATCH must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
