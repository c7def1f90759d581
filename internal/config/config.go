// Package config loads daemon configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	APIBaseURL  string `env:"NOTISYNC_API_BASE_URL" envDefault:"http://127.0.0.1:8080"`
	RealtimeURL string `env:"NOTISYNC_REALTIME_URL" envDefault:"ws://127.0.0.1:8080/ws"`
	ListenAddr  string `env:"NOTISYNC_LISTEN_ADDR" envDefault:"127.0.0.1:7310"`

	// Credential source, first match wins: explicit token, token file
	// (reloaded on change), OS keyring.
	Token          string `env:"NOTISYNC_TOKEN"`
	TokenFile      string `env:"NOTISYNC_TOKEN_FILE"`
	KeyringService string `env:"NOTISYNC_KEYRING_SERVICE"`
	KeyringKey     string `env:"NOTISYNC_KEYRING_KEY" envDefault:"api-token"`

	SyncInterval   time.Duration `env:"NOTISYNC_SYNC_INTERVAL" envDefault:"5m"`
	SyncJitter     float64       `env:"NOTISYNC_SYNC_JITTER" envDefault:"0.1"`
	RequestTimeout time.Duration `env:"NOTISYNC_REQUEST_TIMEOUT" envDefault:"15s"`

	MaxReconnectAttempts int           `env:"NOTISYNC_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelay   time.Duration `env:"NOTISYNC_RECONNECT_BASE_DELAY" envDefault:"1s"`

	MirrorBackend string `env:"NOTISYNC_MIRROR_BACKEND" envDefault:"file"`
	MirrorFile    string `env:"NOTISYNC_MIRROR_FILE"`
	PostgresDSN   string `env:"NOTISYNC_POSTGRES_DSN"`
	RedisAddr     string `env:"NOTISYNC_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"NOTISYNC_REDIS_PASSWORD"`
	RedisDB       int    `env:"NOTISYNC_REDIS_DB" envDefault:"0"`

	LogLevel string `env:"NOTISYNC_LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing environment")
	}
	if cfg.MirrorFile == "" {
		cfg.MirrorFile = defaultMirrorFile()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.MirrorBackend {
	case "file", "none":
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("NOTISYNC_POSTGRES_DSN is required for the postgres mirror backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("NOTISYNC_REDIS_ADDR is required for the redis mirror backend")
		}
	default:
		return errors.Errorf("unknown mirror backend %q", c.MirrorBackend)
	}
	if c.SyncJitter < 0 || c.SyncJitter > 1 {
		return errors.Errorf("sync jitter %v out of range [0,1]", c.SyncJitter)
	}
	return nil
}

func defaultMirrorFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "notisync", "notifications.json")
	}
	return filepath.Join(dir, "notisync", "notifications.json")
}
