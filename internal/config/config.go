package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Experiments ExperimentsConfig
	API         APIConfig
}

type ServerConfig struct {
	Port int
	// MCPStdio serves the MCP tools over stdin/stdout alongside HTTP.
	MCPStdio bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ExperimentsConfig struct {
	CacheTTL          time.Duration
	PositiveThreshold float64
	// ReconcileInterval is how often metrics of running experiments are
	// recomputed from stored outcomes in the background.
	ReconcileInterval time.Duration
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Experiments: ExperimentsConfig{
			CacheTTL:          5 * time.Minute,
			PositiveThreshold: 4.0,
			ReconcileInterval: 10 * time.Minute,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/expd/config.json, then applies EXPD_* environment
// overrides. The API token is a secret: it comes from EXPD_API_TOKEN or
// the secrets file at $XDG_DATA_HOME/expd/secrets.json, never from the
// config file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		if tok, err := secrets.Get("api_token"); err == nil && tok != "" {
			cfg.API.Token = tok
		}
	}

	return cfg, nil
}

// RequireToken returns an error naming where to configure the API token
// when cfg has none.
func (cfg Config) RequireToken() error {
	if cfg.API.Token != "" {
		return nil
	}
	return errors.New("missing required config: API token. " +
		"Set it via environment variable EXPD_API_TOKEN or `expd config set-token`")
}

// SlogLevel maps log.level to a slog level; unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
