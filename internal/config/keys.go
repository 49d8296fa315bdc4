package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "EXPD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "EXPD_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "storage.data_dir", typ: kString, env: "EXPD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "EXPD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "experiments.cache_ttl", typ: kDuration, env: "EXPD_EXPERIMENTS_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Experiments.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Experiments.CacheTTL },
	},
	{
		key: "experiments.positive_threshold", typ: kFloat, env: "EXPD_EXPERIMENTS_POSITIVE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Experiments.PositiveThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Experiments.PositiveThreshold },
	},
	{
		key: "experiments.reconcile_interval", typ: kDuration, env: "EXPD_EXPERIMENTS_RECONCILE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Experiments.ReconcileInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Experiments.ReconcileInterval },
	},
	{
		key: "api.token", typ: kString, env: "EXPD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}

// parseValue converts raw into the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d <= 0 {
			err = fmt.Errorf("duration must be positive")
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
