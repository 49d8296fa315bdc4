package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	value string
	err   error
}

func (m mockSecrets) Get(account string) (string, error) {
	return m.value, m.err
}

var errNoSecrets = errors.New("no secrets file")

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{err: errNoSecrets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MCPStdio {
		t.Error("Server.MCPStdio = true, want false")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Experiments.CacheTTL != 5*time.Minute {
		t.Errorf("Experiments.CacheTTL = %v, want 5m", cfg.Experiments.CacheTTL)
	}
	if cfg.Experiments.PositiveThreshold != 4.0 {
		t.Errorf("Experiments.PositiveThreshold = %v, want 4", cfg.Experiments.PositiveThreshold)
	}
	if cfg.Experiments.ReconcileInterval != 10*time.Minute {
		t.Errorf("Experiments.ReconcileInterval = %v, want 10m", cfg.Experiments.ReconcileInterval)
	}
	if !strings.HasSuffix(cfg.Storage.DataDir, "expd") {
		t.Errorf("Storage.DataDir = %q, want it to end in expd", cfg.Storage.DataDir)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want empty", cfg.API.Token)
	}
}

func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "server.mcp_stdio": "true",
  "storage.data_dir": "/tmp/expd-test",
  "log.level": "debug",
  "experiments.cache_ttl": "30s",
  "experiments.positive_threshold": 3.5
}`)

	cfg, err := loadWith(b, mockSecrets{err: errNoSecrets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if !cfg.Server.MCPStdio {
		t.Error("Server.MCPStdio = false, want true")
	}
	if cfg.Storage.DataDir != "/tmp/expd-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Experiments.CacheTTL != 30*time.Second {
		t.Errorf("Experiments.CacheTTL = %v, want 30s", cfg.Experiments.CacheTTL)
	}
	if cfg.Experiments.PositiveThreshold != 3.5 {
		t.Errorf("Experiments.PositiveThreshold = %v, want 3.5", cfg.Experiments.PositiveThreshold)
	}
}

func TestFileValues_InvalidKeepsDefault(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"experiments.cache_ttl": "soon", "experiments.positive_threshold": "high"}`)

	cfg, err := loadWith(b, mockSecrets{err: errNoSecrets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Experiments.CacheTTL != 5*time.Minute || cfg.Experiments.PositiveThreshold != 4.0 {
		t.Errorf("invalid values should keep defaults, got %+v", cfg.Experiments)
	}
}

func TestFileValues_BadPortIsError(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(writeTempConfig(t, `{"server.port": 40.5}`), mockSecrets{err: errNoSecrets})
	if err == nil {
		t.Fatal("expected error for fractional port")
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "log.level": "debug"}`)

	t.Setenv("EXPD_SERVER_PORT", "6000")
	t.Setenv("EXPD_EXPERIMENTS_CACHE_TTL", "1m")
	t.Setenv("EXPD_API_TOKEN", "env-token")

	cfg, err := loadWith(b, mockSecrets{value: "file-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug from file", cfg.Log.Level)
	}
	if cfg.Experiments.CacheTTL != time.Minute {
		t.Errorf("Experiments.CacheTTL = %v, want 1m", cfg.Experiments.CacheTTL)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q, want env-token", cfg.API.Token)
	}
}

func TestEnvOverride_Unparseable(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPD_SERVER_PORT", "not-a-port")
	t.Setenv("EXPD_EXPERIMENTS_CACHE_TTL", "-5m")

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{err: errNoSecrets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
	if cfg.Experiments.CacheTTL != 5*time.Minute {
		t.Errorf("negative TTL should be ignored, got %v", cfg.Experiments.CacheTTL)
	}
}

func TestSecretsFallback(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{value: "file-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "file-token" {
		t.Errorf("API.Token = %q, want file-token", cfg.API.Token)
	}
}

func TestTokenNeverReadFromConfigFile(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{"api.token": "leaked"}`), mockSecrets{err: errNoSecrets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "" {
		t.Errorf("API.Token = %q, want empty", cfg.API.Token)
	}
}

func TestRequireToken(t *testing.T) {
	var cfg Config
	err := cfg.RequireToken()
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("error = %v, want missing required config", err)
	}
	cfg.API.Token = "x"
	if err := cfg.RequireToken(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LogConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "7000"); err != nil {
		t.Fatalf("setting port: %v", err)
	}
	if err := setKey(b, "experiments.cache_ttl", "90s"); err != nil {
		t.Fatalf("setting ttl: %v", err)
	}

	reloaded := newFileBackend(b.path)
	if v, ok, _ := reloaded.GetInt("server.port"); !ok || v != 7000 {
		t.Errorf("server.port = %d (ok=%v), want 7000", v, ok)
	}
	if v, ok, _ := reloaded.GetString("experiments.cache_ttl"); !ok || v != "90s" {
		t.Errorf("experiments.cache_ttl = %q (ok=%v), want 90s", v, ok)
	}
}

func TestSetKey_Rejects(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	tests := []struct {
		key, value, want string
	}{
		{"server.port", "abc", "invalid value"},
		{"experiments.cache_ttl", "0s", "invalid value"},
		{"server.mcp_stdio", "maybe", "invalid value"},
		{"api.token", "secret", "cannot set secret"},
		{"proxy.model", "x", "unknown config key"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%s=%s) error = %v, want %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestSecretsFile_RoundTrip(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "expd", "secrets.json")}

	if _, err := f.Get("api_token"); err == nil {
		t.Fatal("expected error before the file exists")
	}
	if err := f.Set("api_token", "s3cret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := f.Get("api_token")
	if err != nil || got != "s3cret" {
		t.Fatalf("Get = %q, %v; want s3cret", got, err)
	}

	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.API.Token = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "api.token" || k.Value == "hidden" {
			t.Fatalf("ShowAll exposed the token: %+v", k)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree")
	}
}
