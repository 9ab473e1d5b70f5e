package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
database:
  path: /var/lib/cuelight/cuelight.sqlite
server:
  listen: ":9000"
  shutdown_timeout: 10s
bridge:
  request_timeout: 3s
  probe_timeout: 2s
  rate_limit_rps: 5
  discovery_timeout: 4s
autoclear:
  enabled: true
  schedule: "0 30 21 * * *"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Database.Path != "/var/lib/cuelight/cuelight.sqlite" {
		t.Errorf("database path = %s", cfg.Database.Path)
	}
	if cfg.Server.Listen != ":9000" {
		t.Errorf("listen = %s", cfg.Server.Listen)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 10*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Bridge.RequestTimeout.Duration() != 3*time.Second {
		t.Errorf("request timeout = %v", cfg.Bridge.RequestTimeout.Duration())
	}
	if cfg.Bridge.RateLimitRPS != 5 {
		t.Errorf("rate limit = %v", cfg.Bridge.RateLimitRPS)
	}
	if !cfg.Autoclear.Enabled || cfg.Autoclear.Schedule != "0 30 21 * * *" {
		t.Errorf("autoclear = %+v", cfg.Autoclear)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("level = %s, explicit value lost", cfg.Log.Level)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("format default = %s", cfg.Log.Format)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen default = %s", cfg.Server.Listen)
	}
	if cfg.Bridge.RequestTimeout.Duration() != 10*time.Second {
		t.Errorf("request timeout default = %v", cfg.Bridge.RequestTimeout.Duration())
	}
	if cfg.Bridge.ProbeTimeout.Duration() != 5*time.Second {
		t.Errorf("probe timeout default = %v", cfg.Bridge.ProbeTimeout.Duration())
	}
	if cfg.Bridge.RateLimitRPS != 10.0 {
		t.Errorf("rate limit default = %v", cfg.Bridge.RateLimitRPS)
	}
	if cfg.Autoclear.Enabled {
		t.Error("autoclear enabled by default")
	}
	if cfg.Autoclear.Schedule != "0 0 22 * * *" {
		t.Errorf("autoclear schedule default = %s", cfg.Autoclear.Schedule)
	}
	if cfg.Ledger.RetentionDays != 30 {
		t.Errorf("retention default = %d", cfg.Ledger.RetentionDays)
	}
	if cfg.EventBus.GetWorkers() != 2 || cfg.EventBus.GetQueueSize() != 64 {
		t.Errorf("eventbus defaults = %d/%d", cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Server.Listen != ":8080" || cfg.Database.Path != "./cuelight.sqlite" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CUELIGHT_DB", "/tmp/fromenv.sqlite")

	path := writeConfig(t, `
database:
  path: ${CUELIGHT_DB}
server:
  listen: ${CUELIGHT_LISTEN::7070}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/fromenv.sqlite" {
		t.Errorf("path = %s, env var not expanded", cfg.Database.Path)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("listen = %s, default fallback not applied", cfg.Server.Listen)
	}
}

func TestDurationParsing(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", yaml: "server:\n  shutdown_timeout: 45s\n", want: 45 * time.Second},
		{name: "minutes", yaml: "server:\n  shutdown_timeout: 2m\n", want: 2 * time.Minute},
		{name: "compound", yaml: "server:\n  shutdown_timeout: 1m30s\n", want: 90 * time.Second},
		{name: "bare number rejected", yaml: "server:\n  shutdown_timeout: 45\n", wantErr: true},
		{name: "garbage rejected", yaml: "server:\n  shutdown_timeout: soon\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got := cfg.Server.ShutdownTimeout.Duration(); got != tt.want {
				t.Errorf("duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("CUELIGHT_TOKEN", "abc123")

	if got := ExpandEnvString("${CUELIGHT_TOKEN}"); got != "abc123" {
		t.Errorf("got %q", got)
	}
	if got := ExpandEnvString("plain"); got != "plain" {
		t.Errorf("got %q, literal must pass through", got)
	}
}
