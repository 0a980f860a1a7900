package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every VMROUTER_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.MonitorInterval != 24*time.Hour {
		t.Errorf("MonitorInterval = %v, want 24h", cfg.MonitorInterval)
	}
	if cfg.AlertCooldown != 7*24*time.Hour {
		t.Errorf("AlertCooldown = %v, want 168h", cfg.AlertCooldown)
	}
	if got := cfg.SpoolPath(); got != filepath.Join(defaultDataDir, "spool") {
		t.Errorf("SpoolPath() = %q", got)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("VMROUTER_HTTP_PORT", "9090")
	t.Setenv("VMROUTER_DATA_DIR", "/tmp/vmrouter-test")
	t.Setenv("VMROUTER_LOG_LEVEL", "DEBUG")
	t.Setenv("VMROUTER_ALERT_COOLDOWN", "0s")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/vmrouter-test" {
		t.Errorf("DataDir = %q, want /tmp/vmrouter-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.AlertCooldown != 0 {
		t.Errorf("AlertCooldown = %v, want 0", cfg.AlertCooldown)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("VMROUTER_MONITOR_INTERVAL", "daily")

	if _, err := Load(nil); err == nil || !strings.Contains(err.Error(), "monitor-interval") {
		t.Errorf("error = %v, want monitor-interval parse failure", err)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("VMROUTER_HTTP_PORT", "9090")
	t.Setenv("VMROUTER_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestConfigFileLayer(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "vmrouter.yaml")
	body := `http-port: 7070
ami-addr: pbx.internal:5038
monitor-interval: 12h
log-format: json
nats-url: nats://127.0.0.1:4222
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VMROUTER_AMI_ADDR", "pbx.env:5038")

	cfg, err := Load([]string{"--config", path, "--log-format", "text"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070 from file", cfg.HTTPPort)
	}
	if cfg.MonitorInterval != 12*time.Hour {
		t.Errorf("MonitorInterval = %v, want 12h from file", cfg.MonitorInterval)
	}
	if cfg.AMIAddr != "pbx.env:5038" {
		t.Errorf("AMIAddr = %q, want env to beat file", cfg.AMIAddr)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want CLI to beat file", cfg.LogFormat)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "vmrouter.yaml")
	if err := os.WriteFile(path, []byte("ingest-workers: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VMROUTER_CONFIG", path)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.IngestWorkers != 9 {
		t.Errorf("IngestWorkers = %d, want 9", cfg.IngestWorkers)
	}
}

func TestMissingConfigFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"invalid log format", []string{"--log-format", "xml"}},
		{"zero workers", []string{"--ingest-workers", "0"}},
		{"zero monitor interval", []string{"--monitor-interval", "0s"}},
		{"negative cooldown", []string{"--alert-cooldown", "-1h"}},
		{"nats without subject", []string{"--nats-url", "nats://x", "--nats-subject", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Load(tt.args); err == nil {
				t.Fatalf("Load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil || len(key) != 32 {
		t.Fatalf("generated key = %d bytes, %v", len(key), err)
	}
	again, err := cfg.JWTSecretBytes()
	if err != nil || string(again) != string(key) {
		t.Error("generated key not kept for the process lifetime")
	}

	bad := &Config{JWTSecret: "abcd"}
	if _, err := bad.JWTSecretBytes(); err == nil {
		t.Error("short secret accepted")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
