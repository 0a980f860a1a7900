package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the vmrouter server.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile string // optional YAML/TOML/JSON file read with viper
	DataDir    string
	SpoolDir   string // where the PBX writes in-progress recordings
	HTTPPort   int
	LogLevel   string
	LogFormat  string // "text" or "json"

	AMIAddr         string
	AMIUsername     string
	AMISecret       string
	DialplanContext string // only route calls entering AGI from this context
	EventBuffer     int

	MonitorInterval time.Duration
	AlertCooldown   time.Duration // 0 repeats DID alerts on every scan
	CleanupInterval time.Duration
	SpoolMaxAge     time.Duration

	IngestWorkers     int
	TranscribeTimeout time.Duration
	SpeechCredentials string // service account JSON; empty uses application default credentials
	SpeechLanguage    string
	GCSBucket         string // mirror voicemail audio to this bucket when set
	GCSPrefix         string

	NATSURL     string
	NATSSubject string
	DNCDSN      string // PostgreSQL DSN for the do-not-call list

	JWTSecret     string // hex-encoded 32-byte secret for admin API tokens
	AdminUsername string
	AdminPassword string // seeds the first admin user on an empty database
	CORSOrigins   string
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultAMIAddr           = "127.0.0.1:5038"
	defaultAMIUsername       = "vmrouter"
	defaultEventBuffer       = 256
	defaultMonitorInterval   = 24 * time.Hour
	defaultAlertCooldown     = 7 * 24 * time.Hour
	defaultCleanupInterval   = time.Hour
	defaultSpoolMaxAge       = 6 * time.Hour
	defaultIngestWorkers     = 4
	defaultTranscribeTimeout = 30 * time.Second
	defaultSpeechLanguage    = "en-US"
	defaultNATSSubject       = "vmrouter"
	defaultAdminUsername     = "admin"
)

// envPrefix is the prefix for all vmrouter environment variables.
const envPrefix = "VMROUTER_"

// EnvName returns the environment variable that overrides flag name.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("vmrouter serve", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a config file (yaml, toml or json)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and voicemail audio")
	fs.StringVar(&cfg.SpoolDir, "spool-dir", "", "directory the PBX records into (default <data-dir>/spool)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.AMIAddr, "ami-addr", defaultAMIAddr, "Asterisk manager interface address")
	fs.StringVar(&cfg.AMIUsername, "ami-username", defaultAMIUsername, "AMI username")
	fs.StringVar(&cfg.AMISecret, "ami-secret", "", "AMI secret")
	fs.StringVar(&cfg.DialplanContext, "dialplan-context", "", "only route calls from this dialplan context (empty routes all)")
	fs.IntVar(&cfg.EventBuffer, "event-buffer", defaultEventBuffer, "capacity of the call event queue")

	fs.DurationVar(&cfg.MonitorInterval, "monitor-interval", defaultMonitorInterval, "interval between DID lifecycle scans")
	fs.DurationVar(&cfg.AlertCooldown, "alert-cooldown", defaultAlertCooldown, "minimum gap between repeated DID age alerts (0 alerts every scan)")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", defaultCleanupInterval, "interval between voicemail retention sweeps")
	fs.DurationVar(&cfg.SpoolMaxAge, "spool-max-age", defaultSpoolMaxAge, "age after which leftover spool recordings are deleted")

	fs.IntVar(&cfg.IngestWorkers, "ingest-workers", defaultIngestWorkers, "concurrent voicemail ingestions")
	fs.DurationVar(&cfg.TranscribeTimeout, "transcribe-timeout", defaultTranscribeTimeout, "per-message transcription timeout")
	fs.StringVar(&cfg.SpeechCredentials, "speech-credentials", "", "Google service account JSON file for Speech-to-Text")
	fs.StringVar(&cfg.SpeechLanguage, "speech-language", defaultSpeechLanguage, "transcription language (BCP-47)")
	fs.StringVar(&cfg.GCSBucket, "gcs-bucket", "", "Google Cloud Storage bucket to mirror voicemail audio into")
	fs.StringVar(&cfg.GCSPrefix, "gcs-prefix", "voicemail/", "object name prefix inside the GCS bucket")

	fs.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server URL for event publishing (disabled if empty)")
	fs.StringVar(&cfg.NATSSubject, "nats-subject", defaultNATSSubject, "NATS subject prefix")
	fs.StringVar(&cfg.DNCDSN, "dnc-dsn", "", "PostgreSQL DSN for the do-not-call list (disabled if empty)")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API tokens (auto-generated if empty)")
	fs.StringVar(&cfg.AdminUsername, "admin-username", defaultAdminUsername, "initial admin username")
	fs.StringVar(&cfg.AdminPassword, "admin-password", "", "initial admin password (used only when no admin exists)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")

	return fs
}

// Load parses configuration from args, environment variables and the
// optional config file.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := newFlagSet(cfg)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["config"] {
		if v, ok := os.LookupEnv(EnvName("config")); ok {
			cfg.ConfigFile = v
		}
	}

	var file *viper.Viper
	if cfg.ConfigFile != "" {
		file = viper.New()
		file.SetConfigFile(cfg.ConfigFile)
		if err := file.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfg.ConfigFile, err)
		}
	}

	if err := applyOverrides(fs, set, file); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyOverrides fills every flag not given on the command line from its
// environment variable, then from the config file.
func applyOverrides(fs *flag.FlagSet, set map[string]bool, file *viper.Viper) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "config" {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			if file == nil || !file.IsSet(f.Name) {
				return
			}
			val = file.GetString(f.Name)
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.AMIAddr == "" {
		return fmt.Errorf("ami-addr is required")
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event-buffer must be at least 1, got %d", c.EventBuffer)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("ingest-workers must be at least 1, got %d", c.IngestWorkers)
	}
	for name, d := range map[string]time.Duration{
		"monitor-interval":   c.MonitorInterval,
		"cleanup-interval":   c.CleanupInterval,
		"transcribe-timeout": c.TranscribeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.AlertCooldown < 0 {
		return fmt.Errorf("alert-cooldown must not be negative, got %s", c.AlertCooldown)
	}
	if c.SpoolMaxAge < 0 {
		return fmt.Errorf("spool-max-age must not be negative, got %s", c.SpoolMaxAge)
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("nats-subject is required when nats-url is set")
	}
	return nil
}

// SpoolPath returns the recording spool directory.
func (c *Config) SpoolPath() string {
	if c.SpoolDir != "" {
		return c.SpoolDir
	}
	return filepath.Join(c.DataDir, "spool")
}

// AudioPath returns the directory for ingested voicemail audio.
func (c *Config) AudioPath() string {
	return filepath.Join(c.DataDir, "voicemail")
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
