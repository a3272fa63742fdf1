// Package config loads service configuration from a YAML file overlaid with
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/szaher/designs/botfleet/internal/auth"
	"github.com/szaher/designs/botfleet/internal/telemetry"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Pairing PairingConfig `yaml:"pairing"`
	Worker  WorkerConfig  `yaml:"worker"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	Uptime  UptimeConfig  `yaml:"uptime"`
	Log     LogConfig     `yaml:"log"`
	Redis   RedisConfig   `yaml:"redis"`
	Backup  BackupConfig  `yaml:"backup"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"BOTFLEET_ADDR"`
	// Port, when set, overrides the port of Addr. ENV: PORT
	Port            int           `yaml:"port" env:"PORT"`
	APIKey          string        `yaml:"api_key" env:"BOTFLEET_API_KEY"`
	TokenSecret     string        `yaml:"token_secret" env:"BOTFLEET_TOKEN_SECRET"`
	RequestRate     float64       `yaml:"request_rate"`
	RequestBurst    int           `yaml:"request_burst"`
	SubmitCooldown  time.Duration `yaml:"submit_cooldown"`
	LongPoll        time.Duration `yaml:"long_poll"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustedProxies lists the CIDR ranges whose X-Forwarded-For header is
	// believed when identifying clients.
	TrustedProxies []string `yaml:"trusted_proxies" env:"BOTFLEET_TRUSTED_PROXIES"`
}

// ListenAddr is the address the server binds.
func (s ServerConfig) ListenAddr() string {
	if s.Port > 0 {
		host := s.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return fmt.Sprintf("%s:%d", host, s.Port)
	}
	return s.Addr
}

// DataConfig locates on-disk state.
type DataConfig struct {
	Dir string `yaml:"dir" env:"BOTFLEET_DATA_DIR"`
}

// PairingDir holds handshake credential directories.
func (d DataConfig) PairingDir() string { return filepath.Join(d.Dir, "pairing") }

// SessionsDir holds worker credential directories.
func (d DataConfig) SessionsDir() string { return filepath.Join(d.Dir, "sessions") }

// PairingConfig configures the handshake.
type PairingConfig struct {
	HelperCommand    string        `yaml:"helper_command" env:"BOTFLEET_PAIRING_HELPER"`
	HelperArgs       []string      `yaml:"helper_args"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
}

// WorkerConfig configures worker processes and their supervision.
type WorkerConfig struct {
	Command              string        `yaml:"command" env:"BOTFLEET_WORKER_COMMAND"`
	Args                 []string      `yaml:"args"`
	Dir                  string        `yaml:"dir" env:"BOTFLEET_WORKER_DIR"`
	Env                  []string      `yaml:"env"`
	ReadyMarkers         []string      `yaml:"ready_markers"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	StuckAfter           time.Duration `yaml:"stuck_after"`
	RestartDelay         time.Duration `yaml:"restart_delay"`
	CrashRestartDelay    time.Duration `yaml:"crash_restart_delay"`
	CrashRestartMaxDelay time.Duration `yaml:"crash_restart_max_delay"`
}

// ExpiryConfig configures the sweeper.
type ExpiryConfig struct {
	Window   time.Duration `yaml:"window"`
	Interval time.Duration `yaml:"interval"`
}

// UptimeConfig configures the self-ping monitor.
type UptimeConfig struct {
	Enabled  bool          `yaml:"enabled" env:"BOTFLEET_UPTIME_ENABLED"`
	URL      string        `yaml:"url" env:"BOTFLEET_PUBLIC_URL"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"BOTFLEET_LOG_LEVEL"`
	Format string `yaml:"format" env:"BOTFLEET_LOG_FORMAT"`
}

// RedisConfig enables the Redis event sink when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"BOTFLEET_REDIS_ADDR"`
	Password string `yaml:"password" env:"BOTFLEET_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// BackupConfig enables S3 credential backups when Bucket is set.
type BackupConfig struct {
	Bucket string `yaml:"bucket" env:"BOTFLEET_BACKUP_BUCKET"`
	Prefix string `yaml:"prefix" env:"BOTFLEET_BACKUP_PREFIX"`
	Region string `yaml:"region" env:"AWS_REGION"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			RequestRate:     1,
			RequestBurst:    10,
			SubmitCooldown:  2 * time.Minute,
			LongPoll:        60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Data: DataConfig{Dir: "data"},
		Pairing: PairingConfig{
			SettleDelay:      3 * time.Second,
			HandshakeTimeout: 5 * time.Minute,
			MaxAttempts:      3,
			RetryBackoff:     5 * time.Second,
			ReconnectDelay:   3 * time.Second,
			FlushTimeout:     8 * time.Second,
		},
		Worker: WorkerConfig{
			HealthInterval:       60 * time.Second,
			StuckAfter:           120 * time.Second,
			RestartDelay:         2 * time.Second,
			CrashRestartDelay:    10 * time.Second,
			CrashRestartMaxDelay: 5 * time.Minute,
		},
		Expiry: ExpiryConfig{
			Window:   10 * time.Minute,
			Interval: 60 * time.Second,
		},
		Uptime: UptimeConfig{
			Interval: 4 * time.Minute,
			Timeout:  10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Stream: "botfleet:events",
			MaxLen: 1000,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("reading environment: %w", err)
	}
	applyPlatformEnv(&cfg)
	if cfg.Uptime.URL == "" {
		cfg.Uptime.URL = "http://localhost" + portSuffix(cfg.Server.ListenAddr())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not set.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// applyPlatformEnv turns on self-pinging when running on a host that idles
// inactive services. RENDER_EXTERNAL_URL is the service's public address.
func applyPlatformEnv(cfg *Config) {
	if u := os.Getenv("RENDER_EXTERNAL_URL"); u != "" {
		if cfg.Uptime.URL == "" {
			cfg.Uptime.URL = u
		}
		cfg.Uptime.Enabled = true
	}
	if os.Getenv("RENDER") != "" {
		cfg.Uptime.Enabled = true
	}
}

func portSuffix(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ""
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr() == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Data.Dir == "" {
		errs = append(errs, errors.New("data.dir is required"))
	}
	if c.Server.TokenSecret != "" && len(c.Server.TokenSecret) < 16 {
		errs = append(errs, errors.New("server.token_secret must be at least 16 bytes"))
	}
	if _, err := auth.ParsePrefixes(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	if c.Pairing.MaxAttempts < 1 {
		errs = append(errs, errors.New("pairing.max_attempts must be at least 1"))
	}
	if c.Pairing.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("pairing.handshake_timeout must be positive"))
	}
	if c.Server.LongPoll <= 0 {
		errs = append(errs, errors.New("server.long_poll must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"worker.health_interval": c.Worker.HealthInterval,
		"expiry.interval":        c.Expiry.Interval,
		"expiry.window":          c.Expiry.Window,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Uptime.Enabled && c.Uptime.Interval <= 0 {
		errs = append(errs, errors.New("uptime.interval must be positive"))
	}
	if c.Worker.CrashRestartMaxDelay < c.Worker.CrashRestartDelay {
		errs = append(errs, errors.New("worker.crash_restart_max_delay must not be below crash_restart_delay"))
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
