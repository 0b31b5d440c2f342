package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"deploy-restart-agent/internal/parse"
)

// Config represents the overall application configuration.
type Config struct {
	// Identity is the acting user passed to the restart script. Empty means
	// the OS user.
	Identity   string           `yaml:"identity"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Session    SessionConfig    `yaml:"session"`
	Restart    RestartConfig    `yaml:"restart"`
	Targets    []TargetConfig   `yaml:"targets" validate:"dive"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size" validate:"min=1,max=64"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the local API server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port" validate:"min=1,max=65535"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateBurst       int     `yaml:"rate_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN                    string `yaml:"dsn" validate:"required"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// SessionConfig tunes the remote session.
type SessionConfig struct {
	ConnectAttempts        int `yaml:"connect_attempts" validate:"min=1,max=20"`
	BaseBackoffSeconds     int `yaml:"base_backoff_seconds"`
	KeepAliveSeconds       int `yaml:"keepalive_seconds"`
	ReconnectSettleSeconds int `yaml:"reconnect_settle_seconds"`
	CommandPollMs          int `yaml:"command_poll_ms"`
	DialTimeoutSeconds     int `yaml:"dial_timeout_seconds"`
	ProbeTimeoutSeconds    int `yaml:"probe_timeout_seconds"`

	BaseBackoff     time.Duration `yaml:"-"`
	KeepAlive       time.Duration `yaml:"-"`
	ReconnectSettle time.Duration `yaml:"-"`
	CommandPoll     time.Duration `yaml:"-"`
	DialTimeout     time.Duration `yaml:"-"`
	ProbeTimeout    time.Duration `yaml:"-"`
}

// RestartConfig tunes the restart coordinator and notification dedup.
type RestartConfig struct {
	PollIntervalMs   int `yaml:"poll_interval_ms" validate:"min=100"`
	SettleDelayMs    int `yaml:"settle_delay_ms"`
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`
	DebounceMs       int `yaml:"debounce_ms"`

	// CommandTimeoutSeconds bounds each restart script invocation.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	PollInterval   time.Duration `yaml:"-"`
	SettleDelay    time.Duration `yaml:"-"`
	Debounce       time.Duration `yaml:"-"`
	CommandTimeout time.Duration `yaml:"-"`
}

// TargetConfig is one deployment server. Address, when set, fills any of
// User, Host and Port left empty.
type TargetConfig struct {
	Name       string `yaml:"name" validate:"required,max=128"`
	Address    string `yaml:"address"`
	Host       string `yaml:"host" validate:"required"`
	Port       int    `yaml:"port" validate:"min=1,max=65535"`
	User       string `yaml:"user" validate:"required"`
	Password   string `yaml:"password"`
	KeyFile    string `yaml:"key_file"`
	KnownHosts string `yaml:"known_hosts"`
	ScriptPath string `yaml:"script_path" validate:"required"`
}

// Load reads the configuration from the given path, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 5
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "restartd.db"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 4
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetimeMinutes <= 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}

	s := &cfg.Session
	if s.ConnectAttempts <= 0 {
		s.ConnectAttempts = 3
	}
	if s.BaseBackoffSeconds <= 0 {
		s.BaseBackoffSeconds = 2
	}
	if s.KeepAliveSeconds <= 0 {
		s.KeepAliveSeconds = 5
	}
	if s.ReconnectSettleSeconds <= 0 {
		s.ReconnectSettleSeconds = 1
	}
	if s.CommandPollMs <= 0 {
		s.CommandPollMs = 50
	}
	if s.DialTimeoutSeconds <= 0 {
		s.DialTimeoutSeconds = 10
	}
	if s.ProbeTimeoutSeconds <= 0 {
		s.ProbeTimeoutSeconds = 10
	}
	s.BaseBackoff = time.Duration(s.BaseBackoffSeconds) * time.Second
	s.KeepAlive = time.Duration(s.KeepAliveSeconds) * time.Second
	s.ReconnectSettle = time.Duration(s.ReconnectSettleSeconds) * time.Second
	s.CommandPoll = time.Duration(s.CommandPollMs) * time.Millisecond
	s.DialTimeout = time.Duration(s.DialTimeoutSeconds) * time.Second
	s.ProbeTimeout = time.Duration(s.ProbeTimeoutSeconds) * time.Second

	r := &cfg.Restart
	if r.PollIntervalMs <= 0 {
		r.PollIntervalMs = 3000
	}
	if r.SettleDelayMs <= 0 {
		r.SettleDelayMs = 200
	}
	if r.FailureThreshold <= 0 {
		r.FailureThreshold = 5
	}
	if r.DebounceMs <= 0 {
		r.DebounceMs = 1000
	}
	if r.CommandTimeoutSeconds <= 0 {
		r.CommandTimeoutSeconds = 30
	}
	r.PollInterval = time.Duration(r.PollIntervalMs) * time.Millisecond
	r.SettleDelay = time.Duration(r.SettleDelayMs) * time.Millisecond
	r.Debounce = time.Duration(r.DebounceMs) * time.Millisecond
	r.CommandTimeout = time.Duration(r.CommandTimeoutSeconds) * time.Second

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.Address != "" {
			addr, err := parse.ParseAddress(t.Address)
			if err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
			if t.Host == "" {
				t.Host = addr.Host
			}
			if t.Port == 0 {
				t.Port = addr.Port
			}
			if t.User == "" {
				t.User = addr.User
			}
		}
		if t.Port == 0 {
			t.Port = parse.DefaultPort
		}
	}
	return nil
}

// Validate checks field constraints and target name uniqueness.
func (cfg *Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %s", formatValidationErrors(err))
	}
	seen := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if seen[t.Name] {
			return fmt.Errorf("invalid config: duplicate target %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Target returns the named target. An empty name selects the only target
// when exactly one is configured.
func (cfg *Config) Target(name string) (TargetConfig, error) {
	if name == "" {
		if len(cfg.Targets) == 1 {
			return cfg.Targets[0], nil
		}
		return TargetConfig{}, fmt.Errorf("%d targets configured; choose one with --target", len(cfg.Targets))
	}
	for _, t := range cfg.Targets {
		if t.Name == name {
			return t, nil
		}
	}
	return TargetConfig{}, fmt.Errorf("unknown target %q", name)
}

func formatValidationErrors(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	var msgs []string
	for _, fe := range validationErrors {
		field := fe.Namespace()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param())
		case "oneof":
			msgs = append(msgs, field+" must be one of: "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
