// Package config provides configuration management for streamrelay.
// Values come from defaults, an optional config.yaml and STREAMRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentease/streamrelay/internal/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server  ServerConfig         `mapstructure:"server"`
	Worker  WorkerConfig         `mapstructure:"worker"`
	Results ResultsConfig        `mapstructure:"results"`
	Push    PushConfig           `mapstructure:"push"`
	Session SessionConfig        `mapstructure:"session"`
	Auth    AuthConfig           `mapstructure:"auth"`
	Journal JournalConfig        `mapstructure:"journal"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"` // in seconds
	Mode         string `mapstructure:"mode"`        // gin mode: debug, release, test
	CORSOrigin   string `mapstructure:"corsOrigin"`
	ShutdownWait int    `mapstructure:"shutdownWait"` // in seconds
}

// WorkerConfig describes how the analysis worker is launched.
//
// Command is a shell-like command line. The placeholders {stream} and
// {session} are replaced with the stream reference and the session ID.
type WorkerConfig struct {
	Command      string            `mapstructure:"command"`
	Dir          string            `mapstructure:"dir"`
	Env          map[string]string `mapstructure:"env"`
	TimeoutMs    int               `mapstructure:"timeoutMs"`
	KillGraceMs  int               `mapstructure:"killGraceMs"`
	MaxLineBytes int               `mapstructure:"maxLineBytes"`
}

// ResultsConfig holds result cache configuration.
type ResultsConfig struct {
	Capacity            int  `mapstructure:"capacity"`
	RetainAfterEnd      bool `mapstructure:"retainAfterEnd"`
	MaxRetainedSessions int  `mapstructure:"maxRetainedSessions"`
}

// PushConfig holds push-stream configuration.
type PushConfig struct {
	QueueSize        int `mapstructure:"queueSize"`
	HeartbeatSeconds int `mapstructure:"heartbeatSeconds"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	EndOnDisconnect bool `mapstructure:"endOnDisconnect"`
	MaxPerUser      int  `mapstructure:"maxPerUser"`
}

// AuthConfig says where the caller's user identity is read from.
type AuthConfig struct {
	Header     string `mapstructure:"header"`
	QueryParam string `mapstructure:"queryParam"`
}

// JournalConfig holds session journal configuration. An empty path disables the journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// Timeout returns the worker lifetime as a time.Duration.
func (w *WorkerConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// KillGrace returns how long a terminated worker gets before it is force killed.
func (w *WorkerConfig) KillGrace() time.Duration {
	return time.Duration(w.KillGraceMs) * time.Millisecond
}

// Heartbeat returns the push heartbeat interval.
func (p *PushConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}

// Addr returns the listen address of the HTTP server.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// ShutdownWaitDuration returns the graceful shutdown budget.
func (s *ServerConfig) ShutdownWaitDuration() time.Duration {
	return time.Duration(s.ShutdownWait) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.corsOrigin", "*")
	v.SetDefault("server.shutdownWait", 10)

	v.SetDefault("worker.command", "python3 processing-logic/main.py --stream {stream} --session-id {session}")
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.env", map[string]string{})
	v.SetDefault("worker.timeoutMs", 300000)
	v.SetDefault("worker.killGraceMs", 5000)
	v.SetDefault("worker.maxLineBytes", 1<<20)

	v.SetDefault("results.capacity", 100)
	v.SetDefault("results.retainAfterEnd", true)
	v.SetDefault("results.maxRetainedSessions", 1000)

	v.SetDefault("push.queueSize", 64)
	v.SetDefault("push.heartbeatSeconds", 25)

	v.SetDefault("session.endOnDisconnect", true)
	v.SetDefault("session.maxPerUser", 10)

	v.SetDefault("auth.header", "X-User-ID")
	v.SetDefault("auth.queryParam", "user")

	v.SetDefault("journal.path", "data/sessions.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or the default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STREAMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys onto SNAKE_CASE variables.
	_ = v.BindEnv("worker.timeoutMs", "STREAMRELAY_WORKER_TIMEOUT_MS")
	_ = v.BindEnv("worker.killGraceMs", "STREAMRELAY_WORKER_KILL_GRACE_MS")
	_ = v.BindEnv("session.endOnDisconnect", "STREAMRELAY_SESSION_END_ON_DISCONNECT")
	_ = v.BindEnv("session.maxPerUser", "STREAMRELAY_SESSION_MAX_PER_USER")
	_ = v.BindEnv("server.port", "PORT", "STREAMRELAY_SERVER_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/streamrelay/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate collects every invalid field into a single error.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		errs = append(errs, "worker.command is required")
	}
	if cfg.Worker.TimeoutMs <= 0 {
		errs = append(errs, "worker.timeoutMs must be positive")
	}
	if cfg.Worker.KillGraceMs < 0 {
		errs = append(errs, "worker.killGraceMs must not be negative")
	}
	if cfg.Worker.MaxLineBytes <= 0 {
		errs = append(errs, "worker.maxLineBytes must be positive")
	}
	if cfg.Results.Capacity <= 0 {
		errs = append(errs, "results.capacity must be positive")
	}
	if cfg.Results.MaxRetainedSessions < 0 {
		errs = append(errs, "results.maxRetainedSessions must not be negative")
	}
	if cfg.Push.QueueSize <= 0 {
		errs = append(errs, "push.queueSize must be positive")
	}
	if cfg.Push.HeartbeatSeconds < 0 {
		errs = append(errs, "push.heartbeatSeconds must not be negative")
	}
	if cfg.Session.MaxPerUser < 0 {
		errs = append(errs, "session.maxPerUser must not be negative")
	}
	if cfg.Auth.Header == "" && cfg.Auth.QueryParam == "" {
		errs = append(errs, "auth.header or auth.queryParam is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
