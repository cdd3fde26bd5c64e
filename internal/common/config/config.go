// Package config provides configuration management for the relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the relay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	MicroVM    MicroVMConfig    `mapstructure:"microvm"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Session    SessionConfig    `mapstructure:"session"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. Driver is "sqlite"
// (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects
// the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the container
// sandbox provider.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	DefaultImage   string `mapstructure:"defaultImage"`
}

// MicroVMConfig holds configuration for the microVM sandbox provider.
type MicroVMConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MonitorPath string `mapstructure:"monitorPath"` // VM monitor binary
	KernelImage string `mapstructure:"kernelImage"`
	RootFSImage string `mapstructure:"rootfsImage"`
}

// SandboxConfig holds provider-independent sandbox settings.
type SandboxConfig struct {
	// DefaultProvider selects the provider used when a session does not
	// name one: mock, container, or microvm.
	DefaultProvider string `mapstructure:"defaultProvider"`

	// StateDir is the host directory holding per-session mounts:
	// <stateDir>/sessions/<sessionID>/{workspace,agent,git}.
	StateDir string `mapstructure:"stateDir"`

	// ProvisionTimeout bounds createSandbox, in seconds.
	ProvisionTimeout int `mapstructure:"provisionTimeout"`

	// DefaultResourceTier is one of small, medium, large.
	DefaultResourceTier string `mapstructure:"defaultResourceTier"`
}

// SessionConfig holds session service and supervisor settings.
type SessionConfig struct {
	// RPCTimeout bounds a single agent RPC call, in seconds.
	RPCTimeout int `mapstructure:"rpcTimeout"`

	// JournalRetentionDays is the retention window for journal entries.
	JournalRetentionDays int `mapstructure:"journalRetentionDays"`

	// PruneInterval is how often the retention pruner runs, in minutes.
	PruneInterval int `mapstructure:"pruneInterval"`

	// SubscriberBuffer is the per-subscriber live event queue size.
	// A subscriber that falls this far behind is dropped with a lag error.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`

	// ReattachRetries bounds channel re-attach attempts while a session
	// is still running.
	ReattachRetries int `mapstructure:"reattachRetries"`
}

// EncryptionConfig holds the secrets encryption key source.
// Key material comes from RELAY_ENCRYPTION_KEY (hex-encoded 32 bytes)
// when set, otherwise from KeyFile (generated on first start).
type EncryptionConfig struct {
	KeyFile string `mapstructure:"keyFile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProvisionTimeoutDuration returns the provision timeout as a time.Duration.
func (s *SandboxConfig) ProvisionTimeoutDuration() time.Duration {
	return time.Duration(s.ProvisionTimeout) * time.Second
}

// RPCTimeoutDuration returns the RPC timeout as a time.Duration.
func (s *SessionConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(s.RPCTimeout) * time.Second
}

// RetentionDuration returns the journal retention window as a time.Duration.
func (s *SessionConfig) RetentionDuration() time.Duration {
	return time.Duration(s.JournalRetentionDays) * 24 * time.Hour
}

// PruneIntervalDuration returns the pruner interval as a time.Duration.
func (s *SessionConfig) PruneIntervalDuration() time.Duration {
	return time.Duration(s.PruneInterval) * time.Minute
}

// SessionDir returns the host state directory for one session.
func (s *SandboxConfig) SessionDir(sessionID string) string {
	return filepath.Join(s.StateDir, "sessions", sessionID)
}

// detectDefaultLogFormat returns "json" in production-looking
// environments and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./relay-state"
	}
	return filepath.Join(home, ".relay")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(defaultStateDir(), "relay.db"))
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.defaultImage", "relay-agent:latest")

	// MicroVM defaults - disabled unless a monitor binary is configured
	v.SetDefault("microvm.enabled", false)
	v.SetDefault("microvm.monitorPath", "")
	v.SetDefault("microvm.kernelImage", "")
	v.SetDefault("microvm.rootfsImage", "")

	// Sandbox defaults
	v.SetDefault("sandbox.defaultProvider", "mock")
	v.SetDefault("sandbox.stateDir", defaultStateDir())
	v.SetDefault("sandbox.provisionTimeout", 60)
	v.SetDefault("sandbox.defaultResourceTier", "small")

	// Session defaults
	v.SetDefault("session.rpcTimeout", 30)
	v.SetDefault("session.journalRetentionDays", 7)
	v.SetDefault("session.pruneInterval", 60)
	v.SetDefault("session.subscriberBuffer", 256)
	v.SetDefault("session.reattachRetries", 3)

	// Encryption defaults
	v.SetDefault("encryption.keyFile", filepath.Join(defaultStateDir(), "master.key"))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the documented env var name differs from
	// the viper key derived from the config structure.
	_ = v.BindEnv("sandbox.defaultProvider", "SANDBOX_PROVIDER", "RELAY_SANDBOX_DEFAULT_PROVIDER")
	_ = v.BindEnv("sandbox.stateDir", "RELAY_STATE_DIR")
	_ = v.BindEnv("database.path", "RELAY_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Sandbox.DefaultProvider {
	case "mock", "container", "microvm":
	default:
		errs = append(errs, "sandbox.defaultProvider must be one of: mock, container, microvm")
	}

	switch cfg.Sandbox.DefaultResourceTier {
	case "small", "medium", "large":
	default:
		errs = append(errs, "sandbox.defaultResourceTier must be one of: small, medium, large")
	}

	if cfg.Sandbox.ProvisionTimeout <= 0 {
		errs = append(errs, "sandbox.provisionTimeout must be positive")
	}
	if cfg.Session.RPCTimeout <= 0 {
		errs = append(errs, "session.rpcTimeout must be positive")
	}
	if cfg.Session.SubscriberBuffer <= 0 {
		errs = append(errs, "session.subscriberBuffer must be positive")
	}

	if cfg.MicroVM.Enabled && cfg.MicroVM.MonitorPath == "" {
		errs = append(errs, "microvm.monitorPath is required when microvm.enabled is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
