// Package config provides configuration management for the Codebench control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
	NetworkMode string `mapstructure:"networkMode"`
}

// KubernetesConfig holds pod-scheduler runtime configuration.
type KubernetesConfig struct {
	Namespace      string `mapstructure:"namespace"`
	Kubeconfig     string `mapstructure:"kubeconfig"` // empty means in-cluster, then ~/.kube/config
	ServiceAccount string `mapstructure:"serviceAccount"`
}

// SandboxConfig holds the resource policy and provisioning settings for
// sandboxes. The policy values are read-only after startup.
type SandboxConfig struct {
	Runtime        string  `mapstructure:"runtime"` // docker or kubernetes
	Image          string  `mapstructure:"image"`
	MirrorBase     string  `mapstructure:"mirrorBase"`     // base dir for workspace mirror directories
	WorkdirMount   string  `mapstructure:"workdirMount"`   // fixed in-sandbox mount path
	MaxTotal       int     `mapstructure:"maxTotal"`       // global concurrent sandbox cap
	MaxPerUser     int     `mapstructure:"maxPerUser"`     // per-user concurrent sandbox cap
	IdleTimeout    int     `mapstructure:"idleTimeout"`    // in seconds
	MaxLifetime    int     `mapstructure:"maxLifetime"`    // in seconds
	MemoryMB       int64   `mapstructure:"memoryMb"`       // per-sandbox memory cap
	CPUCores       float64 `mapstructure:"cpuCores"`       // per-sandbox CPU cap
	PidsLimit      int64   `mapstructure:"pidsLimit"`      // per-sandbox process cap
	SandboxUID     int64   `mapstructure:"sandboxUid"`     // non-root execution identity
	IdleSweepSec   int     `mapstructure:"idleSweepSec"`   // idle/expiry sweep interval
	HealthSec      int     `mapstructure:"healthSec"`      // health check interval
	MonitorSec     int     `mapstructure:"monitorSec"`     // resource monitor interval
	MonitorWarnPct int     `mapstructure:"monitorWarnPct"` // quota usage warning threshold
}

// SyncConfig holds workspace synchronizer policy.
type SyncConfig struct {
	// MutatingCommands is the keyword list for the incremental sync
	// heuristic. A command whose first token appears here (or that contains
	// output redirection) triggers a sync after execution.
	MutatingCommands []string `mapstructure:"mutatingCommands"`
	CommandTimeout   int      `mapstructure:"commandTimeout"` // fallback shell read timeout, seconds
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

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *SandboxConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// MaxLifetimeDuration returns the max session lifetime as a time.Duration.
func (s *SandboxConfig) MaxLifetimeDuration() time.Duration {
	return time.Duration(s.MaxLifetime) * time.Second
}

// CommandTimeoutDuration returns the per-command read timeout as a time.Duration.
func (s *SyncConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CODEBENCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// defaultMutatingCommands is the default keyword policy for the sync
// heuristic. It deliberately over-matches: a wasted sync is cheaper than a
// missed one.
func defaultMutatingCommands() []string {
	return []string{
		"echo", "cat", "touch", "cp", "mv", "sed", "tee", "dd",
		"python", "python3", "node", "ruby", "go", "sh", "bash",
		"pip", "npm", "git", "make", "tar", "unzip",
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means use the in-memory repository
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "codebench")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "codebench")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codebench-controlplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.networkMode", "none")

	// Kubernetes defaults
	v.SetDefault("kubernetes.namespace", "codebench-sandboxes")
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.serviceAccount", "")

	// Sandbox policy defaults
	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.image", "codebench/sandbox:latest")
	v.SetDefault("sandbox.mirrorBase", "/var/lib/codebench/workspaces")
	v.SetDefault("sandbox.workdirMount", "/workspace")
	v.SetDefault("sandbox.maxTotal", 20)
	v.SetDefault("sandbox.maxPerUser", 3)
	v.SetDefault("sandbox.idleTimeout", 900)
	v.SetDefault("sandbox.maxLifetime", 7200)
	v.SetDefault("sandbox.memoryMb", 512)
	v.SetDefault("sandbox.cpuCores", 0.5)
	v.SetDefault("sandbox.pidsLimit", 128)
	v.SetDefault("sandbox.sandboxUid", 65534)
	v.SetDefault("sandbox.idleSweepSec", 60)
	v.SetDefault("sandbox.healthSec", 120)
	v.SetDefault("sandbox.monitorSec", 300)
	v.SetDefault("sandbox.monitorWarnPct", 80)

	// Sync defaults
	v.SetDefault("sync.mutatingCommands", defaultMutatingCommands())
	v.SetDefault("sync.commandTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEBENCH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/codebench/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODEBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("sandbox.mirrorBase", "CODEBENCH_SANDBOX_MIRROR_BASE")
	_ = v.BindEnv("sandbox.maxTotal", "CODEBENCH_SANDBOX_MAX_TOTAL")
	_ = v.BindEnv("sandbox.maxPerUser", "CODEBENCH_SANDBOX_MAX_PER_USER")
	_ = v.BindEnv("sandbox.idleTimeout", "CODEBENCH_SANDBOX_IDLE_TIMEOUT")
	_ = v.BindEnv("sandbox.maxLifetime", "CODEBENCH_SANDBOX_MAX_LIFETIME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codebench/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	// Sandbox policy validation
	if cfg.Sandbox.Runtime != "docker" && cfg.Sandbox.Runtime != "kubernetes" {
		errs = append(errs, "sandbox.runtime must be one of: docker, kubernetes")
	}
	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}
	if cfg.Sandbox.MaxTotal <= 0 {
		errs = append(errs, "sandbox.maxTotal must be positive")
	}
	if cfg.Sandbox.MaxPerUser <= 0 {
		errs = append(errs, "sandbox.maxPerUser must be positive")
	}
	if cfg.Sandbox.IdleTimeout <= 0 {
		errs = append(errs, "sandbox.idleTimeout must be positive")
	}
	if cfg.Sandbox.MaxLifetime <= 0 {
		errs = append(errs, "sandbox.maxLifetime must be positive")
	}

	// Sync validation
	if cfg.Sync.CommandTimeout <= 0 {
		errs = append(errs, "sync.commandTimeout must be positive")
	}

	// Logging validation
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
