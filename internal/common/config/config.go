// Package config provides configuration management for Trinity.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Trinity.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Process   ProcessConfig   `mapstructure:"process"`
	Retention RetentionConfig `mapstructure:"retention"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Template  TemplateConfig  `mapstructure:"template"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`
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
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// EngineConfig holds container engine (Docker) client configuration.
type EngineConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	BaseImage      string `mapstructure:"baseImage"`
}

// SecretsConfig holds the secret-store encryption-at-rest configuration.
type SecretsConfig struct {
	MasterKeyPath string `mapstructure:"masterKeyPath"`
}

// LifecycleConfig holds agent container lifecycle parameters.
type LifecycleConfig struct {
	SSHPortRangeStart   int    `mapstructure:"sshPortRangeStart"`
	SSHPortRangeEnd     int    `mapstructure:"sshPortRangeEnd"`
	HTTPPortRangeStart  int    `mapstructure:"httpPortRangeStart"`
	HTTPPortRangeEnd    int    `mapstructure:"httpPortRangeEnd"`
	HealthPollInterval  int    `mapstructure:"healthPollIntervalMs"`
	HealthPollTimeout   int    `mapstructure:"healthPollTimeoutSeconds"`
	StopGraceSeconds    int    `mapstructure:"stopGraceSeconds"`
	WorkspaceVolumeRoot string `mapstructure:"workspaceVolumeRoot"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds cron scheduler tuning parameters.
type SchedulerConfig struct {
	TickInterval           int `mapstructure:"tickIntervalSeconds"`
	DefaultMaxConcurrency  int `mapstructure:"defaultMaxConcurrency"`
}

// ProcessConfig holds process-engine tuning parameters.
type ProcessConfig struct {
	DefaultStepTimeoutMinutes int `mapstructure:"defaultStepTimeoutMinutes"`
	DefaultApprovalTimeoutHours float64 `mapstructure:"defaultApprovalTimeoutHours"`
}

// RetentionConfig holds the two independent retention windows (§8).
type RetentionConfig struct {
	ActivityWindowHours  int `mapstructure:"activityWindowHours"`
	ExecutionWindowHours int `mapstructure:"executionWindowHours"`
	SweepIntervalMinutes int `mapstructure:"sweepIntervalMinutes"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// QueueConfig holds the Execution Queue's per-request timing parameters.
type QueueConfig struct {
	RequestTimeoutSeconds   int `mapstructure:"requestTimeoutSeconds"`
	StartWaitCeilingSeconds int `mapstructure:"startWaitCeilingSeconds"`
}

// RequestTimeoutDuration returns the per-request budget as a time.Duration.
func (q *QueueConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(q.RequestTimeoutSeconds) * time.Second
}

// TemplateConfig holds the Template Resolver's on-disk layout.
type TemplateConfig struct {
	// RegistryRoot holds local:-kind templates, one manifest directory per name.
	RegistryRoot string `mapstructure:"registryRoot"`
	// ClonePath is the base directory repo:-kind templates are cloned into.
	ClonePath string `mapstructure:"clonePath"`
}

// StartWaitCeilingDuration returns the bounded startup-wait ceiling as a time.Duration.
func (q *QueueConfig) StartWaitCeilingDuration() time.Duration {
	return time.Duration(q.StartWaitCeilingSeconds) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// HealthPollIntervalDuration returns the health poll interval as a time.Duration.
func (l *LifecycleConfig) HealthPollIntervalDuration() time.Duration {
	return time.Duration(l.HealthPollInterval) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TRINITY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./trinity.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trinity")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "trinity")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "trinity-cluster")
	v.SetDefault("nats.clientId", "trinity-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("engine.host", defaultEngineHost())
	v.SetDefault("engine.apiVersion", "1.41")
	v.SetDefault("engine.tlsVerify", false)
	v.SetDefault("engine.defaultNetwork", "trinity-network")
	v.SetDefault("engine.volumeBasePath", defaultVolumePath())
	v.SetDefault("engine.baseImage", "trinity/agent-base:latest")

	v.SetDefault("secrets.masterKeyPath", defaultMasterKeyPath())

	v.SetDefault("lifecycle.sshPortRangeStart", 2222)
	v.SetDefault("lifecycle.sshPortRangeEnd", 3221)
	v.SetDefault("lifecycle.httpPortRangeStart", 8000)
	v.SetDefault("lifecycle.httpPortRangeEnd", 8999)
	v.SetDefault("lifecycle.healthPollIntervalMs", 500)
	v.SetDefault("lifecycle.healthPollTimeoutSeconds", 30)
	v.SetDefault("lifecycle.stopGraceSeconds", 10)
	v.SetDefault("lifecycle.workspaceVolumeRoot", defaultVolumePath())

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("scheduler.tickIntervalSeconds", 15)
	v.SetDefault("scheduler.defaultMaxConcurrency", 1)

	v.SetDefault("process.defaultStepTimeoutMinutes", 30)
	v.SetDefault("process.defaultApprovalTimeoutHours", 24)

	v.SetDefault("retention.activityWindowHours", 168)  // 7 days
	v.SetDefault("retention.executionWindowHours", 720) // 30 days
	v.SetDefault("retention.sweepIntervalMinutes", 60)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "trinityd")

	v.SetDefault("queue.requestTimeoutSeconds", 300)
	v.SetDefault("queue.startWaitCeilingSeconds", 30)

	v.SetDefault("template.registryRoot", defaultTemplateRoot())
	v.SetDefault("template.clonePath", "")
}

// defaultEngineHost returns the platform-appropriate Docker socket path.
func defaultEngineHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultVolumePath returns the platform-appropriate volume base path.
func defaultVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "trinity", "volumes")
	}
	return "/var/lib/trinity/volumes"
}

// defaultMasterKeyPath returns the platform-appropriate secret master-key path.
func defaultMasterKeyPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "trinity", "master.key")
	}
	return "/var/lib/trinity/master.key"
}

func defaultTemplateRoot() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "trinity", "templates")
	}
	return "/var/lib/trinity/templates"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TRINITY_ followed by the upper-cased
// config key with its dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TRINITY_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "TRINITY_EVENTS_NAMESPACE")
	_ = v.BindEnv("tracing.endpoint", "TRINITY_TRACING_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trinity/")

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

// validate checks that all required configuration fields are set. In
// development mode (default), most fields fall back instead of failing.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Lifecycle.SSHPortRangeEnd <= cfg.Lifecycle.SSHPortRangeStart {
		errs = append(errs, "lifecycle.sshPortRangeEnd must be greater than lifecycle.sshPortRangeStart")
	}
	if cfg.Lifecycle.HTTPPortRangeEnd <= cfg.Lifecycle.HTTPPortRangeStart {
		errs = append(errs, "lifecycle.httpPortRangeEnd must be greater than lifecycle.httpPortRangeStart")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Retention.ActivityWindowHours <= 0 {
		errs = append(errs, "retention.activityWindowHours must be positive")
	}
	if cfg.Retention.ExecutionWindowHours <= 0 {
		errs = append(errs, "retention.executionWindowHours must be positive")
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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
