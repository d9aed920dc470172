// Package config loads dlsync configuration from file, environment and .env.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/slipstream/dlsync/internal/downloader/types"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Clients   []ClientSeed    `mapstructure:"clients"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ReconcileConfig holds the reconciliation settings.
type ReconcileConfig struct {
	IntervalSeconds                       int      `mapstructure:"interval_seconds"`
	StabilitySeconds                      int      `mapstructure:"stability_seconds"`
	MissingSourceMaxRetries               int      `mapstructure:"missing_source_max_retries"`
	MissingSourceRetryInitialDelaySeconds int      `mapstructure:"missing_source_retry_initial_delay_seconds"`
	AllowedExtensions                     []string `mapstructure:"allowed_extensions"`
	OutputPath                            string   `mapstructure:"output_path"`
	ShowCompletedExternal                 bool     `mapstructure:"show_completed_external"`
	PurgeGraceSeconds                     int      `mapstructure:"purge_grace_seconds"`
	FullListIntervalSeconds               int      `mapstructure:"full_list_interval_seconds"`
	EchoSuppressionSeconds                int      `mapstructure:"echo_suppression_seconds"`
	CompletedFileAction                   string   `mapstructure:"completed_file_action"`
	FileNamingPattern                     string   `mapstructure:"file_naming_pattern"`
	ProcessingIntervalSeconds             int      `mapstructure:"processing_interval_seconds"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ClientSeed is a download client declared in the config file.
type ClientSeed struct {
	ID                       string `mapstructure:"id"`
	Name                     string `mapstructure:"name"`
	Type                     string `mapstructure:"type"`
	Host                     string `mapstructure:"host"`
	Port                     int    `mapstructure:"port"`
	Username                 string `mapstructure:"username"`
	Password                 string `mapstructure:"password"`
	UseSSL                   bool   `mapstructure:"use_ssl"`
	URLBase                  string `mapstructure:"url_base"`
	APIKey                   string `mapstructure:"api_key"`
	Category                 string `mapstructure:"category"`
	Tags                     string `mapstructure:"tags"`
	Enabled                  *bool  `mapstructure:"enabled"`
	DownloadPath             string `mapstructure:"download_path"`
	RemoveCompletedDownloads bool   `mapstructure:"remove_completed_downloads"`

	PathMappings []PathMappingSeed `mapstructure:"path_mappings"`
}

// PathMappingSeed maps a path reported by the client to the local filesystem.
type PathMappingSeed struct {
	Remote string `mapstructure:"remote"`
	Local  string `mapstructure:"local"`
}

// ClientConfig converts the seed. Seeds are enabled unless they say otherwise.
func (s ClientSeed) ClientConfig() *types.ClientConfig {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return &types.ClientConfig{
		ID:                       s.ID,
		Name:                     name,
		Type:                     types.ClientType(strings.ToLower(s.Type)),
		Host:                     s.Host,
		Port:                     s.Port,
		Username:                 s.Username,
		Password:                 s.Password,
		UseSSL:                   s.UseSSL,
		URLBase:                  s.URLBase,
		APIKey:                   s.APIKey,
		Category:                 s.Category,
		Tags:                     s.Tags,
		Enabled:                  enabled,
		DownloadPath:             s.DownloadPath,
		RemoveCompletedDownloads: s.RemoveCompletedDownloads,
	}
}

// AppSettings are the reconciliation settings consumed by the core.
type AppSettings struct {
	StabilityWindow       time.Duration
	MissingSourceRetries  int
	InitialRetryDelay     time.Duration
	AllowedExtensions     []string
	OutputPath            string
	ShowCompletedExternal bool
}

// AppSettings returns the core settings with durations resolved.
func (r *ReconcileConfig) AppSettings() AppSettings {
	return AppSettings{
		StabilityWindow:       seconds(r.StabilitySeconds),
		MissingSourceRetries:  r.MissingSourceMaxRetries,
		InitialRetryDelay:     seconds(r.MissingSourceRetryInitialDelaySeconds),
		AllowedExtensions:     r.AllowedExtensions,
		OutputPath:            r.OutputPath,
		ShowCompletedExternal: r.ShowCompletedExternal,
	}
}

// Interval returns the poll interval.
func (r *ReconcileConfig) Interval() time.Duration { return seconds(r.IntervalSeconds) }

// PurgeGrace returns the orphan grace period for clients without history.
func (r *ReconcileConfig) PurgeGrace() time.Duration { return seconds(r.PurgeGraceSeconds) }

// FullListInterval returns the full-list heartbeat cadence.
func (r *ReconcileConfig) FullListInterval() time.Duration {
	return seconds(r.FullListIntervalSeconds)
}

// EchoWindow returns the echo-suppression window.
func (r *ReconcileConfig) EchoWindow() time.Duration { return seconds(r.EchoSuppressionSeconds) }

// ProcessingInterval returns how often pending import jobs are processed.
func (r *ReconcileConfig) ProcessingInterval() time.Duration {
	return seconds(r.ProcessingIntervalSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// DefaultExtensions are the audio formats imported when none are configured.
var DefaultExtensions = []string{".mp3", ".flac", ".m4a", ".m4b", ".ogg"}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "./data/dlsync.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:                       10,
			StabilitySeconds:                      10,
			MissingSourceMaxRetries:               3,
			MissingSourceRetryInitialDelaySeconds: 30,
			AllowedExtensions:                     append([]string(nil), DefaultExtensions...),
			OutputPath:                            "./completed",
			PurgeGraceSeconds:                     300,
			FullListIntervalSeconds:               30,
			EchoSuppressionSeconds:                2,
			CompletedFileAction:                   "move",
			FileNamingPattern:                     "{Author}/{Series}/{Title}",
			ProcessingIntervalSeconds:             15,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.dlsync")
	}

	v.SetEnvPrefix("DLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sample renders the default configuration as YAML, suitable as a starting config file.
func Sample() ([]byte, error) {
	v := viper.New()
	setDefaults(v)
	settings := v.AllSettings()
	settings["clients"] = []map[string]any{{
		"id":            "qbittorrent",
		"name":          "qBittorrent",
		"type":          string(types.ClientTypeQBittorrent),
		"host":          "localhost",
		"port":          8080,
		"username":      "admin",
		"password":      "",
		"category":      "dlsync",
		"path_mappings": []map[string]string{{"remote": "/downloads", "local": "/mnt/downloads"}},
	}}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to render sample config: %w", err)
	}
	return out, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	r := &c.Reconcile
	switch {
	case r.IntervalSeconds <= 0:
		return fmt.Errorf("reconcile.interval_seconds must be positive")
	case r.StabilitySeconds < 0:
		return fmt.Errorf("reconcile.stability_seconds must not be negative")
	case r.MissingSourceMaxRetries < 0:
		return fmt.Errorf("reconcile.missing_source_max_retries must not be negative")
	case r.MissingSourceRetryInitialDelaySeconds <= 0:
		return fmt.Errorf("reconcile.missing_source_retry_initial_delay_seconds must be positive")
	}
	for i, seed := range c.Clients {
		if seed.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
		if seed.Type == "" {
			return fmt.Errorf("clients[%d]: type is required", i)
		}
	}
	return nil
}

// setDefaults mirrors Default in viper so env-only keys are bound.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	r := d.Reconcile
	v.SetDefault("reconcile.interval_seconds", r.IntervalSeconds)
	v.SetDefault("reconcile.stability_seconds", r.StabilitySeconds)
	v.SetDefault("reconcile.missing_source_max_retries", r.MissingSourceMaxRetries)
	v.SetDefault("reconcile.missing_source_retry_initial_delay_seconds", r.MissingSourceRetryInitialDelaySeconds)
	v.SetDefault("reconcile.allowed_extensions", r.AllowedExtensions)
	v.SetDefault("reconcile.output_path", r.OutputPath)
	v.SetDefault("reconcile.show_completed_external", r.ShowCompletedExternal)
	v.SetDefault("reconcile.purge_grace_seconds", r.PurgeGraceSeconds)
	v.SetDefault("reconcile.full_list_interval_seconds", r.FullListIntervalSeconds)
	v.SetDefault("reconcile.echo_suppression_seconds", r.EchoSuppressionSeconds)
	v.SetDefault("reconcile.completed_file_action", r.CompletedFileAction)
	v.SetDefault("reconcile.file_naming_pattern", r.FileNamingPattern)
	v.SetDefault("reconcile.processing_interval_seconds", r.ProcessingIntervalSeconds)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
