package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Lock    LockConfig    `mapstructure:"lock"`
	Redis   RedisConfig   `mapstructure:"redis"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	DataDir       string   `mapstructure:"data_dir"`
	UploadDir     string   `mapstructure:"upload_dir"` // files attached to queued requests
	Timezone      string   `mapstructure:"timezone"`
	SessionSecret string   `mapstructure:"session_secret"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
	LocalesDir    string   `mapstructure:"locales_dir"` // optional override of the embedded locales
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds the SQLite settings of the queue store.
type DBConfig struct {
	File         string `mapstructure:"file"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RemoteConfig describes the authoritative server the queue is replayed against.
type RemoteConfig struct {
	BaseURL            string            `mapstructure:"base_url"`
	TimeoutSeconds     int               `mapstructure:"timeout_seconds"`
	MaxRetries         int               `mapstructure:"max_retries"`
	AttachmentStrategy string            `mapstructure:"attachment_strategy"` // "dual" or "single"
	FileFields         []string          `mapstructure:"file_fields"`
	ResolverEndpoints  map[string]string `mapstructure:"resolver_endpoints"`
}

// Timeout returns the per-call timeout as a duration.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// SyncConfig controls when and how the replay engine runs.
type SyncConfig struct {
	IntervalMinutes          int  `mapstructure:"interval_minutes"` // 0 disables the periodic pass
	OnStartup                bool `mapstructure:"on_startup"`
	UnknownOperationMaxSkips int  `mapstructure:"unknown_operation_max_skips"` // 0 keeps unknown operations pending forever
	StaleClaimMinutes        int  `mapstructure:"stale_claim_minutes"`
}

// LockConfig selects the replay lock backend.
type LockConfig struct {
	Backend    string `mapstructure:"backend"` // "local" or "redis"
	Key        string `mapstructure:"key"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RedisConfig is only used when lock.backend is "redis".
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MQTTConfig holds settings for the connectivity event channel.
type MQTTConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Broker            string `mapstructure:"broker"`
	Port              int    `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	ClientID          string `mapstructure:"client_id"`
	ConnectivityTopic string `mapstructure:"connectivity_topic"`
	SummaryTopic      string `mapstructure:"summary_topic"`
}

// CleanupConfig holds settings for purging synced records.
type CleanupConfig struct {
	RetentionDays        int `mapstructure:"retention_days"`
	CheckIntervalMinutes int `mapstructure:"check_interval_minutes"`
}

// Load reads configuration from .env, the config file, environment variables and defaults.
func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("No .env file loaded: %v", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix("BALAGRUHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Remote.BaseURL = strings.TrimRight(cfg.Remote.BaseURL, "/")

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default value of every key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5050)
	v.SetDefault("server.data_dir", "/data")
	v.SetDefault("server.upload_dir", "/data/uploads")
	v.SetDefault("server.timezone", "Asia/Kolkata")
	v.SetDefault("server.session_secret", "change-me")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.locales_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "/data/logs/offline-sync.log")

	v.SetDefault("db.file", "/data/offline-queue.db")
	v.SetDefault("db.max_open_conns", 1)

	v.SetDefault("remote.base_url", "http://localhost:5000")
	v.SetDefault("remote.timeout_seconds", 60)
	v.SetDefault("remote.max_retries", 2)
	v.SetDefault("remote.attachment_strategy", "dual")
	v.SetDefault("remote.file_fields", []string{"facialData", "medicalHistory"})
	v.SetDefault("remote.resolver_endpoints", map[string]string{
		"user":    "/api/v1/users/generated/{generatedId}",
		"machine": "/api/v1/machines/generated/{generatedId}",
		"task":    "/api/v1/tasks/generated/{generatedId}",
	})

	v.SetDefault("sync.interval_minutes", 15)
	v.SetDefault("sync.on_startup", true)
	v.SetDefault("sync.unknown_operation_max_skips", 0)
	v.SetDefault("sync.stale_claim_minutes", 10)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.key", "balagruha:offline-replay")
	v.SetDefault("lock.ttl_seconds", 600)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "balagruha-offline-sync")
	v.SetDefault("mqtt.connectivity_topic", "balagruha/connectivity")
	v.SetDefault("mqtt.summary_topic", "balagruha/offline-sync/summary")

	v.SetDefault("cleanup.retention_days", 30)
	v.SetDefault("cleanup.check_interval_minutes", 60)
}

// ensureDirectories creates the directories the service writes to.
func ensureDirectories(cfg *Config) error {
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	if cfg.Server.UploadDir != "" {
		if err := os.MkdirAll(cfg.Server.UploadDir, 0755); err != nil {
			return fmt.Errorf("failed to create upload directory: %w", err)
		}
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
