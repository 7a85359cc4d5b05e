// Package config loads server settings from an optional .env file, an
// optional YAML file and the process environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// MinIO holds attachment storage settings. An empty Endpoint keeps
// attachments in process memory.
type MinIO struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type Config struct {
	Addr            string        `mapstructure:"addr"`
	DBDSN           string        `mapstructure:"db_dsn"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	EncryptionKey   string        `mapstructure:"encryption_key"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	PresenceBackend string        `mapstructure:"presence_backend"`
	StoreBackend    string        `mapstructure:"store_backend"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	LogLevel        string        `mapstructure:"log_level"`
	LogDev          bool          `mapstructure:"log_dev"`
	MinIO           MinIO         `mapstructure:"minio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_dsn", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("presence_backend", BackendMemory)
	v.SetDefault("store_backend", BackendPostgres)
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("max_message_size", 64*1024)
	v.SetDefault("history_limit", 50)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dev", false)
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "chat-files")
	v.SetDefault("minio.use_ssl", false)
}

// Load reads configuration. path may be empty, in which case only the
// environment and defaults are consulted.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.sanitize()
	return &cfg, nil
}

func (c *Config) sanitize() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimRight(o, "/"))
		}
	}
	c.AllowedOrigins = origins
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: jwt_secret is not set")
	}
	if c.EncryptionKey == "" {
		return errors.New("config: encryption_key is not set")
	}
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DBDSN == "" {
			return errors.New("config: db_dsn is required for the postgres store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown store_backend %q", c.StoreBackend)
	}
	switch c.PresenceBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown presence_backend %q", c.PresenceBackend)
	}
	return nil
}
