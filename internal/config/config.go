// Package config loads shopflow settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"
)

// Config holds everything the server needs to start.
type Config struct {
	Addr            string        `yaml:"addr"`
	Store           string        `yaml:"store"`
	DataDir         string        `yaml:"data_dir"`
	RedisURL        string        `yaml:"redis_url"`
	MongoURL        string        `yaml:"mongo_url"`
	MongoDatabase   string        `yaml:"mongo_database"`
	SQLitePath      string        `yaml:"sqlite_path"`
	JWTSecret       string        `yaml:"jwt_secret"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ProcessingDelay time.Duration `yaml:"processing_delay"`
	SessionIdle     time.Duration `yaml:"session_idle"`
	Trace           string        `yaml:"trace"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Addr:            ":8080",
		Store:           StoreMemory,
		DataDir:         "./data",
		MongoDatabase:   "shopflow",
		SQLitePath:      "./data/shopflow.db",
		ProcessingDelay: 2 * time.Second,
		SessionIdle:     30 * time.Minute,
	}
}

// Load reads path (when non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Addr = ":" + port
	}
	str(&c.Addr, "SHOPFLOW_ADDR")
	str(&c.Store, "SHOPFLOW_STORE")
	str(&c.DataDir, "SHOPFLOW_DATA_DIR")
	str(&c.RedisURL, "REDIS_URL")
	str(&c.MongoURL, "MONGO_PUBLIC_URL", "MONGO_URL")
	str(&c.MongoDatabase, "SHOPFLOW_MONGO_DATABASE")
	str(&c.SQLitePath, "SHOPFLOW_SQLITE_PATH")
	str(&c.JWTSecret, "SHOPFLOW_JWT_SECRET")
	str(&c.Trace, "SHOPFLOW_TRACE")

	if v, ok := lookup("SHOPFLOW_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if v, ok := lookup("SHOPFLOW_PROCESSING_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHOPFLOW_PROCESSING_DELAY: %w", err)
		}
		c.ProcessingDelay = d
	}
	if v, ok := lookup("SHOPFLOW_SESSION_IDLE"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHOPFLOW_SESSION_IDLE: %w", err)
		}
		c.SessionIdle = d
	}
	return nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory, StoreFile, StoreSQLite:
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis store needs REDIS_URL"))
		}
	case StoreMongo:
		if c.MongoURL == "" {
			errs = append(errs, errors.New("mongo store needs MONGO_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.ProcessingDelay < 0 {
		errs = append(errs, fmt.Errorf("processing delay must not be negative, got %s", c.ProcessingDelay))
	}
	if c.SessionIdle <= 0 {
		errs = append(errs, fmt.Errorf("session idle timeout must be positive, got %s", c.SessionIdle))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	return errors.Join(errs...)
}
