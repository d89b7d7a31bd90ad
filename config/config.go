// Package config builds the process configuration exactly once at
// startup: compiled defaults, then an optional YAML file, then the
// environment. The resulting struct is passed by reference into the
// broker, session manager and server constructors; nothing reads
// configuration ambiently.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Redis     Redis     `yaml:"redis"`
	Mongo     Mongo     `yaml:"mongo"`
	Queue     Queue     `yaml:"queue"`
	API       API       `yaml:"api"`
	Connector Connector `yaml:"connector"`
	Log       Log       `yaml:"log"`
}

// Redis locates the notification fabric.
type Redis struct {
	// Addrs are seed addresses: the single node, or sentinels when
	// MasterName is set.
	Addrs      []string `yaml:"addrs" env:"REDIS_ADDRS"`
	MasterName string   `yaml:"master_name" env:"REDIS_MASTER_NAME"`
}

// Mongo locates the durable log store.
type Mongo struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env:"MONGO_DB"`
}

// Queue bounds each recipient log.
type Queue struct {
	CappedSize int64 `yaml:"capped_size" env:"QUEUE_CAPPED_SIZE"`
}

// API configures the HTTP ingress.
type API struct {
	Host string `yaml:"host" env:"API_HOST"`
	Port int    `yaml:"port" env:"API_PORT"`
	// RatePerSecond caps accepted push requests; zero disables the
	// limiter.
	RatePerSecond float64 `yaml:"rate_per_second" env:"API_RATE_PER_SECOND"`
	RateBurst     int     `yaml:"rate_burst" env:"API_RATE_BURST"`
}

// Connector configures the realtime delivery server.
type Connector struct {
	Host string `yaml:"host" env:"CONNECTOR_HOST"`
	Port int    `yaml:"port" env:"CONNECTOR_PORT"`
	// AuthKey is the shared secret for the connection signature
	// check.
	AuthKey string `yaml:"auth_key" env:"CONNECTOR_AUTH_KEY"`
	// AuthWindowSeconds bounds how old a signature nonce may be.
	AuthWindowSeconds int64 `yaml:"auth_window_seconds" env:"CONNECTOR_AUTH_WINDOW_SECONDS"`
}

// Log configures logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Redis: Redis{
			Addrs: []string{"localhost:6379"},
		},
		Mongo: Mongo{
			URI:      "mongodb://localhost:27017",
			Database: "messages",
		},
		Queue: Queue{
			CappedSize: 2 * 1024 * 1024,
		},
		API: API{
			Host:          "localhost",
			Port:          5000,
			RatePerSecond: 0,
			RateBurst:     0,
		},
		Connector: Connector{
			Host:              "localhost",
			Port:              5100,
			AuthWindowSeconds: 300,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file
// at path (empty path skips the file), and the environment, in that
// order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config environment: %w", err)
	}

	return cfg, nil
}
