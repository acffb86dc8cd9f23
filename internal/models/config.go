package models

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr     string `yaml:"server_addr"`
	PublicBaseURL  string `yaml:"public_base_url"`
	DatabaseDriver string `yaml:"database_driver"` // postgres, sqlite
	DatabaseURL    string `yaml:"database_url"`
	StoragePath    string `yaml:"storage_path"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	JWTSecret     string `yaml:"jwt_secret"`
	PayloadSecret string `yaml:"payload_secret"`

	Worker WorkerConfig `yaml:"worker"`
	Kafka  KafkaConfig  `yaml:"kafka"`
}

type WorkerConfig struct {
	URL            string        `yaml:"url"`
	InternalToken  string        `yaml:"internal_token"`
	Method         string        `yaml:"method"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
	ExtractTimeout time.Duration `yaml:"extract_timeout"`
}

// KafkaConfig is optional. An empty broker disables both topics.
type KafkaConfig struct {
	Broker        string `yaml:"broker"`
	EventsTopic   string `yaml:"events_topic"`
	CallbackTopic string `yaml:"callback_topic"`
	GroupID       string `yaml:"group_id"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// environment only
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.DatabaseURL, "DATABASE_URL")
	override(&c.JWTSecret, "JWT_SECRET")
	override(&c.PayloadSecret, "WM_HMAC_SECRET")
	override(&c.Worker.InternalToken, "INTERNAL_TOKEN")
	override(&c.Worker.URL, "WM_SERVICE_URL")
	override(&c.PublicBaseURL, "PUBLIC_BASE_URL")
	override(&c.Kafka.Broker, "KAFKA_BROKER")
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":4000"
	}
	if c.PublicBaseURL == "" {
		addr := c.ServerAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		c.PublicBaseURL = "http://" + addr
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "postgres"
	}
	if c.StoragePath == "" {
		c.StoragePath = "uploads"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	if c.Worker.URL == "" {
		c.Worker.URL = "http://localhost:5000"
	}
	if c.Worker.Method == "" {
		c.Worker.Method = "dwtDct"
	}
	if c.Worker.ApplyTimeout <= 0 {
		c.Worker.ApplyTimeout = 10 * time.Second
	}
	if c.Worker.ExtractTimeout <= 0 {
		c.Worker.ExtractTimeout = 15 * time.Second
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "invisimark"
	}
}

func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "database_url")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "jwt_secret")
	}
	if c.PayloadSecret == "" {
		missing = append(missing, "payload_secret")
	}
	if c.Worker.InternalToken == "" {
		missing = append(missing, "worker.internal_token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	return nil
}

// CallbackURL is where the worker reports embed progress.
func (c *Config) CallbackURL() string {
	return c.PublicBaseURL + "/watermark/callback"
}
