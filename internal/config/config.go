package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/vmorsell/portaria/internal/ratelimit"
	"github.com/vmorsell/portaria/pkg/model"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBrokerURL      = "ws://localhost:9001"
	DefaultClientIDPrefix = "front-"
	DefaultListenAddr     = ":8080"
	DefaultPublishQueue   = 32
	DefaultRetryInterval  = 5 * time.Second
	DefaultIntentLimit    = ratelimit.DefaultIntentLimit
	DefaultIntentWindow   = ratelimit.DefaultWindowSize

	EnvBrokerURL      = "PORTARIA_BROKER_URL"
	EnvListenAddr     = "PORTARIA_LISTEN_ADDR"
	EnvClientIDPrefix = "PORTARIA_CLIENT_ID_PREFIX"
	EnvLogDev         = "PORTARIA_LOG_DEV"
	EnvPort           = "PORT"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Broker  Broker  `yaml:"broker"`
	Gateway Gateway `yaml:"gateway"`
	LogDev  bool    `yaml:"log_dev"`
}

type Broker struct {
	URL            string        `yaml:"url"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	QoS            byte          `yaml:"qos"`
	PublishQueue   int           `yaml:"publish_queue"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	Topics         model.Topics  `yaml:"topics"`
}

type Gateway struct {
	ListenAddr   string        `yaml:"listen_addr"`
	IntentLimit  int           `yaml:"intent_limit"`
	IntentWindow time.Duration `yaml:"intent_window"`
}

func Default() *Config {
	return &Config{
		Broker: Broker{
			URL:            DefaultBrokerURL,
			ClientIDPrefix: DefaultClientIDPrefix,
			PublishQueue:   DefaultPublishQueue,
			RetryInterval:  DefaultRetryInterval,
			Topics:         model.DefaultTopics(),
		},
		Gateway: Gateway{
			ListenAddr:   DefaultListenAddr,
			IntentLimit:  DefaultIntentLimit,
			IntentWindow: DefaultIntentWindow,
		},
	}
}

// Load reads path (optional) over the defaults, then a .env file in the
// working directory (optional), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBrokerURL); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv(EnvClientIDPrefix); v != "" {
		c.Broker.ClientIDPrefix = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		c.Gateway.ListenAddr = ":" + v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Gateway.ListenAddr = v
	}
	if v := os.Getenv(EnvLogDev); v != "" {
		if dev, err := strconv.ParseBool(v); err == nil {
			c.LogDev = dev
		}
	}
}

func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker url is empty", ErrInvalid)
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("%w: broker url: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp", "mqtt", "ssl", "tls":
	default:
		return fmt.Errorf("%w: unsupported broker scheme %q", ErrInvalid, u.Scheme)
	}
	if c.Broker.QoS > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", ErrInvalid)
	}
	if c.Broker.PublishQueue < 0 {
		return fmt.Errorf("%w: publish queue must not be negative", ErrInvalid)
	}

	topics := map[string]string{
		"commands":  c.Broker.Topics.Commands,
		"status":    c.Broker.Topics.Status,
		"movements": c.Broker.Topics.Movements,
		"inside":    c.Broker.Topics.Inside,
	}
	for name, topic := range topics {
		if topic == "" {
			return fmt.Errorf("%w: %s topic is empty", ErrInvalid, name)
		}
	}

	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if c.Gateway.IntentLimit <= 0 || c.Gateway.IntentWindow <= 0 {
		return fmt.Errorf("%w: intent rate limit must be positive", ErrInvalid)
	}
	return nil
}
