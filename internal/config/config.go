// Package config provides YAML-based configuration loading for medconsult.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// MEDCONSULT_DATABASE_HOST or MEDCONSULT_AUTH_SIGNING_KEY.
const EnvPrefix = "MEDCONSULT"

// Config is the top-level configuration, loaded from medconsult.yaml.
type Config struct {
	LogLevel string         `yaml:"log_level" split_words:"true" validate:"oneof=DEBUG INFO WARN ERROR"`
	Database DatabaseConfig `yaml:"database" split_words:"true"`
	Server   ServerConfig   `yaml:"server" split_words:"true"`
	Broker   BrokerConfig   `yaml:"broker" split_words:"true"`
	Auth     AuthConfig     `yaml:"auth" split_words:"true"`
	Chat     ChatConfig     `yaml:"chat" split_words:"true"`
	Sweeper  SweeperConfig  `yaml:"sweeper" split_words:"true"`
}

// DatabaseConfig selects and addresses the ledger database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" split_words:"true" validate:"oneof=mysql postgres sqlite"`
	Host     string `yaml:"host" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true" validate:"gte=0,lte=65535"`
	Name     string `yaml:"name" split_words:"true"`
	User     string `yaml:"user" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	Path     string `yaml:"path" split_words:"true"` // sqlite only
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port" split_words:"true" validate:"gt=0,lte=65535"`
}

// BrokerConfig selects the publish/subscribe backend.
type BrokerConfig struct {
	Backend       string `yaml:"backend" split_words:"true" validate:"oneof=local redis"`
	RedisURL      string `yaml:"redis_url" split_words:"true"`
	ChannelPrefix string `yaml:"channel_prefix" split_words:"true"`
	MailboxSize   int    `yaml:"mailbox_size" split_words:"true" validate:"gt=0"`
	PublishQueue  int    `yaml:"publish_queue" split_words:"true" validate:"gt=0"`
}

// AuthConfig configures the JWT identity verifier.
type AuthConfig struct {
	SigningKey string        `yaml:"signing_key" split_words:"true" validate:"min=16"`
	Issuer     string        `yaml:"issuer" split_words:"true"`
	TokenTTL   time.Duration `yaml:"token_ttl" split_words:"true" validate:"gt=0"`
}

// ChatConfig holds chat validation and pagination limits.
type ChatConfig struct {
	MinLength   int `yaml:"min_length" split_words:"true" validate:"gt=0"`
	PageSize    int `yaml:"page_size" split_words:"true" validate:"gt=0"`
	MaxPageSize int `yaml:"max_page_size" split_words:"true" validate:"gtefield=PageSize"`
}

// SweeperConfig controls the expiry of requested consultations whose date
// has passed.
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled" split_words:"true"`
	Schedule string `yaml:"schedule" split_words:"true"`
}

var validate = validator.New()

// Load reads a YAML config file from path, applies environment overrides and
// returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	return finish(cfg)
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// are not applied.
func Parse(data []byte) (*Config, error) {
	cfg, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func unmarshal(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.LogLevel = strings.ToUpper(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "medconsult.db"
		}
	default:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
			if c.Database.Driver == "postgres" {
				c.Database.Port = 5432
			}
		}
		if c.Database.Name == "" {
			c.Database.Name = "medconsult"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
			if c.Database.Driver == "postgres" {
				c.Database.User = "postgres"
			}
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Broker.Backend == "" {
		c.Broker.Backend = "local"
	}
	if c.Broker.ChannelPrefix == "" {
		c.Broker.ChannelPrefix = "medconsult:"
	}
	if c.Broker.MailboxSize == 0 {
		c.Broker.MailboxSize = 64
	}
	if c.Broker.PublishQueue == 0 {
		c.Broker.PublishQueue = 1024
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "medconsult"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = time.Hour
	}

	if c.Chat.MinLength == 0 {
		c.Chat.MinLength = 10
	}
	if c.Chat.PageSize == 0 {
		c.Chat.PageSize = 20
	}
	if c.Chat.MaxPageSize == 0 {
		c.Chat.MaxPageSize = 50
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "0 * * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}
	if c.Broker.Backend == "redis" && c.Broker.RedisURL == "" {
		errs = append(errs, "broker.redis_url is required for the redis backend")
	}
	if c.Database.Driver != "sqlite" && c.Database.Name == "" {
		errs = append(errs, "database.name is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// fieldPath turns "Config.Auth.SigningKey" into "auth.signingkey".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
