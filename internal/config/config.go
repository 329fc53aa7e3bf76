// Package config loads the relay server configuration from an optional YAML
// file and CHAT_* environment variables, then validates it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"    validate:"required_if=Enabled true"`
	Channel string `mapstructure:"channel" validate:"required_if=Enabled true"`
}

type AuthConfig struct {
	JWTSecret          string        `mapstructure:"jwt_secret"           validate:"required,min=8"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"            validate:"min=1m"`
	AllowPlainUsername bool          `mapstructure:"allow_plain_username"`
}

// RelayConfig tunes per-connection behaviour of the relay engine.
type RelayConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"      validate:"min=1"`
	MaxMessageSize int64         `mapstructure:"max_message_size" validate:"min=512"`
	TimeFormat     string        `mapstructure:"time_format"      validate:"required"`
	WriteWait      time.Duration `mapstructure:"write_wait"       validate:"min=1s"`
	PongWait       time.Duration `mapstructure:"pong_wait"        validate:"min=1s"`
}

type MonitorConfig struct {
	Interval             time.Duration `mapstructure:"interval"               validate:"min=1s"`
	HistoryWarnThreshold int           `mapstructure:"history_warn_threshold" validate:"min=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Load reads defaults, then the YAML file at path (missing file is fine),
// then CHAT_* environment variables. A .env file in the working directory is
// applied to the environment first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags on the whole tree.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "chat.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "general-chat")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.allow_plain_username", false)

	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.max_message_size", 1<<20)
	v.SetDefault("relay.time_format", "3:04:05 PM")
	v.SetDefault("relay.write_wait", 10*time.Second)
	v.SetDefault("relay.pong_wait", 60*time.Second)

	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.history_warn_threshold", 100000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
