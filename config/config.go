// Package config holds the explicit configuration surface: broker
// connection parameters passed through to the client library, plus the
// optional shared encryption key and request timeout interpreted by
// the core.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"github.com/adero/go-messaging/codec"
)

// Duration accepts "5s"-style strings in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Broker struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	DB             int      `toml:"db"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type Config struct {
	Broker         Broker   `toml:"broker"`
	EncryptionKey  string   `toml:"encryption_key"`
	RequestTimeout Duration `toml:"request_timeout"`
}

func Default() Config {
	return Config{
		Broker: Broker{
			Host:           "127.0.0.1",
			Port:           6379,
			ConnectTimeout: Duration{5 * time.Second},
		},
		RequestTimeout: Duration{5 * time.Second},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return errors.New("config: broker host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("config: invalid broker port %d", c.Broker.Port)
	}
	if c.Broker.ConnectTimeout.Duration <= 0 {
		return errors.New("config: connect_timeout must be positive")
	}
	if c.RequestTimeout.Duration <= 0 {
		return errors.New("config: request_timeout must be positive")
	}
	if c.EncryptionKey != "" {
		if _, err := codec.New(codec.WithKey(c.EncryptionKey)); err != nil {
			return fmt.Errorf("config: encryption_key: %w", err)
		}
	}
	return nil
}

// RedisOptions maps the broker section onto go-redis options. The
// fields are passed through, not interpreted here.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:        fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port),
		DB:          c.Broker.DB,
		Username:    c.Broker.Username,
		Password:    c.Broker.Password,
		DialTimeout: c.Broker.ConnectTimeout.Duration,
	}
}

// Codec builds the codec implied by the configuration: encrypting when
// a key is set, plaintext otherwise.
func (c *Config) Codec() (*codec.Codec, error) {
	if c.EncryptionKey == "" {
		return codec.New()
	}
	return codec.New(codec.WithKey(c.EncryptionKey))
}
