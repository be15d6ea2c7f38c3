package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultGracePeriod      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

type Config struct {
	Port          uint32   `yaml:"port"`
	BindAddresses []string `yaml:"bind_addresses"`
	// when set, client-provided model ids in setup messages are rewritten to this id
	ModelID     string        `yaml:"model_id"`
	Relay       RelayConfig   `yaml:"relay"`
	Redis       RedisConfig   `yaml:"redis"`
	Storage     StorageConfig `yaml:"storage"`
	Auth        AuthConfig    `yaml:"auth"`
	Logging     LoggingConfig `yaml:"logging"`
	Prometheus  PromConfig    `yaml:"prometheus"`
	Development bool          `yaml:"development"`
}

type RelayConfig struct {
	// how long an empty session keeps its upstream link before teardown
	GracePeriod time.Duration `yaml:"grace_period"`
	// how long to wait for the client's initial handshake frame
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// interval of websocket-level pings sent on the upstream link
	UpstreamPingInterval time.Duration `yaml:"upstream_ping_interval"`
	// handshake timeout when dialing the upstream service
	UpstreamDialTimeout time.Duration `yaml:"upstream_dial_timeout"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r *RedisConfig) UseRedis() bool {
	return r.Address != ""
}

type StorageConfig struct {
	// GCS bucket for conversation transcripts and room metadata blobs
	Bucket string `yaml:"bucket"`
	// local directory fallback when no bucket is configured
	Directory string `yaml:"directory"`
}

type AuthConfig struct {
	// static bearer token for the upstream service; when empty, tokens are
	// minted from Application Default Credentials
	BearerToken string `yaml:"bearer_token"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type PromConfig struct {
	Port uint32 `yaml:"port"`
}

var DefaultConfig = Config{
	Port:    8080,
	ModelID: "gemini-live-2.5-flash-native-audio",
	Relay: RelayConfig{
		GracePeriod:          DefaultGracePeriod,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		UpstreamPingInterval: 20 * time.Second,
		UpstreamDialTimeout:  15 * time.Second,
	},
	Storage: StorageConfig{
		Directory: "conversation-logs",
	},
	Logging: LoggingConfig{
		Level: "info",
	},
}

func NewConfig(confString string, c *cli.Context) (*Config, error) {
	// start with defaults
	conf := DefaultConfig

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(true)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		conf.updateFromCLI(c)
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Relay.GracePeriod <= 0 {
		conf.Relay.GracePeriod = DefaultGracePeriod
	}
	if conf.Relay.HandshakeTimeout <= 0 {
		conf.Relay.HandshakeTimeout = DefaultHandshakeTimeout
	}

	return &conf, nil
}

func (conf *Config) updateFromCLI(c *cli.Context) {
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("port") {
		conf.Port = uint32(c.Uint64("port"))
	}
	if c.IsSet("model-id") {
		conf.ModelID = c.String("model-id")
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("bucket") {
		conf.Storage.Bucket = c.String("bucket")
	}
	if c.IsSet("bearer-token") {
		conf.Auth.BearerToken = c.String("bearer-token")
	}
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
}
