package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/chatmesh/internal/adapters/tcp"
	"github.com/dkeye/chatmesh/internal/domain"
)

type Retry struct {
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
	MaxAttempts uint64        `mapstructure:"max_attempts"`
}

func (r Retry) Policy() tcp.RetryPolicy {
	return tcp.RetryPolicy{Initial: r.Initial, Max: r.Max, MaxElapsed: r.MaxElapsed, MaxAttempts: r.MaxAttempts}
}

type RateLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type Proxy struct {
	Listen            string        `mapstructure:"listen"`
	HTTPListen        string        `mapstructure:"http_listen"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxMissed         int           `mapstructure:"max_missed"`
	MaxFrame          int           `mapstructure:"max_frame"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type Server struct {
	Name          string        `mapstructure:"name"`
	Listen        string        `mapstructure:"listen"`
	Advertise     string        `mapstructure:"advertise"`
	HTTPListen    string        `mapstructure:"http_listen"`
	ProxyAddr     string        `mapstructure:"proxy_addr"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxFrame      int           `mapstructure:"max_frame"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	ProxyRetry    Retry         `mapstructure:"proxy_retry"`
	PeerRetry     Retry         `mapstructure:"peer_retry"`
}

type Client struct {
	ProxyAddr string `mapstructure:"proxy_addr"`
	Retry     Retry  `mapstructure:"retry"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
	Proxy    Proxy  `mapstructure:"proxy"`
	Server   Server `mapstructure:"server"`
	Client   Client `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("proxy.listen", ":9000")
	v.SetDefault("proxy.http_listen", ":9080")
	v.SetDefault("proxy.heartbeat_interval", "5s")
	v.SetDefault("proxy.max_missed", 3)
	v.SetDefault("proxy.max_frame", 1<<20)
	v.SetDefault("proxy.write_timeout", "5s")

	v.SetDefault("server.name", "S1")
	v.SetDefault("server.listen", ":9101")
	v.SetDefault("server.advertise", "")
	v.SetDefault("server.http_listen", ":8101")
	v.SetDefault("server.proxy_addr", "127.0.0.1:9000")
	v.SetDefault("server.sweep_interval", "2s")
	v.SetDefault("server.max_frame", 1<<20)
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.rate_limit.limit", 0)
	v.SetDefault("server.rate_limit.window", "1s")
	v.SetDefault("server.proxy_retry.initial", "500ms")
	v.SetDefault("server.proxy_retry.max", "10s")
	v.SetDefault("server.proxy_retry.max_elapsed", 0)
	v.SetDefault("server.proxy_retry.max_attempts", 0)
	v.SetDefault("server.peer_retry.initial", "200ms")
	v.SetDefault("server.peer_retry.max", "2s")
	v.SetDefault("server.peer_retry.max_elapsed", "30s")
	v.SetDefault("server.peer_retry.max_attempts", 0)

	v.SetDefault("client.proxy_addr", "127.0.0.1:9000")
	v.SetDefault("client.retry.initial", "500ms")
	v.SetDefault("client.retry.max", "5s")
	v.SetDefault("client.retry.max_elapsed", 0)
	v.SetDefault("client.retry.max_attempts", 0)
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to dev) and
// applies CHATMESH_* environment overrides, e.g. CHATMESH_SERVER_NAME.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file; a missing file falls back to defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CHATMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", domain.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("server", cfg.Server.Name).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !domain.ValidServerName(c.Server.Name) {
		return fmt.Errorf("%w: server.name %q must look like S<n>", domain.ErrConfig, c.Server.Name)
	}
	if c.Proxy.HeartbeatInterval <= 0 || c.Server.SweepInterval <= 0 {
		return fmt.Errorf("%w: heartbeat and sweep intervals must be positive", domain.ErrConfig)
	}
	if c.Proxy.MaxMissed <= 0 {
		return fmt.Errorf("%w: proxy.max_missed must be positive", domain.ErrConfig)
	}
	if c.Server.RateLimit.Limit < 0 {
		return fmt.Errorf("%w: server.rate_limit.limit must not be negative", domain.ErrConfig)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", domain.ErrConfig, err)
	}
	return nil
}

// Level resolves log_level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
