package serv

import (
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds the service-level settings: where to listen, how to log and
// how to throttle. The entity catalog lives in its own runtime config file
// (ConfigPath) owned by the engine.
type Config struct {
	// AppName is used in logs and the health endpoint.
	AppName string `mapstructure:"app_name"`

	// HostPort to listen on, host:port.
	HostPort string `mapstructure:"host_port"`

	// ConfigPath is the runtime (entity) config file the engine loads.
	ConfigPath string `mapstructure:"config_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is json or simple.
	LogFormat string `mapstructure:"log_format"`

	// MaxConcurrency caps in-flight database work.
	MaxConcurrency int64 `mapstructure:"max_concurrency"`

	// QueryTimeout bounds a single request's database time.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	RateLimiter RateLimiter `mapstructure:"rate_limiter"`

	DB DBPool `mapstructure:"db"`

	vi *viper.Viper
}

// RateLimiter throttles requests per client IP.
type RateLimiter struct {
	Rate     float64 `mapstructure:"rate"`
	Bucket   int     `mapstructure:"bucket"`
	IPHeader string  `mapstructure:"ip_header"`
}

func (rl RateLimiter) Enabled() bool { return rl.Rate > 0 && rl.Bucket > 0 }

// DBPool tunes the database connection pool.
type DBPool struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ReadInConfig loads the service config file, layering environment
// variables with the DG_ prefix on top. A missing file yields defaults.
func ReadInConfig(path string) (*Config, error) {
	vi := viper.New()

	vi.SetDefault("app_name", "datagate")
	vi.SetDefault("host_port", "0.0.0.0:8080")
	vi.SetDefault("config_path", "./dab-config.json")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "simple")
	vi.SetDefault("max_concurrency", 100)
	vi.SetDefault("query_timeout", 30*time.Second)
	vi.SetDefault("db.max_open_conns", 25)
	vi.SetDefault("db.max_idle_conns", 5)
	vi.SetDefault("db.conn_max_lifetime", 30*time.Minute)

	vi.SetEnvPrefix("DG")
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	if path != "" {
		vi.SetConfigFile(path)
		if err := vi.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	c := &Config{vi: vi}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := vi.Unmarshal(c, hook); err != nil {
		return nil, err
	}
	return c, nil
}
