// Package config loads service settings from defaults, an optional YAML file
// and SALESLENS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SALESLENS"

// Config is the resolved service configuration.
type Config struct {
	HTTP     HTTPConfig
	GRPCAddr string
	PG       PGConfig
	Session  SessionConfig
	Redis    RedisConfig
	Analyst  AnalystConfig
	Query    QueryConfig
	Log      LogConfig
	Login    LoginConfig
}

type HTTPConfig struct {
	Addr            string
	AllowedOrigins  []string
	RateLimitRPS    float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

type PGConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type SessionConfig struct {
	Store         string // memory | redis
	TTL           time.Duration
	RegionRefresh time.Duration
	Sliding       bool
	MaxLifetime   time.Duration
	TokenSecret   string
	CookieName    string
	CookieSecure  bool
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type AnalystConfig struct {
	BaseURL       string
	APIKey        string
	SemanticModel string
	Timeout       time.Duration
}

type QueryConfig struct {
	Timeout       time.Duration
	MaxRows       int
	AllowedTables []string
	FormatSQL     bool
}

type LogConfig struct {
	Level    string
	DebugSQL bool
}

type LoginConfig struct {
	RatePerMinute float64
	Burst         int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.rate_limit_rps", 20.0)
	v.SetDefault("http.rate_limit_burst", 40)
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("pg.dsn", "")
	v.SetDefault("pg.max_open_conns", 10)
	v.SetDefault("pg.max_idle_conns", 10)
	v.SetDefault("pg.conn_max_lifetime", "30m")

	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl", "2h")
	v.SetDefault("session.region_refresh", "5m")
	v.SetDefault("session.sliding", false)
	v.SetDefault("session.max_lifetime", "12h")
	v.SetDefault("session.token_secret", "")
	v.SetDefault("session.cookie_name", "saleslens_session")
	v.SetDefault("session.cookie_secure", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "saleslens:session:")

	v.SetDefault("analyst.base_url", "")
	v.SetDefault("analyst.api_key", "")
	v.SetDefault("analyst.semantic_model", "sales_semantic_model.yaml")
	v.SetDefault("analyst.timeout", "30s")

	v.SetDefault("query.timeout", "30s")
	v.SetDefault("query.max_rows", 1000)
	v.SetDefault("query.allowed_tables", []string{"sales_data", "regions"})
	v.SetDefault("query.format_sql", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.debug_sql", false)

	v.SetDefault("login.rate_per_minute", 10.0)
	v.SetDefault("login.burst", 5)
}

// Load resolves configuration. The YAML file named by SALESLENS_CONFIG is
// optional; a named file that cannot be read is an error.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			AllowedOrigins:  splitList(v.GetStringSlice("http.allowed_origins")),
			RateLimitRPS:    v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst:  v.GetInt("http.rate_limit_burst"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		GRPCAddr: v.GetString("grpc.addr"),
		PG: PGConfig{
			DSN:             v.GetString("pg.dsn"),
			MaxOpenConns:    v.GetInt("pg.max_open_conns"),
			MaxIdleConns:    v.GetInt("pg.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("pg.conn_max_lifetime"),
		},
		Session: SessionConfig{
			Store:         strings.ToLower(strings.TrimSpace(v.GetString("session.store"))),
			TTL:           v.GetDuration("session.ttl"),
			RegionRefresh: v.GetDuration("session.region_refresh"),
			Sliding:       v.GetBool("session.sliding"),
			MaxLifetime:   v.GetDuration("session.max_lifetime"),
			TokenSecret:   v.GetString("session.token_secret"),
			CookieName:    v.GetString("session.cookie_name"),
			CookieSecure:  v.GetBool("session.cookie_secure"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Analyst: AnalystConfig{
			BaseURL:       strings.TrimRight(v.GetString("analyst.base_url"), "/"),
			APIKey:        v.GetString("analyst.api_key"),
			SemanticModel: v.GetString("analyst.semantic_model"),
			Timeout:       v.GetDuration("analyst.timeout"),
		},
		Query: QueryConfig{
			Timeout:       v.GetDuration("query.timeout"),
			MaxRows:       v.GetInt("query.max_rows"),
			AllowedTables: splitList(v.GetStringSlice("query.allowed_tables")),
			FormatSQL:     v.GetBool("query.format_sql"),
		},
		Log: LogConfig{
			Level:    v.GetString("log.level"),
			DebugSQL: v.GetBool("log.debug_sql"),
		},
		Login: LoginConfig{
			RatePerMinute: v.GetFloat64("login.rate_per_minute"),
			Burst:         v.GetInt("login.burst"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Session.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("session.store must be memory or redis, got %q", c.Session.Store))
	}
	if c.Session.Store == "redis" && c.Session.TokenSecret == "" {
		errs = append(errs, errors.New("session.token_secret is required with the redis session store"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Analyst.Timeout <= 0 {
		errs = append(errs, errors.New("analyst.timeout must be positive"))
	}
	if c.Query.Timeout <= 0 {
		errs = append(errs, errors.New("query.timeout must be positive"))
	}
	if c.Query.MaxRows <= 0 {
		errs = append(errs, errors.New("query.max_rows must be positive"))
	}
	if len(c.Query.AllowedTables) == 0 {
		errs = append(errs, errors.New("query.allowed_tables must name at least one table"))
	}
	return errors.Join(errs...)
}

// splitList accepts both YAML lists and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
