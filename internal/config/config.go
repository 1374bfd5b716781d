package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Store      StoreConfig     `mapstructure:"store"`
	Redis      RedisConfig     `mapstructure:"redis"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	EventLog   EventLogConfig  `mapstructure:"eventlog"`
	Bus        BusConfig       `mapstructure:"bus"`
	Worker     WorkerConfig    `mapstructure:"worker"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Reports    ReportsConfig   `mapstructure:"reports"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr        string `mapstructure:"addr"`
	AdminAPIKey string `mapstructure:"admin_api_key"` // guards /v1 admin routes when set
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // redis | mysql | memory
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
	MaxAttempts    int      `mapstructure:"max_attempts"`
	WriteTimeoutMs int      `mapstructure:"write_timeout_ms"`
}

type EventLogConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	AppID          string `mapstructure:"app_id"`
	MaxRetry       int    `mapstructure:"max_retry"`
	CasMaxAttempts int    `mapstructure:"cas_max_attempts"`
}

type BusConfig struct {
	PubsubName    string            `mapstructure:"pubsub_name"`
	Topic         string            `mapstructure:"topic"`
	Headers       map[string]string `mapstructure:"headers"`
	ImportHeaders []string          `mapstructure:"import_headers"`
	RemoveHeaders []string          `mapstructure:"remove_headers"`
}

type WorkerConfig struct {
	Topic         string        `mapstructure:"topic"`
	RouteURL      string        `mapstructure:"route_url"`
	Workers       int           `mapstructure:"workers"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	TimeoutMs     int           `mapstructure:"timeout_ms"`
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenForMs     int           `mapstructure:"open_for_ms"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"` // per-topic, webhook endpoint; 0 disables
}

type ReportsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies
// env overrides (EVRELAY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (EVRELAY_*)
	v.SetEnvPrefix("EVRELAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
