// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Store, Postgres, Redis, Kafka, Fetch, Pipeline, etc.) and the
// list of report sources to ingest.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
)

// Config is the top-level application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Sources  []SourceConfig `yaml:"sources" validate:"dive"`
}

// StoreConfig selects the relational backend that receives upserted rows.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnectAttempts int           `yaml:"connectAttempts"`
}

// ConnString returns the explicit DSN when set, otherwise a lib/pq-compatible
// key/value data source name.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds the optional page cache connection.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds the optional broker used for completion events and
// ingestion triggers.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers" validate:"required_if=Enabled true"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	SourceCompleted string `yaml:"sourceCompleted"`
	IngestRequests  string `yaml:"ingestRequests"`
}

// FetchConfig controls HTTP retrieval of report pages.
type FetchConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	UserAgent           string        `yaml:"userAgent"`
	MaxBytes            int64         `yaml:"maxBytes"`
	BreakerThreshold    int           `yaml:"breakerThreshold"`
	BreakerResetTimeout time.Duration `yaml:"breakerResetTimeout"`
}

// PipelineConfig controls how many sources run at once and the overall
// deadline of a run.
type PipelineConfig struct {
	Workers int           `yaml:"workers" validate:"min=1"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig controls the Prometheus metrics server and the optional
// Pushgateway used by batch runs.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Port        int    `yaml:"port"`
	PushGateway string `yaml:"pushGateway" validate:"omitempty,url"`
	Job         string `yaml:"job"`
}

// SourceConfig describes one report source.
type SourceConfig struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Format      string `yaml:"format" json:"format" validate:"required,oneof=dv-report e2e-timeline ci-timeline test-log review-html"`
	Location    string `yaml:"location" json:"location" validate:"required"`
	MaxPages    int    `yaml:"maxPages" json:"max_pages,omitempty" validate:"min=0"`
	Latest      string `yaml:"latest" json:"latest,omitempty"`
	LinkPattern string `yaml:"linkPattern" json:"link_pattern,omitempty"`
	Job         string `yaml:"job" json:"job,omitempty"`
	Review      string `yaml:"review" json:"review,omitempty" validate:"omitempty,oneof=cdc rdc"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// Validate checks struct constraints and cross-field rules such as unique
// source names.
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if _, dup := seen[src.Name]; dup {
			return apperrors.Newf(apperrors.ErrInvalidConfig, "duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	return nil
}

// ValidateSource checks a single source definition, e.g. one received at
// runtime rather than read from the config file.
func ValidateSource(sc SourceConfig) error {
	return validateStruct(sc)
}

func validateStruct(v any) error {
	err := validator.New().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
		}
		return apperrors.Newf(apperrors.ErrInvalidConfig, "failed rules: %s", strings.Join(fields, ", "))
	}
	return apperrors.New(apperrors.ErrInvalidConfig, err.Error())
}

// Source looks up a configured source by name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// SourcesByFormat returns the configured sources with one of the given formats,
// in file order.
func (c *Config) SourcesByFormat(formats ...string) []SourceConfig {
	var out []SourceConfig
	for _, src := range c.Sources {
		for _, f := range formats {
			if src.Format == f {
				out = append(out, src)
				break
			}
		}
	}
	return out
}

// defaultConfig returns a Config that ingests into a local SQLite file with
// every optional integration switched off.
func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "regressions.db",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "regressions",
			User:            "regressions",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 5,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 4,
			CacheTTL: 7 * 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "report-ingest",
			Topics: KafkaTopics{
				SourceCompleted: "report-ingest.source-completed",
				IngestRequests:  "report-ingest.requests",
			},
		},
		Fetch: FetchConfig{
			Timeout:             30 * time.Second,
			UserAgent:           "report-ingest/1.0",
			MaxBytes:            32 << 20,
			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers: 1,
			Timeout: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Job:  "report_ingest",
		},
	}
}

// applyEnvOverrides reads RI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RI_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("RI_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("RI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RI_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RI_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RI_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("RI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("RI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("RI_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("RI_PIPELINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.Timeout = d
		}
	}
	if v := os.Getenv("RI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RI_METRICS_PUSHGATEWAY"); v != "" {
		cfg.Metrics.PushGateway = v
	}
}
