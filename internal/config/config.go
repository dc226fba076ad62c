// Package config loads the checker configuration from defaults, an optional
// YAML file and the environment, and validates it against an embedded CUE
// schema.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	_ "embed"
)

// EnvPrefix is the prefix of structured environment variables, for example
// ISPCHECKER_WORKER_MAX_WORKERS.
const EnvPrefix = "ISPCHECKER"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Tracing exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Server    Server    `mapstructure:"server" json:"server" yaml:"server"`
	RateLimit RateLimit `mapstructure:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Worker    Worker    `mapstructure:"worker" json:"worker" yaml:"worker"`
	Probe     Probe     `mapstructure:"probe" json:"probe" yaml:"probe"`
	Store     Store     `mapstructure:"store" json:"store" yaml:"store"`
	Log       Log       `mapstructure:"log" json:"log" yaml:"log"`
	Tracing   Tracing   `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
}

type Server struct {
	Addr            string        `mapstructure:"addr" json:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" json:"cors_origins,omitempty" yaml:"cors_origins"`
}

type RateLimit struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
	// RequestsPerHour is an additional hourly ceiling, 0 disables it.
	RequestsPerHour int           `mapstructure:"requests_per_hour" json:"requests_per_hour" yaml:"requests_per_hour"`
	BurstSize       int           `mapstructure:"burst_size" json:"burst_size" yaml:"burst_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval" yaml:"cleanup_interval"`
	BucketMaxAge    time.Duration `mapstructure:"bucket_max_age" json:"bucket_max_age" yaml:"bucket_max_age"`
}

type Worker struct {
	MaxWorkers int `mapstructure:"max_workers" json:"max_workers" yaml:"max_workers"`
}

type Probe struct {
	Binary            string            `mapstructure:"binary" json:"binary" yaml:"binary"`
	CLITimeoutSeconds int               `mapstructure:"cli_timeout_seconds" json:"cli_timeout_seconds" yaml:"cli_timeout_seconds"`
	SimulationDelay   time.Duration     `mapstructure:"simulation_delay" json:"simulation_delay" yaml:"simulation_delay"`
	Env               map[string]string `mapstructure:"env" json:"env,omitempty" yaml:"env,omitempty"`
}

// CLITimeout returns the probe deadline.
func (p Probe) CLITimeout() time.Duration {
	return time.Duration(p.CLITimeoutSeconds) * time.Second
}

type Store struct {
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
	// Prefix namespaces redis keys.
	Prefix string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`
}

type Log struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

type Tracing struct {
	Exporter    string `mapstructure:"exporter" json:"exporter" yaml:"exporter"`
	ServiceName string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
}

// legacyEnv maps the flat environment variables of older deployments to
// configuration keys. Structured ISPCHECKER_ variables take precedence.
var legacyEnv = map[string]string{
	"rate_limit.requests_per_minute": "RATE_LIMIT_PER_MINUTE",
	"rate_limit.requests_per_hour":   "RATE_LIMIT_PER_HOUR",
	"rate_limit.burst_size":          "RATE_LIMIT_BURST",
	"worker.max_workers":             "MAX_WORKERS",
	"probe.cli_timeout_seconds":      "CLI_TIMEOUT",
	"probe.binary":                   "ISP_CHECKER_CLI",
	"store.dsn":                      "DATABASE_URL",
}

// SetDefaults registers all default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.requests_per_hour", 1000)
	v.SetDefault("rate_limit.burst_size", 10)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	v.SetDefault("rate_limit.bucket_max_age", time.Hour)

	v.SetDefault("worker.max_workers", 10)

	v.SetDefault("probe.binary", "isp-checker")
	v.SetDefault("probe.cli_timeout_seconds", 60)
	v.SetDefault("probe.simulation_delay", 500*time.Millisecond)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.prefix", "ispchecker")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tracing.exporter", ExporterNone)
	v.SetDefault("tracing.service_name", "ispchecker")
}

// Load reads the configuration into v and returns the validated result.
// An empty path searches ./ispchecker.yaml, a missing default file is not an
// error, a missing explicit one is.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ispchecker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || (!errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the validated default configuration.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Validate unifies cfg with the embedded schema.
func Validate(cfg Config) error {
	value := cueCtx.Encode(cfg)
	if value.Err() != nil {
		return fmt.Errorf("encode config: %w", value.Err())
	}
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return newValidationError(err)
	}
	return nil
}
