// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sigil-dev/bastion/internal/ratelimit"
	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. BASTION_SERVER_LISTEN.
const EnvPrefix = "BASTION"

var validate = newValidator()

// newValidator reports fields by their config key rather than Go name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Config is the top-level bastion configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Audit     AuditConfig     `mapstructure:"audit"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// ServerConfig controls the admin API.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen" validate:"required,hostname_port"`
	CORSOrigins []string `mapstructure:"cors_origins" validate:"dive,required"`
	// Token is a bearer token or a keyring:// / env:// reference. Empty
	// disables authentication, which is only accepted on loopback.
	Token string `mapstructure:"token"`
	// RateLimit bounds admin API requests per client IP.
	RateLimit ratelimit.Spec `mapstructure:"rate_limit"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sqlite"`
}

// SandboxConfig holds the host-wide default execution budget. Manifests may
// override it within the hard ranges.
type SandboxConfig struct {
	MaxFuel       uint64        `mapstructure:"max_fuel" validate:"min=1000000,max=10000000000"`
	MaxMemory     string        `mapstructure:"max_memory" validate:"required"`
	TableElements uint32        `mapstructure:"table_elements" validate:"min=1"`
	WallClock     time.Duration `mapstructure:"wall_clock" validate:"min=1s,max=1h"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" validate:"min=0"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	Sinks []string `mapstructure:"sinks" validate:"min=1,dive,oneof=sqlite jsonl kafka"`
	// JSONLPath defaults to <data_dir>/audit.jsonl.
	JSONLPath string `mapstructure:"jsonl_path"`
	// FailClosed turns an audit write failure into a failed host call.
	FailClosed bool        `mapstructure:"fail_closed"`
	Kafka      KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the kafka audit sink.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" validate:"dive,hostname_port"`
	Topic    string   `mapstructure:"topic"`
	Username string   `mapstructure:"username"`
	// Password may be a keyring:// or env:// reference.
	Password string `mapstructure:"password"`
}

// RateLimitConfig selects the counter backend and per-function overrides.
type RateLimitConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `mapstructure:"redis"`
	// Functions overrides the default spec per host function name
	// (http-request, read-file, write-file, get-env, log).
	Functions map[string]ratelimit.Spec `mapstructure:"functions"`
}

// RedisConfig configures shared rate windows.
type RedisConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	// Password may be a keyring:// or env:// reference.
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix"`
}

// TrustConfig lists publisher keys trusted for registry installs, in
// addition to <data_dir>/trust/*.pem.
type TrustConfig struct {
	Keys []string `mapstructure:"keys"`
}

// RegistryConfig points registry: references at a base URL.
type RegistryConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// TracingConfig exports sandbox decision spans over OTLP/gRPC.
type TracingConfig struct {
	// Endpoint is the collector host:port. Empty disables export.
	Endpoint     string  `mapstructure:"endpoint" validate:"omitempty,hostname_port"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"min=0,max=1"`
	ServiceName  string  `mapstructure:"service_name"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.listen", "127.0.0.1:18790")
	v.SetDefault("server.rate_limit.limit", 120)
	v.SetDefault("server.rate_limit.window", "1m")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("sandbox.max_fuel", uint64(1_000_000_000))
	v.SetDefault("sandbox.max_memory", "16Mi")
	v.SetDefault("sandbox.table_elements", 10_000)
	v.SetDefault("sandbox.wall_clock", "30s")
	v.SetDefault("sandbox.drain_timeout", "30s")
	v.SetDefault("audit.sinks", []string{"sqlite"})
	v.SetDefault("audit.kafka.topic", "bastion.audit")
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.redis.prefix", "bastion:rate")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.service_name", "bastion")
}

// SetupEnv enables BASTION_ environment overrides on v.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from path (or defaults only when empty) with
// BASTION_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, bastionerr.Wrapf(err, bastionerr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, bastionerr.Wrap(err, bastionerr.CodeConfigParseInvalidFormat, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, bastionerr.Wrap(errors.Join(errs...), bastionerr.CodeConfigValidateInvalidValue, "validating config")
	}

	return &cfg, nil
}

// Validate checks struct tags and the rules they cannot express. It returns
// every problem found.
func (c *Config) Validate() []error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue,
					"config: %s failed %q (got %v)", fieldPath(fe), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, bastionerr.Wrap(err, bastionerr.CodeConfigValidateInvalidValue, "config"))
		}
	}

	errs = append(errs, c.validateSandbox()...)
	errs = append(errs, c.validateAudit()...)
	errs = append(errs, c.validateRateLimit()...)

	return errs
}

// fieldPath drops the root type from the namespace, leaving the config key.
func fieldPath(fe validator.FieldError) string {
	_, key, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Namespace()
	}
	return key
}

func (c *Config) validateSandbox() []error {
	var errs []error
	n, err := ParseByteSize(c.Sandbox.MaxMemory)
	switch {
	case err != nil:
		errs = append(errs, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue,
			"config: sandbox.max_memory: %s", err))
	case n < 64<<10 || n > 256<<20:
		errs = append(errs, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue,
			"config: sandbox.max_memory must be between 64Ki and 256Mi, got %s", c.Sandbox.MaxMemory))
	}
	return errs
}

func (c *Config) validateAudit() []error {
	var errs []error
	for _, s := range c.Audit.Sinks {
		if s == "kafka" && (len(c.Audit.Kafka.Brokers) == 0 || c.Audit.Kafka.Topic == "") {
			errs = append(errs, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue,
				"config: audit.kafka.brokers and audit.kafka.topic are required when the kafka sink is enabled"))
		}
	}
	return errs
}

func (c *Config) validateRateLimit() []error {
	var errs []error
	if c.RateLimit.Backend == "redis" && c.RateLimit.Redis.Addr == "" {
		errs = append(errs, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue,
			"config: rate_limit.redis.addr is required for the redis backend"))
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		errs = append(errs, bastionerr.Wrap(err, bastionerr.CodeConfigValidateInvalidValue,
			"config: server.rate_limit"))
	}
	for name, spec := range c.RateLimit.Functions {
		if !knownFunctions[name] {
			errs = append(errs, bastionerr.Errorf(bastionerr.CodeConfigValidateInvalidValue,
				"config: rate_limit.functions: unknown host function %q", name))
			continue
		}
		if err := spec.Validate(); err != nil {
			errs = append(errs, bastionerr.Wrapf(err, bastionerr.CodeConfigValidateInvalidValue,
				"config: rate_limit.functions.%s", name))
		}
	}
	return errs
}

var knownFunctions = map[string]bool{
	"http-request": true,
	"read-file":    true,
	"write-file":   true,
	"get-env":      true,
	"log":          true,
}

// MemoryBytes returns sandbox.max_memory in bytes. It assumes Validate
// passed.
func (c *Config) MemoryBytes() uint64 {
	n, _ := ParseByteSize(c.Sandbox.MaxMemory)
	return n
}

// PluginsDir returns <data_dir>/plugins.
func (c *Config) PluginsDir() string { return filepath.Join(c.DataDir, "plugins") }

// WorkspacesDir returns <data_dir>/workspaces.
func (c *Config) WorkspacesDir() string { return filepath.Join(c.DataDir, "workspaces") }

// TrustDir returns <data_dir>/trust.
func (c *Config) TrustDir() string { return filepath.Join(c.DataDir, "trust") }

// AuditJSONLPath returns the jsonl sink path.
func (c *Config) AuditJSONLPath() string {
	if c.Audit.JSONLPath != "" {
		return c.Audit.JSONLPath
	}
	return filepath.Join(c.DataDir, "audit.jsonl")
}

var byteSizeRe = regexp.MustCompile(`^([1-9][0-9]*)(Ki|Mi|Gi)?$`)

// ParseByteSize parses "65536", "512Ki", "16Mi" or "1Gi".
func ParseByteSize(s string) (uint64, error) {
	m := byteSizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size %q: want a positive integer with optional Ki, Mi or Gi suffix", s)
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	shift := map[string]uint{"": 0, "Ki": 10, "Mi": 20, "Gi": 30}[m[2]]
	if n > (1<<63)>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n << shift, nil
}

// SecretRefs returns the fields that may hold keyring:// or env://
// references, for resolution after Load.
func (c *Config) SecretRefs() []*string {
	return []*string{&c.Server.Token, &c.Audit.Kafka.Password, &c.RateLimit.Redis.Password}
}
