// Package config loads checko-fetch configuration from a YAML file, .env
// files and CHECKO_* environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/checko-fetcher/pkg/artifact"
	"github.com/Sternrassler/checko-fetcher/pkg/client"
	"github.com/Sternrassler/checko-fetcher/pkg/logging"
	"github.com/Sternrassler/checko-fetcher/pkg/usage"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the YAML config path.
const EnvConfigPath = "CHECKO_CONFIG"

// Usage backends.
const (
	UsageBackendFile   = "file"
	UsageBackendRedis  = "redis"
	UsageBackendSQLite = "sqlite"
)

// Artifact backends.
const (
	ArtifactBackendFS = "fs"
	ArtifactBackendS3 = "s3"
)

// Config holds the application configuration.
type Config struct {
	APIURL         string        `yaml:"api_url" validate:"required,url"`
	UserAgent      string        `yaml:"user_agent" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	KeysFile     string `yaml:"keys_file" validate:"required"`
	EntitiesFile string `yaml:"entities_file" validate:"required"`

	UsageBackend  string `yaml:"usage_backend" validate:"oneof=file redis sqlite"`
	UsageFile     string `yaml:"usage_file" validate:"required_if=UsageBackend file"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=UsageBackend redis,omitempty,hostname_port"`
	RedisDB       int    `yaml:"redis_db" validate:"min=0,max=15"`
	RedisPassword string `yaml:"redis_password"`
	SQLitePath    string `yaml:"sqlite_path" validate:"required_if=UsageBackend sqlite"`

	ArtifactBackend string `yaml:"artifact_backend" validate:"oneof=fs s3"`
	OutputDir       string `yaml:"output_dir" validate:"required_if=ArtifactBackend fs"`
	S3Endpoint      string `yaml:"s3_endpoint" validate:"omitempty,url"`
	S3Region        string `yaml:"s3_region"`
	S3Bucket        string `yaml:"s3_bucket" validate:"required_if=ArtifactBackend s3"`
	S3Prefix        string `yaml:"s3_prefix"`
	S3AccessKey     string `yaml:"s3_access_key" validate:"required_if=ArtifactBackend s3"`
	S3SecretKey     string `yaml:"s3_secret_key" validate:"required_if=ArtifactBackend s3"`

	DailyLimit  int           `yaml:"daily_limit" validate:"min=1"`
	ResetWindow time.Duration `yaml:"reset_window" validate:"gt=0"`
	PacingDelay time.Duration `yaml:"pacing_delay" validate:"gte=0"`

	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogPretty   bool   `yaml:"log_pretty"`
	LogDir      string `yaml:"log_dir"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		APIURL:          client.DefaultBaseURL,
		UserAgent:       "checko-fetch/1.0",
		RequestTimeout:  client.DefaultTimeout,
		KeysFile:        "APIs.txt",
		EntitiesFile:    "ogrns.txt",
		UsageBackend:    UsageBackendFile,
		UsageFile:       "api_count.json",
		RedisAddr:       "localhost:6379",
		SQLitePath:      "usage.db",
		ArtifactBackend: ArtifactBackendFS,
		OutputDir:       "JSONs",
		S3Region:        "us-east-1",
		DailyLimit:      usage.DefaultDailyLimit,
		ResetWindow:     usage.DefaultResetWindow,
		PacingDelay:     time.Second,
		LogLevel:        string(logging.LevelInfo),
		LogDir:          "logs",
	}
}

// Options control where Load looks for configuration.
type Options struct {
	// ConfigPath is the YAML file to read. Empty falls back to $CHECKO_CONFIG;
	// when both are empty no file is read.
	ConfigPath string

	// EnvFiles are .env files loaded before reading the environment. Missing
	// files are skipped. Variables already set in the environment win.
	EnvFiles []string
}

// DefaultOptions loads ./.env and the file named by $CHECKO_CONFIG.
func DefaultOptions() Options {
	return Options{EnvFiles: []string{".env"}}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment. The result is validated.
func Load(opts Options) (*Config, error) {
	for _, path := range opts.EnvFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := Default()

	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from CHECKO_* variables.
func (c *Config) applyEnv() error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	boolean := func(name string, dst *bool) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a boolean", name, v))
			return
		}
		*dst = b
	}

	str("CHECKO_API_URL", &c.APIURL)
	str("CHECKO_USER_AGENT", &c.UserAgent)
	dur("CHECKO_REQUEST_TIMEOUT", &c.RequestTimeout)
	str("CHECKO_KEYS_FILE", &c.KeysFile)
	str("CHECKO_ENTITIES_FILE", &c.EntitiesFile)
	str("CHECKO_USAGE_BACKEND", &c.UsageBackend)
	str("CHECKO_USAGE_FILE", &c.UsageFile)
	str("CHECKO_REDIS_ADDR", &c.RedisAddr)
	num("CHECKO_REDIS_DB", &c.RedisDB)
	str("CHECKO_REDIS_PASSWORD", &c.RedisPassword)
	str("CHECKO_SQLITE_PATH", &c.SQLitePath)
	str("CHECKO_ARTIFACT_BACKEND", &c.ArtifactBackend)
	str("CHECKO_OUTPUT_DIR", &c.OutputDir)
	str("CHECKO_S3_ENDPOINT", &c.S3Endpoint)
	str("CHECKO_S3_REGION", &c.S3Region)
	str("CHECKO_S3_BUCKET", &c.S3Bucket)
	str("CHECKO_S3_PREFIX", &c.S3Prefix)
	str("CHECKO_S3_ACCESS_KEY", &c.S3AccessKey)
	str("CHECKO_S3_SECRET_KEY", &c.S3SecretKey)
	num("CHECKO_DAILY_LIMIT", &c.DailyLimit)
	dur("CHECKO_RESET_WINDOW", &c.ResetWindow)
	dur("CHECKO_PACING_DELAY", &c.PacingDelay)
	str("CHECKO_LOG_LEVEL", &c.LogLevel)
	boolean("CHECKO_LOG_PRETTY", &c.LogPretty)
	str("CHECKO_LOG_DIR", &c.LogDir)
	str("CHECKO_METRICS_ADDR", &c.MetricsAddr)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("30s", "25h") and plain seconds.
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("%q is not a duration", v)
}

// Limits returns the key quota settings.
func (c *Config) Limits() usage.Limits {
	return usage.Limits{DailyLimit: c.DailyLimit, ResetWindow: c.ResetWindow}
}

// Client returns the Checko client settings.
func (c *Config) Client() client.Config {
	return client.Config{BaseURL: c.APIURL, UserAgent: c.UserAgent, Timeout: c.RequestTimeout}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	cfg.Dir = c.LogDir
	return cfg
}

// S3 returns the artifact bucket settings.
func (c *Config) S3() artifact.S3Config {
	return artifact.S3Config{
		Endpoint:  c.S3Endpoint,
		Region:    c.S3Region,
		Bucket:    c.S3Bucket,
		Prefix:    c.S3Prefix,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
	}
}
