package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct walks nested structs and fills tagged fields from the environment.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, ok := lookupEnv(envName, field.Tag.Get("envAlt"))
		if !ok {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// lookupEnv returns the first non-empty value among the primary and alternate names.
func lookupEnv(primary, alt string) (string, bool) {
	if v := strings.TrimSpace(os.Getenv(primary)); v != "" {
		return v, true
	}
	if alt != "" {
		if v := strings.TrimSpace(os.Getenv(alt)); v != "" {
			return v, true
		}
	}
	return "", false
}

// setField parses value into the field according to its kind.
func setField(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))

	case field.Kind() == reflect.String:
		field.SetString(value)

	case field.Kind() == reflect.Int || field.Kind() == reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var out []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}

	return nil
}

var (
	validSources = map[string]bool{"postgres": true, "sqlserver": true, "csv": true}
	validTargets = map[string]bool{"postgres": true, "sqlserver": true}
	validModes   = map[string]bool{"reset": true, "incremental": true}
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	// Stores
	if c.Source.URL == "" {
		add("SOURCE_URL is required")
	}
	if !validSources[strings.ToLower(c.Source.Driver)] {
		add("SOURCE_DRIVER (%q) must be one of: postgres, sqlserver, csv", c.Source.Driver)
	}
	if c.Source.MaxConns <= 0 {
		add("SOURCE_MAX_CONNS must be positive")
	}
	if c.Target.URL == "" {
		add("TARGET_URL is required")
	}
	if !validTargets[strings.ToLower(c.Target.Driver)] {
		add("TARGET_DRIVER (%q) must be one of: postgres, sqlserver", c.Target.Driver)
	}
	if c.Target.MaxConns <= 0 {
		add("TARGET_MAX_CONNS must be positive")
	}
	if c.Target.MinConns < 0 {
		add("TARGET_MIN_CONNS must be non-negative")
	}
	if c.Target.MaxConns < c.Target.MinConns {
		add("TARGET_MAX_CONNS (%d) must be >= TARGET_MIN_CONNS (%d)", c.Target.MaxConns, c.Target.MinConns)
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		add("SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Pipeline
	if !validModes[strings.ToLower(c.Pipeline.Mode)] {
		add("PIPELINE_MODE (%q) must be one of: reset, incremental", c.Pipeline.Mode)
	}
	if c.Pipeline.BatchSize <= 0 {
		add("PIPELINE_BATCH_SIZE must be positive")
	}
	if c.Pipeline.Timeout <= 0 {
		add("PIPELINE_TIMEOUT must be positive")
	}
	if c.Pipeline.GapSample < 0 {
		add("PIPELINE_GAP_SAMPLE must be non-negative")
	}
	if c.Pipeline.MaxWait < 0 {
		add("PIPELINE_MAX_WAIT must be non-negative")
	}
	if c.Pipeline.History <= 0 {
		add("PIPELINE_HISTORY must be positive")
	}
	if c.Pipeline.Schedule != "" {
		if _, err := cron.ParseStandard(c.Pipeline.Schedule); err != nil {
			add("PIPELINE_SCHEDULE (%q) is not a valid cron spec: %v", c.Pipeline.Schedule, err)
		}
	}
	if c.Pipeline.RulesFile != "" {
		if _, err := os.Stat(c.Pipeline.RulesFile); err != nil {
			add("PIPELINE_RULES_FILE (%q) is not readable: %v", c.Pipeline.RulesFile, err)
		}
	}

	// Retry
	if c.Retry.MaxRetries < 0 {
		add("RETRY_MAX must be non-negative")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		add("RETRY_INITIAL_DELAY must be positive and <= RETRY_MAX_DELAY")
	}

	// Query
	if c.Query.MaxRows <= 0 {
		add("QUERY_MAX_ROWS must be positive")
	}
	if c.Query.Timeout <= 0 {
		add("QUERY_TIMEOUT must be positive")
	}

	// Rate limit
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		add("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.RefreshLimit <= 0 {
		add("RATE_LIMIT_REFRESH must be positive when rate limiting is enabled")
	}

	// Security
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		add("REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		add("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Connection URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Source: {Driver: %q, URL: [MASKED]}, ", c.Source.Driver)
	fmt.Fprintf(&b, "Target: {Driver: %q, URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Target.Driver, c.Target.MaxConns, c.Target.MinConns)
	fmt.Fprintf(&b, "Pipeline: {Mode: %q, Parallel: %v, BatchSize: %d, Schedule: %q}, ",
		c.Pipeline.Mode, c.Pipeline.Parallel, c.Pipeline.BatchSize, c.Pipeline.Schedule)
	fmt.Fprintf(&b, "Rate: {Enabled: %v, RequestsPerMinute: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
