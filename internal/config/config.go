package config

import (
	"fmt"
	"os"
	"regexp"

	"vaultdump/internal/vault"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Bounds enforced by the vault service.
const (
	MinParallel = 1
	MaxParallel = 7
)

// Environment fallbacks for credentials.
const (
	EnvBearerToken     = "VAULTDUMP_BEARER_TOKEN"
	EnvCredentialsFile = "VAULTDUMP_CREDENTIALS_FILE"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ConfigurationError is an invalid flag combination or out-of-range value.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config represents the application configuration
type Config struct {
	Vault       Vault  `yaml:"vault"`
	Export      Export `yaml:"export"`
	Upload      Upload `yaml:"upload"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Vault identifies the vault and how to authenticate against it
type Vault struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	BearerToken     string `yaml:"bearer_token"`
}

// Export represents export-specific configuration
type Export struct {
	Table           string `yaml:"table"`
	Redaction       string `yaml:"redaction"`
	Output          string `yaml:"output"`
	OutputTokenData string `yaml:"output_token_data"`
	DumpTokens      bool   `yaml:"dump_tokens"`
	MaxParallel     int    `yaml:"max_parallel"`
	RowsPerCall     int    `yaml:"rows_per_call"`
	UniqueIDColumn  string `yaml:"unique_id_column"`
	LogError        string `yaml:"log_error"`
	Retries         int    `yaml:"retries"`
	RetryBackoffMs  int    `yaml:"retry_backoff_ms"`
	RequestTimeoutS int    `yaml:"request_timeout_s"`
	Ledger          string `yaml:"ledger"`
	ShowProgress    bool   `yaml:"show_progress"`
}

// Upload is an optional S3-compatible destination for the run artifacts
type Upload struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether artifacts should be uploaded.
func (u Upload) Enabled() bool {
	return u.Bucket != ""
}

// Default returns the configuration before file and flag overrides.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Export: Export{
			MaxParallel:     5,
			RowsPerCall:     vault.MaxPageSize,
			LogError:        "error_log.txt",
			Retries:         3,
			RetryBackoffMs:  1000,
			RequestTimeoutS: 60,
			Ledger:          "./vaultdump.db",
			ShowProgress:    true,
		},
		Upload: Upload{Secure: true},
	}
}

// Load loads configuration from file, command line flags and environment
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	loadFromEnv(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	stringFlags := map[string]*string{
		"vault-id":          &cfg.Vault.ID,
		"vault-url":         &cfg.Vault.URL,
		"credentials-file":  &cfg.Vault.CredentialsFile,
		"bearer-token":      &cfg.Vault.BearerToken,
		"table":             &cfg.Export.Table,
		"redaction":         &cfg.Export.Redaction,
		"output":            &cfg.Export.Output,
		"output-token-data": &cfg.Export.OutputTokenData,
		"unique-id-column":  &cfg.Export.UniqueIDColumn,
		"log-error":         &cfg.Export.LogError,
		"ledger":            &cfg.Export.Ledger,
		"upload-endpoint":   &cfg.Upload.Endpoint,
		"upload-access-key": &cfg.Upload.AccessKey,
		"upload-secret-key": &cfg.Upload.SecretKey,
		"upload-bucket":     &cfg.Upload.Bucket,
		"upload-prefix":     &cfg.Upload.Prefix,
		"metrics-addr":      &cfg.MetricsAddr,
		"log-level":         &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	intFlags := map[string]*int{
		"max-parallel":      &cfg.Export.MaxParallel,
		"rows-per-call":     &cfg.Export.RowsPerCall,
		"retries":           &cfg.Export.Retries,
		"retry-backoff-ms":  &cfg.Export.RetryBackoffMs,
		"request-timeout-s": &cfg.Export.RequestTimeoutS,
	}
	for name, dst := range intFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	boolFlags := map[string]*bool{
		"dump-tokens":   &cfg.Export.DumpTokens,
		"show-progress": &cfg.Export.ShowProgress,
		"upload-secure": &cfg.Upload.Secure,
	}
	for name, dst := range boolFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	return nil
}

// loadFromEnv fills credentials only when neither was configured, so an
// exported variable never turns a valid invocation into a conflicting one.
func loadFromEnv(cfg *Config, getenv func(string) string) {
	if cfg.Vault.CredentialsFile != "" || cfg.Vault.BearerToken != "" {
		return
	}
	cfg.Vault.BearerToken = getenv(EnvBearerToken)
	if cfg.Vault.BearerToken == "" {
		cfg.Vault.CredentialsFile = getenv(EnvCredentialsFile)
	}
}

// Validate checks the configuration before any network call is made.
func (c *Config) Validate() error {
	if c.Vault.ID == "" {
		return invalid("vault-id", "is required")
	}
	if c.Vault.URL == "" {
		return invalid("vault-url", "is required")
	}

	hasFile := c.Vault.CredentialsFile != ""
	hasToken := c.Vault.BearerToken != ""
	if hasFile == hasToken {
		return invalid("credentials", "provide either --credentials-file or --bearer-token, but not both")
	}

	if c.Export.Table == "" {
		return invalid("table", "is required")
	}
	if !tableNamePattern.MatchString(c.Export.Table) {
		return invalid("table", "%q is not a valid table name", c.Export.Table)
	}

	if c.Export.Redaction == "" {
		return invalid("redaction", "is required")
	}
	if _, err := vault.ParseRedaction(c.Export.Redaction); err != nil {
		return invalid("redaction", "%v", err)
	}

	if c.Export.Output == "" {
		return invalid("output", "is required")
	}
	if c.Export.DumpTokens && c.Export.OutputTokenData == "" {
		return invalid("output-token-data", "is required when --dump-tokens is set")
	}
	if !c.Export.DumpTokens && c.Export.OutputTokenData != "" {
		return invalid("output-token-data", "requires --dump-tokens")
	}
	if c.Export.DumpTokens && c.Export.OutputTokenData == c.Export.Output {
		return invalid("output-token-data", "must differ from --output")
	}

	if c.Export.MaxParallel < MinParallel || c.Export.MaxParallel > MaxParallel {
		return invalid("max-parallel", "must be between %d and %d, got %d", MinParallel, MaxParallel, c.Export.MaxParallel)
	}
	if c.Export.RowsPerCall < 1 || c.Export.RowsPerCall > vault.MaxPageSize {
		return invalid("rows-per-call", "must be between 1 and %d, got %d", vault.MaxPageSize, c.Export.RowsPerCall)
	}

	if c.Export.LogError == "" {
		return invalid("log-error", "is required")
	}
	if c.Export.Retries < 1 {
		return invalid("retries", "must be at least 1")
	}
	if c.Export.RetryBackoffMs < 0 {
		return invalid("retry-backoff-ms", "must not be negative")
	}
	if c.Export.RequestTimeoutS <= 0 {
		return invalid("request-timeout-s", "must be positive")
	}

	if c.Upload.Enabled() {
		if c.Upload.Endpoint == "" {
			return invalid("upload-endpoint", "is required when --upload-bucket is set")
		}
		if c.Upload.AccessKey == "" || c.Upload.SecretKey == "" {
			return invalid("upload-access-key", "access and secret key are required when --upload-bucket is set")
		}
	}

	return nil
}
