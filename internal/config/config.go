package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8015
	DefaultPayloadURL     = "http://localhost:3000"
	DefaultPayloadTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultBrainURL       = "http://localhost:8002"
	DefaultBrainWSURL     = "ws://localhost:8002/mcp"
	DefaultBrainTimeout   = 30 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
	DefaultShutdown       = 5 * time.Second
	DefaultAuditPath      = "data/story-bible-audit.db"
	DefaultConfigPath     = "storybible.yaml"
)

var (
	LogLevels  = []string{"debug", "info", "warn", "error"}
	LogFormats = []string{"text", "json"}
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Payload PayloadConfig `yaml:"payloadcms"`
	Brain   BrainConfig   `yaml:"brain"`
	Auth    AuthConfig    `yaml:"auth"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PayloadConfig struct {
	APIURL     string        `yaml:"api_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type BrainConfig struct {
	URL     string        `yaml:"url"`
	WSURL   string        `yaml:"ws_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	// URL of the identity service. Empty means the document store.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention prunes older entries at startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server:  ServerConfig{Host: DefaultHost, Port: DefaultPort, ShutdownTimeout: DefaultShutdown},
		Payload: PayloadConfig{APIURL: DefaultPayloadURL, Timeout: DefaultPayloadTimeout, MaxRetries: DefaultMaxRetries},
		Brain:   BrainConfig{URL: DefaultBrainURL, WSURL: DefaultBrainWSURL, Timeout: DefaultBrainTimeout},
		Auth:    AuthConfig{Timeout: DefaultAuthTimeout},
		Audit:   AuditConfig{Enabled: true, Path: DefaultAuditPath},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IdentityURL is where bearer tokens are resolved.
func (c Config) IdentityURL() string {
	if c.Auth.URL != "" {
		return c.Auth.URL
	}
	return c.Payload.APIURL
}

type Options struct {
	// ConfigPath is optional; a missing file is not an error unless
	// Required is set.
	ConfigPath string
	Required   bool
	// DotEnv lists dotenv files to read. Nil means .env and .env.local.
	DotEnv       []string
	SkipValidate bool
	Overrides    *Overrides
}

// Overrides holds CLI flag values. Only non-nil fields are applied.
type Overrides struct {
	Host      *string
	Port      *int
	LogLevel  *string
	LogFormat *string
	AuditPath *string
	NoAudit   *bool
}

// Load builds the config with precedence: defaults, YAML file, dotenv
// files, environment, then overrides.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("malformed YAML in %s: %w", opts.ConfigPath, err)
			}
		case errors.Is(err, os.ErrNotExist) && !opts.Required:
		default:
			return nil, fmt.Errorf("cannot read config file %s: %w", opts.ConfigPath, err)
		}
	}

	dotenv := opts.DotEnv
	if dotenv == nil {
		dotenv = []string{".env", ".env.local"}
	}
	if err := loadDotEnv(dotenv...); err != nil {
		return nil, fmt.Errorf("failed loading dotenv files: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if !opts.SkipValidate {
		if err := Validate(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadDotEnv copies dotenv values into the process environment. Variables
// already set to a non-blank value win, and a later file fills only what
// earlier ones left.
func loadDotEnv(paths ...string) error {
	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%s: %w", path, err)
		}
		for k, v := range values {
			if existing, ok := os.LookupEnv(k); ok && strings.TrimSpace(existing) != "" {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: must be an integer", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: must be true or false", key, v))
				return
			}
			*dst = b
		}
	}

	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)
	str("PAYLOADCMS_API_URL", &cfg.Payload.APIURL)
	str("PAYLOADCMS_API_KEY", &cfg.Payload.APIKey)
	dur("PAYLOADCMS_TIMEOUT", &cfg.Payload.Timeout)
	num("PAYLOADCMS_MAX_RETRIES", &cfg.Payload.MaxRetries)
	str("BRAIN_SERVICE_URL", &cfg.Brain.URL)
	str("BRAIN_SERVICE_WS_URL", &cfg.Brain.WSURL)
	dur("BRAIN_SERVICE_TIMEOUT", &cfg.Brain.Timeout)
	str("AUTH_SERVICE_URL", &cfg.Auth.URL)
	dur("AUTH_TIMEOUT", &cfg.Auth.Timeout)
	flag("AUDIT_ENABLED", &cfg.Audit.Enabled)
	str("AUDIT_DB_PATH", &cfg.Audit.Path)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	return errors.Join(errs...)
}

// parseSeconds accepts a bare number of seconds or a Go duration.
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("must be seconds or a duration like 10s")
	}
	return d, nil
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.Host != nil {
		cfg.Server.Host = *o.Host
	}
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.Log.Level = strings.ToLower(*o.LogLevel)
	}
	if o.LogFormat != nil {
		cfg.Log.Format = strings.ToLower(*o.LogFormat)
	}
	if o.AuditPath != nil {
		cfg.Audit.Path = *o.AuditPath
	}
	if o.NoAudit != nil && *o.NoAudit {
		cfg.Audit.Enabled = false
	}
}

// Validate reports every invalid field at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	var errs []error
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port=%d: must be between 1 and 65535", cfg.Server.Port))
	}
	if err := checkURL("payloadcms.api_url", cfg.Payload.APIURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Payload.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("payloadcms.max_retries=%d: must be at least 1", cfg.Payload.MaxRetries))
	}
	if err := checkURL("brain.url", cfg.Brain.URL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Brain.WSURL != "" {
		if err := checkURL("brain.ws_url", cfg.Brain.WSURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Auth.URL != "" {
		if err := checkURL("auth.url", cfg.Auth.URL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	for name, d := range map[string]time.Duration{
		"payloadcms.timeout":      cfg.Payload.Timeout,
		"brain.timeout":           cfg.Brain.Timeout,
		"auth.timeout":            cfg.Auth.Timeout,
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s=%s: must be positive", name, d))
		}
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		errs = append(errs, errors.New("audit.path: required when the audit log is enabled"))
	}
	if cfg.Audit.Retention < 0 {
		errs = append(errs, fmt.Errorf("audit.retention=%s: must not be negative", cfg.Audit.Retention))
	}
	if !stringIn(cfg.Log.Level, LogLevels) {
		errs = append(errs, fmt.Errorf("log.level=%q; allowed: %s", cfg.Log.Level, strings.Join(LogLevels, ", ")))
	}
	if !stringIn(cfg.Log.Format, LogFormats) {
		errs = append(errs, fmt.Errorf("log.format=%q; allowed: %s", cfg.Log.Format, strings.Join(LogFormats, ", ")))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s=%q: must be an absolute URL", field, raw)
	}
	if !stringIn(u.Scheme, schemes) {
		return fmt.Errorf("%s=%q: scheme must be %s", field, raw, strings.Join(schemes, " or "))
	}
	return nil
}

func stringIn(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// YAML renders cfg the way Load reads it. The API key is masked unless
// showSecrets is set.
func (c Config) YAML(showSecrets bool) ([]byte, error) {
	if !showSecrets && c.Payload.APIKey != "" {
		c.Payload.APIKey = "********"
	}
	return yaml.Marshal(c)
}
