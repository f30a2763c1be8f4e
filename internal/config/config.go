// Package config loads assetledger settings from a YAML file, a .env file and
// ASSETLEDGER_* environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/assetledger/tabledb"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ASSETLEDGER_"

// Backend kinds.
const (
	BackendSheets   = "sheets"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type SheetsConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// CredentialsJSON holds the service account key inline.
	CredentialsJSON string `yaml:"credentials_json"`
	Endpoint        string `yaml:"endpoint"`
}

type BoltConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Config is the complete runtime configuration.
type Config struct {
	Backend  string         `yaml:"backend"`
	Sheets   SheetsConfig   `yaml:"sheets"`
	Bolt     BoltConfig     `yaml:"bolt"`
	Postgres PostgresConfig `yaml:"postgres"`

	CacheTTL       time.Duration `yaml:"cache_ttl"`
	MinInterval    time.Duration `yaml:"min_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	ResetTTL       time.Duration `yaml:"reset_ttl"`

	// Tables renames logical tables, e.g. {"Assets": "Asset Register"}.
	Tables map[string]string `yaml:"tables"`

	HTTP     HTTPConfig `yaml:"http"`
	LogLevel string     `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:        BackendSheets,
		Bolt:           BoltConfig{Path: "./data/assetledger.db"},
		CacheTTL:       tabledb.DefaultTTL,
		MinInterval:    tabledb.DefaultMinInterval,
		RequestTimeout: 30 * time.Second,
		SessionTTL:     12 * time.Hour,
		ResetTTL:       24 * time.Hour,
		HTTP:           HTTPConfig{Addr: ":8080"},
		LogLevel:       "info",
	}
}

// Load reads path (optional), then dotenvPath (optional, missing is fine),
// then the process environment. Later sources win.
func Load(path, dotenvPath string) (Config, error) {
	dot := map[string]string{}
	if dotenvPath != "" {
		m, err := godotenv.Read(dotenvPath)
		switch {
		case err == nil:
			dot = m
		case !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("reading %s: %w", dotenvPath, err)
		}
	}
	return load(path, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dot[key]
		return v, ok
	})
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("BACKEND", &c.Backend)
	str("SPREADSHEET_ID", &c.Sheets.SpreadsheetID)
	str("CREDENTIALS_FILE", &c.Sheets.CredentialsFile)
	str("CREDENTIALS_JSON", &c.Sheets.CredentialsJSON)
	str("SHEETS_ENDPOINT", &c.Sheets.Endpoint)
	str("BOLT_PATH", &c.Bolt.Path)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup(EnvPrefix + "TRUSTED_PROXIES"); ok {
		c.HTTP.TrustedProxies = splitList(v)
	}
	if c.Sheets.CredentialsFile == "" && c.Sheets.CredentialsJSON == "" {
		if v, ok := lookup("GOOGLE_APPLICATION_CREDENTIALS"); ok {
			c.Sheets.CredentialsFile = v
		}
	}

	for name, dst := range map[string]*time.Duration{
		"CACHE_TTL":       &c.CacheTTL,
		"MIN_INTERVAL":    &c.MinInterval,
		"REQUEST_TIMEOUT": &c.RequestTimeout,
		"SESSION_TTL":     &c.SessionTTL,
		"RESET_TTL":       &c.ResetTTL,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}

	for _, key := range tabledb.DefaultCatalog().Keys() {
		if v, ok := lookup(EnvPrefix + "TABLE_" + strings.ToUpper(key)); ok {
			if c.Tables == nil {
				c.Tables = map[string]string{}
			}
			c.Tables[key] = v
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the server cannot start with. Missing remote
// credentials are not an error: the data layer reports itself unavailable
// instead.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSheets, BackendBolt, BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Backend == BackendBolt && c.Bolt.Path == "" {
		errs = append(errs, errors.New("bolt backend needs bolt.path"))
	}
	if c.Backend == BackendPostgres && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres backend needs postgres.dsn"))
	}
	if c.CacheTTL < 0 || c.MinInterval < 0 || c.RequestTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.SessionTTL <= 0 || c.ResetTTL <= 0 {
		errs = append(errs, errors.New("session_ttl and reset_ttl must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TrustedProxies(); err != nil {
		errs = append(errs, err)
	}
	if _, err := tabledb.NewCatalog(c.Tables); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// TrustedProxies parses HTTP.TrustedProxies. Bare addresses are taken as
// single-host prefixes.
func (c Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.HTTP.TrustedProxies))
	for _, s := range c.HTTP.TrustedProxies {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not an address or CIDR", s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
