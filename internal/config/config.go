package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// CRMConfig describes the OAuth application and REST base of the source CRM.
type CRMConfig struct {
	Name          string        `yaml:"name"`
	APIBaseURL    string        `yaml:"api_base_url"`
	AppBaseURL    string        `yaml:"app_base_url"`
	TokenURL      string        `yaml:"token_url"`
	AuthURL       string        `yaml:"auth_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	RedirectURL   string        `yaml:"redirect_url"`
	Scopes        []string      `yaml:"scopes"`
	ExpiryMargin  time.Duration `yaml:"expiry_margin"`
	Timeout       time.Duration `yaml:"timeout"`
	FetchParallel int           `yaml:"fetch_parallel"`
	PropertyTTL   time.Duration `yaml:"property_ttl"`
}

type DialerConfig struct {
	APIBaseURL   string        `yaml:"api_base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	CodeParam    string        `yaml:"code_param"`
	ListMaxItems int           `yaml:"list_max_items"`
}

type SessionConfig struct {
	Backend    string        `yaml:"backend"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
	MaxRetries int           `yaml:"max_retries"`
}

type LiveConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	PresenceWindow    time.Duration `yaml:"presence_window"`
}

type WebhookConfig struct {
	CountUnmatched bool   `yaml:"count_unmatched"`
	StatsTimezone  string `yaml:"stats_timezone"`
}

type RateLimitConfig struct {
	CreateSession int `yaml:"create_session"`
	ListFetch     int `yaml:"list_fetch"`
}

type Config struct {
	ListenAddr    string          `yaml:"listen_addr"`
	PublicBaseURL string          `yaml:"public_base_url"`
	Log           LogConfig       `yaml:"log"`
	Database      DatabaseConfig  `yaml:"database"`
	CRM           CRMConfig       `yaml:"crm"`
	Dialer        DialerConfig    `yaml:"dialer"`
	Session       SessionConfig   `yaml:"session"`
	Live          LiveConfig      `yaml:"live"`
	Webhooks      WebhookConfig   `yaml:"webhooks"`
	RateLimits    RateLimitConfig `yaml:"rate_limits"`
	APIKeys       []APIKey        `yaml:"api_keys"`
}

// ErrMisconfigured is returned by Validate when required deployment settings are absent.
var ErrMisconfigured = errors.New("server misconfigured")

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	overrideWithEnv(cfg)
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a config with every optional field populated.
func Default() *Config {
	cfg := &Config{
		Webhooks: WebhookConfig{CountUnmatched: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 20
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
	if c.CRM.Name == "" {
		c.CRM.Name = "hubspot"
	}
	if c.CRM.APIBaseURL == "" {
		c.CRM.APIBaseURL = "https://api.hubapi.com"
	}
	if c.CRM.AppBaseURL == "" {
		c.CRM.AppBaseURL = "https://app.hubspot.com"
	}
	if c.CRM.TokenURL == "" {
		c.CRM.TokenURL = "https://api.hubapi.com/oauth/v1/token"
	}
	if c.CRM.AuthURL == "" {
		c.CRM.AuthURL = "https://app.hubspot.com/oauth/authorize"
	}
	if c.CRM.ExpiryMargin == 0 {
		c.CRM.ExpiryMargin = 5 * time.Minute
	}
	if c.CRM.Timeout == 0 {
		c.CRM.Timeout = 20 * time.Second
	}
	if c.CRM.FetchParallel <= 0 {
		c.CRM.FetchParallel = 8
	}
	if c.CRM.PropertyTTL == 0 {
		c.CRM.PropertyTTL = time.Hour
	}
	if c.Dialer.Timeout == 0 {
		c.Dialer.Timeout = 20 * time.Second
	}
	if c.Dialer.CodeParam == "" {
		c.Dialer.CodeParam = "code"
	}
	if c.Dialer.ListMaxItems <= 0 {
		c.Dialer.ListMaxItems = 500
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "postgres"
	}
	if c.Session.CodeTTL == 0 {
		c.Session.CodeTTL = 300 * time.Second
	}
	if c.Session.MaxRetries <= 0 {
		c.Session.MaxRetries = 5
	}
	if c.Live.PollInterval == 0 {
		c.Live.PollInterval = time.Second
	}
	if c.Live.KeepaliveInterval == 0 {
		c.Live.KeepaliveInterval = 20 * time.Second
	}
	if c.Live.PresenceWindow == 0 {
		c.Live.PresenceWindow = 180 * time.Second
	}
	if c.Webhooks.StatsTimezone == "" {
		c.Webhooks.StatsTimezone = "UTC"
	}
	if c.RateLimits.CreateSession <= 0 {
		c.RateLimits.CreateSession = 10
	}
	if c.RateLimits.ListFetch <= 0 {
		c.RateLimits.ListFetch = 30
	}
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("DIALBRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DIALBRIDGE_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("DIALBRIDGE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DIALBRIDGE_CRM_CLIENT_ID"); v != "" {
		cfg.CRM.ClientID = v
	}
	if v := os.Getenv("DIALBRIDGE_CRM_CLIENT_SECRET"); v != "" {
		cfg.CRM.ClientSecret = v
	}
	if v := os.Getenv("DIALBRIDGE_DIALER_API_BASE_URL"); v != "" {
		cfg.Dialer.APIBaseURL = v
	}
	if v := os.Getenv("DIALBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.PublicBaseURL == "" {
		missing = append(missing, "public_base_url")
	}
	if c.CRM.ClientID == "" {
		missing = append(missing, "crm.client_id")
	}
	if c.CRM.ClientSecret == "" {
		missing = append(missing, "crm.client_secret")
	}
	if c.Dialer.APIBaseURL == "" {
		missing = append(missing, "dialer.api_base_url")
	}
	if c.Database.DSN == "" {
		missing = append(missing, "database.dsn")
	}
	switch c.Session.Backend {
	case "postgres", "memory":
	default:
		missing = append(missing, "session.backend (postgres|memory)")
	}
	if _, err := time.LoadLocation(c.Webhooks.StatsTimezone); err != nil {
		missing = append(missing, "webhooks.stats_timezone")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMisconfigured, strings.Join(missing, ", "))
	}
	return nil
}

// StatsLocation returns the zone used to bucket calls into days.
func (c *Config) StatsLocation() *time.Location {
	loc, err := time.LoadLocation(c.Webhooks.StatsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConfigureZerolog sets the global level and output format.
func (l LogConfig) ConfigureZerolog() {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(l.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
