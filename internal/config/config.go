package config

import (
	"time"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Store   StoreConfig   `mapstructure:"store"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(r.RequestTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

type StoreConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type SyncConfig struct {
	PollInterval string         `mapstructure:"poll_interval"`
	Entities     []EntityConfig `mapstructure:"entities"`
}

func (s SyncConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return 20 * time.Second
	}
	return d
}

// EntityConfig describes one synchronized collection. Name doubles as the
// local cache table name; Path is the remote API segment and defaults to Name.
type EntityConfig struct {
	Name         string `mapstructure:"name"`
	Path         string `mapstructure:"path"`
	Singleton    bool   `mapstructure:"singleton"`
	NaturalKey   string `mapstructure:"natural_key"`
	PollInterval string `mapstructure:"poll_interval"`
}

func (e EntityConfig) APIPath() string {
	if e.Path != "" {
		return e.Path
	}
	return e.Name
}

func (e EntityConfig) GetPollInterval(fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(e.PollInterval)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

type SessionConfig struct {
	DurationMinutes int `mapstructure:"duration_minutes"`
	RememberDays    int `mapstructure:"remember_days"`
	WarningSeconds  int `mapstructure:"warning_seconds"`
	CheckSeconds    int `mapstructure:"check_seconds"`
}

func (s SessionConfig) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s SessionConfig) RememberDuration() time.Duration {
	return time.Duration(s.RememberDays) * 24 * time.Hour
}

func (s SessionConfig) WarningThreshold() time.Duration {
	return time.Duration(s.WarningSeconds) * time.Second
}

func (s SessionConfig) CheckInterval() time.Duration {
	return time.Duration(s.CheckSeconds) * time.Second
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultEntities is the built-in registry of synchronized collections.
// A config file may replace it by listing sync.entities explicitly.
func DefaultEntities() []EntityConfig {
	return []EntityConfig{
		{Name: "products", NaturalKey: "barcode"},
		{Name: "clients", NaturalKey: "email"},
		{Name: "suppliers", NaturalKey: "email"},
		{Name: "countries", NaturalKey: "code"},
		{Name: "currencies", NaturalKey: "code"},
		{Name: "payment_methods", Path: "payment-methods", NaturalKey: "name"},
		{Name: "promotions"},
		{Name: "sales"},
		{Name: "notifications", PollInterval: "30s"},
		{Name: "languages", NaturalKey: "code"},
		{Name: "themes", NaturalKey: "name"},
		{Name: "reports"},
		{Name: "users", NaturalKey: "email"},
		{Name: "receipt_settings", Path: "receipt-settings", Singleton: true},
		{Name: "pos_settings", Path: "pos-settings", Singleton: true},
		{Name: "smtp_settings", Path: "smtp-settings", Singleton: true},
	}
}
