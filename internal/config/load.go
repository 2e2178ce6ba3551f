package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the config file at path (yaml), applies defaults and
// POSAPP_* environment overrides, and falls back to pure defaults when the
// file does not exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("remote.base_url", "http://localhost:9002")
	v.SetDefault("remote.request_timeout", "15s")

	v.SetDefault("store.file_path", "posapp-cache.db")

	v.SetDefault("sync.poll_interval", "20s")

	v.SetDefault("session.duration_minutes", 30)
	v.SetDefault("session.remember_days", 15)
	v.SetDefault("session.warning_seconds", 60)
	v.SetDefault("session.check_seconds", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("POSAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Sync.Entities) == 0 {
		cfg.Sync.Entities = DefaultEntities()
	}

	return &cfg, nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}
