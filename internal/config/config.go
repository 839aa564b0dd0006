// Package config loads service configuration from an optional YAML file
// with environment-variable overrides (prefix LEDGER, dots become
// underscores, e.g. LEDGER_SERVER_HTTP_ADDR).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Dedup  DedupConfig  `mapstructure:"dedup"`
	Ingest IngestConfig `mapstructure:"ingest"`
	Audit  AuditConfig  `mapstructure:"audit"`
	Notify NotifyConfig `mapstructure:"notify"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type DBConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type DedupConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type IngestConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type NotifyConfig struct {
	WebhookURL       string `mapstructure:"webhook_url"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("db.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("dedup.window", "2s")
	v.SetDefault("ingest.webhook_secret", "")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.schedule", "@every 10m")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.telegram_bot_token", "")
	v.SetDefault("notify.telegram_chat_id", "")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
