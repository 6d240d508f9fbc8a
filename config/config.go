package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sync engine process.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	LogLevel string `mapstructure:"log_level"`

	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDBName string `mapstructure:"mongo_db_name"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// PublicBaseURL is the externally reachable base of this deployment;
	// webhook callback and OAuth redirect URLs are derived from it.
	PublicBaseURL string `mapstructure:"public_base_url"`

	WorkerConcurrency int `mapstructure:"worker_concurrency"`
	BackfillDays      int `mapstructure:"backfill_days"`
	SyncPageSize      int `mapstructure:"sync_page_size"`
	SyncMaxPages      int `mapstructure:"sync_max_pages"`

	// Cron specs for the recurring sweeps, in UTC.
	SyncSweepSpec         string `mapstructure:"sync_sweep_spec"`
	TokenSweepSpec        string `mapstructure:"token_sweep_spec"`
	SubscriptionRenewSpec string `mapstructure:"subscription_renew_spec"`

	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`

	// SourcePriority ranks sources for dedup conflict resolution;
	// higher wins.
	SourcePriority map[string]int `mapstructure:"source_priority"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig is the static credential set for one provider.
type ProviderConfig struct {
	ClientID      string   `mapstructure:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret"`
	Scopes        []string `mapstructure:"scopes"`
	VerifyToken   string   `mapstructure:"verify_token"`
	WebhookSecret string   `mapstructure:"webhook_secret"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetConfigName("fitsync")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/fitsync/")
	viper.AddConfigPath("$HOME/.fitsync")

	viper.SetEnvPrefix("FITSYNC")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("http_addr", "0.0.0.0:8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("mongo_uri", "mongodb://localhost:27017")
	viper.SetDefault("mongo_db_name", "fitsync")
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("public_base_url", "http://localhost:8080")
	viper.SetDefault("worker_concurrency", 10)
	viper.SetDefault("backfill_days", 30)
	viper.SetDefault("sync_page_size", 50)
	viper.SetDefault("sync_max_pages", 100)
	viper.SetDefault("sync_sweep_spec", "*/15 * * * *")
	viper.SetDefault("token_sweep_spec", "*/30 * * * *")
	viper.SetDefault("subscription_renew_spec", "0 */6 * * *")
	viper.SetDefault("webhook_timeout", "5s")
	viper.SetDefault("source_priority", map[string]int{
		"strava":   30,
		"fitbit":   20,
		"withings": 10,
	})

	if errRead := viper.ReadInConfig(); errRead != nil {
		if _, ok := errRead.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, errRead
		}
		// No config file: defaults plus environment is a valid setup.
	}

	err = viper.Unmarshal(&config)
	return
}
