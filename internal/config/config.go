/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables. All point amounts
// are whole points.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	LedgerEventQueue     string `mapstructure:"LEDGER_EVENT_QUEUE"`
	AuthJWKSURL          string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer           string `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string `mapstructure:"AUTH_AUDIENCE"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	RegistrationBonus     int64 `mapstructure:"REGISTRATION_BONUS_POINTS"`
	DailyCheckinBonus     int64 `mapstructure:"DAILY_CHECKIN_BONUS_POINTS"`
	MerchantRegisterBonus int64 `mapstructure:"MERCHANT_REGISTER_BONUS_POINTS"`
	InviterReward         int64 `mapstructure:"INVITER_REWARD_POINTS"`
	InviteeReward         int64 `mapstructure:"INVITEE_REWARD_POINTS"`
	ContactViewCost       int64 `mapstructure:"CONTACT_VIEW_COST_POINTS"`
	MerchantEditCost      int64 `mapstructure:"MERCHANT_EDIT_COST_POINTS"`
	MerchantTopCost       int64 `mapstructure:"MERCHANT_TOP_COST_POINTS"`

	ApplyRetryAttempts       int `mapstructure:"APPLY_RETRY_ATTEMPTS"`
	ApplyRetryBackoffMs      int `mapstructure:"APPLY_RETRY_BACKOFF_MS"`
	BatchChunkSize           int `mapstructure:"BATCH_CHUNK_SIZE"`
	SchedulerIntervalSeconds int `mapstructure:"SCHEDULER_INTERVAL_SECONDS"`
	SpendRateLimitPerMinute  int `mapstructure:"SPEND_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LEDGER_EVENT_QUEUE", "ledger_service.batch_commands")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "pointgrid:rate_limit")
	viper.SetDefault("REGISTRATION_BONUS_POINTS", 100)
	viper.SetDefault("DAILY_CHECKIN_BONUS_POINTS", 5)
	viper.SetDefault("MERCHANT_REGISTER_BONUS_POINTS", 200)
	viper.SetDefault("INVITER_REWARD_POINTS", 50)
	viper.SetDefault("INVITEE_REWARD_POINTS", 50)
	viper.SetDefault("CONTACT_VIEW_COST_POINTS", 10)
	viper.SetDefault("MERCHANT_EDIT_COST_POINTS", 20)
	viper.SetDefault("MERCHANT_TOP_COST_POINTS", 100)
	viper.SetDefault("APPLY_RETRY_ATTEMPTS", 3)
	viper.SetDefault("APPLY_RETRY_BACKOFF_MS", 100)
	viper.SetDefault("BATCH_CHUNK_SIZE", 100)
	viper.SetDefault("SCHEDULER_INTERVAL_SECONDS", 60)
	viper.SetDefault("SPEND_RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_QUEUE")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REGISTRATION_BONUS_POINTS")
	_ = viper.BindEnv("DAILY_CHECKIN_BONUS_POINTS")
	_ = viper.BindEnv("MERCHANT_REGISTER_BONUS_POINTS")
	_ = viper.BindEnv("INVITER_REWARD_POINTS")
	_ = viper.BindEnv("INVITEE_REWARD_POINTS")
	_ = viper.BindEnv("CONTACT_VIEW_COST_POINTS")
	_ = viper.BindEnv("MERCHANT_EDIT_COST_POINTS")
	_ = viper.BindEnv("MERCHANT_TOP_COST_POINTS")
	_ = viper.BindEnv("APPLY_RETRY_ATTEMPTS")
	_ = viper.BindEnv("APPLY_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("BATCH_CHUNK_SIZE")
	_ = viper.BindEnv("SCHEDULER_INTERVAL_SECONDS")
	_ = viper.BindEnv("SPEND_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "pointgrid:rate_limit"
	}

	// Reward amounts must be non-negative; costs of zero disable the charge.
	for name, value := range map[string]*int64{
		"REGISTRATION_BONUS_POINTS":      &config.RegistrationBonus,
		"DAILY_CHECKIN_BONUS_POINTS":     &config.DailyCheckinBonus,
		"MERCHANT_REGISTER_BONUS_POINTS": &config.MerchantRegisterBonus,
		"INVITER_REWARD_POINTS":          &config.InviterReward,
		"INVITEE_REWARD_POINTS":          &config.InviteeReward,
		"CONTACT_VIEW_COST_POINTS":       &config.ContactViewCost,
		"MERCHANT_EDIT_COST_POINTS":      &config.MerchantEditCost,
		"MERCHANT_TOP_COST_POINTS":       &config.MerchantTopCost,
	} {
		if *value < 0 {
			log.Printf("level=warn component=config msg=\"negative point amount configured; coercing to zero\" key=%s value=%d", name, *value)
			*value = 0
		}
	}

	if config.ApplyRetryAttempts <= 0 {
		config.ApplyRetryAttempts = 3
	}
	if config.ApplyRetryBackoffMs <= 0 {
		config.ApplyRetryBackoffMs = 100
	}
	if config.BatchChunkSize <= 0 {
		config.BatchChunkSize = 100
	}
	if config.SchedulerIntervalSeconds <= 0 {
		config.SchedulerIntervalSeconds = 60
	}
	if config.SpendRateLimitPerMinute <= 0 {
		config.SpendRateLimitPerMinute = 60
	}

	return
}
