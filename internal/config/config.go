package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Telegram
	BotToken    string
	BotUsername string

	// Logging
	LogLevel string

	// TonAPI
	TonAPIKey     string
	TonAPIBaseURL string
	TonAPIRPS     float64

	// HTTP
	HTTPPort        int
	WebhookEndpoint string
	AdminAPIToken   string

	// Database
	DatabaseURL string

	// Custody
	CustodyMnemonicBlob string
	CustodyPassphrase   string
	CustodyAddress      string
	CustodyTimeout      time.Duration
	Testnet             bool

	// Watchers
	DepositPollInterval time.Duration

	// Cron specs, empty disables the entry
	CronExpireTransactions string
	CronAutoConfirm        string
	CronExpireDeposits     string
	CronAutoWithdrawals    string
}

func Load() *Config {
	return &Config{
		// Telegram
		BotToken:    getEnv("BOT_TOKEN", ""),
		BotUsername: getEnv("BOT_USERNAME", "ton_escrow_bot"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		// TonAPI
		TonAPIKey:     getEnv("TONAPI_API_KEY", ""),
		TonAPIBaseURL: strings.TrimSuffix(getEnv("TONAPI_BASE_URL", "https://tonapi.io/v2"), "/"),
		TonAPIRPS:     getEnvFloat("TONAPI_RPS", 4),

		// HTTP
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		WebhookEndpoint: getEnv("WEBHOOK_ENDPOINT", ""),
		AdminAPIToken:   getEnv("ADMIN_API_TOKEN", ""),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "./escrow.db"),

		// Custody
		CustodyMnemonicBlob: getEnv("CUSTODY_MNEMONIC_BLOB", ""),
		CustodyPassphrase:   getEnv("CUSTODY_PASSPHRASE", ""),
		CustodyAddress:      getEnv("CUSTODY_ADDRESS", ""),
		CustodyTimeout:      getEnvDuration("CUSTODY_TIMEOUT", 45*time.Second),
		Testnet:             getEnvBool("TON_TESTNET", false),

		DepositPollInterval: getEnvDuration("DEPOSIT_POLL_INTERVAL", 15*time.Second),

		CronExpireTransactions: getEnv("CRON_EXPIRE_TRANSACTIONS", "@every 1m"),
		CronAutoConfirm:        getEnv("CRON_AUTO_CONFIRM", "@every 10m"),
		CronExpireDeposits:     getEnv("CRON_EXPIRE_DEPOSITS", "@every 5m"),
		CronAutoWithdrawals:    getEnv("CRON_AUTO_WITHDRAWALS", "@every 2m"),
	}
}

// CustodyConfigured reports whether automated payouts can be signed.
func (c *Config) CustodyConfigured() bool {
	return c.CustodyMnemonicBlob != "" && c.CustodyPassphrase != ""
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
