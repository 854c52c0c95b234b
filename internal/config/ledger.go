package config

import (
	"os"
	"strconv"
	"time"
)

type LedgerConfig struct {
	DefaultWalletName string
	BalanceCacheTTL   time.Duration
	MaxLoanTermMonths int
	KafkaBrokers      string
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		DefaultWalletName: getEnv("LEDGER_DEFAULT_WALLET_NAME", "Cash Wallet"),
		BalanceCacheTTL:   getEnvAsDuration("LEDGER_BALANCE_CACHE_TTL", 5*time.Minute),
		MaxLoanTermMonths: getEnvAsInt("LEDGER_MAX_LOAN_TERM_MONTHS", 480),
		KafkaBrokers:      getEnv("KAFKA_BROKERS", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
