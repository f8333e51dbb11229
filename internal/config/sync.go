package config

import (
	"os"
	"strconv"
	"time"
)

type SyncConfig struct {
	FleetSecret    string
	MaxBatchSize   int
	MaxAmountCents int64
	Currency       string
	AuditQueue     string
	HeartbeatTTL   time.Duration
	SettlementBIC  string
}

func LoadSyncConfig() *SyncConfig {
	return &SyncConfig{
		FleetSecret:    getEnv("SYNC_FLEET_SECRET", ""),
		MaxBatchSize:   getEnvAsInt("SYNC_MAX_BATCH_SIZE", 100),
		MaxAmountCents: getEnvAsInt64("SYNC_MAX_AMOUNT_CENTS", 100_000_00),
		Currency:       getEnv("SYNC_CURRENCY", "USD"),
		AuditQueue:     getEnv("SYNC_AUDIT_QUEUE", "ledger_audit_queue"),
		HeartbeatTTL:   getEnvAsDuration("SYNC_HEARTBEAT_TTL", 30*24*time.Hour),
		SettlementBIC:  getEnv("SETTLEMENT_BIC", "KIOSKPAY"),
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

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
