// Package config centralizes environment variables and the engine's
// tunable constants. Nothing in the engine hardcodes a bound or window;
// everything flows from here so tests can construct their own values.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Pool disposition policies for rounds that resolve with zero winners.
// The engine only labels the unclaimed pool with the policy; acting on it
// (sweeping to treasury, seeding the next round) is an operator job.
const (
	PoolPolicyRetain   = "retain"
	PoolPolicyTreasury = "treasury"
	PoolPolicyCarry    = "carry"
)

// Config holds connection settings and engine constants.
type Config struct {
	Port        string
	RedisURL    string
	DatabaseURL string

	KafkaBrokers string // empty disables the Kafka publisher
	KafkaTopic   string

	// Engine constants.
	BettingWindow       time.Duration
	MinBet              decimal.Decimal
	MaxBet              decimal.Decimal
	ConsolationBase     decimal.Decimal
	ConsolationMaxMult  int64
	HistoryRetention    int
	UnclaimedPoolPolicy string

	// Scheduler cadence (cron spec with seconds field).
	TickSpec string
}

// Load reads configuration from the environment with defaults suitable
// for local development.
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		KafkaTopic:   getEnv("KAFKA_TOPIC_ROUND_RESOLVED", "flip.round.resolved"),

		BettingWindow:       getDuration("BETTING_WINDOW", 55*time.Minute),
		MinBet:              getDecimal("MIN_BET", "0.1"),
		MaxBet:              getDecimal("MAX_BET", "100"),
		ConsolationBase:     getDecimal("CONSOLATION_BASE", "0.5"),
		ConsolationMaxMult:  getInt64("CONSOLATION_MAX_MULTIPLIER", 5),
		HistoryRetention:    int(getInt64("ROUND_HISTORY_RETENTION", 50)),
		UnclaimedPoolPolicy: getEnv("UNCLAIMED_POOL_POLICY", PoolPolicyRetain),

		TickSpec: getEnv("ROUND_TICK_SPEC", "0 * * * * *"), // every minute
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getDecimal(key, def string) decimal.Decimal {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(def)
}

func getInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
