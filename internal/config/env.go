package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Env is the environment contract between the process and the engine.
// Credentials and operational switches live here, never in the YAML file.
type Env struct {
	APIKey    string
	SecretKey string

	Paper            bool
	AllowLiveTrading bool

	KillSwitch          bool
	CircuitBreakerReset bool
	DryRun              bool

	LogLevel     string
	DatabasePath string
	ConfigPath   string
}

// LoadEnv reads .env (if present) and the process environment, then
// enforces the live-trading dual gate: ALPACA_PAPER=false requires
// ALLOW_LIVE_TRADING=true, otherwise loading fails.
func LoadEnv() (*Env, error) {
	// Missing .env is fine; real deployments export variables directly.
	_ = godotenv.Load()

	env := &Env{
		APIKey:              os.Getenv("ALPACA_API_KEY"),
		SecretKey:           os.Getenv("ALPACA_SECRET_KEY"),
		Paper:               envBool("ALPACA_PAPER", true),
		AllowLiveTrading:    envBool("ALLOW_LIVE_TRADING", false),
		KillSwitch:          envBool("KILL_SWITCH", false),
		CircuitBreakerReset: envBool("CIRCUIT_BREAKER_RESET", false),
		DryRun:              envBool("DRY_RUN", false),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		DatabasePath:        os.Getenv("DATABASE_PATH"),
		ConfigPath:          os.Getenv("CONFIG_PATH"),
	}

	if env.APIKey == "" {
		return nil, fmt.Errorf("ALPACA_API_KEY is required")
	}
	if env.SecretKey == "" {
		return nil, fmt.Errorf("ALPACA_SECRET_KEY is required")
	}
	if !env.Paper && !env.AllowLiveTrading {
		return nil, fmt.Errorf("ALPACA_PAPER=false requires ALLOW_LIVE_TRADING=true")
	}
	if env.Paper && env.AllowLiveTrading {
		return nil, fmt.Errorf("ALLOW_LIVE_TRADING=true requires ALPACA_PAPER=false")
	}

	return env, nil
}

func envBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
