// Package config loads process configuration. It mirrors the teacher's
// bootstrap step (load .env, non-fatal if absent) and layers typed,
// defaulted binding on top via viper instead of scattered os.Getenv calls.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the full set of settings the server needs at startup.
type Config struct {
	DSN              string
	BaseCurrency     string
	HTTPAddr         string
	OrderBookDepth   int
	RecentTradeLimit int
}

// Load reads .env (if present) then binds EXCHANGE_-prefixed environment
// variables with defaults. EXCHANGE_DB_DSN is required; everything else has
// a sensible default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg(".env not loaded, relying on process environment")
	}

	v := viper.New()
	v.SetEnvPrefix("EXCHANGE")
	v.AutomaticEnv()
	v.SetDefault("base_currency", "USD")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("orderbook_depth", 50)
	v.SetDefault("recent_trade_limit", 100)

	dsn := v.GetString("db_dsn")
	if dsn == "" {
		return nil, fmt.Errorf("EXCHANGE_DB_DSN is required")
	}

	return &Config{
		DSN:              dsn,
		BaseCurrency:     v.GetString("base_currency"),
		HTTPAddr:         v.GetString("http_addr"),
		OrderBookDepth:   v.GetInt("orderbook_depth"),
		RecentTradeLimit: v.GetInt("recent_trade_limit"),
	}, nil
}
