// Package obslog configures the process-wide structured logger. It
// promotes the teacher's bare log.Printf("[INFO]/[ERROR] ...") vocabulary
// to github.com/rs/zerolog while keeping the same severities and the same
// startup/shutdown/per-order message shape, now with structured fields
// instead of interpolated strings.
package obslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. Call once at process start.
func Init(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

// Order returns a sub-logger with order_id/ticker/trader_id fields
// pre-attached, for consistent per-order log lines across the engine.
func Order(orderID, ticker string, traderID string) zerolog.Logger {
	return log.With().
		Str("component", "matching").
		Str("order_id", orderID).
		Str("ticker", ticker).
		Str("trader_id", traderID).
		Logger()
}
