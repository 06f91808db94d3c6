package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openvenue/exchange-core/internal/accounts"
	"github.com/openvenue/exchange-core/internal/api"
	"github.com/openvenue/exchange-core/internal/config"
	"github.com/openvenue/exchange-core/internal/journal"
	"github.com/openvenue/exchange-core/internal/ledger"
	"github.com/openvenue/exchange-core/internal/lifecycle"
	"github.com/openvenue/exchange-core/internal/matching"
	"github.com/openvenue/exchange-core/internal/obslog"
	"github.com/openvenue/exchange-core/internal/orders"
	"github.com/openvenue/exchange-core/internal/store"
)

func main() {
	obslog.Init(false)

	log.Info().Msg("starting exchange core server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := store.Connect(cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer func() {
		log.Info().Msg("closing database connection")
		db.Close()
	}()
	log.Info().Msg("database connection established")

	if err := store.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	orderStore := orders.New()
	journalStore := journal.New()
	ledgerStore := ledger.New(cfg.BaseCurrency)

	engine := matching.NewEngine(db, ledgerStore, journalStore, orderStore)
	log.Info().Msg("loading open orders from database")
	if err := engine.LoadOpenOrders(); err != nil {
		log.Fatal().Err(err).Msg("failed to load open orders")
	}

	lifecycleManager := lifecycle.NewManager(db, ledgerStore, orderStore, engine.Book)
	accountsManager := accounts.NewManager(db, ledgerStore, orderStore)

	srv := api.New(db, accountsManager, engine, lifecycleManager, cfg.OrderBookDepth, cfg.RecentTradeLimit)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: recoverMiddleware(srv.Router()),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-stop
	log.Info().Msg("shutdown signal received, initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server gracefully stopped")
	}
}

// recoverMiddleware is the one place an AccountingError's panic is caught:
// per request, not process-wide, so one structural invariant violation
// doesn't take the whole server down while still failing that request
// fast and loud (spec.md §7).
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("accounting invariant violated, request aborted")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
