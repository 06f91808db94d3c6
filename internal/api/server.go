// Package api is the HTTP transport: an external collaborator around the
// core, using gorilla/mux for routing and go-playground/validator for
// request validation, replacing the teacher's http.ServeMux and
// hand-rolled validateCreateOrderRequest.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openvenue/exchange-core/internal/accounts"
	"github.com/openvenue/exchange-core/internal/lifecycle"
	"github.com/openvenue/exchange-core/internal/matching"
	"github.com/openvenue/exchange-core/internal/models"
)

// Server holds the core's collaborators and serves the HTTP surface of
// spec.md §6.
type Server struct {
	db        *sql.DB
	accounts  *accounts.Manager
	engine    *matching.Engine
	lifecycle *lifecycle.Manager
	validate  *validator.Validate

	depthDefault int
	tradesLimit  int

	metrics metrics
}

type metrics struct {
	ordersSubmitted prometheus.Counter
	tradesExecuted  prometheus.Counter
	rejections      prometheus.Counter
	submitDuration  prometheus.Histogram
}

// New constructs a Server and registers its Prometheus collectors.
func New(db *sql.DB, acc *accounts.Manager, eng *matching.Engine, lc *lifecycle.Manager, depthDefault, tradesLimit int) *Server {
	m := metrics{
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_submitted_total",
			Help: "Total number of orders submitted to the matching engine.",
		}),
		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_trades_executed_total",
			Help: "Total number of trades executed by the matching engine.",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_order_rejections_total",
			Help: "Total number of orders rejected for insufficient funds or empty market fills.",
		}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "exchange_submit_duration_seconds",
			Help: "Wall-clock duration of order submission, reservation through commit.",
		}),
	}
	prometheus.MustRegister(m.ordersSubmitted, m.tradesExecuted, m.rejections, m.submitDuration)

	return &Server{
		db:           db,
		accounts:     acc,
		engine:       eng,
		lifecycle:    lc,
		validate:     validator.New(),
		depthDefault: depthDefault,
		tradesLimit:  tradesLimit,
		metrics:      m,
	}
}

// Router builds the mux.Router serving every endpoint of spec.md §9.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/traders", s.handleRegisterTrader).Methods(http.MethodPost)
	r.HandleFunc("/traders/{id}", s.requireAuth(s.handleDeleteTrader)).Methods(http.MethodDelete)
	r.HandleFunc("/traders/{id}/orders", s.requireAuth(s.handleListTraderOrders)).Methods(http.MethodGet)
	r.HandleFunc("/traders/{id}/balance", s.requireAuth(s.handleGetBalance)).Methods(http.MethodGet)

	r.HandleFunc("/instruments", s.requireAuth(s.handleCreateInstrument)).Methods(http.MethodPost)
	r.HandleFunc("/instruments/{ticker}", s.requireAuth(s.handleDeleteInstrument)).Methods(http.MethodDelete)

	r.HandleFunc("/admin/adjust", s.requireAuth(s.handleAdminAdjust)).Methods(http.MethodPost)

	r.HandleFunc("/orders", s.requireAuth(s.handleSubmitOrder)).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", s.requireAuth(s.handleGetOrder)).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}", s.requireAuth(s.handleCancelOrder)).Methods(http.MethodDelete)

	r.HandleFunc("/orderbook", s.handleGetOrderBook).Methods(http.MethodGet)
	r.HandleFunc("/trades", s.handleGetTrades).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type ctxKey int

const ctxTrader ctxKey = iota

// requireAuth resolves the bearer API key to a trader and attaches it to
// the request context. Unknown keys fail Forbidden.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			s.writeError(w, models.NewError(models.KindForbidden, "missing bearer token"))
			return
		}
		trader, err := s.accounts.GetTraderByAPIKey(key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxTrader, trader)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func callerFrom(r *http.Request) *models.Trader {
	t, _ := r.Context().Value(ctxTrader).(*models.Trader)
	return t
}

func requireAdmin(r *http.Request) error {
	t := callerFrom(r)
	if t == nil || t.Role != models.RoleAdmin {
		return models.NewError(models.KindForbidden, "admin role required")
	}
	return nil
}

func (s *Server) decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewError(models.KindInvalidRequest, "malformed JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		return models.NewError(models.KindInvalidRequest, err.Error())
	}
	return nil
}

func uuidFromString(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, models.NewError(models.KindInvalidRequest, "invalid trader_id")
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, models.NewError(models.KindInvalidRequest, "invalid "+name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var coreErr *models.Error
	if errors.As(err, &coreErr) {
		s.writeJSON(w, statusFor(coreErr.Kind), errorResponse{Kind: string(coreErr.Kind), Message: coreErr.Msg})
		return
	}
	log.Error().Err(err).Msg("unhandled internal error")
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Kind: "INTERNAL", Message: "internal server error"})
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindUnknownInstrument, models.KindUnknownTrader, models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindAlreadyTerminal, models.KindNotCancellable:
		return http.StatusConflict
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Kind: "UNAVAILABLE", Message: "database unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
