package api

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/orderbook"
)

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		OrderID:   o.ID.String(),
		TraderID:  o.TraderID.String(),
		Ticker:    o.Ticker,
		Side:      sideToWire(o.Side),
		Price:     o.Price,
		Qty:       o.OriginalAmount(),
		Filled:    o.Filled,
		Status:    string(o.Status),
		CreatedAt: formatTime(o.CreatedAt),
	}
}

func sideToWire(s models.Side) string {
	if s == models.SideBid {
		return "BUY"
	}
	return "SELL"
}

func sideFromWire(s string) models.Side {
	if s == "BUY" {
		return models.SideBid
	}
	return models.SideAsk
}

func (s *Server) handleRegisterTrader(w http.ResponseWriter, r *http.Request) {
	var req registerTraderRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	trader, err := s.accounts.RegisterTrader(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("trader_id", trader.ID.String()).Msg("trader registered")
	s.writeJSON(w, http.StatusCreated, registerTraderResponse{
		TraderID: trader.ID.String(),
		Role:     string(trader.Role),
		APIKey:   trader.APIKey,
	})
}

func (s *Server) handleDeleteTrader(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.accounts.DeleteTrader(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("trader_id", id.String()).Msg("trader deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req createInstrumentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	instrument, err := s.accounts.CreateInstrument(r.Context(), req.Name, req.Ticker)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("ticker", instrument.Ticker).Msg("instrument created")
	s.writeJSON(w, http.StatusCreated, instrumentResponse{Ticker: instrument.Ticker, Name: instrument.Name})
}

func (s *Server) handleDeleteInstrument(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	ticker := mux.Vars(r)["ticker"]
	if err := s.accounts.DeleteInstrument(r.Context(), ticker); err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("ticker", ticker).Msg("instrument deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	if err := requireAdmin(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req adminAdjustRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	traderID, err := uuidFromString(req.TraderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.accounts.AdjustBalance(r.Context(), traderID, req.Ticker, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("trader_id", req.TraderID).Str("ticker", req.Ticker).Int64("amount", req.Amount).Msg("admin adjustment applied")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	var req submitOrderRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.metrics.ordersSubmitted.Inc()
	timer := prometheus.NewTimer(s.metrics.submitDuration)
	defer timer.ObserveDuration()

	order, trades, err := s.engine.Submit(r.Context(), caller.ID, req.Ticker, sideFromWire(req.Side), req.Qty, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if order.Status == models.StatusCancelled && order.Filled == 0 {
		s.metrics.rejections.Inc()
	}
	s.metrics.tradesExecuted.Add(float64(len(trades)))

	log.Info().
		Str("order_id", order.ID.String()).
		Str("ticker", order.Ticker).
		Str("status", string(order.Status)).
		Int("trades", len(trades)).
		Msg("order submitted")

	resp := submitOrderResponse{Order: toOrderResponse(order)}
	for _, t := range trades {
		resp.Trades = append(resp.Trades, tradeResponse{Ticker: t.Ticker, Amount: t.Amount, Price: t.Price, Timestamp: formatTime(t.Timestamp)})
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	order, err := s.lifecycle.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if order.TraderID != caller.ID {
		s.writeError(w, models.NewError(models.KindForbidden, "order does not belong to caller"))
		return
	}
	s.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	order, err := s.lifecycle.Cancel(r.Context(), id, caller.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	log.Info().Str("order_id", order.ID.String()).Msg("order cancelled")
	s.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) handleListTraderOrders(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id != caller.ID && caller.Role != models.RoleAdmin {
		s.writeError(w, models.NewError(models.KindForbidden, "cannot list another trader's orders"))
		return
	}
	orders, err := s.lifecycle.ListByTrader(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if id != caller.ID && caller.Role != models.RoleAdmin {
		s.writeError(w, models.NewError(models.KindForbidden, "cannot view another trader's balance"))
		return
	}
	balances, err := s.accounts.GetBalance(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleGetOrderBook(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	if ticker == "" {
		s.writeError(w, models.NewError(models.KindInvalidRequest, "ticker query parameter is required"))
		return
	}
	depth := queryInt(r, "depth", s.depthDefault)
	bids, asks := s.engine.OrderBookDepth(ticker, depth)
	s.writeJSON(w, http.StatusOK, orderBookResponse{
		Ticker: ticker,
		Bids:   toLevelResponses(bids),
		Asks:   toLevelResponses(asks),
	})
}

func toLevelResponses(levels []orderbook.Level) []levelResponse {
	out := make([]levelResponse, 0, len(levels))
	for _, l := range levels {
		out = append(out, levelResponse{Price: l.Price, Qty: l.Quantity})
	}
	return out
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	if ticker == "" {
		s.writeError(w, models.NewError(models.KindInvalidRequest, "ticker query parameter is required"))
		return
	}
	n := queryInt(r, "n", s.tradesLimit)
	trades, err := s.engine.RecentTrades(ticker, n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.After(trades[j].Timestamp) })
	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeResponse{Ticker: t.Ticker, Amount: t.Amount, Price: t.Price, Timestamp: formatTime(t.Timestamp)})
	}
	s.writeJSON(w, http.StatusOK, out)
}
