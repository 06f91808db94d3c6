// Package lifecycle is the Order Lifecycle Manager (C5): it cancels
// resting orders on request, returning frozen funds or inventory, and
// surfaces order state to read-only queries.
package lifecycle

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/openvenue/exchange-core/internal/ledger"
	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/orderbook"
	"github.com/openvenue/exchange-core/internal/orders"
	"github.com/openvenue/exchange-core/internal/unitofwork"
)

// Manager cancels orders and serves order/trader queries.
type Manager struct {
	db     *sql.DB
	ledger *ledger.Ledger
	orders *orders.Store
	books  func(ticker string) *orderbook.Book
}

// NewManager constructs a Manager. books resolves (and lazily creates) the
// in-memory book for a ticker; pass internal/matching.Engine's book
// accessor so cancellation evicts the order from the same book the
// matching engine reads.
func NewManager(db *sql.DB, l *ledger.Ledger, s *orders.Store, books func(ticker string) *orderbook.Book) *Manager {
	return &Manager{db: db, ledger: l, orders: s, books: books}
}

// Cancel cancels a resting order on behalf of its owner, per spec.md §4.5.
// A PARTIALLY_EXECUTED order is deliberately treated as already terminal
// here, matching the source system this was generalized from (see
// DESIGN.md's resolution of the corresponding open question).
func (m *Manager) Cancel(ctx context.Context, orderID, traderID uuid.UUID) (*models.Order, error) {
	var cancelled *models.Order

	err := unitofwork.Run(ctx, m.db, func(tx *sql.Tx) error {
		order, err := m.orders.GetForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		if order.TraderID != traderID {
			return models.NewError(models.KindForbidden, "order does not belong to trader")
		}
		if order.Status.Terminal() || order.Status == models.StatusPartiallyExecuted {
			return models.NewError(models.KindAlreadyTerminal, "order is no longer cancellable")
		}
		if order.IsMarket() {
			return models.NewError(models.KindNotCancellable, "market orders cannot be cancelled")
		}

		if order.Side == models.SideAsk {
			m.ledger.Unfreeze(tx, order.TraderID, order.Ticker, order.Amount)
		} else {
			m.ledger.Unfreeze(tx, order.TraderID, m.ledger.BaseCurrency(), order.Amount*(*order.Price))
		}

		order.Status = models.StatusCancelled
		if err := m.orders.Update(tx, order); err != nil {
			return err
		}

		m.books(order.Ticker).Remove(order)
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// Get returns a single order by ID.
func (m *Manager) Get(id uuid.UUID) (*models.Order, error) {
	return m.orders.Get(m.db, id)
}

// ListByTrader returns every order a trader has ever submitted.
func (m *Manager) ListByTrader(trader uuid.UUID) ([]models.Order, error) {
	return m.orders.ListByTrader(m.db, trader)
}

// ListActive returns resting orders for ticker on both sides, oldest first
// (created_at, then id). It does not filter by side and does not sort by
// price.
func (m *Manager) ListActive(ticker string) ([]models.Order, error) {
	return m.orders.ListActive(m.db, ticker)
}
