// Package matching is the Matching Engine (C3): it owns the per-instrument
// order books in memory, drives the reservation protocol and the matching
// loop, and is the only component that opens write transactions against
// the ledger, order store, and trade journal together.
package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openvenue/exchange-core/internal/journal"
	"github.com/openvenue/exchange-core/internal/ledger"
	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/obslog"
	"github.com/openvenue/exchange-core/internal/orderbook"
	"github.com/openvenue/exchange-core/internal/orders"
	"github.com/openvenue/exchange-core/internal/unitofwork"
)

// Engine wires the order books to durable storage and accounting. One
// Engine serves every instrument; books and their per-instrument locks are
// created lazily as instruments are first touched.
type Engine struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	journal *journal.Journal
	orders  *orders.Store

	booksMu sync.RWMutex
	books   map[string]*orderbook.Book
	locks   map[string]*sync.Mutex
}

// NewEngine constructs an Engine. Call LoadOpenOrders once at startup
// before serving any submissions.
func NewEngine(db *sql.DB, l *ledger.Ledger, j *journal.Journal, s *orders.Store) *Engine {
	return &Engine{
		db:      db,
		ledger:  l,
		journal: j,
		orders:  s,
		books:   make(map[string]*orderbook.Book),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Book returns the in-memory book for ticker, creating it if this is the
// first time the instrument has been touched. Exposed so internal/lifecycle
// can evict a cancelled order from the same book instance the matcher
// reads.
func (e *Engine) Book(ticker string) *orderbook.Book {
	return e.bookFor(ticker)
}

func (e *Engine) bookFor(ticker string) *orderbook.Book {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	b, ok := e.books[ticker]
	if !ok {
		b = orderbook.New(ticker)
		e.books[ticker] = b
	}
	return b
}

func (e *Engine) lockFor(ticker string) *sync.Mutex {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	mu, ok := e.locks[ticker]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[ticker] = mu
	}
	return mu
}

// LoadOpenOrders rebuilds every instrument's in-memory book from the
// NEW/PARTIALLY_EXECUTED rows on disk, in FIFO order, so that restarting
// the process does not lose price-time priority (spec.md §5).
func (e *Engine) LoadOpenOrders() error {
	tickers, err := e.orders.DistinctTickers(e.db)
	if err != nil {
		return fmt.Errorf("failed to discover active tickers: %w", err)
	}
	for _, ticker := range tickers {
		active, err := e.orders.ListActive(e.db, ticker)
		if err != nil {
			return fmt.Errorf("failed to load active orders for %s: %w", ticker, err)
		}
		book := e.bookFor(ticker)
		for i := range active {
			book.Insert(&active[i])
		}
	}
	return nil
}

// Submit runs the full reservation-and-match protocol of spec.md §4.3 for
// a new order and returns the order's resulting state together with any
// trades it executed. A rejection for insufficient funds is not returned
// as an error: it is recorded as a terminal CANCELLED order, same as the
// original implementation's public record of what was attempted.
//
// runMatch mutates the resting orders' Amount/Filled/Status fields in
// place against the live book before tx is known to commit. A write
// failure in settle or finalize after matching has already started panics
// with an AccountingError rather than being unwound, the same stance
// AccountingError takes elsewhere: rolling back those in-place mutations
// would require snapshotting every touched order up front for a fault
// that is not expected from well-formed requests.
func (e *Engine) Submit(ctx context.Context, trader uuid.UUID, ticker string, side models.Side, qty int64, price *int64) (*models.Order, []models.Trade, error) {
	if qty <= 0 {
		return nil, nil, models.NewError(models.KindInvalidRequest, "quantity must be positive")
	}
	if price != nil && *price <= 0 {
		return nil, nil, models.NewError(models.KindInvalidRequest, "price must be positive")
	}

	order := &models.Order{
		ID:        uuid.New(),
		TraderID:  trader,
		Ticker:    ticker,
		Side:      side,
		Price:     price,
		Amount:    qty,
		Filled:    0,
		Status:    models.StatusNew,
		CreatedAt: time.Now().UTC(),
	}

	mu := e.lockFor(ticker)
	mu.Lock()
	defer mu.Unlock()

	var reserved int64
	var result matchResult

	book := e.bookFor(ticker)

	err := unitofwork.Run(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.requireInstrument(tx, ticker); err != nil {
			return err
		}

		var err error
		reserved, err = e.reserveUpfront(tx, order)
		if err != nil {
			return err
		}

		var reserve reserveFunc
		if order.Side == models.SideBid && order.IsMarket() {
			// No upfront reservation for a market BID: approve each match
			// as it happens, stopping the sweep rather than overdrawing.
			reserve = func(qty, price int64) bool {
				return e.ledger.Freeze(tx, order.TraderID, e.ledger.BaseCurrency(), qty*price) == nil
			}
		}

		result = runMatch(book, order, reserve)
		if err := e.settle(tx, result); err != nil {
			models.PanicAccounting(fmt.Sprintf("settlement failed after matching: %v", err))
		}
		if err := e.finalize(tx, order, reserved, result.buyCost); err != nil {
			models.PanicAccounting(fmt.Sprintf("finalizing order failed after matching: %v", err))
		}
		return nil
	})

	if err != nil {
		if isInsufficientFunds(err) {
			return e.recordRejected(ctx, order, qty)
		}
		return nil, nil, err
	}

	// runMatch already evicted any resting order it exhausted, live, as it
	// walked the book (it has to: otherwise the next match against the same
	// price level keeps handing back a zero-quantity order). UpdateOnFill
	// here is a no-op for those and only matters if some future touched
	// order reaches a terminal state some other way. The incoming order
	// itself is only inserted once the transaction above is known to have
	// committed, so a rolled-back submission never rests an order the
	// durable store doesn't know about.
	for _, touched := range result.touched {
		book.UpdateOnFill(touched)
	}
	if order.Status == models.StatusNew || order.Status == models.StatusPartiallyExecuted {
		book.Insert(order)
	}

	obslog.Order(order.ID.String(), ticker, order.TraderID.String()).
		Info().
		Int("trades", len(result.trades)).
		Str("status", string(order.Status)).
		Msg("order submitted")

	return order, result.trades, nil
}

// reserveUpfront takes the worst-case reservation for order before any
// matching is attempted. A market BID is the one case with no upfront
// reservation: it is paid for incrementally as the matcher crosses it.
func (e *Engine) reserveUpfront(tx *sql.Tx, order *models.Order) (int64, error) {
	switch {
	case order.Side == models.SideBid && order.IsMarket():
		return 0, nil
	case order.Side == models.SideBid:
		amount := order.Amount * (*order.Price)
		if err := e.ledger.Freeze(tx, order.TraderID, e.ledger.BaseCurrency(), amount); err != nil {
			return 0, err
		}
		return amount, nil
	default: // ASK, limit or market
		if err := e.ledger.Freeze(tx, order.TraderID, order.Ticker, order.Amount); err != nil {
			return 0, err
		}
		return order.Amount, nil
	}
}

// settle persists the effects of a matching pass within tx: each trade is
// transferred through the ledger and appended to the journal, and each
// touched resting order is written back. The in-memory book itself is not
// touched here: runMatch has already mutated and evicted the resting orders
// in place, and Submit inserts a resting incoming order only after tx
// commits.
func (e *Engine) settle(tx *sql.Tx, result matchResult) error {
	for i := range result.trades {
		trade := &result.trades[i]
		if err := e.ledger.TransferTrade(tx, trade.FromTraderID, trade.ToTraderID, trade.Ticker, trade.Amount, trade.Price); err != nil {
			return err
		}
		if err := e.journal.Append(tx, trade); err != nil {
			return err
		}
	}
	for _, touched := range result.touched {
		if err := e.orders.Update(tx, touched); err != nil {
			return err
		}
	}
	return nil
}

// finalize determines order's terminal or resting state after matching and
// persists the row, refunding any over-reservation.
func (e *Engine) finalize(tx *sql.Tx, order *models.Order, reserved, buyCost int64) error {
	switch {
	case order.Amount == 0:
		order.Status = models.StatusExecuted
	case order.IsMarket():
		order.Status = models.StatusCancelled
		if order.Side == models.SideAsk {
			e.ledger.Unfreeze(tx, order.TraderID, order.Ticker, order.Amount)
		}
	case order.Filled > 0:
		order.Status = models.StatusPartiallyExecuted
	default:
		order.Status = models.StatusNew
	}

	// A limit BID's upfront reservation is qty*limitPrice. Any fill at a
	// better (lower) maker price leaves a surplus that must be unfrozen now
	// rather than left stranded on a resting remainder: the remainder still
	// needs remaining*limitPrice reserved against it (a future maker fill
	// always trades at the resting order's own price, never better), so the
	// refund is whatever reserved exceeds buyCost plus that worst case.
	if order.Side == models.SideBid && !order.IsMarket() {
		required := buyCost + order.Amount*(*order.Price)
		if refund := reserved - required; refund > 0 {
			e.ledger.Unfreeze(tx, order.TraderID, e.ledger.BaseCurrency(), refund)
		}
	}

	return e.orders.Insert(tx, order)
}

// recordRejected persists a CANCELLED order in a fresh transaction after
// the submission transaction rolled back on insufficient funds. The
// original order value is discarded; a clean one is built instead so the
// record is unambiguous: filled == 0, amount == original quantity.
func (e *Engine) recordRejected(ctx context.Context, order *models.Order, originalQty int64) (*models.Order, []models.Trade, error) {
	rejected := &models.Order{
		ID:        uuid.New(),
		TraderID:  order.TraderID,
		Ticker:    order.Ticker,
		Side:      order.Side,
		Price:     order.Price,
		Amount:    originalQty,
		Filled:    0,
		Status:    models.StatusCancelled,
		CreatedAt: time.Now().UTC(),
	}
	err := unitofwork.Run(ctx, e.db, func(tx *sql.Tx) error {
		return e.orders.Insert(tx, rejected)
	})
	if err != nil {
		return nil, nil, err
	}
	return rejected, nil, nil
}

func (e *Engine) requireInstrument(tx *sql.Tx, ticker string) error {
	var exists int
	row := tx.QueryRow(`SELECT 1 FROM instruments WHERE ticker = ? FOR UPDATE`, ticker)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewError(models.KindUnknownInstrument, ticker)
		}
		return fmt.Errorf("failed to look up instrument %s: %w", ticker, err)
	}
	return nil
}

func isInsufficientFunds(err error) bool {
	return errors.Is(err, &models.Error{Kind: models.KindInsufficientFunds})
}

// GetOrder returns a single order by ID.
func (e *Engine) GetOrder(id uuid.UUID) (*models.Order, error) {
	return e.orders.Get(e.db, id)
}

// ListByTrader returns every order a trader has ever submitted.
func (e *Engine) ListByTrader(trader uuid.UUID) ([]models.Order, error) {
	return e.orders.ListByTrader(e.db, trader)
}

// OrderBookDepth returns up to depth aggregated price levels per side for
// ticker.
func (e *Engine) OrderBookDepth(ticker string, depth int) (bids, asks []orderbook.Level) {
	return e.bookFor(ticker).Depth(depth)
}

// RecentTrades returns up to n of the most recent trades for ticker.
func (e *Engine) RecentTrades(ticker string, n int) ([]models.Trade, error) {
	return e.journal.Recent(e.db, ticker, n)
}
