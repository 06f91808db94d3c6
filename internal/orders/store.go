// Package orders is the persisted-identity half of an order: the Order
// Book (internal/orderbook) owns in-memory indexing of active orders, but
// not their durable row. This package owns that row.
package orders

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvenue/exchange-core/internal/models"
)

// Store reads and writes order rows.
type Store struct{}

func New() *Store { return &Store{} }

// Insert writes a newly-created order within tx, assigning it an ID if
// unset.
func (s *Store) Insert(tx *sql.Tx, order *models.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	_, err := tx.Exec(
		`INSERT INTO orders (id, trader_id, ticker, side, price, amount, filled, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.TraderID, order.Ticker, order.Side, order.Price, order.Amount, order.Filled, order.Status, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// Update persists the mutable fields of an order (amount, filled, status).
func (s *Store) Update(tx *sql.Tx, order *models.Order) error {
	_, err := tx.Exec(
		`UPDATE orders SET amount = ?, filled = ?, status = ? WHERE id = ?`,
		order.Amount, order.Filled, order.Status, order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	var price sql.NullInt64
	if err := row.Scan(&o.ID, &o.TraderID, &o.Ticker, &o.Side, &price, &o.Amount, &o.Filled, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	if price.Valid {
		v := price.Int64
		o.Price = &v
	}
	return &o, nil
}

const selectColumns = `id, trader_id, ticker, side, price, amount, filled, status, created_at`

// Get fetches an order by ID, or a NotFound *models.Error if absent.
func (s *Store) Get(db *sql.DB, id uuid.UUID) (*models.Order, error) {
	row := db.QueryRow(`SELECT `+selectColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.NewError(models.KindNotFound, "order not found")
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

// GetForUpdate fetches and locks an order row within tx, for cancel's
// re-check-inside-transaction pattern.
func (s *Store) GetForUpdate(tx *sql.Tx, id uuid.UUID) (*models.Order, error) {
	row := tx.QueryRow(`SELECT `+selectColumns+` FROM orders WHERE id = ? FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.NewError(models.KindNotFound, "order not found")
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

// ListByTrader returns every order a trader has ever submitted, newest
// first.
func (s *Store) ListByTrader(db *sql.DB, trader uuid.UUID) ([]models.Order, error) {
	rows, err := db.Query(`SELECT `+selectColumns+` FROM orders WHERE trader_id = ? ORDER BY created_at DESC`, trader)
	if err != nil {
		return nil, fmt.Errorf("failed to query trader orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListActive returns active orders for ticker on both sides, oldest first
// (created_at, then id), used to rebuild the in-memory book on startup. The
// rows are not grouped by side or sorted by price.
func (s *Store) ListActive(db *sql.DB, ticker string) ([]models.Order, error) {
	rows, err := db.Query(
		`SELECT `+selectColumns+` FROM orders
		 WHERE ticker = ? AND status IN (?, ?)
		 ORDER BY created_at ASC, id ASC`,
		ticker, models.StatusNew, models.StatusPartiallyExecuted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListActiveByTrader returns a trader's resting orders across every
// instrument, used to compute locked cash/inventory for a balance query.
func (s *Store) ListActiveByTrader(db *sql.DB, trader uuid.UUID) ([]models.Order, error) {
	rows, err := db.Query(
		`SELECT `+selectColumns+` FROM orders WHERE trader_id = ? AND status IN (?, ?)`,
		trader, models.StatusNew, models.StatusPartiallyExecuted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders for trader %s: %w", trader, err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// DistinctTickers returns every ticker that has at least one active
// (NEW/PARTIALLY_EXECUTED) order, used to discover which instrument books to
// rebuild at startup.
func (s *Store) DistinctTickers(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT ticker FROM orders WHERE status IN (?, ?)`, models.StatusNew, models.StatusPartiallyExecuted)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}
