// Package journal is the append-only trade journal (C4): trades are
// written once, within the caller's transaction, and never mutated.
package journal

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvenue/exchange-core/internal/models"
)

// Journal persists and reads Trade records.
type Journal struct{}

func New() *Journal { return &Journal{} }

// Append writes a trade within tx and assigns it an ID and timestamp if
// unset.
func (j *Journal) Append(tx *sql.Tx, trade *models.Trade) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	_, err := tx.Exec(
		`INSERT INTO trades (id, from_trader_id, to_trader_id, ticker, amount, price, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.FromTraderID, trade.ToTraderID, trade.Ticker, trade.Amount, trade.Price, trade.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return nil
}

// Recent returns up to n trades for ticker, most recent first.
func (j *Journal) Recent(db *sql.DB, ticker string, n int) ([]models.Trade, error) {
	rows, err := db.Query(
		`SELECT id, from_trader_id, to_trader_id, ticker, amount, price, timestamp
		 FROM trades WHERE ticker = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		ticker, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.FromTraderID, &t.ToTraderID, &t.Ticker, &t.Amount, &t.Price, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
