// Package accounts manages traders and instruments: registration, creation
// and deletion, and administrative balance adjustments. Every instrument
// carries a zero-quantity position row for every trader and vice versa, so
// internal/ledger never has to special-case a missing row on the hot path.
package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/openvenue/exchange-core/internal/ledger"
	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/orders"
	"github.com/openvenue/exchange-core/internal/unitofwork"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

// Manager registers traders and instruments and performs administrative
// balance adjustments.
type Manager struct {
	db     *sql.DB
	ledger *ledger.Ledger
	orders *orders.Store
}

func NewManager(db *sql.DB, l *ledger.Ledger, s *orders.Store) *Manager {
	return &Manager{db: db, ledger: l, orders: s}
}

// RegisterTrader creates a trader with a freshly generated API key and a
// zero-quantity position for every existing instrument.
func (m *Manager) RegisterTrader(ctx context.Context, name string) (*models.Trader, error) {
	if name == "" {
		return nil, models.NewError(models.KindInvalidRequest, "name must not be empty")
	}
	trader := &models.Trader{
		ID:      uuid.New(),
		Name:    name,
		Role:    models.RoleUser,
		Balance: 0,
		APIKey:  uuid.New().String(),
	}

	err := unitofwork.Run(ctx, m.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO traders (id, name, role, balance, api_key) VALUES (?, ?, ?, ?, ?)`,
			trader.ID, trader.Name, trader.Role, trader.Balance, trader.APIKey,
		); err != nil {
			return fmt.Errorf("failed to insert trader: %w", err)
		}

		rows, err := tx.Query(`SELECT ticker FROM instruments`)
		if err != nil {
			return fmt.Errorf("failed to list instruments: %w", err)
		}
		defer rows.Close()
		var tickers []string
		for rows.Next() {
			var ticker string
			if err := rows.Scan(&ticker); err != nil {
				return fmt.Errorf("failed to scan instrument: %w", err)
			}
			tickers = append(tickers, ticker)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ticker := range tickers {
			if _, err := tx.Exec(
				`INSERT INTO positions (trader_id, ticker, quantity) VALUES (?, ?, 0)`,
				trader.ID, ticker,
			); err != nil {
				return fmt.Errorf("failed to backfill position %s: %w", ticker, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trader, nil
}

// CreateInstrument registers a new tradable instrument and backfills a
// zero-quantity position for every existing trader.
func (m *Manager) CreateInstrument(ctx context.Context, name, ticker string) (*models.Instrument, error) {
	if !tickerPattern.MatchString(ticker) {
		return nil, models.NewError(models.KindInvalidRequest, "ticker must match ^[A-Z]{2,10}$")
	}

	instrument := &models.Instrument{Ticker: ticker, Name: name}

	err := unitofwork.Run(ctx, m.db, func(tx *sql.Tx) error {
		var exists int
		row := tx.QueryRow(`SELECT 1 FROM instruments WHERE ticker = ? FOR UPDATE`, ticker)
		switch err := row.Scan(&exists); err {
		case nil:
			return models.NewError(models.KindConflict, fmt.Sprintf("instrument %s already exists", ticker))
		case sql.ErrNoRows:
			// fall through, instrument does not yet exist
		default:
			return fmt.Errorf("failed to check instrument existence: %w", err)
		}

		if _, err := tx.Exec(`INSERT INTO instruments (ticker, name) VALUES (?, ?)`, ticker, name); err != nil {
			return fmt.Errorf("failed to insert instrument: %w", err)
		}

		rows, err := tx.Query(`SELECT id FROM traders`)
		if err != nil {
			return fmt.Errorf("failed to list traders: %w", err)
		}
		defer rows.Close()
		var traderIDs []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan trader: %w", err)
			}
			traderIDs = append(traderIDs, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range traderIDs {
			if _, err := tx.Exec(
				`INSERT INTO positions (trader_id, ticker, quantity) VALUES (?, ?, 0)`,
				id, ticker,
			); err != nil {
				return fmt.Errorf("failed to backfill position for trader %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instrument, nil
}

// DeleteInstrument removes an instrument. Positions and orders for it cascade
// at the schema level (internal/store); frozen funds held by the deleted
// orders are not refunded (spec.md §7's documented dangling case).
func (m *Manager) DeleteInstrument(ctx context.Context, ticker string) error {
	return unitofwork.Run(ctx, m.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM instruments WHERE ticker = ?`, ticker)
		if err != nil {
			return fmt.Errorf("failed to delete instrument: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to confirm deletion: %w", err)
		}
		if n == 0 {
			return models.NewError(models.KindUnknownInstrument, ticker)
		}
		return nil
	})
}

// DeleteTrader removes a trader. Positions and orders cascade at the schema
// level; the trade journal is untouched (trades have no FK to traders and
// remain a durable historical record).
func (m *Manager) DeleteTrader(ctx context.Context, id uuid.UUID) error {
	return unitofwork.Run(ctx, m.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM traders WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete trader: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to confirm deletion: %w", err)
		}
		if n == 0 {
			return models.NewError(models.KindUnknownTrader, id.String())
		}
		return nil
	})
}

// AdjustBalance applies a signed adjustment to a trader's base-currency
// balance or a ticker position, failing with InsufficientFunds on overdraft.
func (m *Manager) AdjustBalance(ctx context.Context, trader uuid.UUID, ticker string, amount int64) error {
	return unitofwork.Run(ctx, m.db, func(tx *sql.Tx) error {
		return m.ledger.Adjust(tx, trader, ticker, amount)
	})
}

// GetTraderByAPIKey resolves the caller identity for a bearer token. Used
// by internal/api's auth middleware.
func (m *Manager) GetTraderByAPIKey(apiKey string) (*models.Trader, error) {
	var t models.Trader
	row := m.db.QueryRow(`SELECT id, name, role, balance, api_key FROM traders WHERE api_key = ?`, apiKey)
	if err := row.Scan(&t.ID, &t.Name, &t.Role, &t.Balance, &t.APIKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.NewError(models.KindForbidden, "unknown api key")
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &t, nil
}

// GetBalance returns a ticker-to-quantity view of a trader's holdings,
// unifying free and frozen amounts: the base-currency entry includes cash
// locked in active BID orders, and each instrument entry includes
// inventory locked in active ASK orders (spec.md §6).
func (m *Manager) GetBalance(trader uuid.UUID) (map[string]int64, error) {
	out := make(map[string]int64)

	tx, err := m.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := m.ledger.Balance(tx, trader)
	if err != nil {
		return nil, err
	}
	out[m.ledger.BaseCurrency()] = balance

	positions, err := m.ledger.Positions(tx, trader)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		out[p.Ticker] += p.Quantity
	}

	active, err := m.orders.ListActiveByTrader(m.db, trader)
	if err != nil {
		return nil, err
	}
	for _, o := range active {
		if o.Side == models.SideAsk {
			out[o.Ticker] += o.Amount
		} else {
			out[m.ledger.BaseCurrency()] += o.Amount * (*o.Price)
		}
	}
	return out, nil
}
