// Package ledger is the authoritative store of trader cash balances and
// per-(trader,instrument) positions (C1). Every operation takes an open
// transaction handle; callers are responsible for scoping it (see
// internal/unitofwork).
package ledger

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvenue/exchange-core/internal/models"
)

// Ledger implements the adjust/freeze/unfreeze/transfer primitives of
// spec.md §4.1 against a SQL-backed store.
type Ledger struct {
	baseCurrency string
}

// New returns a Ledger configured with the immutable base-currency ticker.
func New(baseCurrency string) *Ledger {
	return &Ledger{baseCurrency: baseCurrency}
}

// BaseCurrency reports the configured base-currency ticker.
func (l *Ledger) BaseCurrency() string { return l.baseCurrency }

// Adjust changes a trader's base-currency balance (ticker == base currency)
// or a position quantity (any other ticker) by delta, which may be
// negative. It fails with KindInsufficientFunds if the resulting value
// would go below zero, and panics with an AccountingError if the backing
// row does not exist (every (trader, ticker) pair is created eagerly at
// trader/instrument creation, so a missing row is a structural bug, not a
// recoverable condition).
func (l *Ledger) Adjust(tx *sql.Tx, trader uuid.UUID, ticker string, delta int64) error {
	if ticker == l.baseCurrency {
		return l.adjustBalance(tx, trader, delta)
	}
	return l.adjustPosition(tx, trader, ticker, delta)
}

// Freeze moves amount out of the free pool for ticker; it is the caller's
// responsibility to pair it with a later Unfreeze or consume it via
// TransferTrade.
func (l *Ledger) Freeze(tx *sql.Tx, trader uuid.UUID, ticker string, amount int64) error {
	if amount < 0 {
		panic(&models.AccountingError{Msg: "freeze amount must be non-negative"})
	}
	return l.Adjust(tx, trader, ticker, -amount)
}

// Unfreeze returns amount to the free pool. It never fails: a reservation
// was already taken out of the free balance, so returning it cannot drive
// the balance negative.
func (l *Ledger) Unfreeze(tx *sql.Tx, trader uuid.UUID, ticker string, amount int64) error {
	if amount < 0 {
		panic(&models.AccountingError{Msg: "unfreeze amount must be non-negative"})
	}
	if amount == 0 {
		return nil
	}
	if err := l.Adjust(tx, trader, ticker, amount); err != nil {
		// Adjust only fails on overdraft, which a positive delta cannot cause.
		models.PanicAccounting(fmt.Sprintf("unfreeze failed unexpectedly: %v", err))
	}
	return nil
}

// TransferTrade is the sole settlement primitive: it credits the seller's
// cash and the buyer's position for a trade of qty at price. It does NOT
// debit the buyer's cash nor the seller's inventory — those left the free
// pool at order submission via Freeze, and are consumed implicitly when
// the matching resting order's Amount is reduced. Fails with an
// AccountingError (panics) if either trader's backing row is missing.
func (l *Ledger) TransferTrade(tx *sql.Tx, seller, buyer uuid.UUID, ticker string, qty, price int64) error {
	if qty <= 0 || price <= 0 {
		panic(&models.AccountingError{Msg: "trade qty and price must be positive"})
	}
	proceeds := qty * price
	if err := l.Adjust(tx, seller, l.baseCurrency, proceeds); err != nil {
		models.PanicAccounting(fmt.Sprintf("credit to seller failed: %v", err))
	}
	if err := l.Adjust(tx, buyer, ticker, qty); err != nil {
		models.PanicAccounting(fmt.Sprintf("credit to buyer failed: %v", err))
	}
	return nil
}

func (l *Ledger) adjustBalance(tx *sql.Tx, trader uuid.UUID, delta int64) error {
	var balance int64
	row := tx.QueryRow(`SELECT balance FROM traders WHERE id = ? FOR UPDATE`, trader)
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			models.PanicAccounting(fmt.Sprintf("trader %s has no balance row", trader))
		}
		return fmt.Errorf("failed to read balance: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return models.NewError(models.KindInsufficientFunds, fmt.Sprintf("trader %s has insufficient balance", trader))
	}

	if _, err := tx.Exec(`UPDATE traders SET balance = ? WHERE id = ?`, newBalance, trader); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (l *Ledger) adjustPosition(tx *sql.Tx, trader uuid.UUID, ticker string, delta int64) error {
	var quantity int64
	row := tx.QueryRow(`SELECT quantity FROM positions WHERE trader_id = ? AND ticker = ? FOR UPDATE`, trader, ticker)
	if err := row.Scan(&quantity); err != nil {
		if err == sql.ErrNoRows {
			models.PanicAccounting(fmt.Sprintf("trader %s has no position row for %s", trader, ticker))
		}
		return fmt.Errorf("failed to read position: %w", err)
	}

	newQuantity := quantity + delta
	if newQuantity < 0 {
		return models.NewError(models.KindInsufficientFunds, fmt.Sprintf("trader %s has insufficient %s position", trader, ticker))
	}

	if _, err := tx.Exec(`UPDATE positions SET quantity = ? WHERE trader_id = ? AND ticker = ?`, newQuantity, trader, ticker); err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

// Balance returns a trader's free base-currency balance.
func (l *Ledger) Balance(tx *sql.Tx, trader uuid.UUID) (int64, error) {
	var balance int64
	row := tx.QueryRow(`SELECT balance FROM traders WHERE id = ?`, trader)
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return 0, models.NewError(models.KindUnknownTrader, trader.String())
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Positions returns every non-zero position held by a trader.
func (l *Ledger) Positions(tx *sql.Tx, trader uuid.UUID) ([]models.Position, error) {
	rows, err := tx.Query(`SELECT ticker, quantity FROM positions WHERE trader_id = ? AND quantity != 0`, trader)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p := models.Position{TraderID: trader}
		if err := rows.Scan(&p.Ticker, &p.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
