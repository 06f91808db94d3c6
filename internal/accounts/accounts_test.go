package accounts

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/exchange-core/internal/ledger"
	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/orders"
	"github.com/openvenue/exchange-core/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}

	db, err := store.Connect(dsn)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db), "failed to migrate schema")

	return NewManager(db, ledger.New("USD"), orders.New())
}

// uniqueTicker appends six letters derived from a fresh UUID to prefix, so
// the result stays within CreateInstrument's ^[A-Z]{2,10}$ format.
func uniqueTicker(prefix string) string {
	id := uuid.New()
	b := []byte(prefix)
	for _, c := range id[:3] {
		b = append(b, 'A'+(c>>4), 'A'+(c&0x0f))
	}
	return string(b)
}

func TestRegisterTrader_BackfillsPositionsForExistingInstruments(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ticker := uniqueTicker("ACT")
	_, err := m.CreateInstrument(ctx, "Acme Corp", ticker)
	require.NoError(t, err, "failed to create instrument")

	trader, err := m.RegisterTrader(ctx, "alice")
	require.NoError(t, err, "failed to register trader")
	assert.NotEmpty(t, trader.APIKey)
	_, err = uuid.Parse(trader.APIKey)
	assert.NoError(t, err, "expected api key to be a valid UUID string")

	balances, err := m.GetBalance(trader.ID)
	require.NoError(t, err, "failed to get balance")
	if qty, ok := balances[ticker]; ok {
		assert.Zero(t, qty, "expected zero position for %s", ticker)
	}
}

func TestCreateInstrument_BackfillsPositionsForExistingTraders(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	trader, err := m.RegisterTrader(ctx, "bob")
	require.NoError(t, err, "failed to register trader")

	ticker := uniqueTicker("NEW")
	_, err = m.CreateInstrument(ctx, "New Co", ticker)
	require.NoError(t, err, "failed to create instrument")

	err = m.AdjustBalance(ctx, trader.ID, ticker, 5)
	assert.NoError(t, err, "expected position row to exist for new instrument")
}

func TestCreateInstrument_DuplicateTickerConflicts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ticker := uniqueTicker("DUP")
	_, err := m.CreateInstrument(ctx, "Dup Co", ticker)
	require.NoError(t, err, "failed to create instrument")

	_, err = m.CreateInstrument(ctx, "Dup Co Again", ticker)
	require.Error(t, err, "expected conflict creating a duplicate ticker")
	var coreErr *models.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, models.KindConflict, coreErr.Kind)
}

func TestAdjustBalance_RejectsOverdraft(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	trader, err := m.RegisterTrader(ctx, "carol")
	require.NoError(t, err, "failed to register trader")

	err = m.AdjustBalance(ctx, trader.ID, "USD", -100)
	require.Error(t, err, "expected an error adjusting a zero balance into the negative")
	var coreErr *models.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, models.KindInsufficientFunds, coreErr.Kind)

	require.NoError(t, m.AdjustBalance(ctx, trader.ID, "USD", 100), "failed to credit balance")
	balances, err := m.GetBalance(trader.ID)
	require.NoError(t, err, "failed to get balance")
	assert.Equal(t, int64(100), balances["USD"])
}
