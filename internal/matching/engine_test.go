package matching

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/exchange-core/internal/journal"
	"github.com/openvenue/exchange-core/internal/ledger"
	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/orders"
	"github.com/openvenue/exchange-core/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}

	db, err := store.Connect(dsn)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db), "failed to migrate schema")

	return NewEngine(db, ledger.New("USD"), journal.New(), orders.New())
}

func seedInstrument(t *testing.T, e *Engine, ticker string) {
	t.Helper()
	_, err := e.db.Exec(`INSERT INTO instruments (ticker, name) VALUES (?, ?)`, ticker, ticker)
	require.NoError(t, err, "failed to seed instrument")
}

func seedTrader(t *testing.T, e *Engine, balance int64, tickers ...string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := e.db.Exec(
		`INSERT INTO traders (id, name, role, balance, api_key) VALUES (?, ?, ?, ?, ?)`,
		id, "test-trader", models.RoleUser, balance, uuid.New().String(),
	)
	require.NoError(t, err, "failed to seed trader")
	for _, ticker := range tickers {
		_, err := e.db.Exec(`INSERT INTO positions (trader_id, ticker, quantity) VALUES (?, ?, 0)`, id, ticker)
		require.NoError(t, err, "failed to seed position")
	}
	return id
}

func balanceOf(t *testing.T, e *Engine, trader uuid.UUID) int64 {
	t.Helper()
	var balance int64
	err := e.db.QueryRow(`SELECT balance FROM traders WHERE id = ?`, trader).Scan(&balance)
	require.NoError(t, err, "failed to read balance")
	return balance
}

func positionOf(t *testing.T, e *Engine, trader uuid.UUID, ticker string) int64 {
	t.Helper()
	var qty int64
	err := e.db.QueryRow(`SELECT quantity FROM positions WHERE trader_id = ? AND ticker = ?`, trader, ticker).Scan(&qty)
	require.NoError(t, err, "failed to read position")
	return qty
}

func TestSubmit_SimpleCross(t *testing.T) {
	e := newTestEngine(t)
	ticker := "SMP" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)

	seller := seedTrader(t, e, 0, ticker)
	_, err := e.db.Exec(`UPDATE positions SET quantity = 10 WHERE trader_id = ? AND ticker = ?`, seller, ticker)
	require.NoError(t, err, "failed to seed seller position")
	buyer := seedTrader(t, e, 10000, ticker)

	ctx := context.Background()
	price := int64(100)
	_, _, err = e.Submit(ctx, seller, ticker, models.SideAsk, 10, &price)
	require.NoError(t, err, "failed to submit resting ask")

	order, trades, err := e.Submit(ctx, buyer, ticker, models.SideBid, 10, &price)
	require.NoError(t, err, "failed to submit crossing bid")
	require.Len(t, trades, 1)
	assert.Equal(t, models.StatusExecuted, order.Status)

	assert.Equal(t, int64(9000), balanceOf(t, e, buyer))
	assert.Equal(t, int64(1000), balanceOf(t, e, seller))
	assert.Equal(t, int64(10), positionOf(t, e, buyer, ticker))
	assert.Equal(t, int64(0), positionOf(t, e, seller, ticker))
}

func TestSubmit_PartialFillRestsRemainder(t *testing.T) {
	e := newTestEngine(t)
	ticker := "PRT" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)

	seller := seedTrader(t, e, 0, ticker)
	_, err := e.db.Exec(`UPDATE positions SET quantity = 4 WHERE trader_id = ? AND ticker = ?`, seller, ticker)
	require.NoError(t, err, "failed to seed seller position")
	buyer := seedTrader(t, e, 10000, ticker)

	ctx := context.Background()
	price := int64(50)
	_, _, err = e.Submit(ctx, seller, ticker, models.SideAsk, 4, &price)
	require.NoError(t, err, "failed to submit resting ask")

	order, trades, err := e.Submit(ctx, buyer, ticker, models.SideBid, 10, &price)
	require.NoError(t, err, "failed to submit crossing bid")
	require.Len(t, trades, 1, "expected a single 4-unit trade")
	assert.Equal(t, int64(4), trades[0].Amount)
	assert.Equal(t, models.StatusPartiallyExecuted, order.Status)
	assert.Equal(t, int64(6), order.Amount, "expected 6 remaining resting")

	resting, err := e.GetOrder(order.ID)
	require.NoError(t, err, "failed to fetch resting order")
	assert.Equal(t, int64(6), resting.Amount)
	assert.Equal(t, models.StatusPartiallyExecuted, resting.Status)
}

func TestSubmit_PartialFillAtBetterPriceRefundsSurplus(t *testing.T) {
	e := newTestEngine(t)
	ticker := "SRP" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)

	seller := seedTrader(t, e, 0, ticker)
	_, err := e.db.Exec(`UPDATE positions SET quantity = 4 WHERE trader_id = ? AND ticker = ?`, seller, ticker)
	require.NoError(t, err, "failed to seed seller position")
	buyer := seedTrader(t, e, 1000, ticker)

	ctx := context.Background()
	askPrice := int64(80)
	_, _, err = e.Submit(ctx, seller, ticker, models.SideAsk, 4, &askPrice)
	require.NoError(t, err, "failed to submit resting ask")

	bidPrice := int64(100)
	order, trades, err := e.Submit(ctx, buyer, ticker, models.SideBid, 10, &bidPrice)
	require.NoError(t, err, "failed to submit crossing bid")
	require.Len(t, trades, 1)
	assert.Equal(t, int64(80), trades[0].Price, "maker price rule: trade executes at the resting ask's price")
	assert.Equal(t, models.StatusPartiallyExecuted, order.Status)
	assert.Equal(t, int64(6), order.Amount, "expected 6 remaining resting")

	// 1000 was frozen up front for 10 units at 100; the 4-unit fill only cost
	// 320, so the 80 surplus must already be back in the free pool rather
	// than stranded while the remaining 6 units rest.
	free := balanceOf(t, e, buyer)
	locked := order.Amount * bidPrice
	assert.Equal(t, int64(80), free, "expected the price-improvement surplus unfrozen immediately")
	assert.Equal(t, int64(680), free+locked, "free+locked must equal 1000 paid in minus 320 spent")
}

func TestSubmit_MarketBidStopsWhenFundsExhausted(t *testing.T) {
	e := newTestEngine(t)
	ticker := "MKB" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)

	seller := seedTrader(t, e, 0, ticker)
	_, err := e.db.Exec(`UPDATE positions SET quantity = 10 WHERE trader_id = ? AND ticker = ?`, seller, ticker)
	require.NoError(t, err, "failed to seed seller position")
	// Only enough cash for 3 units at price 100; each resting ask below is a
	// single unit so the sweep's per-match funds check actually bites mid-walk
	// instead of being decided all at once against one large resting order.
	buyer := seedTrader(t, e, 300, ticker)

	ctx := context.Background()
	price := int64(100)
	for i := 0; i < 10; i++ {
		_, _, err := e.Submit(ctx, seller, ticker, models.SideAsk, 1, &price)
		require.NoErrorf(t, err, "failed to submit resting ask %d", i)
	}

	order, trades, err := e.Submit(ctx, buyer, ticker, models.SideBid, 10, nil)
	require.NoError(t, err, "failed to submit market bid")
	require.Len(t, trades, 3, "expected the sweep to stop after 3 one-unit trades")
	assert.Equal(t, models.StatusCancelled, order.Status, "expected the unfilled remainder of a market order to be CANCELLED")
	assert.Equal(t, int64(0), balanceOf(t, e, buyer), "expected buyer's cash fully spent")
	assert.Equal(t, int64(3), positionOf(t, e, buyer, ticker))
}

func TestSubmit_LimitBidOverdraftRejectedAtomically(t *testing.T) {
	e := newTestEngine(t)
	ticker := "ODR" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)

	buyer := seedTrader(t, e, 50, ticker)

	ctx := context.Background()
	price := int64(100)
	order, trades, err := e.Submit(ctx, buyer, ticker, models.SideBid, 10, &price)
	require.NoError(t, err, "expected insufficient funds to be recorded, not returned as an error")
	assert.Empty(t, trades)
	assert.Equal(t, models.StatusCancelled, order.Status, "expected rejected order recorded as CANCELLED")
	assert.Equal(t, int64(50), balanceOf(t, e, buyer), "expected balance untouched")
}

func TestSubmit_FIFOAtEqualPrice(t *testing.T) {
	e := newTestEngine(t)
	ticker := "FFO" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)

	seller1 := seedTrader(t, e, 0, ticker)
	seller2 := seedTrader(t, e, 0, ticker)
	_, err := e.db.Exec(`UPDATE positions SET quantity = 5 WHERE trader_id = ? AND ticker = ?`, seller1, ticker)
	require.NoError(t, err)
	_, err = e.db.Exec(`UPDATE positions SET quantity = 5 WHERE trader_id = ? AND ticker = ?`, seller2, ticker)
	require.NoError(t, err)
	buyer := seedTrader(t, e, 10000, ticker)

	ctx := context.Background()
	price := int64(75)
	_, _, err = e.Submit(ctx, seller1, ticker, models.SideAsk, 5, &price)
	require.NoError(t, err, "failed to submit first ask")
	_, _, err = e.Submit(ctx, seller2, ticker, models.SideAsk, 5, &price)
	require.NoError(t, err, "failed to submit second ask")

	_, trades, err := e.Submit(ctx, buyer, ticker, models.SideBid, 3, &price)
	require.NoError(t, err, "failed to submit crossing bid")
	require.Len(t, trades, 1)
	assert.Equal(t, seller1, trades[0].FromTraderID, "expected FIFO to match the earlier resting ask first")
}

func TestSubmit_QuantityMustBePositive(t *testing.T) {
	e := newTestEngine(t)
	ticker := "QTY" + uuid.New().String()[:6]
	seedInstrument(t, e, ticker)
	buyer := seedTrader(t, e, 1000, ticker)

	price := int64(10)
	_, _, err := e.Submit(context.Background(), buyer, ticker, models.SideBid, 0, &price)
	assert.Error(t, err, "expected zero quantity to be rejected")
}
