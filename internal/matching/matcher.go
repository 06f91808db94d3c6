package matching

import (
	"time"

	"github.com/openvenue/exchange-core/internal/models"
	"github.com/openvenue/exchange-core/internal/orderbook"
)

// matchResult is everything a crossing pass produced: the trades executed,
// and the resting orders whose Amount/Filled/Status were mutated in place
// and now need persisting. buyCost is incoming's total proceeds paid as
// buyer, used by the caller to compute a limit BID's over-reservation
// refund.
type matchResult struct {
	trades  []models.Trade
	touched []*models.Order
	buyCost int64
}

// reserveFunc is consulted once per candidate match when incoming is a
// market BID, the one case with no upfront reservation: it must approve
// paying qty*price before the match proceeds, or the loop stops there.
// nil means "always approve" (every other order shape pre-reserves the
// whole order up front).
type reserveFunc func(qty, price int64) bool

// runMatch walks the opposite side of book, crossing incoming against
// resting orders in price-time priority (spec.md §4.3). It is pure: no
// I/O, no locking beyond what Book itself does, which is what makes it
// unit-testable against an in-memory book the way the teacher's Matcher
// is tested against its own in-memory OrderBook.
func runMatch(book *orderbook.Book, incoming *models.Order, reserve reserveFunc) matchResult {
	var result matchResult
	opp := incoming.Side.Opposite()
	now := time.Now().UTC()

	for incoming.Amount > 0 {
		resting := book.Best(opp)
		if resting == nil {
			break
		}
		if !canMatch(incoming, resting) {
			break
		}

		qty := resting.Amount
		if incoming.Amount < qty {
			qty = incoming.Amount
		}
		tradePrice := *resting.Price

		if reserve != nil && !reserve(qty, tradePrice) {
			break
		}

		sellerID, buyerID := resting.TraderID, incoming.TraderID
		if incoming.Side == models.SideAsk {
			sellerID, buyerID = incoming.TraderID, resting.TraderID
		}

		result.trades = append(result.trades, models.Trade{
			FromTraderID: sellerID,
			ToTraderID:   buyerID,
			Ticker:       incoming.Ticker,
			Amount:       qty,
			Price:        tradePrice,
			Timestamp:    now,
		})

		resting.Amount -= qty
		resting.Filled += qty
		if resting.Amount == 0 {
			resting.Status = models.StatusExecuted
			// An exhausted resting order must leave the book's FIFO queue
			// immediately, or the next iteration's book.Best(opp) keeps
			// handing back this same order at qty 0 forever. The teacher's
			// matchBuyOrder/matchSellOrder evicts inline the same way.
			book.Remove(resting)
		} else {
			resting.Status = models.StatusPartiallyExecuted
		}
		result.touched = append(result.touched, resting)

		incoming.Amount -= qty
		incoming.Filled += qty
		if incoming.Side == models.SideBid {
			result.buyCost += qty * tradePrice
		}
	}

	return result
}

// canMatch reports whether incoming may cross resting. Market orders never
// gate on price; limit orders require the maker's price to be no worse
// than the taker's limit.
func canMatch(incoming, resting *models.Order) bool {
	if incoming.Price == nil {
		return true
	}
	if incoming.Side == models.SideBid {
		return *resting.Price <= *incoming.Price
	}
	return *resting.Price >= *incoming.Price
}
