// Package orderbook is the in-memory per-instrument order book (C2): an
// ordered collection of resting active orders, queryable by side in
// price-time priority. It mirrors the teacher's per-symbol book but backs
// each side with a github.com/tidwall/btree ordered tree of price levels
// instead of a map plus a manually-resorted slice, giving O(log n)
// best-price access and insertion.
package orderbook

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/openvenue/exchange-core/internal/models"
)

// PriceLevel is a FIFO queue of active orders resting at one price.
type PriceLevel struct {
	Price  int64
	Orders []*models.Order
}

func (pl *PriceLevel) append(order *models.Order) {
	pl.Orders = append(pl.Orders, order)
}

func (pl *PriceLevel) remove(orderID func(*models.Order) bool) bool {
	for i, o := range pl.Orders {
		if orderID(o) {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *PriceLevel) totalQuantity() int64 {
	var total int64
	for _, o := range pl.Orders {
		total += o.Amount
	}
	return total
}

type levels = btree.BTreeG[*PriceLevel]

// Book is the order book for a single instrument, split by side. Bids are
// ordered by descending price; asks by ascending price. FIFO within a
// price level is maintained by insertion order (spec.md §4.2).
type Book struct {
	ticker string

	mu   sync.RWMutex
	bids *levels
	asks *levels
}

// New constructs an empty order book for ticker.
func New(ticker string) *Book {
	return &Book{
		ticker: ticker,
		bids: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price > b.Price // descending
		}),
		asks: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price < b.Price // ascending
		}),
	}
}

func (b *Book) sideTree(side models.Side) *levels {
	if side == models.SideBid {
		return b.bids
	}
	return b.asks
}

// Insert adds an active limit order to its side. Market orders never rest
// (spec.md §3 invariant 7) and must not be passed here.
func (b *Book) Insert(order *models.Order) {
	if order.Price == nil {
		panic("orderbook: cannot insert a market order")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.sideTree(order.Side)
	key := &PriceLevel{Price: *order.Price}
	if existing, ok := tree.Get(key); ok {
		existing.append(order)
		return
	}
	key.append(order)
	tree.Set(key)
}

// UpdateOnFill re-derives book membership after an order's Amount/Status
// have been mutated by the matcher: terminal orders are removed, active
// orders are left in place (their position in the FIFO queue is
// unaffected by a quantity reduction).
func (b *Book) UpdateOnFill(order *models.Order) {
	if order.Status.Terminal() {
		b.Remove(order)
	}
}

// Remove deletes order from the book by identity.
func (b *Book) Remove(order *models.Order) bool {
	if order.Price == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.sideTree(order.Side)
	key := &PriceLevel{Price: *order.Price}
	pl, ok := tree.Get(key)
	if !ok {
		return false
	}
	removed := pl.remove(func(o *models.Order) bool { return o.ID == order.ID })
	if removed && len(pl.Orders) == 0 {
		tree.Delete(key)
	}
	return removed
}

// TopN returns up to n active orders on side in price-time priority,
// enough for the matcher to fully cross an incoming order of that size.
func (b *Book) TopN(side models.Side, n int) []*models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tree := b.sideTree(side)
	var out []*models.Order
	tree.Scan(func(pl *PriceLevel) bool {
		for _, o := range pl.Orders {
			out = append(out, o)
			if len(out) >= n {
				return false
			}
		}
		return true
	})
	return out
}

// Best returns the highest-priority active order on side, or nil.
func (b *Book) Best(side models.Side) *models.Order {
	top := b.TopN(side, 1)
	if len(top) == 0 {
		return nil
	}
	return top[0]
}

// Level is one aggregated price/quantity pair for book-depth queries.
type Level struct {
	Price    int64
	Quantity int64
}

// Depth returns up to depth aggregated levels per side: bids descending by
// price, asks ascending, matching the external Get-orderbook contract
// (spec.md §6).
func (b *Book) Depth(depth int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(tree *levels) []Level {
		var out []Level
		tree.Scan(func(pl *PriceLevel) bool {
			if len(pl.Orders) == 0 {
				return true
			}
			out = append(out, Level{Price: pl.Price, Quantity: pl.totalQuantity()})
			return len(out) < depth
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// Ticker returns the instrument this book belongs to.
func (b *Book) Ticker() string { return b.ticker }
