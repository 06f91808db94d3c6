// Package models holds the domain entities shared across the matching and
// settlement core: traders, instruments, positions, orders and trades.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TraderRole distinguishes administrative callers from ordinary traders.
type TraderRole string

const (
	RoleUser  TraderRole = "USER"
	RoleAdmin TraderRole = "ADMIN"
)

// Trader is an authenticated market participant with a base-currency
// cash balance. Balance is denominated in minor units (integer, never
// negative).
type Trader struct {
	ID      uuid.UUID
	Name    string
	Role    TraderRole
	Balance int64
	APIKey  string
}

// Instrument is a tradable symbol other than the configured base currency.
type Instrument struct {
	Ticker string
	Name   string
}

// Position is the quantity of an instrument held by a trader. A row exists
// for every (trader, instrument) pair that has ever existed.
type Position struct {
	TraderID uuid.UUID
	Ticker   string
	Quantity int64
}

// Side is which side of the book an order rests on.
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew                OrderStatus = "NEW"
	StatusPartiallyExecuted  OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted           OrderStatus = "EXECUTED"
	StatusCancelled          OrderStatus = "CANCELLED"
)

// Active reports whether the status occupies book space and holds a
// reservation.
func (s OrderStatus) Active() bool {
	return s == StatusNew || s == StatusPartiallyExecuted
}

// Terminal reports whether the status holds no reservation.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Order is a resting or terminal order. Price is nil for market orders.
// Amount is the remaining open quantity; Filled is the cumulative filled
// quantity. Amount+Filled always equals the originally submitted quantity.
type Order struct {
	ID        uuid.UUID
	TraderID  uuid.UUID
	Ticker    string
	Side      Side
	Price     *int64
	Amount    int64
	Filled    int64
	Status    OrderStatus
	CreatedAt time.Time
}

// OriginalAmount returns the quantity requested at submission.
func (o *Order) OriginalAmount() int64 {
	return o.Amount + o.Filled
}

// IsMarket reports whether the order has no limit price.
func (o *Order) IsMarket() bool {
	return o.Price == nil
}

// Trade is an immutable, append-only execution record.
type Trade struct {
	ID           uuid.UUID
	FromTraderID uuid.UUID // seller
	ToTraderID   uuid.UUID // buyer
	Ticker       string
	Amount       int64
	Price        int64
	Timestamp    time.Time
}
