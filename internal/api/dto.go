package api

import "time"

// timeFormat renders timestamps as ISO-8601 UTC with millisecond precision
// and a Z suffix, per spec.md §6.
const timeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

type registerTraderRequest struct {
	Name string `json:"name" validate:"required,min=1,max=100"`
}

type registerTraderResponse struct {
	TraderID string `json:"trader_id"`
	Role     string `json:"role"`
	APIKey   string `json:"api_key"`
}

type createInstrumentRequest struct {
	Ticker string `json:"ticker" validate:"required,uppercase,min=2,max=10,alpha"`
	Name   string `json:"name" validate:"required,min=1,max=100"`
}

type instrumentResponse struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

type adminAdjustRequest struct {
	TraderID string `json:"trader_id" validate:"required,uuid"`
	Ticker   string `json:"ticker" validate:"required"`
	Amount   int64  `json:"amount"`
}

type submitOrderRequest struct {
	Ticker string `json:"ticker" validate:"required"`
	Side   string `json:"side" validate:"required,oneof=BUY SELL"`
	Qty    int64  `json:"qty" validate:"required,gt=0"`
	Price  *int64 `json:"price,omitempty" validate:"omitempty,gt=0"`
}

type orderResponse struct {
	OrderID   string  `json:"order_id"`
	TraderID  string  `json:"trader_id"`
	Ticker    string  `json:"ticker"`
	Side      string  `json:"side"`
	Price     *int64  `json:"price,omitempty"`
	Qty       int64   `json:"qty"`    // original submitted quantity: amount + filled
	Filled    int64   `json:"filled"` // cumulative filled quantity
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
}

type tradeResponse struct {
	Ticker    string `json:"ticker"`
	Amount    int64  `json:"amount"`
	Price     int64  `json:"price"`
	Timestamp string `json:"timestamp"`
}

type submitOrderResponse struct {
	Order  orderResponse   `json:"order"`
	Trades []tradeResponse `json:"trades"`
}

type levelResponse struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

type orderBookResponse struct {
	Ticker string          `json:"ticker"`
	Bids   []levelResponse `json:"bids"`
	Asks   []levelResponse `json:"asks"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
