package book

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
)

// Order is a resting limit order. Fill accounting is owned by the matching
// loop; nothing else mutates an order once it is in the book.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	UserEmail string          `json:"user_email"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"order_type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Filled    int64           `json:"filled_quantity"`
	Remaining int64           `json:"remaining_quantity"`
	Status    Status          `json:"status"`
	Seq       uint64          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

// Fill applies a partial or full execution to the order.
func (o *Order) Fill(qty int64) {
	o.Filled += qty
	o.Remaining -= qty
	if o.Remaining == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// IsOpen reports whether the order can still match.
func (o *Order) IsOpen() bool {
	return o.Remaining > 0
}
