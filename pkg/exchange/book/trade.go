package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade records one execution between a resting and an incoming order.
// Immutable once created.
type Trade struct {
	ID          string          `json:"trade_id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	Total       decimal.Decimal `json:"total_amount"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BuyerEmail  string          `json:"buyer_email"`
	SellerEmail string          `json:"seller_email"`
	CreatedAt   time.Time       `json:"created_at"`
}
