// Package ledger owns durable account state: balances and holdings.
// It is the settlement collaborator of the matching engine; the engine only
// sees the Ledger interface.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrBadCredentials       = errors.New("bad credentials")
)

// Account is a trader's durable record.
type Account struct {
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	Balance      decimal.Decimal `json:"balance"`
	PasswordHash []byte          `json:"password_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Holding is a per-user position in one symbol. Price is the weighted-average
// cost; Total is always Quantity x Price.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Total    decimal.Decimal `json:"total"`
}

// Settlement reports the post-trade state the counterparties need to see.
type Settlement struct {
	BuyerBalance  decimal.Decimal
	SellerBalance decimal.Decimal
	BuyerHolding  Holding
}

// Ledger is the contract the matching engine requires for reservation and
// settlement. Reservations happen before an order is admitted to the book;
// settlement runs once per match.
type Ledger interface {
	// ReserveForBuy atomically debits amount from the user's balance.
	// Returns ErrInsufficientFunds without mutating state if short.
	ReserveForBuy(userID string, amount decimal.Decimal) error

	// ReserveForSell atomically removes qty of symbol from the user's
	// holdings. Returns ErrInsufficientHoldings without mutating state if short.
	ReserveForSell(userID, symbol string, qty int64) error

	// SettleTrade transfers value for one match: refunds the buyer any excess
	// over their reservation (made at buyerLimit), credits the seller
	// price x qty, and folds qty into the buyer's holding at weighted-average
	// cost. The seller's holding was already taken at reservation time.
	SettleTrade(buyerID, sellerID, symbol string, qty int64, price, buyerLimit decimal.Decimal) (*Settlement, error)

	// Balance returns the user's current balance.
	Balance(userID string) (decimal.Decimal, error)

	// Holdings returns all holdings for the user.
	Holdings(userID string) ([]Holding, error)
}
