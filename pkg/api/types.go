package api

// Wire types for REST endpoints and WebSocket messages.

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/papertrade/exchange/pkg/exchange/ledger"
)

// ==============================
// WebSocket inbound
// ==============================

type wsRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type placeOrderRequest struct {
	OrderType string      `json:"order_type"`
	Price     json.Number `json:"price"`
	Quantity  json.Number `json:"quantity"`
}

// ==============================
// WebSocket outbound
// ==============================

type connectionAck struct {
	Status  string          `json:"status"`
	UserID  string          `json:"user_id"`
	Email   string          `json:"user_email"`
	Balance decimal.Decimal `json:"balance"`
}

type orderAck struct {
	OrderID   string          `json:"order_id"`
	Message   string          `json:"message"`
	OrderType string          `json:"order_type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Matches   int             `json:"matches"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ==============================
// REST
// ==============================

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type addBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type userResponse struct {
	Name    string          `json:"name"`
	Email   string          `json:"email"`
	Balance decimal.Decimal `json:"balance"`
}

type accountResponse struct {
	Balance  decimal.Decimal  `json:"balance"`
	Holdings []ledger.Holding `json:"holdings"`
}
