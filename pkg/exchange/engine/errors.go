package engine

import "fmt"

// ValidationError rejects an order before it is ever created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid order: " + e.Reason
}

// SettlementError truncates the matching loop for one submission. Trades
// already completed in that submission stand; the caller gets them alongside
// this error.
type SettlementError struct {
	Err error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed: %v", e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}
