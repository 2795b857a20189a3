// Package engine owns the order book and the matching algorithm. A single
// logical writer processes submissions end to end, ledger calls included, so
// concurrent submissions never interleave book mutations.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/exchange/pkg/exchange/book"
	"github.com/papertrade/exchange/pkg/exchange/ledger"
	"github.com/papertrade/exchange/pkg/metrics"
)

// Notifier receives each trade right after its settlement commits. The call
// must not block the matching loop; implementations queue or drop.
type Notifier interface {
	NotifyTrade(t *book.Trade)
}

// Result is what a submission returns: the admitted order (possibly already
// filled) and the trades it produced.
type Result struct {
	Order  *book.Order   `json:"order"`
	Trades []*book.Trade `json:"matches"`
}

type Engine struct {
	mu       sync.RWMutex
	book     *book.Book
	ledger   ledger.Ledger
	notifier Notifier
	log      *zap.SugaredLogger
	seq      uint64
}

func New(symbol string, led ledger.Ledger, log *zap.SugaredLogger) *Engine {
	return &Engine{
		book:   book.New(symbol),
		ledger: led,
		log:    log,
	}
}

// SetNotifier wires the trade fan-out. Call before serving traffic.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

func (e *Engine) Symbol() string { return e.book.Symbol() }

// SubmitOrder validates, reserves, admits and matches one order. It returns
// once the matching loop has run to quiescence for this submission.
func (e *Engine) SubmitOrder(userID, email, symbol string, side book.Side, price decimal.Decimal, qty int64) (*Result, error) {
	if side != book.Buy && side != book.Sell {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, &ValidationError{Reason: "order type must be BUY or SELL"}
	}
	if !price.IsPositive() {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, &ValidationError{Reason: "price must be positive"}
	}
	if qty <= 0 {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, &ValidationError{Reason: "quantity must be positive"}
	}
	if symbol != e.book.Symbol() {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, &ValidationError{Reason: "unknown symbol " + symbol}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Escrow before the book is touched. A failed reservation leaves the
	// book unmodified.
	if side == book.Buy {
		if err := e.ledger.ReserveForBuy(userID, price.Mul(decimal.NewFromInt(qty))); err != nil {
			metrics.OrdersRejected.WithLabelValues("reservation").Inc()
			return nil, err
		}
	} else {
		if err := e.ledger.ReserveForSell(userID, symbol, qty); err != nil {
			metrics.OrdersRejected.WithLabelValues("reservation").Inc()
			return nil, err
		}
	}

	e.seq++
	order := &book.Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserEmail: email,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		Status:    book.StatusPending,
		Seq:       e.seq,
		CreatedAt: time.Now().UTC(),
	}
	e.book.Insert(order)
	metrics.OrdersSubmitted.Inc()

	trades, err := e.matchLocked()
	e.log.Infow("order_submitted",
		"order_id", order.ID,
		"user_id", userID,
		"side", side,
		"price", price.String(),
		"quantity", qty,
		"status", order.Status,
		"trades", len(trades),
	)
	return &Result{Order: order, Trades: trades}, err
}

// matchLocked runs the loop to quiescence: while the book crosses, execute at
// the best ask's price. Caller holds the write lock.
func (e *Engine) matchLocked() ([]*book.Trade, error) {
	trades := []*book.Trade{}

	for {
		bid := e.book.Best(book.Buy)
		ask := e.book.Best(book.Sell)
		if bid == nil || ask == nil || bid.Price.LessThan(ask.Price) {
			break
		}

		qty := bid.Remaining
		if ask.Remaining < qty {
			qty = ask.Remaining
		}
		// The best ask's price sets the trade price, even when the sell is
		// the incoming leg.
		price := ask.Price

		settlement, err := e.ledger.SettleTrade(bid.UserID, ask.UserID, bid.Symbol, qty, price, bid.Price)
		if err != nil {
			// Completed trades in this submission stand; no rollback.
			metrics.SettlementFailures.Inc()
			e.log.Errorw("settlement_failed",
				"buyer_id", bid.UserID, "seller_id", ask.UserID, "err", err)
			return trades, &SettlementError{Err: err}
		}

		bid.Fill(qty)
		ask.Fill(qty)
		if bid.Remaining == 0 {
			e.book.Remove(bid)
		}
		if ask.Remaining == 0 {
			e.book.Remove(ask)
		}

		trade := &book.Trade{
			ID:          uuid.NewString(),
			Symbol:      bid.Symbol,
			Price:       price,
			Quantity:    qty,
			Total:       price.Mul(decimal.NewFromInt(qty)),
			BuyerID:     bid.UserID,
			SellerID:    ask.UserID,
			BuyerEmail:  bid.UserEmail,
			SellerEmail: ask.UserEmail,
			CreatedAt:   time.Now().UTC(),
		}
		trades = append(trades, trade)
		metrics.TradesExecuted.Inc()

		e.log.Infow("trade_executed",
			"trade_id", trade.ID,
			"price", trade.Price.String(),
			"quantity", trade.Quantity,
			"buyer_id", trade.BuyerID,
			"seller_id", trade.SellerID,
			"buyer_balance", settlement.BuyerBalance.String(),
		)

		if e.notifier != nil {
			e.notifier.NotifyTrade(trade)
		}
	}

	return trades, nil
}

// Snapshot returns aggregated book depth. Pure read, safe to call
// concurrently with submissions.
func (e *Engine) Snapshot(depth int) *book.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Snapshot(depth)
}
