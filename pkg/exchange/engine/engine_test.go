package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/papertrade/exchange/pkg/exchange/book"
	"github.com/papertrade/exchange/pkg/exchange/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeLedger mirrors the store semantics in memory so engine tests stay
// independent of pebble.
type fakeLedger struct {
	balances    map[string]decimal.Decimal
	holdings    map[string]map[string]*ledger.Holding
	settleCalls int
	failSettle  func(call int) error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: map[string]decimal.Decimal{},
		holdings: map[string]map[string]*ledger.Holding{},
	}
}

func (f *fakeLedger) fund(userID string, amount string) {
	f.balances[userID] = d(amount)
}

func (f *fakeLedger) grant(userID, symbol string, qty int64, price string) {
	if f.holdings[userID] == nil {
		f.holdings[userID] = map[string]*ledger.Holding{}
	}
	p := d(price)
	f.holdings[userID][symbol] = &ledger.Holding{
		Symbol: symbol, Quantity: qty, Price: p, Total: p.Mul(decimal.NewFromInt(qty)),
	}
}

func (f *fakeLedger) ReserveForBuy(userID string, amount decimal.Decimal) error {
	bal, ok := f.balances[userID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if bal.LessThan(amount) {
		return ledger.ErrInsufficientFunds
	}
	f.balances[userID] = bal.Sub(amount)
	return nil
}

func (f *fakeLedger) ReserveForSell(userID, symbol string, qty int64) error {
	h := f.holdings[userID][symbol]
	if h == nil || h.Quantity < qty {
		return ledger.ErrInsufficientHoldings
	}
	h.Quantity -= qty
	if h.Quantity == 0 {
		delete(f.holdings[userID], symbol)
	}
	return nil
}

func (f *fakeLedger) SettleTrade(buyerID, sellerID, symbol string, qty int64, price, buyerLimit decimal.Decimal) (*ledger.Settlement, error) {
	f.settleCalls++
	if f.failSettle != nil {
		if err := f.failSettle(f.settleCalls); err != nil {
			return nil, err
		}
	}

	quantity := decimal.NewFromInt(qty)
	total := price.Mul(quantity)
	if reserved := buyerLimit.Mul(quantity); reserved.GreaterThan(total) {
		f.balances[buyerID] = f.balances[buyerID].Add(reserved.Sub(total))
	}
	f.balances[sellerID] = f.balances[sellerID].Add(total)

	if f.holdings[buyerID] == nil {
		f.holdings[buyerID] = map[string]*ledger.Holding{}
	}
	h := f.holdings[buyerID][symbol]
	if h == nil {
		h = &ledger.Holding{Symbol: symbol}
		f.holdings[buyerID][symbol] = h
	}
	h.Quantity += qty
	h.Total = h.Total.Add(total)
	h.Price = h.Total.Div(decimal.NewFromInt(h.Quantity))

	return &ledger.Settlement{
		BuyerBalance:  f.balances[buyerID],
		SellerBalance: f.balances[sellerID],
		BuyerHolding:  *h,
	}, nil
}

func (f *fakeLedger) Balance(userID string) (decimal.Decimal, error) {
	bal, ok := f.balances[userID]
	if !ok {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	return bal, nil
}

func (f *fakeLedger) Holdings(userID string) ([]ledger.Holding, error) {
	var out []ledger.Holding
	for _, h := range f.holdings[userID] {
		out = append(out, *h)
	}
	return out, nil
}

type captureNotifier struct {
	trades []*book.Trade
}

func (c *captureNotifier) NotifyTrade(t *book.Trade) { c.trades = append(c.trades, t) }

func newEngine(led ledger.Ledger) *Engine {
	return New("RELIANCE", led, zap.NewNop().Sugar())
}

func TestSubmitOrderValidation(t *testing.T) {
	e := newEngine(newFakeLedger())

	cases := []struct {
		name  string
		side  book.Side
		price string
		qty   int64
		sym   string
	}{
		{"zero price", book.Buy, "0", 10, "RELIANCE"},
		{"negative price", book.Buy, "-5", 10, "RELIANCE"},
		{"zero quantity", book.Sell, "100", 0, "RELIANCE"},
		{"bad side", book.Side("HOLD"), "100", 10, "RELIANCE"},
		{"wrong symbol", book.Buy, "100", 10, "TCS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.SubmitOrder("u1", "u1@x.com", tc.sym, tc.side, d(tc.price), tc.qty)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	// Nothing ever reached the book.
	snap := e.Snapshot(5)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestBuyRestsInEmptyBook(t *testing.T) {
	led := newFakeLedger()
	led.fund("buyer", "5000")
	e := newEngine(led)

	res, err := e.SubmitOrder("buyer", "b@x.com", "RELIANCE", book.Buy, d("100"), 10)
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, book.StatusPending, res.Order.Status)
	assert.Equal(t, int64(10), res.Order.Remaining)

	// Full limit reserved up front.
	bal, _ := led.Balance("buyer")
	assert.True(t, bal.Equal(d("4000")))

	snap := e.Snapshot(5)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(10), snap.Bids[0].Quantity)
}

func TestCrossingSellExecutesAtAskPrice(t *testing.T) {
	led := newFakeLedger()
	led.fund("buyer", "1000")
	led.fund("seller", "0")
	led.grant("seller", "RELIANCE", 10, "90")
	e := newEngine(led)

	_, err := e.SubmitOrder("buyer", "b@x.com", "RELIANCE", book.Buy, d("100"), 10)
	require.NoError(t, err)

	res, err := e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("95"), 10)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	trade := res.Trades[0]
	// The ask's price sets the trade price even though the sell was the
	// aggressive leg.
	assert.True(t, trade.Price.Equal(d("95")))
	assert.Equal(t, int64(10), trade.Quantity)
	assert.Equal(t, "buyer", trade.BuyerID)
	assert.Equal(t, "seller", trade.SellerID)
	assert.Equal(t, book.StatusFilled, res.Order.Status)

	// Buyer reserved 1000, paid 950, refunded 50.
	buyerBal, _ := led.Balance("buyer")
	sellerBal, _ := led.Balance("seller")
	assert.True(t, buyerBal.Equal(d("50")))
	assert.True(t, sellerBal.Equal(d("950")))

	snap := e.Snapshot(5)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestPartialFillKeepsRestingOrder(t *testing.T) {
	led := newFakeLedger()
	led.fund("buyer", "1000")
	led.fund("seller", "0")
	led.grant("seller", "RELIANCE", 4, "100")
	e := newEngine(led)

	buyRes, err := e.SubmitOrder("buyer", "b@x.com", "RELIANCE", book.Buy, d("100"), 10)
	require.NoError(t, err)

	sellRes, err := e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("100"), 4)
	require.NoError(t, err)
	require.Len(t, sellRes.Trades, 1)
	assert.Equal(t, int64(4), sellRes.Trades[0].Quantity)

	assert.Equal(t, book.StatusPartiallyFilled, buyRes.Order.Status)
	assert.Equal(t, int64(6), buyRes.Order.Remaining)
	assert.Equal(t, buyRes.Order.Quantity-buyRes.Order.Filled, buyRes.Order.Remaining)
	assert.Equal(t, book.StatusFilled, sellRes.Order.Status)

	snap := e.Snapshot(5)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(6), snap.Bids[0].Quantity)
	assert.Empty(t, snap.Asks)
}

func TestInsufficientFundsLeavesBookUntouched(t *testing.T) {
	led := newFakeLedger()
	led.fund("buyer", "50")
	e := newEngine(led)

	_, err := e.SubmitOrder("buyer", "b@x.com", "RELIANCE", book.Buy, d("100"), 10)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bal, _ := led.Balance("buyer")
	assert.True(t, bal.Equal(d("50")))
	snap := e.Snapshot(5)
	assert.Empty(t, snap.Bids)
}

func TestInsufficientHoldingsRejectsSell(t *testing.T) {
	led := newFakeLedger()
	led.fund("seller", "0")
	e := newEngine(led)

	_, err := e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("100"), 5)
	assert.ErrorIs(t, err, ledger.ErrInsufficientHoldings)
}

func TestPriceTimePriorityAtEqualPrice(t *testing.T) {
	led := newFakeLedger()
	led.fund("first", "1000")
	led.fund("second", "1000")
	led.fund("seller", "0")
	led.grant("seller", "RELIANCE", 5, "90")
	e := newEngine(led)

	_, err := e.SubmitOrder("first", "f@x.com", "RELIANCE", book.Buy, d("100"), 5)
	require.NoError(t, err)
	_, err = e.SubmitOrder("second", "s2@x.com", "RELIANCE", book.Buy, d("100"), 5)
	require.NoError(t, err)

	res, err := e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("100"), 5)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "first", res.Trades[0].BuyerID)
}

func TestSweepAcrossMultipleRestingOrders(t *testing.T) {
	led := newFakeLedger()
	led.fund("b1", "1000")
	led.fund("b2", "1000")
	led.fund("seller", "0")
	led.grant("seller", "RELIANCE", 8, "90")
	e := newEngine(led)

	_, err := e.SubmitOrder("b1", "b1@x.com", "RELIANCE", book.Buy, d("101"), 5)
	require.NoError(t, err)
	_, err = e.SubmitOrder("b2", "b2@x.com", "RELIANCE", book.Buy, d("100"), 5)
	require.NoError(t, err)

	res, err := e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("99"), 8)
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, "b1", res.Trades[0].BuyerID)
	assert.Equal(t, int64(5), res.Trades[0].Quantity)
	assert.Equal(t, "b2", res.Trades[1].BuyerID)
	assert.Equal(t, int64(3), res.Trades[1].Quantity)
	assert.Equal(t, book.StatusFilled, res.Order.Status)

	// Post-match convergence: remaining best bid no longer crosses.
	snap := e.Snapshot(5)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(2), snap.Bids[0].Quantity)
	assert.Empty(t, snap.Asks)
}

func TestSettlementFailureTruncatesMatching(t *testing.T) {
	led := newFakeLedger()
	led.fund("b1", "1000")
	led.fund("b2", "1000")
	led.fund("seller", "0")
	led.grant("seller", "RELIANCE", 10, "90")
	boom := errors.New("store offline")
	led.failSettle = func(call int) error {
		if call == 2 {
			return boom
		}
		return nil
	}
	e := newEngine(led)

	_, err := e.SubmitOrder("b1", "b1@x.com", "RELIANCE", book.Buy, d("100"), 5)
	require.NoError(t, err)
	_, err = e.SubmitOrder("b2", "b2@x.com", "RELIANCE", book.Buy, d("100"), 5)
	require.NoError(t, err)

	res, err := e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("100"), 10)
	var serr *SettlementError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, boom)

	// The first trade stands; the second match never happened.
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "b1", res.Trades[0].BuyerID)
	assert.Equal(t, int64(5), res.Order.Remaining)
	assert.Equal(t, book.StatusPartiallyFilled, res.Order.Status)
}

func TestNotifierReceivesTrades(t *testing.T) {
	led := newFakeLedger()
	led.fund("buyer", "1000")
	led.fund("seller", "0")
	led.grant("seller", "RELIANCE", 10, "90")
	e := newEngine(led)
	n := &captureNotifier{}
	e.SetNotifier(n)

	_, err := e.SubmitOrder("buyer", "b@x.com", "RELIANCE", book.Buy, d("100"), 10)
	require.NoError(t, err)
	_, err = e.SubmitOrder("seller", "s@x.com", "RELIANCE", book.Sell, d("95"), 10)
	require.NoError(t, err)

	require.Len(t, n.trades, 1)
	assert.Equal(t, "buyer", n.trades[0].BuyerID)
	assert.Equal(t, "seller", n.trades[0].SellerID)
}
