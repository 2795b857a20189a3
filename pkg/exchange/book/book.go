package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDepth is the number of price levels returned by Snapshot when the
// caller does not ask for a specific depth.
const DefaultDepth = 5

// Level is one aggregated price level of a snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot is a point-in-time aggregation of book depth by price level.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// Book holds the resting orders for one instrument as two fully sorted
// sequences. Bids sort by (price desc, seq asc), asks by (price asc, seq asc).
// The book is not goroutine-safe; the matching engine serializes access.
type Book struct {
	symbol string
	bids   []*Order
	asks   []*Order
}

func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

func (b *Book) Symbol() string { return b.symbol }

// bidBefore reports whether x has strictly higher bid priority than y.
func bidBefore(x, y *Order) bool {
	switch x.Price.Cmp(y.Price) {
	case 1:
		return true
	case -1:
		return false
	}
	return x.Seq < y.Seq
}

// askBefore reports whether x has strictly higher ask priority than y.
func askBefore(x, y *Order) bool {
	switch x.Price.Cmp(y.Price) {
	case -1:
		return true
	case 1:
		return false
	}
	return x.Seq < y.Seq
}

// Insert places the order at its sorted position on the appropriate side.
func (b *Book) Insert(o *Order) {
	if o.Side == Buy {
		i := sort.Search(len(b.bids), func(i int) bool { return bidBefore(o, b.bids[i]) })
		b.bids = append(b.bids, nil)
		copy(b.bids[i+1:], b.bids[i:])
		b.bids[i] = o
		return
	}
	i := sort.Search(len(b.asks), func(i int) bool { return askBefore(o, b.asks[i]) })
	b.asks = append(b.asks, nil)
	copy(b.asks[i+1:], b.asks[i:])
	b.asks[i] = o
}

// Best returns the highest-priority resting order for the side, or nil.
func (b *Book) Best(side Side) *Order {
	if side == Buy {
		if len(b.bids) == 0 {
			return nil
		}
		return b.bids[0]
	}
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Remove takes a specific order out of the book. Used when an order becomes
// fully filled; there is no cancel path.
func (b *Book) Remove(o *Order) bool {
	side := &b.bids
	if o.Side == Sell {
		side = &b.asks
	}
	for i, r := range *side {
		if r.ID == o.ID {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return true
		}
	}
	return false
}

// Depth returns the number of resting orders per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Snapshot aggregates remaining quantity and order count per price level and
// returns the best depth levels of each side. Bid levels come back best-first
// (price descending), ask levels price ascending.
func (b *Book) Snapshot(depth int) *Snapshot {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Snapshot{
		Symbol:    b.symbol,
		Bids:      aggregate(b.bids, depth),
		Asks:      aggregate(b.asks, depth),
		Timestamp: time.Now().UTC(),
	}
}

// aggregate walks a sorted side; equal prices are adjacent, so each run of
// equal prices folds into one level.
func aggregate(side []*Order, depth int) []Level {
	levels := make([]Level, 0, depth)
	for _, o := range side {
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Quantity += o.Remaining
			levels[n-1].Orders++
			continue
		}
		if len(levels) == depth {
			break
		}
		levels = append(levels, Level{Price: o.Price, Quantity: o.Remaining, Orders: 1})
	}
	return levels
}
