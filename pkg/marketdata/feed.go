// Package marketdata produces a cosmetic random-walk price stream for the
// chart. It has no matching semantics; ticks go out through the same
// broadcast registry as book snapshots, and the feed runs only while that
// registry has subscribers.
package marketdata

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papertrade/exchange/pkg/exchange/broadcast"
)

// Broadcaster is the narrow slice of the registry the feed needs.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Tick is one generated market-data point.
type Tick struct {
	Symbol        string    `json:"symbol"`
	LTP           float64   `json:"ltp"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Volume        int64     `json:"volume"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Feed implements broadcast.Runner: the registry starts it with the first
// subscriber and stops it when the last one leaves.
type Feed struct {
	symbol   string
	interval time.Duration
	out      Broadcaster
	log      *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	rng    *rand.Rand

	open   float64
	ltp    float64
	high   float64
	low    float64
	volume int64
}

func NewFeed(symbol string, interval time.Duration, out Broadcaster, log *zap.SugaredLogger) *Feed {
	const openPrice = 2795.25
	return &Feed{
		symbol:   symbol,
		interval: interval,
		out:      out,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		open:     openPrice,
		ltp:      openPrice,
		high:     openPrice,
		low:      openPrice,
		volume:   1250000,
	}
}

// Start launches the tick goroutine. Start while running is a no-op.
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx)
}

// Stop ends the tick goroutine. The walk state is kept; the next Start
// resumes from the last price.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.cancel = nil
}

func (f *Feed) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.log.Infow("marketdata_feed_started", "symbol", f.symbol, "interval", f.interval)
	for {
		select {
		case <-ctx.Done():
			f.log.Infow("marketdata_feed_stopped", "symbol", f.symbol)
			return
		case <-ticker.C:
			f.mu.Lock()
			tick := f.step()
			f.mu.Unlock()
			f.publish(tick)
		}
	}
}

// step advances the random walk one tick. Most moves stay within +-1%, with
// the occasional larger swing. Caller holds f.mu.
func (f *Feed) step() Tick {
	maxPercent := 1.0
	if f.rng.Float64() >= 0.8 {
		maxPercent = 2.0
	}
	changePercent := (f.rng.Float64()*2 - 1) * maxPercent

	f.ltp = round2(f.ltp * (1 + changePercent/100))
	f.high = math.Max(f.high, f.ltp)
	f.low = math.Min(f.low, f.ltp)
	f.volume += int64(f.rng.Intn(20000) - 5000)
	if f.volume < 50000 {
		f.volume = 50000
	}

	change := round2(f.ltp - f.open)
	pct := 0.0
	if f.open > 0 {
		pct = round2(change / f.open * 100)
	}

	return Tick{
		Symbol:        f.symbol,
		LTP:           f.ltp,
		Open:          f.open,
		High:          f.high,
		Low:           f.low,
		Volume:        f.volume,
		Change:        change,
		ChangePercent: pct,
		Timestamp:     time.Now().UTC(),
	}
}

func (f *Feed) publish(tick Tick) {
	payload, err := json.Marshal(broadcast.Envelope{Type: "market_data", Data: tick})
	if err != nil {
		f.log.Errorw("marketdata_marshal_failed", "err", err)
		return
	}
	f.out.Broadcast(payload)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
