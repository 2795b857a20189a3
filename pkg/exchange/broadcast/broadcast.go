// Package broadcast tracks live subscriber sessions and fans engine state out
// to them: a periodic order-book snapshot to everyone while at least one
// session is registered, and per-trade notices targeted at the two
// counterparties.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/exchange/pkg/exchange/book"
	"github.com/papertrade/exchange/pkg/exchange/ledger"
	"github.com/papertrade/exchange/pkg/metrics"
	"github.com/papertrade/exchange/pkg/util"
)

// Session is a live subscriber handle. Send must not block indefinitely; a
// returned error gets the session dropped from the registry.
type Session interface {
	Name() string
	UserID() string
	Send(payload []byte) error
}

// SnapshotSource is the read-only view of the engine the broadcaster polls.
type SnapshotSource interface {
	Snapshot(depth int) *book.Snapshot
}

// AccountReader supplies the balance and holdings included in trade notices.
type AccountReader interface {
	Balance(userID string) (decimal.Decimal, error)
	Holdings(userID string) ([]ledger.Holding, error)
}

// Envelope is the outbound wire frame shared by every broadcast message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Runner is a producer whose lifetime follows the subscriber count: Start
// fires on the 0 -> 1 transition, Stop when the registry empties. Calls are
// made with the registry lock held, so a Runner must not call back into the
// registry from Start or Stop.
type Runner interface {
	Start()
	Stop()
}

type Config struct {
	Interval  time.Duration // snapshot period, default 1s
	Depth     int           // snapshot depth, default book.DefaultDepth
	QueueSize int           // trade dispatch queue, default 64
	Clock     util.Clock
}

type Registry struct {
	src      SnapshotSource
	accounts AccountReader
	log      *zap.SugaredLogger
	clock    util.Clock
	interval time.Duration
	depth    int

	mu       sync.Mutex
	sessions map[string]Session
	runners  []Runner
	running  bool
	cancel   context.CancelFunc

	trades       chan *book.Trade
	dispatchStop context.CancelFunc
	closeOnce    sync.Once
}

func New(src SnapshotSource, accounts AccountReader, log *zap.SugaredLogger, cfg Config) *Registry {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Depth <= 0 {
		cfg.Depth = book.DefaultDepth
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}

	r := &Registry{
		src:      src,
		accounts: accounts,
		log:      log,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		depth:    cfg.Depth,
		sessions: make(map[string]Session),
		trades:   make(chan *book.Trade, cfg.QueueSize),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.dispatchStop = cancel
	go r.dispatchLoop(ctx)
	return r
}

// Close stops the periodic loop and the trade dispatcher. Registered sessions
// are left to their transports to tear down.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		if r.running {
			r.stopLocked()
		}
		r.mu.Unlock()
		r.dispatchStop()
	})
}

// Attach ties a Runner to the subscriber count. A runner attached while
// sessions are live starts immediately.
func (r *Registry) Attach(rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners = append(r.runners, rn)
	if r.running {
		rn.Start()
	}
}

// Subscribe registers a session. The periodic snapshot loop and any attached
// runners start on the 0 -> 1 transition.
func (r *Registry) Subscribe(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.Name()] = s
	metrics.SessionsConnected.Set(float64(len(r.sessions)))
	r.log.Infow("session_subscribed", "session", s.Name(), "total", len(r.sessions))

	if len(r.sessions) == 1 && !r.running {
		r.startLocked()
	}
}

// Unsubscribe removes a session. The loop stops once the registry is empty.
func (r *Registry) Unsubscribe(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[name]; !ok {
		return
	}
	delete(r.sessions, name)
	metrics.SessionsConnected.Set(float64(len(r.sessions)))
	r.log.Infow("session_unsubscribed", "session", name, "total", len(r.sessions))

	if len(r.sessions) == 0 && r.running {
		r.stopLocked()
	}
}

func (r *Registry) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Registry) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	go r.run(ctx)
	for _, rn := range r.runners {
		rn.Start()
	}
	r.log.Infow("broadcast_loop_started", "interval", r.interval)
}

func (r *Registry) stopLocked() {
	r.running = false
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for _, rn := range r.runners {
		rn.Stop()
	}
	r.log.Infow("broadcast_loop_stopped")
}

func (r *Registry) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.interval):
		}
		if !r.broadcastSnapshot() {
			return
		}
	}
}

// broadcastSnapshot sends a fresh snapshot to every session. Returns false
// when the registry emptied and the loop should exit.
func (r *Registry) broadcastSnapshot() bool {
	targets := r.snapshotTargets()
	if targets == nil {
		return false
	}

	payload, err := json.Marshal(Envelope{Type: "orderbook", Data: r.src.Snapshot(r.depth)})
	if err != nil {
		r.log.Errorw("snapshot_marshal_failed", "err", err)
		return true
	}
	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			r.drop(s.Name(), err)
		}
	}
	return true
}

// snapshotTargets copies the session list, stopping the loop when empty.
func (r *Registry) snapshotTargets() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		if r.running {
			r.stopLocked()
		}
		return nil
	}
	targets := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	return targets
}

// drop removes one failed session; the rest of the fan-out is unaffected.
func (r *Registry) drop(name string, err error) {
	r.log.Warnw("session_dropped", "session", name, "err", err)
	r.Unsubscribe(name)
}

// Broadcast sends an already-marshaled payload to every session. Used by the
// cosmetic market-data feed.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.Lock()
	targets := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			r.drop(s.Name(), err)
		}
	}
}

// NotifyTrade queues a trade for counterparty notification. Never blocks the
// matching loop: when the queue is full the notice is dropped and counted.
func (r *Registry) NotifyTrade(t *book.Trade) {
	select {
	case r.trades <- t:
	default:
		metrics.NotifyDrops.Inc()
		r.log.Warnw("trade_notice_dropped", "trade_id", t.ID)
	}
}

func (r *Registry) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.trades:
			r.dispatchTrade(t)
		}
	}
}

type tradeDetail struct {
	TradeID      string          `json:"trade_id"`
	Side         book.Side       `json:"side"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int64           `json:"quantity"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Counterparty string          `json:"counterparty"`
}

type tradeNotice struct {
	Message   string           `json:"message"`
	Balance   decimal.Decimal  `json:"balance"`
	Holdings  []ledger.Holding `json:"holdings"`
	Trade     tradeDetail      `json:"trade"`
	Timestamp time.Time        `json:"timestamp"`
}

// dispatchTrade delivers a trade_executed notice to each counterparty's
// sessions only. At-most-once; no replay.
func (r *Registry) dispatchTrade(t *book.Trade) {
	r.notifyUser(t, t.BuyerID, book.Buy, t.SellerEmail)
	r.notifyUser(t, t.SellerID, book.Sell, t.BuyerEmail)
}

func (r *Registry) notifyUser(t *book.Trade, userID string, side book.Side, counterparty string) {
	targets := r.userSessions(userID)
	if len(targets) == 0 {
		return
	}

	balance, err := r.accounts.Balance(userID)
	if err != nil {
		r.log.Errorw("trade_notice_balance_failed", "user_id", userID, "err", err)
		return
	}
	holdings, err := r.accounts.Holdings(userID)
	if err != nil {
		r.log.Errorw("trade_notice_holdings_failed", "user_id", userID, "err", err)
		return
	}

	payload, err := json.Marshal(Envelope{Type: "trade_executed", Data: tradeNotice{
		Message:  "Trade executed successfully",
		Balance:  balance,
		Holdings: holdings,
		Trade: tradeDetail{
			TradeID:      t.ID,
			Side:         side,
			Symbol:       t.Symbol,
			Price:        t.Price,
			Quantity:     t.Quantity,
			TotalAmount:  t.Total,
			Counterparty: counterparty,
		},
		Timestamp: time.Now().UTC(),
	}})
	if err != nil {
		r.log.Errorw("trade_notice_marshal_failed", "err", err)
		return
	}

	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			r.drop(s.Name(), err)
		}
	}
}

func (r *Registry) userSessions(userID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var targets []Session
	for _, s := range r.sessions {
		if s.UserID() == userID {
			targets = append(targets, s)
		}
	}
	return targets
}
