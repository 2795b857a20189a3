package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// Store is the Pebble-backed Ledger implementation.
//
// Per-user locks serialize every mutation touching an account. Multi-account
// operations (settlement) always acquire locks in ascending user-ID order so
// two trades settling the same pair in opposite directions cannot deadlock.
type Store struct {
	db    *pebble.DB
	locks sync.Map // userID -> *sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func accountKey(userID string) []byte      { return []byte("acct/" + userID) }
func emailKey(email string) []byte         { return []byte("email/" + email) }
func holdingKey(userID, sym string) []byte { return []byte("hold/" + userID + "/" + sym) }
func holdingPrefix(userID string) []byte   { return []byte("hold/" + userID + "/") }

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) userLock(userID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockPair acquires both users' locks in ascending ID order.
func (s *Store) lockPair(a, b string) func() {
	ids := []string{a, b}
	sort.Strings(ids)
	if ids[0] == ids[1] {
		mu := s.userLock(ids[0])
		mu.Lock()
		return mu.Unlock
	}
	first, second := s.userLock(ids[0]), s.userLock(ids[1])
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

// CreateAccount registers a new trader with an opening balance.
func (s *Store) CreateAccount(name, email, password string, opening decimal.Decimal) (*Account, error) {
	if _, closer, err := s.db.Get(emailKey(email)); err == nil {
		closer.Close()
		return nil, ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	acc := &Account{
		UserID:       uuid.NewString(),
		Name:         name,
		Email:        email,
		Balance:      opening,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	data, err := json.Marshal(acc)
	if err != nil {
		return nil, fmt.Errorf("marshal account: %w", err)
	}
	if err := batch.Set(accountKey(acc.UserID), data, nil); err != nil {
		return nil, err
	}
	if err := batch.Set(emailKey(email), []byte(acc.UserID), nil); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	return acc, nil
}

// Authenticate verifies an email/password pair for the login endpoint.
func (s *Store) Authenticate(email, password string) (*Account, error) {
	acc, err := s.AccountByEmail(email)
	if err != nil {
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return acc, nil
}

// Account loads a trader's record by user ID.
func (s *Store) Account(userID string) (*Account, error) {
	return s.loadAccount(userID)
}

// AccountByEmail resolves the email index and loads the account.
func (s *Store) AccountByEmail(email string) (*Account, error) {
	id, closer, err := s.db.Get(emailKey(email))
	if err != nil {
		return nil, ErrAccountNotFound
	}
	userID := string(id)
	closer.Close()
	return s.loadAccount(userID)
}

// AddBalance credits funds outside of trading (top-up endpoint).
func (s *Store) AddBalance(userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	acc, err := s.loadAccount(userID)
	if err != nil {
		return decimal.Zero, err
	}
	acc.Balance = acc.Balance.Add(amount)
	if err := s.saveAccount(acc); err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// GrantHolding seeds a holding directly, bypassing trading. Used by tests and
// dev seeding; production holdings only ever come from settled buys.
func (s *Store) GrantHolding(userID, symbol string, qty int64, price decimal.Decimal) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	h := Holding{Symbol: symbol, Quantity: qty, Price: price, Total: price.Mul(decimal.NewFromInt(qty))}
	return s.saveHolding(userID, &h)
}

func (s *Store) ReserveForBuy(userID string, amount decimal.Decimal) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	acc, err := s.loadAccount(userID)
	if err != nil {
		return err
	}
	if acc.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	acc.Balance = acc.Balance.Sub(amount)
	return s.saveAccount(acc)
}

func (s *Store) ReserveForSell(userID, symbol string, qty int64) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	h, err := s.loadHolding(userID, symbol)
	if err != nil {
		return err
	}
	if h == nil || h.Quantity < qty {
		return ErrInsufficientHoldings
	}
	h.Quantity -= qty
	if h.Quantity == 0 {
		return s.deleteHolding(userID, symbol)
	}
	h.Total = h.Price.Mul(decimal.NewFromInt(h.Quantity))
	return s.saveHolding(userID, h)
}

func (s *Store) SettleTrade(buyerID, sellerID, symbol string, qty int64, price, buyerLimit decimal.Decimal) (*Settlement, error) {
	unlock := s.lockPair(buyerID, sellerID)
	defer unlock()

	buyer, err := s.loadAccount(buyerID)
	if err != nil {
		return nil, err
	}
	seller, err := s.loadAccount(sellerID)
	if err != nil {
		return nil, err
	}

	quantity := decimal.NewFromInt(qty)
	total := price.Mul(quantity)
	reserved := buyerLimit.Mul(quantity)

	// The buyer reserved at their own limit; refund the difference when the
	// execution price is better, as part of the same settlement.
	if reserved.GreaterThan(total) {
		buyer.Balance = buyer.Balance.Add(reserved.Sub(total))
	}
	seller.Balance = seller.Balance.Add(total)

	h, err := s.loadHolding(buyerID, symbol)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &Holding{Symbol: symbol}
	}
	newQty := h.Quantity + qty
	newTotal := h.Total.Add(total)
	h.Quantity = newQty
	h.Total = newTotal
	h.Price = newTotal.Div(decimal.NewFromInt(newQty))

	// A self-trade (buyerID == sellerID) loads the same record twice; the
	// seller write lands last, so the buyer-side refund is overwritten and
	// the stored balance ends up credited price x qty.
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batchPut(batch, accountKey(buyer.UserID), buyer); err != nil {
		return nil, err
	}
	if err := batchPut(batch, accountKey(seller.UserID), seller); err != nil {
		return nil, err
	}
	if err := batchPut(batch, holdingKey(buyerID, symbol), h); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	return &Settlement{
		BuyerBalance:  buyer.Balance,
		SellerBalance: seller.Balance,
		BuyerHolding:  *h,
	}, nil
}

func (s *Store) Balance(userID string) (decimal.Decimal, error) {
	acc, err := s.loadAccount(userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (s *Store) Holdings(userID string) ([]Holding, error) {
	prefix := holdingPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	defer iter.Close()

	holdings := []Holding{}
	for iter.First(); iter.Valid(); iter.Next() {
		var h Holding
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			continue
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// ---- storage helpers ----

func (s *Store) loadAccount(userID string) (*Account, error) {
	data, closer, err := s.db.Get(accountKey(userID))
	if err == pebble.ErrNotFound {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	defer closer.Close()

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acc, nil
}

func (s *Store) saveAccount(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(acc.UserID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// loadHolding returns nil, nil when the user holds none of the symbol.
func (s *Store) loadHolding(userID, symbol string) (*Holding, error) {
	data, closer, err := s.db.Get(holdingKey(userID, symbol))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}
	defer closer.Close()

	var h Holding
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("unmarshal holding: %w", err)
	}
	return &h, nil
}

func (s *Store) saveHolding(userID string, h *Holding) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal holding: %w", err)
	}
	if err := s.db.Set(holdingKey(userID, h.Symbol), data, pebble.Sync); err != nil {
		return fmt.Errorf("save holding: %w", err)
	}
	return nil
}

func (s *Store) deleteHolding(userID, symbol string) error {
	if err := s.db.Delete(holdingKey(userID, symbol), pebble.Sync); err != nil {
		return fmt.Errorf("delete holding: %w", err)
	}
	return nil
}

func batchPut(batch *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return batch.Set(key, data, nil)
}
