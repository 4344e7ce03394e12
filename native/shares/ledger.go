package shares

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"loopvault/storage"
)

var (
	// ErrInvalidAmount rejects zero or negative mint/burn amounts.
	ErrInvalidAmount = errors.New("shares: amount must be positive")
	// ErrInsufficientShares rejects burns exceeding the holder balance.
	ErrInsufficientShares = errors.New("shares: insufficient balance")
)

var ledgerKey = []byte("shares/ledger")

// Ledger tracks proportional-ownership shares for the vault. Total supply and
// per-holder balances are the only persisted quantities; everything else the
// engine derives from live market state.
type Ledger struct {
	mu       sync.RWMutex
	db       storage.Database
	total    *big.Int
	balances map[common.Address]*big.Int
}

type storedHolder struct {
	Address common.Address
	Balance *big.Int
}

type storedLedger struct {
	Total   *big.Int
	Holders []storedHolder
}

// NewLedger constructs a ledger bound to the provided storage backend and
// replays any persisted snapshot. A nil backend keeps the ledger in memory
// only.
func NewLedger(db storage.Database) (*Ledger, error) {
	l := &Ledger{
		db:       db,
		total:    big.NewInt(0),
		balances: make(map[common.Address]*big.Int),
	}
	if db == nil {
		return l, nil
	}
	raw, err := db.Get(ledgerKey)
	if errors.Is(err, storage.ErrNotFound) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("shares: load ledger: %w", err)
	}
	var stored storedLedger
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("shares: decode ledger: %w", err)
	}
	if stored.Total != nil {
		l.total = new(big.Int).Set(stored.Total)
	}
	for _, holder := range stored.Holders {
		if holder.Balance == nil || holder.Balance.Sign() <= 0 {
			continue
		}
		l.balances[holder.Address] = new(big.Int).Set(holder.Balance)
	}
	return l, nil
}

// Total returns the outstanding share supply.
func (l *Ledger) Total() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.total)
}

// BalanceOf returns the share balance held by addr.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Mint credits amount shares to addr and grows total supply.
func (l *Ledger) Mint(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[addr]
	if !ok {
		bal = big.NewInt(0)
	}
	l.balances[addr] = new(big.Int).Add(bal, amount)
	l.total = new(big.Int).Add(l.total, amount)
	return l.persistLocked()
}

// Burn removes amount shares from addr and shrinks total supply.
func (l *Ledger) Burn(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[addr]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	remaining := new(big.Int).Sub(bal, amount)
	if remaining.Sign() == 0 {
		delete(l.balances, addr)
	} else {
		l.balances[addr] = remaining
	}
	l.total = new(big.Int).Sub(l.total, amount)
	return l.persistLocked()
}

// ConvertToShares values assets against the supplied NAV, rounding down. With
// no supply outstanding shares are issued 1:1.
func (l *Ledger) ConvertToShares(assets, totalAssets *big.Int) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sharesForLocked(assets, totalAssets, false)
}

// SharesForAssetsUp is ConvertToShares rounded up, biasing share burns on
// withdrawal toward the remaining holders.
func (l *Ledger) SharesForAssetsUp(assets, totalAssets *big.Int) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sharesForLocked(assets, totalAssets, true)
}

// ConvertToAssets values shares against the supplied NAV, rounding down.
func (l *Ledger) ConvertToAssets(sharesIn, totalAssets *big.Int) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assetsForLocked(sharesIn, totalAssets, false)
}

// AssetsForSharesUp is ConvertToAssets rounded up, biasing mint pricing toward
// the existing holders.
func (l *Ledger) AssetsForSharesUp(sharesIn, totalAssets *big.Int) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assetsForLocked(sharesIn, totalAssets, true)
}

func (l *Ledger) sharesForLocked(assets, totalAssets *big.Int, roundUp bool) *big.Int {
	if assets == nil || assets.Sign() <= 0 {
		return big.NewInt(0)
	}
	if l.total.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return mulDiv(assets, l.total, totalAssets, roundUp)
}

func (l *Ledger) assetsForLocked(sharesIn, totalAssets *big.Int, roundUp bool) *big.Int {
	if sharesIn == nil || sharesIn.Sign() <= 0 {
		return big.NewInt(0)
	}
	if l.total.Sign() == 0 {
		return new(big.Int).Set(sharesIn)
	}
	return mulDiv(sharesIn, totalAssets, l.total, roundUp)
}

func mulDiv(amount, numerator, denominator *big.Int, roundUp bool) *big.Int {
	if numerator == nil || numerator.Sign() <= 0 || denominator == nil || denominator.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, numerator)
	if roundUp {
		out.Add(out, new(big.Int).Sub(denominator, big.NewInt(1)))
	}
	return out.Quo(out, denominator)
}

func (l *Ledger) persistLocked() error {
	if l.db == nil {
		return nil
	}
	holders := make([]storedHolder, 0, len(l.balances))
	for addr, bal := range l.balances {
		holders = append(holders, storedHolder{Address: addr, Balance: new(big.Int).Set(bal)})
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i].Address[:], holders[j].Address[:]) < 0
	})
	encoded, err := rlp.EncodeToBytes(storedLedger{
		Total:   new(big.Int).Set(l.total),
		Holders: holders,
	})
	if err != nil {
		return fmt.Errorf("shares: encode ledger: %w", err)
	}
	return l.db.Put(ledgerKey, encoded)
}
