package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrZeroQuote indicates an upstream feed reported a zero or negative rate.
	ErrZeroQuote = errors.New("pricing: zero oracle quote")
	// ErrStaleQuote indicates the freshest quote is older than the allowed window.
	ErrStaleQuote = errors.New("pricing: oracle quote outside freshness window")
	// ErrUnknownPair indicates no feed is registered for the requested pair.
	ErrUnknownPair = errors.New("pricing: unknown currency pair")
)

var wad = big.NewInt(1_000_000_000_000_000_000)

// Quote captures an exchange rate for a currency pair along with the timestamp
// reported by the upstream feed and the feed identifier.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// Quoter resolves an exchange rate for the provided base/quote currency pair.
type Quoter interface {
	GetRate(base, quote string) (Quote, error)
}

// CrossRate prices the collateral asset in debt-asset units by crossing two
// quotes through a common denominator (typically USD). Both legs must be fresh
// and strictly positive or pricing fails.
type CrossRate struct {
	quoter     Quoter
	collateral string
	debt       string
	denom      string
	maxAge     time.Duration
	now        func() time.Time
}

// NewCrossRate wires a cross-rate adapter over the supplied quoter. A maxAge
// of zero disables the freshness check.
func NewCrossRate(quoter Quoter, collateralSym, debtSym, denomSym string, maxAge time.Duration) (*CrossRate, error) {
	if quoter == nil {
		return nil, fmt.Errorf("pricing: quoter not configured")
	}
	collateralSym = strings.TrimSpace(strings.ToUpper(collateralSym))
	debtSym = strings.TrimSpace(strings.ToUpper(debtSym))
	denomSym = strings.TrimSpace(strings.ToUpper(denomSym))
	if collateralSym == "" || debtSym == "" || denomSym == "" {
		return nil, fmt.Errorf("pricing: empty currency symbol")
	}
	return &CrossRate{
		quoter:     quoter,
		collateral: collateralSym,
		debt:       debtSym,
		denom:      denomSym,
		maxAge:     maxAge,
		now:        time.Now,
	}, nil
}

// CollateralPrice returns the wad-scaled amount of debt-asset units one
// collateral unit is worth.
func (c *CrossRate) CollateralPrice() (*big.Int, error) {
	collLeg, err := c.freshRate(c.collateral)
	if err != nil {
		return nil, err
	}
	debtLeg, err := c.freshRate(c.debt)
	if err != nil {
		return nil, err
	}
	cross := new(big.Rat).Quo(collLeg, debtLeg)
	return ratToWad(cross), nil
}

func (c *CrossRate) freshRate(base string) (*big.Rat, error) {
	quote, err := c.quoter.GetRate(base, c.denom)
	if err != nil {
		return nil, err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrZeroQuote, base, c.denom)
	}
	if c.maxAge > 0 {
		age := c.now().Sub(quote.Timestamp)
		if age > c.maxAge {
			return nil, fmt.Errorf("%w: %s/%s observed %s ago", ErrStaleQuote, base, c.denom, age)
		}
	}
	return quote.Rate, nil
}

func ratToWad(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(wad))
	num := scaled.Num()
	den := scaled.Denom()
	half := new(big.Int).Rsh(den, 1)
	return new(big.Int).Quo(new(big.Int).Add(num, half), den)
}

// StaticQuoter is a mutable in-memory feed keyed by BASE/QUOTE pair. The sim
// daemon mode and tests drive prices through it.
type StaticQuoter struct {
	mu     sync.RWMutex
	rates  map[string]*big.Rat
	now    func() time.Time
	source string
}

// NewStaticQuoter constructs an empty static feed identified by source.
func NewStaticQuoter(source string) *StaticQuoter {
	return &StaticQuoter{
		rates:  make(map[string]*big.Rat),
		now:    time.Now,
		source: source,
	}
}

// SetRate installs or replaces the rate for base/quote. A nil rate removes the
// pair.
func (s *StaticQuoter) SetRate(base, quote string, rate *big.Rat) {
	key := pairKey(base, quote)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate == nil {
		delete(s.rates, key)
		return
	}
	s.rates[key] = new(big.Rat).Set(rate)
}

// GetRate implements Quoter.
func (s *StaticQuoter) GetRate(base, quote string) (Quote, error) {
	s.mu.RLock()
	rate, ok := s.rates[pairKey(base, quote)]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrUnknownPair, base, quote)
	}
	return Quote{Rate: new(big.Rat).Set(rate), Timestamp: s.now(), Source: s.source}, nil
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}
