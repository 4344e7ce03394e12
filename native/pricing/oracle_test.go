package pricing

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func wadInt(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), wad)
}

func TestCrossRateThroughDenominator(t *testing.T) {
	quoter := NewStaticQuoter("test")
	quoter.SetRate("ETH", "USD", big.NewRat(3000, 1))
	quoter.SetRate("USDC", "USD", big.NewRat(1, 1))

	cross, err := NewCrossRate(quoter, "ETH", "USDC", "USD", 0)
	if err != nil {
		t.Fatalf("new cross rate: %v", err)
	}
	price, err := cross.CollateralPrice()
	if err != nil {
		t.Fatalf("collateral price: %v", err)
	}
	if price.Cmp(wadInt(3000)) != 0 {
		t.Fatalf("price = %s, want %s", price, wadInt(3000))
	}
}

func TestCrossRateFractionalLegs(t *testing.T) {
	quoter := NewStaticQuoter("test")
	quoter.SetRate("ETH", "USD", big.NewRat(3, 1))
	quoter.SetRate("DAI", "USD", big.NewRat(99, 100))

	cross, err := NewCrossRate(quoter, "eth", "dai", "usd", 0)
	if err != nil {
		t.Fatalf("new cross rate: %v", err)
	}
	price, err := cross.CollateralPrice()
	if err != nil {
		t.Fatalf("collateral price: %v", err)
	}
	// 3 / 0.99 = 3.0303..., half-up at the 18th decimal.
	want, _ := new(big.Int).SetString("3030303030303030303", 10)
	if price.Cmp(want) != 0 {
		t.Fatalf("price = %s, want %s", price, want)
	}
}

func TestCrossRateRejectsZeroQuote(t *testing.T) {
	quoter := NewStaticQuoter("test")
	quoter.SetRate("ETH", "USD", big.NewRat(0, 1))
	quoter.SetRate("USDC", "USD", big.NewRat(1, 1))

	cross, err := NewCrossRate(quoter, "ETH", "USDC", "USD", 0)
	if err != nil {
		t.Fatalf("new cross rate: %v", err)
	}
	if _, err := cross.CollateralPrice(); !errors.Is(err, ErrZeroQuote) {
		t.Fatalf("err = %v, want ErrZeroQuote", err)
	}
}

func TestCrossRateRejectsStaleQuote(t *testing.T) {
	quoter := NewStaticQuoter("test")
	quoter.SetRate("ETH", "USD", big.NewRat(3000, 1))
	quoter.SetRate("USDC", "USD", big.NewRat(1, 1))
	frozen := time.Now()
	quoter.now = func() time.Time { return frozen }

	cross, err := NewCrossRate(quoter, "ETH", "USDC", "USD", time.Minute)
	if err != nil {
		t.Fatalf("new cross rate: %v", err)
	}
	cross.now = func() time.Time { return frozen.Add(2 * time.Minute) }
	if _, err := cross.CollateralPrice(); !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("err = %v, want ErrStaleQuote", err)
	}

	cross.now = func() time.Time { return frozen.Add(30 * time.Second) }
	if _, err := cross.CollateralPrice(); err != nil {
		t.Fatalf("fresh quote rejected: %v", err)
	}
}

func TestCrossRateUnknownPair(t *testing.T) {
	quoter := NewStaticQuoter("test")
	cross, err := NewCrossRate(quoter, "ETH", "USDC", "USD", 0)
	if err != nil {
		t.Fatalf("new cross rate: %v", err)
	}
	if _, err := cross.CollateralPrice(); !errors.Is(err, ErrUnknownPair) {
		t.Fatalf("err = %v, want ErrUnknownPair", err)
	}
}

func TestNewCrossRateValidation(t *testing.T) {
	quoter := NewStaticQuoter("test")
	if _, err := NewCrossRate(nil, "ETH", "USDC", "USD", 0); err == nil {
		t.Fatalf("nil quoter accepted")
	}
	if _, err := NewCrossRate(quoter, "", "USDC", "USD", 0); err == nil {
		t.Fatalf("empty symbol accepted")
	}
}

func TestStaticQuoterRemovesPair(t *testing.T) {
	quoter := NewStaticQuoter("test")
	quoter.SetRate("ETH", "USD", big.NewRat(3000, 1))
	if _, err := quoter.GetRate("eth", "usd"); err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	quoter.SetRate("ETH", "USD", nil)
	if _, err := quoter.GetRate("ETH", "USD"); !errors.Is(err, ErrUnknownPair) {
		t.Fatalf("err = %v, want ErrUnknownPair", err)
	}
}
