package shares

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/storage"
)

var (
	holderA = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	holderB = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
)

func newMemLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func TestMintAndBurn(t *testing.T) {
	l := newMemLedger(t)

	if err := l.Mint(holderA, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(holderB, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := l.Total(); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("total = %s, want 150", got)
	}
	if got := l.BalanceOf(holderA); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance A = %s, want 100", got)
	}

	if err := l.Burn(holderA, big.NewInt(100)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.BalanceOf(holderA); got.Sign() != 0 {
		t.Fatalf("balance A after burn = %s, want 0", got)
	}
	if got := l.Total(); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("total after burn = %s, want 50", got)
	}
}

func TestMintRejectsNonPositive(t *testing.T) {
	l := newMemLedger(t)
	if err := l.Mint(holderA, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil mint err = %v, want ErrInvalidAmount", err)
	}
	if err := l.Mint(holderA, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero mint err = %v, want ErrInvalidAmount", err)
	}
	if err := l.Burn(holderA, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative burn err = %v, want ErrInvalidAmount", err)
	}
}

func TestBurnRejectsOverdraw(t *testing.T) {
	l := newMemLedger(t)
	if err := l.Burn(holderA, big.NewInt(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("burn with no balance err = %v, want ErrInsufficientShares", err)
	}
	if err := l.Mint(holderA, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Burn(holderA, big.NewInt(11)); !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("overdraw err = %v, want ErrInsufficientShares", err)
	}
}

func TestConversionsOnEmptySupply(t *testing.T) {
	l := newMemLedger(t)

	// With no shares outstanding issuance is 1:1 regardless of NAV.
	if got := l.ConvertToShares(big.NewInt(7), big.NewInt(0)); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("shares = %s, want 7", got)
	}
	if got := l.ConvertToShares(big.NewInt(7), big.NewInt(100)); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("shares with stray NAV = %s, want 7", got)
	}
	if got := l.AssetsForSharesUp(big.NewInt(5), big.NewInt(0)); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("assets = %s, want 5", got)
	}
}

func TestConversionRounding(t *testing.T) {
	l := newMemLedger(t)
	if err := l.Mint(holderA, big.NewInt(3)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	nav := big.NewInt(10)

	// 1 asset * 3 shares / 10 nav = 0.3: floor 0, ceil 1.
	if got := l.ConvertToShares(big.NewInt(1), nav); got.Sign() != 0 {
		t.Fatalf("floor shares = %s, want 0", got)
	}
	if got := l.SharesForAssetsUp(big.NewInt(1), nav); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("ceil shares = %s, want 1", got)
	}

	// 1 share * 10 nav / 3 shares = 3.33: floor 3, ceil 4.
	if got := l.ConvertToAssets(big.NewInt(1), nav); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("floor assets = %s, want 3", got)
	}
	if got := l.AssetsForSharesUp(big.NewInt(1), nav); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("ceil assets = %s, want 4", got)
	}

	// Zero NAV with outstanding supply values shares at nothing.
	if got := l.ConvertToAssets(big.NewInt(1), big.NewInt(0)); got.Sign() != 0 {
		t.Fatalf("assets at zero NAV = %s, want 0", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	db := storage.NewMemDB()

	l, err := NewLedger(db)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := l.Mint(holderA, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(holderB, big.NewInt(25)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Burn(holderB, big.NewInt(25)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	reloaded, err := NewLedger(db)
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	if got := reloaded.Total(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("reloaded total = %s, want 100", got)
	}
	if got := reloaded.BalanceOf(holderA); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("reloaded balance A = %s, want 100", got)
	}
	if got := reloaded.BalanceOf(holderB); got.Sign() != 0 {
		t.Fatalf("reloaded balance B = %s, want 0", got)
	}
}
