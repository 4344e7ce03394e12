package market

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/native/vault"
)

var (
	// ErrInsufficientFunds rejects transfers exceeding an account balance.
	ErrInsufficientFunds = errors.New("market: insufficient balance")
	// ErrInsufficientLiquidity rejects borrows exceeding pool liquidity.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity")
	// ErrLTVExceeded rejects borrows that would breach the market LTV limit.
	ErrLTVExceeded = errors.New("market: borrow exceeds LTV limit")
	// ErrFlashNotRepaid aborts a flash draw whose funds were not returned.
	ErrFlashNotRepaid = errors.New("market: flash liquidity not returned")
	// ErrUnknownPair rejects swaps between unconfigured tokens.
	ErrUnknownPair = errors.New("market: unknown swap pair")
)

var (
	wad         = big.NewInt(1_000_000_000_000_000_000)
	basisPoints = big.NewInt(10_000)
)

// SimConfig seeds the simulated venue complex.
type SimConfig struct {
	// Account is the vault engine's account; flash draws are credited to it.
	Account         common.Address
	CollateralAsset common.Address
	DebtAsset       common.Address
	FlashAddress    common.Address
	MaxBorrowLTVBps uint64
	SwapFeeBps      uint64
	// RateWad is the initial debt-units-per-collateral-unit exchange rate.
	RateWad *big.Int
	// DebtLiquidity seeds the borrowable debt-asset pool.
	DebtLiquidity *big.Int
	// FlashLiquidity caps a single flash draw. Nil means unbounded.
	FlashLiquidity *big.Int
}

// Sim is an in-memory rendition of the external venues the engine talks to: a
// token bank, the collateral and debt money markets, a flash pool and a
// constant-rate swap venue with infinite inventory. It also implements the
// engine's state journal so a failed operation restores every balance it
// touched. One Sim instance satisfies all of the vault adapter interfaces.
type Sim struct {
	mu  sync.Mutex
	cfg SimConfig

	balances   map[common.Address]map[common.Address]*big.Int
	collateral map[common.Address]*big.Int
	debts      map[common.Address]*big.Int
	debtPool   *big.Int
	rate       *big.Int

	snapshots []simSnapshot
}

type simSnapshot struct {
	balances   map[common.Address]map[common.Address]*big.Int
	collateral map[common.Address]*big.Int
	debts      map[common.Address]*big.Int
	debtPool   *big.Int
	rate       *big.Int
}

// NewSim constructs the simulated venues.
func NewSim(cfg SimConfig) (*Sim, error) {
	var zero common.Address
	if cfg.Account == zero || cfg.CollateralAsset == zero || cfg.DebtAsset == zero || cfg.FlashAddress == zero {
		return nil, fmt.Errorf("market: zero address in sim config")
	}
	if cfg.MaxBorrowLTVBps == 0 || cfg.MaxBorrowLTVBps >= 10_000 {
		return nil, fmt.Errorf("market: LTV %d bps out of range", cfg.MaxBorrowLTVBps)
	}
	if cfg.RateWad == nil || cfg.RateWad.Sign() <= 0 {
		return nil, fmt.Errorf("market: initial rate must be positive")
	}
	pool := big.NewInt(0)
	if cfg.DebtLiquidity != nil {
		pool = new(big.Int).Set(cfg.DebtLiquidity)
	}
	return &Sim{
		cfg:        cfg,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		collateral: make(map[common.Address]*big.Int),
		debts:      make(map[common.Address]*big.Int),
		debtPool:   pool,
		rate:       new(big.Int).Set(cfg.RateWad),
	}, nil
}

// Fund mints amount of asset into account, for seeding scenarios.
func (s *Sim) Fund(asset, account common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(asset, account, amount)
}

// SetRate moves the venue and oracle-facing exchange rate.
func (s *Sim) SetRate(rateWad *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = new(big.Int).Set(rateWad)
}

// Rate returns the current wad-scaled debt-per-collateral rate.
func (s *Sim) Rate() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.rate)
}

// CollateralOf reports the market deposits held for owner.
func (s *Sim) CollateralOf(owner common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInt(s.collateral[owner])
}

// --- vault.CollateralMarket ---

// Deposit moves amount of the collateral asset from owner's token balance
// into the market. Market shares are 1:1 with the asset.
func (s *Sim) Deposit(amount *big.Int, owner common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := s.debit(s.cfg.CollateralAsset, owner, amount); err != nil {
		return err
	}
	s.collateral[owner] = new(big.Int).Add(copyInt(s.collateral[owner]), amount)
	return nil
}

// Withdraw releases amount of collateral from owner's market deposits to
// receiver's token balance.
func (s *Sim) Withdraw(amount *big.Int, receiver, owner common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	held := copyInt(s.collateral[owner])
	if held.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	s.collateral[owner] = held.Sub(held, amount)
	s.credit(s.cfg.CollateralAsset, receiver, amount)
	return nil
}

// BalanceOf reports owner's market shares.
func (s *Sim) BalanceOf(owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInt(s.collateral[owner]), nil
}

// ConvertToAssets values market shares; the sim market accrues no yield so
// the mapping stays 1:1.
func (s *Sim) ConvertToAssets(marketShares *big.Int) (*big.Int, error) {
	return copyInt(marketShares), nil
}

// --- vault.DebtMarket ---

// Borrow lends amount of the debt asset to receiver against owner's
// collateral deposits, enforcing the configured LTV limit.
func (s *Sim) Borrow(amount *big.Int, receiver common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if s.debtPool.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	projected := new(big.Int).Add(copyInt(s.debts[receiver]), amount)
	collateralValue := mulDiv(copyInt(s.collateral[receiver]), s.rate, wad)
	limit := mulDiv(collateralValue, new(big.Int).SetUint64(s.cfg.MaxBorrowLTVBps), basisPoints)
	if projected.Cmp(limit) > 0 {
		return nil, ErrLTVExceeded
	}
	s.debtPool = new(big.Int).Sub(s.debtPool, amount)
	s.debts[receiver] = projected
	s.credit(s.cfg.DebtAsset, receiver, amount)
	return new(big.Int).Set(amount), nil
}

// Repay retires up to amount of payer's debt from their token balance and
// returns the amount actually applied.
func (s *Sim) Repay(amount *big.Int, payer common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	owed := copyInt(s.debts[payer])
	applied := amount
	if applied.Cmp(owed) > 0 {
		applied = owed
	}
	if applied.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := s.debit(s.cfg.DebtAsset, payer, applied); err != nil {
		return nil, err
	}
	s.debts[payer] = owed.Sub(owed, applied)
	s.debtPool = new(big.Int).Add(s.debtPool, applied)
	return new(big.Int).Set(applied), nil
}

// DebtOf reports owner's outstanding debt.
func (s *Sim) DebtOf(owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInt(s.debts[owner]), nil
}

// MaxBorrowLTVBps reports the configured loan-to-value limit.
func (s *Sim) MaxBorrowLTVBps() uint64 { return s.cfg.MaxBorrowLTVBps }

// --- vault.FlashLender ---

// Address identifies the lender to its borrowers.
func (s *Sim) Address() common.Address { return s.cfg.FlashAddress }

// FlashLoan credits the engine account with amount of the debt asset, invokes
// the borrower callback exactly once, then reclaims the amount. The mutex is
// released around the callback so the borrower can re-enter the markets.
func (s *Sim) FlashLoan(borrower vault.FlashBorrower, amount *big.Int, data []byte) error {
	if borrower == nil || amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("market: invalid flash draw")
	}
	s.mu.Lock()
	if s.cfg.FlashLiquidity != nil && amount.Cmp(s.cfg.FlashLiquidity) > 0 {
		s.mu.Unlock()
		return ErrInsufficientLiquidity
	}
	s.credit(s.cfg.DebtAsset, s.cfg.Account, amount)
	s.mu.Unlock()

	if err := borrower.OnFlashLoan(s.cfg.FlashAddress, new(big.Int).Set(amount), data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.debit(s.cfg.DebtAsset, s.cfg.Account, amount); err != nil {
		return ErrFlashNotRepaid
	}
	return nil
}

// --- vault.SwapVenue ---

// SwapExactInput exchanges amountIn of tokenIn held by recipient for tokenOut
// at the venue rate less the configured fee. The venue carries infinite
// inventory; output below minAmountOut fails the swap.
func (s *Sim) SwapExactInput(tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int, recipient common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("market: swap input must be positive")
	}
	var out *big.Int
	switch {
	case tokenIn == s.cfg.DebtAsset && tokenOut == s.cfg.CollateralAsset:
		out = mulDiv(amountIn, wad, s.rate)
	case tokenIn == s.cfg.CollateralAsset && tokenOut == s.cfg.DebtAsset:
		out = mulDiv(amountIn, s.rate, wad)
	default:
		return nil, ErrUnknownPair
	}
	if s.cfg.SwapFeeBps > 0 {
		keep := new(big.Int).SetUint64(10_000 - s.cfg.SwapFeeBps)
		out = mulDiv(out, keep, basisPoints)
	}
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: got %s want at least %s", vault.ErrSlippage, out, minAmountOut)
	}
	if err := s.debit(tokenIn, recipient, amountIn); err != nil {
		return nil, err
	}
	s.credit(tokenOut, recipient, out)
	return new(big.Int).Set(out), nil
}

// --- vault.FundsView ---

// Balance reports account's idle token balance.
func (s *Sim) Balance(asset, account common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyInt(s.lookup(asset, account)), nil
}

// --- vault.StateJournal ---

// Snapshot captures the full venue state and returns its revision.
func (s *Sim) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, simSnapshot{
		balances:   copyBalances(s.balances),
		collateral: copyAccounts(s.collateral),
		debts:      copyAccounts(s.debts),
		debtPool:   new(big.Int).Set(s.debtPool),
		rate:       new(big.Int).Set(s.rate),
	})
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the state captured at revision and discards it
// along with any later snapshots.
func (s *Sim) RevertToSnapshot(revision int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision < 0 || revision >= len(s.snapshots) {
		return
	}
	snap := s.snapshots[revision]
	s.balances = copyBalances(snap.balances)
	s.collateral = copyAccounts(snap.collateral)
	s.debts = copyAccounts(snap.debts)
	s.debtPool = new(big.Int).Set(snap.debtPool)
	s.rate = new(big.Int).Set(snap.rate)
	s.snapshots = s.snapshots[:revision]
}

// DiscardSnapshot releases the state captured at revision without restoring
// it, keeping the live state. Later snapshots are released with it.
func (s *Sim) DiscardSnapshot(revision int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if revision < 0 || revision >= len(s.snapshots) {
		return
	}
	s.snapshots = s.snapshots[:revision]
}

// PendingSnapshots reports how many journal revisions are currently held.
func (s *Sim) PendingSnapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// --- internals ---

func (s *Sim) lookup(asset, account common.Address) *big.Int {
	if accounts, ok := s.balances[asset]; ok {
		return accounts[account]
	}
	return nil
}

func (s *Sim) credit(asset, account common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	accounts, ok := s.balances[asset]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		s.balances[asset] = accounts
	}
	accounts[account] = new(big.Int).Add(copyInt(accounts[account]), amount)
}

func (s *Sim) debit(asset, account common.Address, amount *big.Int) error {
	held := copyInt(s.lookup(asset, account))
	if held.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	s.balances[asset][account] = held.Sub(held, amount)
	return nil
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

func copyAccounts(src map[common.Address]*big.Int) map[common.Address]*big.Int {
	dst := make(map[common.Address]*big.Int, len(src))
	for account, balance := range src {
		dst[account] = new(big.Int).Set(balance)
	}
	return dst
}

func copyBalances(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	dst := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for asset, accounts := range src {
		dst[asset] = copyAccounts(accounts)
	}
	return dst
}
