package vault

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/observability"
)

const (
	defaultToleranceBps = 100
	defaultSlippageBps  = 100
)

// Engine is a stateless controller over externally-custodied balances: it
// keeps the pooled position at the configured target leverage and settles
// deposits and withdrawals against the injected markets. The position itself
// is always derived from live market state, never cached locally.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	markets Markets
	ledger  ShareLedger
	logger  *slog.Logger

	// flight marks the single admissible flash draw per operation.
	flight *flashIntent

	maxLeverage *big.Int
}

// New validates the wiring and constructs an engine. Target leverage outside
// [1x, 1/(1-maxBorrowLTV)] is an economic invariant violation and aborts
// construction.
func New(cfg Config, markets Markets, ledger ShareLedger, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if markets.Collateral == nil || markets.Debt == nil || markets.Flash == nil ||
		markets.Swap == nil || markets.Oracle == nil || markets.Funds == nil {
		return nil, fmt.Errorf("%w: missing market adapter", ErrInvalidConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: share ledger not configured", ErrInvalidConfig)
	}
	var zero common.Address
	if cfg.Account == zero || cfg.CollateralAsset == zero || cfg.DebtAsset == zero {
		return nil, fmt.Errorf("%w: zero address in wiring", ErrInvalidConfig)
	}
	if cfg.CollateralAsset == cfg.DebtAsset {
		return nil, fmt.Errorf("%w: collateral and debt assets must differ", ErrInvalidConfig)
	}
	if cfg.ToleranceBps == 0 {
		cfg.ToleranceBps = defaultToleranceBps
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = defaultSlippageBps
	}
	if cfg.ToleranceBps >= 10_000 || cfg.SlippageBps >= 10_000 {
		return nil, fmt.Errorf("%w: basis point setting out of range", ErrInvalidConfig)
	}
	if cfg.TargetLeverage == nil || cfg.TargetLeverage.Cmp(wad) < 0 {
		return nil, fmt.Errorf("%w: target leverage below 1x", ErrInvalidConfig)
	}
	ltv := markets.Debt.MaxBorrowLTVBps()
	if ltv == 0 || ltv >= 10_000 {
		return nil, fmt.Errorf("%w: debt market LTV %d bps out of range", ErrInvalidConfig, ltv)
	}
	maxLeverage := mulDiv(wad, basisPoints, new(big.Int).SetUint64(10_000-ltv))
	if cfg.TargetLeverage.Cmp(maxLeverage) > 0 {
		return nil, fmt.Errorf("%w: target leverage %s exceeds market maximum %s",
			ErrInvalidConfig, cfg.TargetLeverage, maxLeverage)
	}
	cfg.TargetLeverage = new(big.Int).Set(cfg.TargetLeverage)

	return &Engine{
		cfg:         cfg,
		markets:     markets,
		ledger:      ledger,
		logger:      logger.With("component", "vault"),
		maxLeverage: maxLeverage,
	}, nil
}

// TargetLeverage returns the immutable wad-scaled leverage target.
func (e *Engine) TargetLeverage() *big.Int { return new(big.Int).Set(e.cfg.TargetLeverage) }

// MaxLeverage returns the wad-scaled ceiling derived from the debt market LTV.
func (e *Engine) MaxLeverage() *big.Int { return new(big.Int).Set(e.maxLeverage) }

// Deposit pulls assets of collateral (already held by the vault account) into
// the collateral market, mints proportional shares to receiver and re-levers.
func (e *Engine) Deposit(assets *big.Int, receiver common.Address) (*big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	minted, err := e.depositLocked(assets, nil, receiver)
	observability.VaultMetrics().ObserveOperation("deposit", err, time.Since(start))
	return minted, err
}

// Mint issues exactly sharesOut to receiver, charging the asset amount they
// are worth (rounded up) and re-levering.
func (e *Engine) Mint(sharesOut *big.Int, receiver common.Address) (*big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !positive(sharesOut) {
		observability.VaultMetrics().ObserveOperation("mint", ErrZeroAmount, time.Since(start))
		return nil, ErrZeroAmount
	}
	assets, err := e.depositLocked(nil, sharesOut, receiver)
	observability.VaultMetrics().ObserveOperation("mint", err, time.Since(start))
	return assets, err
}

// depositLocked handles both deposit (assets fixed) and mint (shares fixed).
// It returns the counterpart quantity.
func (e *Engine) depositLocked(assets, sharesOut *big.Int, receiver common.Address) (out *big.Int, err error) {
	var zero common.Address
	if receiver == zero {
		return nil, ErrZeroAddress
	}

	settle := e.beginJournal()
	defer func() { settle(err) }()

	state, err := e.State()
	if err != nil {
		return nil, err
	}
	if state.Underwater() {
		return nil, ErrInsolvent
	}
	nav := navFromState(state)

	var minted *big.Int
	if sharesOut != nil {
		minted = new(big.Int).Set(sharesOut)
		assets = e.ledger.AssetsForSharesUp(minted, nav)
		out = assets
	} else {
		if !positive(assets) {
			return nil, ErrZeroAmount
		}
		minted = e.ledger.ConvertToShares(assets, nav)
		out = minted
	}
	if !positive(assets) || !positive(minted) {
		return nil, ErrZeroAmount
	}

	if err = e.ledger.Mint(receiver, minted); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			// Compensate the mint; the journal only covers market state.
			_ = e.ledger.Burn(receiver, minted)
		}
	}()

	if err = e.markets.Collateral.Deposit(assets, e.cfg.Account); err != nil {
		return nil, fmt.Errorf("vault: push collateral: %w", err)
	}
	if err = e.rebalanceToTarget(); err != nil {
		return nil, err
	}

	e.observePosition()
	e.logger.Info("deposit settled",
		"assets", assets.String(),
		"shares", minted.String(),
		"receiver", receiver.Hex(),
	)
	return out, nil
}

// Withdraw unwinds the position proportionally, releases exactly assets of
// collateral to receiver and burns the corresponding shares (rounded up) from
// owner. It returns the shares burned.
func (e *Engine) Withdraw(assets *big.Int, receiver, owner common.Address) (*big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	burned, _, err := e.withdrawLocked(assets, nil, receiver, owner)
	observability.VaultMetrics().ObserveOperation("withdraw", err, time.Since(start))
	return burned, err
}

// Redeem burns exactly sharesIn from owner, unwinds proportionally and
// releases the asset amount they are worth (rounded down) to receiver. It
// returns the assets released.
func (e *Engine) Redeem(sharesIn *big.Int, receiver, owner common.Address) (*big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !positive(sharesIn) {
		observability.VaultMetrics().ObserveOperation("redeem", ErrZeroAmount, time.Since(start))
		return nil, ErrZeroAmount
	}
	_, released, err := e.withdrawLocked(nil, sharesIn, receiver, owner)
	observability.VaultMetrics().ObserveOperation("redeem", err, time.Since(start))
	return released, err
}

// withdrawLocked handles both withdraw (assets fixed) and redeem (shares
// fixed). It returns the shares burned and assets released.
func (e *Engine) withdrawLocked(assets, sharesIn *big.Int, receiver, owner common.Address) (burned, released *big.Int, err error) {
	var zero common.Address
	if receiver == zero || owner == zero {
		return nil, nil, ErrZeroAddress
	}
	total := e.ledger.Total()
	if total.Sign() == 0 {
		return nil, nil, ErrNoShares
	}

	settle := e.beginJournal()
	defer func() { settle(err) }()

	state, err := e.State()
	if err != nil {
		return nil, nil, err
	}
	if state.Underwater() {
		return nil, nil, ErrInsolvent
	}
	nav := navFromState(state)

	if sharesIn != nil {
		burned = new(big.Int).Set(sharesIn)
		assets = e.ledger.ConvertToAssets(burned, nav)
	} else {
		if !positive(assets) {
			return nil, nil, ErrZeroAmount
		}
		burned = e.ledger.SharesForAssetsUp(assets, nav)
	}
	if !positive(assets) || !positive(burned) {
		return nil, nil, ErrZeroAmount
	}
	if e.ledger.BalanceOf(owner).Cmp(burned) < 0 {
		return nil, nil, ErrInsufficientShares
	}

	// Debt is retired before any collateral leaves the vault.
	if err = e.unwindForWithdraw(state, burned, total); err != nil {
		return nil, nil, err
	}
	if err = e.markets.Collateral.Withdraw(assets, receiver, e.cfg.Account); err != nil {
		return nil, nil, fmt.Errorf("vault: release collateral: %w", err)
	}
	if err = e.ledger.Burn(owner, burned); err != nil {
		return nil, nil, err
	}

	e.observePosition()
	e.logger.Info("withdrawal settled",
		"assets", assets.String(),
		"shares", burned.String(),
		"receiver", receiver.Hex(),
		"owner", owner.Hex(),
	)
	return burned, assets, nil
}

// Rebalance drives exposure back to the target. It is privileged at the API
// layer and idempotent: repeated calls without intervening price or position
// changes settle inside the tolerance band and become no-ops.
func (e *Engine) Rebalance() error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	settle := e.beginJournal()
	err := e.rebalanceToTarget()
	settle(err)
	if err == nil {
		e.observePosition()
	}
	observability.VaultMetrics().ObserveOperation("rebalance", err, time.Since(start))
	return err
}

// beginJournal opens a journal revision and returns a settle function that
// must be called exactly once: it reverts on error and discards the snapshot
// on success so the journal does not accumulate state across operations.
func (e *Engine) beginJournal() func(error) {
	journal := e.markets.Journal
	if journal == nil {
		return func(error) {}
	}
	revision := journal.Snapshot()
	return func(err error) {
		if err != nil {
			journal.RevertToSnapshot(revision)
			return
		}
		journal.DiscardSnapshot(revision)
	}
}

func (e *Engine) observePosition() {
	state, err := e.State()
	if err != nil {
		return
	}
	observability.VaultMetrics().SetPosition(state.Leverage, navFromState(state))
}

func navFromState(state *VaultState) *big.Int {
	if state.Empty() || state.EquityValue.Sign() == 0 {
		return big.NewInt(0)
	}
	return wadDiv(state.EquityValue, state.CollateralPrice)
}
