package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralMarket is the external money market holding the vault's collateral.
// Balances are expressed as market shares; ConvertToAssets values them in
// collateral-asset units.
type CollateralMarket interface {
	Deposit(amount *big.Int, owner common.Address) error
	Withdraw(amount *big.Int, receiver, owner common.Address) error
	BalanceOf(owner common.Address) (*big.Int, error)
	ConvertToAssets(marketShares *big.Int) (*big.Int, error)
}

// DebtMarket is the external money market the vault borrows the debt asset
// from against its collateral.
type DebtMarket interface {
	Borrow(amount *big.Int, receiver common.Address) (*big.Int, error)
	Repay(amount *big.Int, payer common.Address) (*big.Int, error)
	DebtOf(owner common.Address) (*big.Int, error)
	// MaxBorrowLTVBps reports the market's loan-to-value limit for the vault's
	// collateral in basis points. It bounds the admissible target leverage.
	MaxBorrowLTVBps() uint64
}

// FlashBorrower receives the synchronous flash-liquidity callback. The
// borrowed amount must be back with the lender when OnFlashLoan returns.
type FlashBorrower interface {
	OnFlashLoan(caller common.Address, amount *big.Int, data []byte) error
}

// FlashLender provides temporary debt-asset liquidity for one atomic
// operation. FlashLoan credits the borrower account, invokes OnFlashLoan
// exactly once, then reclaims the amount; if reclaiming fails the whole call
// errors and the operation unwinds.
type FlashLender interface {
	FlashLoan(borrower FlashBorrower, amount *big.Int, data []byte) error
	// Address identifies the lender so the borrower can authenticate the
	// callback caller.
	Address() common.Address
}

// SwapVenue exchanges an exact input amount of tokenIn for at least
// minAmountOut of tokenOut, erroring otherwise.
type SwapVenue interface {
	SwapExactInput(tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int, recipient common.Address) (*big.Int, error)
}

// PriceSource reports the wad-scaled amount of debt-asset units one
// collateral unit is worth.
type PriceSource interface {
	CollateralPrice() (*big.Int, error)
}

// FundsView exposes the vault account's idle token balances held outside the
// money markets.
type FundsView interface {
	Balance(asset, account common.Address) (*big.Int, error)
}

// StateJournal lets the engine roll external state back when an operation
// fails partway. Snapshots are released either by reverting or by discarding
// once the operation commits; the engine always does one of the two. Backends
// without transactional semantics may leave it nil, in which case errors
// propagate without an explicit revert.
type StateJournal interface {
	Snapshot() int
	RevertToSnapshot(revision int)
	DiscardSnapshot(revision int)
}

// ShareLedger is the proportional-ownership collaborator consumed by the
// engine. Total supply and holder balances are its only state.
type ShareLedger interface {
	Total() *big.Int
	BalanceOf(addr common.Address) *big.Int
	Mint(addr common.Address, amount *big.Int) error
	Burn(addr common.Address, amount *big.Int) error
	ConvertToShares(assets, totalAssets *big.Int) *big.Int
	SharesForAssetsUp(assets, totalAssets *big.Int) *big.Int
	ConvertToAssets(sharesIn, totalAssets *big.Int) *big.Int
	AssetsForSharesUp(sharesIn, totalAssets *big.Int) *big.Int
}

// Markets bundles the external collaborators injected at construction. All
// fields except Journal are required.
type Markets struct {
	Collateral CollateralMarket
	Debt       DebtMarket
	Flash      FlashLender
	Swap       SwapVenue
	Oracle     PriceSource
	Funds      FundsView
	Journal    StateJournal
}

// Config fixes the engine wiring for the life of the instance.
type Config struct {
	// Account is the engine's own account in the external markets.
	Account common.Address
	// CollateralAsset and DebtAsset identify the two tokens on the swap venue.
	CollateralAsset common.Address
	DebtAsset       common.Address
	// TargetLeverage is wad-scaled; 1e18 means unlevered. Must lie within
	// [1x, 1/(1-maxBorrowLTV)].
	TargetLeverage *big.Int
	// ToleranceBps is the rebalance no-action band around the target exposure.
	// Zero selects the default of 100 (1%).
	ToleranceBps uint64
	// SlippageBps is the allowance subtracted from the oracle-implied swap
	// output when computing minimum-out bounds. Zero selects the default of
	// 100 (1%).
	SlippageBps uint64
}

// VaultState is the ephemeral position snapshot recomputed on every entry
// point and never persisted. Prices and values are debt-asset denominated;
// CollateralPrice and Leverage are wad-scaled.
type VaultState struct {
	Collateral      *big.Int
	Debt            *big.Int
	CollateralPrice *big.Int
	AssetsValue     *big.Int
	EquityValue     *big.Int
	Leverage        *big.Int
}

// Empty reports whether the vault holds no position at all. Leverage alone
// cannot distinguish this from an underwater position, so callers use these
// predicates instead.
func (s *VaultState) Empty() bool {
	if s == nil {
		return true
	}
	return s.Collateral.Sign() == 0 && s.Debt.Sign() == 0
}

// Underwater reports whether outstanding debt meets or exceeds the collateral
// value. Equity and leverage are floored to zero in that state.
func (s *VaultState) Underwater() bool {
	if s == nil || s.Empty() {
		return false
	}
	return s.AssetsValue.Cmp(s.Debt) <= 0
}

// Clone returns a deep copy so callers cannot mutate engine-held snapshots.
func (s *VaultState) Clone() *VaultState {
	if s == nil {
		return nil
	}
	clone := &VaultState{}
	clone.Collateral = copyInt(s.Collateral)
	clone.Debt = copyInt(s.Debt)
	clone.CollateralPrice = copyInt(s.CollateralPrice)
	clone.AssetsValue = copyInt(s.AssetsValue)
	clone.EquityValue = copyInt(s.EquityValue)
	clone.Leverage = copyInt(s.Leverage)
	return clone
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
