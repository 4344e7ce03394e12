package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/observability"
)

type flashMode uint8

const (
	flashIncrease flashMode = iota + 1
	flashDecrease
)

func (m flashMode) String() string {
	switch m {
	case flashIncrease:
		return "increase"
	case flashDecrease:
		return "decrease"
	}
	return "unknown"
}

// flashIntent records the in-progress flash draw so the callback can be
// authenticated and dispatched. At most one intent exists per operation.
type flashIntent struct {
	mode   flashMode
	amount *big.Int
	price  *big.Int
}

var errFlashInProgress = errors.New("vault: flash draw already in progress")

// increaseExposure adds delta debt-asset units of exposure: flash-borrow
// delta, swap it into collateral, deposit the proceeds, then take on delta of
// permanent debt to settle the flash draw.
func (e *Engine) increaseExposure(delta *big.Int, state *VaultState) error {
	if !positive(delta) {
		return nil
	}
	if !positive(state.CollateralPrice) {
		return ErrInvalidPrice
	}
	return e.withFlash(&flashIntent{
		mode:   flashIncrease,
		amount: new(big.Int).Set(delta),
		price:  new(big.Int).Set(state.CollateralPrice),
	})
}

// decreaseExposure removes delta debt-asset units of exposure: flash-borrow
// delta, retire that much permanent debt, free the equivalent collateral and
// swap it back to settle the flash draw. Swap surplus retires further debt.
func (e *Engine) decreaseExposure(delta *big.Int, state *VaultState) error {
	if !positive(delta) {
		return nil
	}
	if !positive(state.CollateralPrice) {
		return ErrInvalidPrice
	}
	return e.withFlash(&flashIntent{
		mode:   flashDecrease,
		amount: new(big.Int).Set(delta),
		price:  new(big.Int).Set(state.CollateralPrice),
	})
}

func (e *Engine) withFlash(intent *flashIntent) error {
	if e.flight != nil {
		return errFlashInProgress
	}
	e.flight = intent
	defer func() { e.flight = nil }()
	observability.VaultMetrics().ObserveFlashDraw(intent.mode.String())
	return e.markets.Flash.FlashLoan(e, intent.amount, nil)
}

// OnFlashLoan is the single re-entry point into the engine. The caller must be
// the configured lender and an operation must be marked in progress with a
// matching amount; anything else is treated as a hostile re-entry.
func (e *Engine) OnFlashLoan(caller common.Address, amount *big.Int, data []byte) error {
	intent := e.flight
	if intent == nil {
		return ErrUnauthorizedCallback
	}
	if caller != e.markets.Flash.Address() {
		return ErrUnauthorizedCallback
	}
	if amount == nil || amount.Cmp(intent.amount) != 0 {
		return ErrUnauthorizedCallback
	}
	switch intent.mode {
	case flashIncrease:
		return e.runIncrease(intent)
	case flashDecrease:
		return e.runDecrease(intent)
	}
	return ErrUnauthorizedCallback
}

func (e *Engine) runIncrease(in *flashIntent) error {
	ideal := wadDiv(in.amount, in.price)
	allowance := new(big.Int).Sub(basisPoints, new(big.Int).SetUint64(e.cfg.SlippageBps))
	minOut := mulDiv(ideal, allowance, basisPoints)

	out, err := e.markets.Swap.SwapExactInput(e.cfg.DebtAsset, e.cfg.CollateralAsset, in.amount, minOut, e.cfg.Account)
	if err != nil {
		return err
	}
	if out.Cmp(minOut) < 0 {
		return ErrSlippage
	}
	if err := e.markets.Collateral.Deposit(out, e.cfg.Account); err != nil {
		return fmt.Errorf("vault: deposit swap proceeds: %w", err)
	}
	borrowed, err := e.markets.Debt.Borrow(in.amount, e.cfg.Account)
	if err != nil {
		return fmt.Errorf("vault: take on permanent debt: %w", err)
	}
	if borrowed == nil || borrowed.Cmp(in.amount) < 0 {
		return fmt.Errorf("vault: debt market lent %s of %s", borrowed, in.amount)
	}
	return nil
}

func (e *Engine) runDecrease(in *flashIntent) error {
	if _, err := e.markets.Debt.Repay(in.amount, e.cfg.Account); err != nil {
		return fmt.Errorf("vault: retire permanent debt: %w", err)
	}

	// Collateral worth exactly the flash draw, rounded up so the swap cannot
	// come up short by a rounding unit. Capped at what the market holds.
	collateralOut := wadDivUp(in.amount, in.price)
	marketShares, err := e.markets.Collateral.BalanceOf(e.cfg.Account)
	if err != nil {
		return err
	}
	held, err := e.markets.Collateral.ConvertToAssets(marketShares)
	if err != nil {
		return err
	}
	collateralOut = bigMin(collateralOut, held)
	if collateralOut.Sign() == 0 {
		return fmt.Errorf("vault: no collateral available to unwind %s", in.amount)
	}
	if err := e.markets.Collateral.Withdraw(collateralOut, e.cfg.Account, e.cfg.Account); err != nil {
		return fmt.Errorf("vault: withdraw unwind collateral: %w", err)
	}

	out, err := e.markets.Swap.SwapExactInput(e.cfg.CollateralAsset, e.cfg.DebtAsset, collateralOut, in.amount, e.cfg.Account)
	if err != nil {
		return err
	}
	if out.Cmp(in.amount) < 0 {
		return ErrSlippage
	}

	surplus := new(big.Int).Sub(out, in.amount)
	if surplus.Sign() > 0 {
		remaining, err := e.markets.Debt.DebtOf(e.cfg.Account)
		if err != nil {
			return err
		}
		extra := bigMin(surplus, remaining)
		if extra.Sign() > 0 {
			if _, err := e.markets.Debt.Repay(extra, e.cfg.Account); err != nil {
				return fmt.Errorf("vault: apply swap surplus: %w", err)
			}
		}
	}
	return nil
}
