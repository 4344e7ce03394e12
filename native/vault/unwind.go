package vault

import (
	"fmt"
	"math/big"
)

// unwindForWithdraw shrinks the position in proportion to the shares being
// redeemed before any funds are released. The redeemers' slice of the debt is
// rounded up, biasing toward over-repayment to protect remaining holders. Idle
// debt-asset balance is applied first; any remainder is settled through one
// atomic flash draw.
func (e *Engine) unwindForWithdraw(state *VaultState, sharesRedeemed, totalShares *big.Int) error {
	if totalShares == nil || totalShares.Sign() == 0 {
		return ErrNoShares
	}
	if state.Empty() || state.Debt.Sign() == 0 {
		return nil
	}
	if state.Underwater() {
		return ErrInsolvent
	}

	debtShare := mulDivUp(state.Debt, sharesRedeemed, totalShares)
	debtShare = bigMin(debtShare, state.Debt)
	if debtShare.Sign() == 0 {
		return nil
	}

	idle, err := e.markets.Funds.Balance(e.cfg.DebtAsset, e.cfg.Account)
	if err != nil {
		return fmt.Errorf("vault: read idle debt balance: %w", err)
	}
	fromIdle := bigMin(idle, debtShare)
	if fromIdle.Sign() > 0 {
		if _, err := e.markets.Debt.Repay(fromIdle, e.cfg.Account); err != nil {
			return fmt.Errorf("vault: repay from idle balance: %w", err)
		}
	}

	remainder := new(big.Int).Sub(debtShare, fromIdle)
	if remainder.Sign() == 0 {
		return nil
	}
	return e.decreaseExposure(remainder, state)
}
