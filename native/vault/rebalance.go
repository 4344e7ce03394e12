package vault

import (
	"math/big"

	"loopvault/observability"
)

// rebalanceToTarget compares the live position to targetLeverage * equity and
// adjusts exposure when the drift exceeds the tolerance band. Within the band
// no action is taken; small persistent drift is accepted damping, a tunable
// policy rather than a convergence guarantee.
func (e *Engine) rebalanceToTarget() error {
	state, err := e.State()
	if err != nil {
		return err
	}
	if state.Empty() || state.EquityValue.Sign() == 0 {
		observability.VaultMetrics().ObserveRebalance("skip")
		return nil
	}

	targetAssets := wadMul(e.cfg.TargetLeverage, state.EquityValue)
	tolerance := mulDiv(targetAssets, new(big.Int).SetUint64(e.cfg.ToleranceBps), basisPoints)

	diff := new(big.Int).Sub(targetAssets, state.AssetsValue)
	if new(big.Int).Abs(diff).Cmp(tolerance) <= 0 {
		observability.VaultMetrics().ObserveRebalance("skip")
		return nil
	}

	if diff.Sign() > 0 {
		observability.VaultMetrics().ObserveRebalance("increase")
		e.logger.Info("rebalance: increasing exposure",
			"delta", diff.String(),
			"leverage", state.Leverage.String(),
		)
		return e.increaseExposure(diff, state)
	}

	delta := new(big.Int).Neg(diff)
	// Never try to unwind more value than the position holds or owes.
	delta = bigMin(delta, state.AssetsValue)
	delta = bigMin(delta, state.Debt)
	if delta.Sign() == 0 {
		observability.VaultMetrics().ObserveRebalance("skip")
		return nil
	}
	observability.VaultMetrics().ObserveRebalance("decrease")
	e.logger.Info("rebalance: decreasing exposure",
		"delta", delta.String(),
		"leverage", state.Leverage.String(),
	)
	return e.decreaseExposure(delta, state)
}
