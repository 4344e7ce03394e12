package vault

import "errors"

var (
	// ErrInvalidConfig rejects construction with missing collaborators, zero
	// addresses, or a target leverage outside [1x, 1/(1-maxBorrowLTV)].
	ErrInvalidConfig = errors.New("vault: invalid configuration")
	// ErrInvalidPrice aborts any operation that observes a zero oracle price;
	// no safe conversion between the assets exists.
	ErrInvalidPrice = errors.New("vault: oracle price is zero")
	// ErrInsolvent blocks deposits and withdrawals while assets value does not
	// exceed debt.
	ErrInsolvent = errors.New("vault: position is underwater")
	// ErrSlippage aborts the atomic sequence when a swap returns less than the
	// computed minimum output.
	ErrSlippage = errors.New("vault: swap output below minimum")
	// ErrUnauthorizedCallback rejects flash-liquidity callbacks from anyone but
	// the configured lender, or outside an in-progress operation.
	ErrUnauthorizedCallback = errors.New("vault: unauthorized flash callback")
	// ErrZeroAmount rejects zero-valued deposits, mints, withdrawals and
	// redemptions before any side effect.
	ErrZeroAmount = errors.New("vault: amount must be positive")
	// ErrZeroAddress rejects the zero address as receiver or owner.
	ErrZeroAddress = errors.New("vault: zero address")
	// ErrNoShares blocks withdrawals while no shares are outstanding.
	ErrNoShares = errors.New("vault: no shares outstanding")
	// ErrInsufficientShares rejects withdrawals exceeding the owner's balance.
	ErrInsufficientShares = errors.New("vault: insufficient shares")
)
