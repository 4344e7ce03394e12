package vault

import "math/big"

var (
	wad         = big.NewInt(1_000_000_000_000_000_000)
	basisPoints = big.NewInt(10_000)
)

func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

func mulDivUp(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	out.Add(out, new(big.Int).Sub(den, big.NewInt(1)))
	return out.Quo(out, den)
}

// wadMul values a collateral amount at a wad price, flooring.
func wadMul(a, priceWad *big.Int) *big.Int {
	return mulDiv(a, priceWad, wad)
}

// wadDiv converts a debt-asset value back to collateral units, flooring.
func wadDiv(a, priceWad *big.Int) *big.Int {
	return mulDiv(a, wad, priceWad)
}

// wadDivUp rounds the conversion up so a decrease leg never under-funds its
// swap.
func wadDivUp(a, priceWad *big.Int) *big.Int {
	return mulDivUp(a, wad, priceWad)
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
