// Package usd converts USD-denominated decimal amounts into atomic token
// units and computes the merchant/commission split of a payment. Amounts
// pass through their shortest decimal representation, so a decimal price
// like 0.29 converts to exactly 290000 six-decimal units. Anything finer
// than one atomic unit truncates toward zero: the protocol never rounds a
// payment up.
package usd

import (
	"fmt"
	"math/big"
	"strconv"
)

// decimalRat returns v as the exact rational of its shortest decimal
// representation. Scaling the raw float64 instead would leave exact
// decimal prices one atomic unit short.
func decimalRat(v float64) *big.Rat {
	r, _ := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	return r
}

func scaleRat(decimals int) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetInt(scale)
}

// truncate drops the fractional part of r, toward zero.
func truncate(r *big.Rat) *big.Int {
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// ToAtomic converts a USD amount into atomic units of a token with the
// given decimal count, truncating toward zero.
func ToAtomic(amountUSD float64, decimals int) *big.Int {
	r := decimalRat(amountUSD)
	r.Mul(r, scaleRat(decimals))
	return truncate(r)
}

// FromAtomic converts atomic units back into a USD amount for reporting.
func FromAtomic(amount *big.Int, decimals int) float64 {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f := new(big.Float).SetPrec(256).SetInt(amount)
	f.Quo(f, new(big.Float).SetPrec(256).SetInt(scale))
	out, _ := f.Float64()
	return out
}

// Split divides a total USD payment into merchant and commission legs and
// converts each into atomic units. The split is computed in exact rational
// arithmetic and each leg truncates on its own, so merchant+commission may
// fall short of the exact atomic total by at most one unit and can never
// exceed it.
func Split(totalUSD, commissionRate float64, decimals int) (merchant, commission *big.Int, err error) {
	if totalUSD <= 0 {
		return nil, nil, fmt.Errorf("total amount must be positive, got %v", totalUSD)
	}
	if commissionRate < 0 || commissionRate >= 1 {
		return nil, nil, fmt.Errorf("commission rate must be in [0,1), got %v", commissionRate)
	}
	scale := scaleRat(decimals)
	total := decimalRat(totalUSD)
	rate := decimalRat(commissionRate)

	commissionRat := new(big.Rat).Mul(total, rate)
	commissionRat.Mul(commissionRat, scale)
	merchantRat := new(big.Rat).Mul(total, new(big.Rat).Sub(big.NewRat(1, 1), rate))
	merchantRat.Mul(merchantRat, scale)

	return truncate(merchantRat), truncate(commissionRat), nil
}
