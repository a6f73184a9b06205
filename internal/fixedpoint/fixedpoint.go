package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// The protocol stores interest indices and rates as 27-decimal
// fixed-point integers ("ray") and balances as 18-decimal ones ("wad").
const (
	RayDecimals = 27
	WadDecimals = 18
)

var (
	// 10^9, the magnitude between ray and wad.
	wadRayRatio = new(big.Int).Exp(big.NewInt(10), big.NewInt(9), nil)
	// 10^9 / 2, added before dividing so the conversion rounds half up.
	halfRatio = new(big.Int).Div(wadRayRatio, big.NewInt(2))
)

func init() {
	// Index deltas are 27-digit fixed point; the default division
	// precision (16) would truncate them.
	decimal.DivisionPrecision = RayDecimals
}

// RayToWad converts a ray value to wad, rounding half up. The on-chain
// WadRayMath library rounds the same way; truncating here would make
// derived rates drift from the contract's.
func RayToWad(x *big.Int) *big.Int {
	sum := new(big.Int).Add(x, halfRatio)
	return sum.Div(sum, wadRayRatio)
}

// WadToRay converts a wad value to ray.
func WadToRay(x *big.Int) *big.Int {
	return new(big.Int).Mul(x, wadRayRatio)
}

// Exponent returns 10^n as a decimal. Negative n yields a fractional
// power of ten.
func Exponent(n int32) decimal.Decimal {
	return decimal.New(1, n)
}

// ScaleDown returns x / 10^exp as an arbitrary-precision decimal. Used
// for basis-point and percentage conversions where the caller supplies
// the exponent (reserve factors are stored over 10^2 or 10^4 depending
// on the protocol version).
func ScaleDown(x *big.Int, exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(x, -exp)
}

// FromBig converts a raw integer to a decimal with no scaling.
func FromBig(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, 0)
}
