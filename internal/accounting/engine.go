package accounting

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/openlend/lendledger/internal/fixedpoint"
)

// Revenue and fee arithmetic. Everything here is pure: no storage, no
// chain access, deterministic for the same inputs.

// RevenueDelta converts a liquidity index movement into total USD
// revenue for the interval. scaledSupply is the receipt token's scaled
// supply in native units, the indices are in ray. A non-increasing
// index yields zero; indices only compound upward and a regression is
// handled by the caller's monotonicity guard.
func RevenueDelta(scaledSupply decimal.Decimal, decimals uint8, oldIndex, newIndex, priceUSD decimal.Decimal) decimal.Decimal {
	growth := newIndex.Sub(oldIndex)
	if !growth.IsPositive() {
		return decimal.Zero
	}
	supply := scaledSupply.Div(fixedpoint.Exponent(int32(decimals)))
	return supply.Mul(growth.Div(fixedpoint.Exponent(fixedpoint.RayDecimals))).Mul(priceUSD)
}

// SplitRevenue divides total revenue between the protocol treasury and
// suppliers. The supply side is computed by subtraction so the two
// shares always sum exactly to the total.
func SplitRevenue(totalUSD, reserveFactor decimal.Decimal) (protocolUSD, supplyUSD decimal.Decimal) {
	protocolUSD = totalUSD.Mul(reserveFactor)
	supplyUSD = totalUSD.Sub(protocolUSD)
	return protocolUSD, supplyUSD
}

// LiquidationProtocolFeeUSD back-calculates the protocol's cut of a
// liquidation from the collateral amount actually seized. amountUSD
// already includes the liquidation bonus and excludes the protocol
// fee, so the fee is recovered from
//
//	fee = amount * p * f / (1 + p - p*f)
//
// where p is the liquidation penalty and f the protocol fee rate,
// both as fractions.
func LiquidationProtocolFeeUSD(amountUSD, penalty, feeRate decimal.Decimal) decimal.Decimal {
	if !penalty.IsPositive() || !feeRate.IsPositive() {
		return decimal.Zero
	}
	pf := penalty.Mul(feeRate)
	denom := decimal.NewFromInt(1).Add(penalty).Sub(pf)
	return amountUSD.Mul(pf).Div(denom)
}

// FlashLoanPremiumSplit divides a flash-loan premium between protocol
// and suppliers. toProtocolRate applies to the premium; the supply
// share is the remainder, so the shares always sum to the premium.
func FlashLoanPremiumSplit(premiumUSD, toProtocolRate decimal.Decimal) (protocolUSD, supplyUSD decimal.Decimal) {
	protocolUSD = premiumUSD.Mul(toProtocolRate)
	supplyUSD = premiumUSD.Sub(protocolUSD)
	return protocolUSD, supplyUSD
}

// RatePercentExponent renders interest rates as percentages: a 1e18
// wad rate reads as 100.
const RatePercentExponent int32 = 2

// NormalizeInterestRate converts an on-chain ray rate into a scaled
// rate: half-up to wad precision first, then shifted so 1e18 reads as
// 10^pctExponent. Percentages use exponent 2, basis points 4.
func NormalizeInterestRate(rate *big.Int, pctExponent int32) decimal.Decimal {
	return fixedpoint.ScaleDown(fixedpoint.RayToWad(rate), fixedpoint.WadDecimals-pctExponent)
}
