package config

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Network names as reported by deployment metadata.
const (
	NetworkMainnet   = "mainnet"
	NetworkPolygon   = "polygon"
	NetworkAvalanche = "avalanche"
	NetworkFantom    = "fantom"
	NetworkArbitrum  = "arbitrum"
	NetworkOptimism  = "optimism"
)

// PriceMode selects how a deployment's oracle results are normalized
// to USD. Each historical deployment patched oracle quirks differently
// and the resolver must reproduce its patch exactly.
type PriceMode int

const (
	// Oracle quotes prices in ETH terms; divide by the reference
	// stablecoin's ETH price to obtain USD.
	PriceModeETHQuoted PriceMode = iota
	// Oracle returns a USD price with a fixed decimal exponent.
	PriceModeUSDScaled
	// Nothing known about the oracle's unit; divide by the asset's
	// own decimals as a last resort.
	PriceModeAssetDecimals
)

// PriceOverride pins a hand-verified price at one exact block, used
// for documented historical mispricing incidents. These are one-off
// patches and must never be generalized into the resolution algorithm.
type PriceOverride struct {
	Network string
	Block   uint64
	Price   decimal.Decimal
}

// Deployment holds the constants that vary per protocol deployment.
// All per-deployment state is scoped by ID so independent deployments
// can be processed in the same process without interference.
type Deployment struct {
	ID      string
	Network string

	PriceMode PriceMode
	// Exponent of the oracle's USD scaling when PriceModeUSDScaled
	// (Aave-style oracles use 8).
	PriceExponent int32
	// Reference stablecoin quoted by the same oracle when
	// PriceModeETHQuoted.
	ReferenceStablecoin common.Address

	// Reserve factors are stored over 10^2 on v2-era deployments and
	// over 10^4 on v3-era ones. There is no rule to infer this; it is
	// configured per deployment.
	ReserveFactorExponent int32

	// Address of the pool contract holding packed reserve
	// configuration words.
	PoolAddress common.Address

	PriceOverrides []PriceOverride

	// Minimum interval between reward emission recomputations.
	RewardStalenessSeconds uint64
}

// OverrideAt returns the pinned price for the deployment's network at
// the given block, if one exists.
func (d *Deployment) OverrideAt(block uint64) (decimal.Decimal, bool) {
	for _, o := range d.PriceOverrides {
		if o.Network == d.Network && o.Block == block {
			return o.Price, true
		}
	}
	return decimal.Decimal{}, false
}

// PolygonMisprice is the documented Polygon oracle incident: two
// transactions at block 15783457 priced against a broken feed. The
// constant is derived from historical contract calls at that block
// (634291527055835 / 407601027988722).
var PolygonMisprice = PriceOverride{
	Network: NetworkPolygon,
	Block:   15783457,
	Price:   decimal.RequireFromString("1.55615781978"),
}
