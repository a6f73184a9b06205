package market

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/fixedpoint"
	"github.com/openlend/lendledger/internal/models"
	"github.com/openlend/lendledger/internal/reserveconfig"
)

// ErrMarketExists is returned when a reserve is initialized twice.
var ErrMarketExists = errors.New("market already exists")

// ConfigReader is the chain read lazy risk-parameter decoding needs.
type ConfigReader interface {
	ReserveConfiguration(ctx context.Context, pool, asset common.Address, block uint64) (*big.Int, error)
}

// percentBase scales raw basis-point style fields into percentages.
var percentBase = decimal.NewFromInt(100)

// liquidationBonusBase is the on-chain encoding of "no bonus".
var liquidationBonusBase = decimal.NewFromInt(10000)

// rayOne is the index value of a freshly initialized reserve.
var rayOne = decimal.New(1, fixedpoint.RayDecimals)

// Ledger applies configuration-change events to market state. All
// methods mutate the passed market in storage; revenue and position
// arithmetic live elsewhere.
type Ledger struct {
	repo       Repository
	reader     ConfigReader
	deployment *config.Deployment
	log        *logrus.Entry
}

// NewLedger creates a market ledger for one deployment.
func NewLedger(repo Repository, reader ConfigReader, deployment *config.Deployment) *Ledger {
	return &Ledger{
		repo:       repo,
		reader:     reader,
		deployment: deployment,
		log:        logrus.WithField("component", "market"),
	}
}

// Market loads a market by underlying asset address.
func (l *Ledger) Market(asset string) (*models.Market, error) {
	return l.repo.GetByID(models.MarketID(l.deployment.ID, asset))
}

// MarketByToken loads the market owning any of the given token
// addresses (underlying, receipt or debt).
func (l *Ledger) MarketByToken(address string) (*models.Market, error) {
	return l.repo.GetByToken(l.deployment.ID, address)
}

// CreateMarket registers a freshly initialized reserve. Indices start
// at one ray; risk parameters arrive through later config events.
func (l *Ledger) CreateMarket(underlying, receipt, variableDebt, stableDebt, name string, block, timestamp uint64) (*models.Market, error) {
	id := models.MarketID(l.deployment.ID, underlying)
	existing, err := l.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrMarketExists
	}

	market := &models.Market{
		ID:                  id,
		DeploymentID:        l.deployment.ID,
		UnderlyingAsset:     underlying,
		ReceiptToken:        receipt,
		VariableDebtToken:   variableDebt,
		StableDebtToken:     stableDebt,
		Name:                name,
		LiquidityIndex:      rayOne,
		VariableBorrowIndex: rayOne,
		IsActive:            true,
		CanUseAsCollateral:  true,
		CreatedBlock:        block,
		CreatedTimestamp:    timestamp,
	}
	if err := l.repo.Create(market); err != nil {
		return nil, err
	}
	return market, nil
}

// UpdateCollateralConfig applies an LTV / threshold / bonus change.
// Raw values are out of 10000; a bonus of 10500 reads as a 5% penalty.
func (l *Ledger) UpdateCollateralConfig(market *models.Market, ltv, threshold, bonus *big.Int) error {
	market.MaximumLTV = fixedpoint.FromBig(ltv).Div(percentBase)
	market.LiquidationThreshold = fixedpoint.FromBig(threshold).Div(percentBase)

	penalty := fixedpoint.FromBig(bonus).Sub(liquidationBonusBase).Div(percentBase)
	if penalty.IsNegative() {
		penalty = decimal.Zero
	}
	market.LiquidationPenalty = penalty
	return l.repo.Update(market)
}

// SetBorrowing flips whether the reserve can be borrowed from.
func (l *Ledger) SetBorrowing(market *models.Market, enabled bool) error {
	market.CanBorrowFrom = enabled
	return l.repo.Update(market)
}

// SetActive flips reserve activation.
func (l *Ledger) SetActive(market *models.Market, active bool) error {
	market.IsActive = active
	return l.repo.Update(market)
}

// Freeze disables new borrows and collateral use but leaves the
// reserve active so existing positions can unwind.
func (l *Ledger) Freeze(market *models.Market) error {
	market.CanBorrowFrom = false
	market.CanUseAsCollateral = false
	return l.repo.Update(market)
}

// SetPaused pauses or unpauses every market in the deployment. The
// pre-pause flag 3-tuple is saved on pause and restored verbatim on
// unpause.
func (l *Ledger) SetPaused(paused bool) error {
	markets, err := l.repo.ListAll(l.deployment.ID)
	if err != nil {
		return err
	}
	for _, market := range markets {
		if paused {
			market.PrePauseActive = market.IsActive
			market.PrePauseCollateral = market.CanUseAsCollateral
			market.PrePauseBorrow = market.CanBorrowFrom
			market.IsActive = false
			market.CanUseAsCollateral = false
			market.CanBorrowFrom = false
		} else {
			market.IsActive = market.PrePauseActive
			market.CanUseAsCollateral = market.PrePauseCollateral
			market.CanBorrowFrom = market.PrePauseBorrow
		}
		if err := l.repo.Update(market); err != nil {
			return err
		}
	}
	return nil
}

// SetReserveFactor records an explicit reserve factor change. The raw
// integer's base differs across protocol generations and comes from
// deployment config.
func (l *Ledger) SetReserveFactor(market *models.Market, raw *big.Int) error {
	market.ReserveFactor = decimal.NewNullDecimal(
		fixedpoint.ScaleDown(raw, l.deployment.ReserveFactorExponent))
	return l.repo.Update(market)
}

// SetLiquidationProtocolFee records an explicit protocol fee change,
// raw out of 10000.
func (l *Ledger) SetLiquidationProtocolFee(market *models.Market, raw *big.Int) error {
	market.LiquidationProtocolFee = decimal.NewNullDecimal(fixedpoint.ScaleDown(raw, 4))
	return l.repo.Update(market)
}

// EnsureRiskParameters lazily decodes the reserve factor and the
// liquidation protocol fee from the packed configuration word, but
// only for fields never set by an explicit event. Decoding a field
// that was explicitly observed would mask a later legitimate change.
func (l *Ledger) EnsureRiskParameters(ctx context.Context, market *models.Market, block uint64) error {
	if market.ReserveFactor.Valid && market.LiquidationProtocolFee.Valid {
		return nil
	}

	word, err := l.reader.ReserveConfiguration(ctx, l.deployment.PoolAddress, common.HexToAddress(market.UnderlyingAsset), block)
	if err != nil {
		l.log.WithFields(logrus.Fields{
			"market": market.ID,
			"block":  block,
		}).WithError(err).Warn("Reserve configuration unavailable, risk parameters stay unset")
		return nil
	}

	changed := false
	if !market.ReserveFactor.Valid {
		raw, err := reserveconfig.Decode(word, reserveconfig.ReserveFactorMask, reserveconfig.ReserveFactorStartBit)
		if err != nil {
			l.log.WithField("market", market.ID).WithError(err).Error("Reserve factor decode failed")
		} else {
			market.ReserveFactor = decimal.NewNullDecimal(
				fixedpoint.ScaleDown(raw, l.deployment.ReserveFactorExponent))
			changed = true
		}
	}
	if !market.LiquidationProtocolFee.Valid {
		raw, err := reserveconfig.Decode(word, reserveconfig.LiquidationProtocolFeeMask, reserveconfig.LiquidationProtocolFeeStartBit)
		if err != nil {
			l.log.WithField("market", market.ID).WithError(err).Error("Liquidation protocol fee decode failed")
		} else {
			market.LiquidationProtocolFee = decimal.NewNullDecimal(fixedpoint.ScaleDown(raw, 4))
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return l.repo.Update(market)
}

// ApplyIndexes advances the market's interest indices. Indices only
// compound upward; a regressing liquidity index is rejected and
// reported so the caller skips revenue for the event.
func (l *Ledger) ApplyIndexes(market *models.Market, liquidityIndex, variableBorrowIndex *big.Int) (oldIndex decimal.Decimal, ok bool) {
	oldIndex = market.LiquidityIndex
	newIndex := fixedpoint.FromBig(liquidityIndex)
	if newIndex.LessThan(oldIndex) {
		l.log.WithFields(logrus.Fields{
			"market": market.ID,
			"old":    oldIndex.String(),
			"new":    newIndex.String(),
		}).Warn("Liquidity index regression, update skipped")
		return oldIndex, false
	}
	market.LiquidityIndex = newIndex
	market.VariableBorrowIndex = fixedpoint.FromBig(variableBorrowIndex)
	return oldIndex, true
}

// SetRates stores the normalized per-period percentage rates.
func (l *Ledger) SetRates(market *models.Market, lender, variableBorrower, stableBorrower decimal.Decimal) {
	market.LenderRate = decimal.NewNullDecimal(lender)
	market.VariableBorrowerRate = decimal.NewNullDecimal(variableBorrower)
	market.StableBorrowerRate = decimal.NewNullDecimal(stableBorrower)
}

// AddRevenue accrues a revenue delta onto the market's cumulative
// figures. Persistence is the caller's job; revenue is always part of
// a larger single-event update.
func (l *Ledger) AddRevenue(market *models.Market, total, protocol, supply decimal.Decimal) {
	market.CumulativeTotalRevenueUSD = market.CumulativeTotalRevenueUSD.Add(total)
	market.CumulativeProtocolSideRevenueUSD = market.CumulativeProtocolSideRevenueUSD.Add(protocol)
	market.CumulativeSupplySideRevenueUSD = market.CumulativeSupplySideRevenueUSD.Add(supply)
}

// Save persists the market.
func (l *Ledger) Save(market *models.Market) error {
	return l.repo.Update(market)
}
