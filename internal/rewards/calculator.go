package rewards

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openlend/lendledger/internal/chain"
	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/fixedpoint"
	"github.com/openlend/lendledger/internal/models"
	"github.com/openlend/lendledger/internal/oracle"
)

const secondsPerDay = 86400

// ChainReader is the subset of chain reads emission math needs.
type ChainReader interface {
	IncentivesController(ctx context.Context, token common.Address, block uint64) (common.Address, error)
	RewardToken(ctx context.Context, controller common.Address, block uint64) (common.Address, error)
	PoolInfo(ctx context.Context, controller, pool common.Address, block uint64) (chain.PoolInfo, error)
	TotalAllocPoint(ctx context.Context, controller common.Address, block uint64) (*big.Int, error)
	RewardsPerSecond(ctx context.Context, controller common.Address, block uint64) (*big.Int, error)
	AssetEmissionPerSecond(ctx context.Context, controller, asset common.Address, block uint64) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Calculator recomputes a market's current daily reward emissions from
// its incentives controllers. Results replace the previous figures;
// emissions are a rate, not an accumulator.
type Calculator struct {
	reader     ChainReader
	resolver   oracle.Resolver
	deployment *config.Deployment
}

// NewCalculator creates an emission calculator for one deployment.
func NewCalculator(reader ChainReader, resolver oracle.Resolver, deployment *config.Deployment) *Calculator {
	return &Calculator{reader: reader, resolver: resolver, deployment: deployment}
}

// ShouldUpdate reports whether the market's emissions are stale enough
// to recompute. Controllers answer the same numbers for hours; the
// guard keeps contract traffic proportional to real change.
func (c *Calculator) ShouldUpdate(market *models.Market, now uint64) bool {
	return now >= market.LastRewardUpdate+c.deployment.RewardStalenessSeconds
}

// DailyEmission converts a shared per-second reward rate into this
// pool's daily amount via its allocation weight. Integer math
// throughout, truncating like the controller contract does.
func DailyEmission(rewardsPerSecond, allocPoint, totalAllocPoint *big.Int) *big.Int {
	if totalAllocPoint == nil || totalAllocPoint.Sign() == 0 {
		return new(big.Int)
	}
	daily := new(big.Int).Mul(rewardsPerSecond, allocPoint)
	daily.Div(daily, totalAllocPoint)
	return daily.Mul(daily, big.NewInt(secondsPerDay))
}

// MarketEmissions computes the current daily emissions for every
// incentivized side of a market, sorted by reward token then type.
// Sides without a controller are simply absent from the result.
func (c *Calculator) MarketEmissions(ctx context.Context, market *models.Market, oracleAddr common.Address, block uint64) ([]models.RewardEmission, error) {
	sides := []struct {
		token      string
		rewardType models.RewardType
	}{
		{market.ReceiptToken, models.RewardDeposit},
		{market.VariableDebtToken, models.RewardVariableBorrow},
		{market.StableDebtToken, models.RewardStableBorrow},
	}

	var emissions []models.RewardEmission
	for _, side := range sides {
		if side.token == "" {
			continue
		}
		emission, ok := c.sideEmission(ctx, market, common.HexToAddress(side.token), side.rewardType, oracleAddr, block)
		if ok {
			emissions = append(emissions, emission)
		}
	}

	sort.Slice(emissions, func(i, j int) bool {
		if emissions[i].RewardToken != emissions[j].RewardToken {
			return emissions[i].RewardToken < emissions[j].RewardToken
		}
		return emissions[i].RewardType < emissions[j].RewardType
	})
	return emissions, nil
}

func (c *Calculator) sideEmission(ctx context.Context, market *models.Market, sideToken common.Address, rewardType models.RewardType, oracleAddr common.Address, block uint64) (models.RewardEmission, bool) {
	controller, err := c.reader.IncentivesController(ctx, sideToken, block)
	if err != nil || controller == (common.Address{}) {
		return models.RewardEmission{}, false
	}

	rewardToken, err := c.reader.RewardToken(ctx, controller, block)
	if err != nil || rewardToken == (common.Address{}) {
		return models.RewardEmission{}, false
	}

	daily := c.dailyAmount(ctx, controller, sideToken, block)

	decimals, err := c.reader.TokenDecimals(ctx, rewardToken)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"deployment":   c.deployment.ID,
			"reward_token": rewardToken.Hex(),
		}).WithError(err).Warn("Reward token decimals unavailable, assuming 18")
		decimals = 18
	}

	priceUSD, err := c.resolver.RewardTokenPriceUSD(ctx, oracleAddr, rewardToken, decimals, block)
	if err != nil {
		priceUSD = decimal.Zero
	}

	dailyDec := fixedpoint.FromBig(daily)
	return models.RewardEmission{
		ID:           models.RewardEmissionID(market.ID, rewardToken.Hex(), rewardType),
		DeploymentID: c.deployment.ID,
		MarketID:     market.ID,
		RewardToken:  rewardToken.Hex(),
		RewardType:   rewardType,
		DailyAmount:  dailyDec,
		DailyUSD:     dailyDec.Div(fixedpoint.Exponent(int32(decimals))).Mul(priceUSD),
		UpdatedBlock: block,
	}, true
}

// dailyAmount probes the two controller generations: per-asset
// emission schedules first, then pool-weighted shared rates. A
// controller answers exactly one of the two shapes.
func (c *Calculator) dailyAmount(ctx context.Context, controller, sideToken common.Address, block uint64) *big.Int {
	if perSecond, err := c.reader.AssetEmissionPerSecond(ctx, controller, sideToken, block); err == nil {
		return new(big.Int).Mul(perSecond, big.NewInt(secondsPerDay))
	}

	perSecond, err := c.reader.RewardsPerSecond(ctx, controller, block)
	if err != nil {
		return new(big.Int)
	}
	info, err := c.reader.PoolInfo(ctx, controller, sideToken, block)
	if err != nil {
		return new(big.Int)
	}
	total, err := c.reader.TotalAllocPoint(ctx, controller, block)
	if err != nil {
		return new(big.Int)
	}
	return DailyEmission(perSecond, info.AllocPoint, total)
}
