package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/fixedpoint"
)

// Reader is the subset of chain reads price resolution needs.
type Reader interface {
	AssetPrice(ctx context.Context, oracle, asset common.Address, block uint64) (*big.Int, error)
	FallbackOracle(ctx context.Context, oracle common.Address, block uint64) (common.Address, error)
	StakedToken(ctx context.Context, token common.Address, block uint64) (common.Address, error)
}

// Resolver turns oracle quotes into USD prices. Resolution is
// deterministic for a given (oracle, asset, block) tuple, so results
// are memoized.
type Resolver interface {
	// AssetPriceUSD resolves the USD price of an asset at a block.
	// A zero price is a valid answer (unpriceable asset); errors are
	// reserved for transport failures the caller may want to retry.
	AssetPriceUSD(ctx context.Context, oracle, asset common.Address, assetDecimals uint8, block uint64) (decimal.Decimal, error)
	// RewardTokenPriceUSD resolves a reward token, falling back to the
	// underlying of a staked derivative when the token itself has no feed.
	RewardTokenPriceUSD(ctx context.Context, oracle, rewardToken common.Address, rewardDecimals uint8, block uint64) (decimal.Decimal, error)
}

const priceCacheTTL = time.Hour

type resolver struct {
	reader     Reader
	cache      *redis.Client
	deployment *config.Deployment
}

// NewResolver creates a price resolver for one deployment. The cache
// may be nil, in which case every lookup hits the chain.
func NewResolver(reader Reader, cache *redis.Client, deployment *config.Deployment) Resolver {
	return &resolver{reader: reader, cache: cache, deployment: deployment}
}

func (r *resolver) AssetPriceUSD(ctx context.Context, oracle, asset common.Address, assetDecimals uint8, block uint64) (decimal.Decimal, error) {
	if price, ok := r.deployment.OverrideAt(block); ok {
		return price, nil
	}

	key := fmt.Sprintf("price:%s:%s:%s:%d", r.deployment.ID, oracle.Hex(), asset.Hex(), block)
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, key).Result(); err == nil {
			if price, err := decimal.NewFromString(cached); err == nil {
				return price, nil
			}
		}
	}

	raw := r.rawPrice(ctx, oracle, asset, block)
	price := r.normalize(ctx, oracle, asset, raw, assetDecimals, block)

	if r.cache != nil {
		r.cache.Set(ctx, key, price.String(), priceCacheTTL)
	}
	return price, nil
}

func (r *resolver) RewardTokenPriceUSD(ctx context.Context, oracle, rewardToken common.Address, rewardDecimals uint8, block uint64) (decimal.Decimal, error) {
	price, err := r.AssetPriceUSD(ctx, oracle, rewardToken, rewardDecimals, block)
	if err != nil {
		return decimal.Zero, err
	}
	if price.IsPositive() {
		return price, nil
	}

	// Staked reward derivatives have no feed of their own; price the
	// token they wrap instead.
	staked, err := r.reader.StakedToken(ctx, rewardToken, block)
	if err != nil || staked == (common.Address{}) {
		return price, nil
	}
	return r.AssetPriceUSD(ctx, oracle, staked, rewardDecimals, block)
}

// rawPrice walks the oracle chain: the primary feed first, then the
// registered fallback oracle. A zero result means no feed answered.
func (r *resolver) rawPrice(ctx context.Context, oracle, asset common.Address, block uint64) *big.Int {
	raw, err := r.reader.AssetPrice(ctx, oracle, asset, block)
	if err == nil && raw.Sign() > 0 {
		return raw
	}

	fallback, err := r.reader.FallbackOracle(ctx, oracle, block)
	if err != nil || fallback == (common.Address{}) {
		return new(big.Int)
	}
	raw, err = r.reader.AssetPrice(ctx, fallback, asset, block)
	if err != nil || raw.Sign() <= 0 {
		return new(big.Int)
	}
	return raw
}

func (r *resolver) normalize(ctx context.Context, oracle, asset common.Address, raw *big.Int, assetDecimals uint8, block uint64) decimal.Decimal {
	if raw.Sign() == 0 {
		return decimal.Zero
	}

	switch r.deployment.PriceMode {
	case config.PriceModeETHQuoted:
		// the reference quote comes from the primary feed only; the
		// fallback oracle is never consulted for the stablecoin
		refRaw, err := r.reader.AssetPrice(ctx, oracle, r.deployment.ReferenceStablecoin, block)
		if err != nil || refRaw.Sign() <= 0 {
			logrus.WithFields(logrus.Fields{
				"deployment": r.deployment.ID,
				"asset":      asset.Hex(),
				"block":      block,
			}).Warn("Reference stablecoin has no price, asset left unpriced")
			return decimal.Zero
		}
		return fixedpoint.FromBig(raw).Div(fixedpoint.FromBig(refRaw))

	case config.PriceModeUSDScaled:
		return fixedpoint.ScaleDown(raw, r.deployment.PriceExponent)

	default:
		logrus.WithFields(logrus.Fields{
			"deployment": r.deployment.ID,
			"asset":      asset.Hex(),
			"block":      block,
		}).Warn("Unknown oracle unit, normalizing by asset decimals")
		return fixedpoint.ScaleDown(raw, int32(assetDecimals))
	}
}
