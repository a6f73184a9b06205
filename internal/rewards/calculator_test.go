package rewards

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openlend/lendledger/internal/chain"
	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
)

type mockChainReader struct {
	mock.Mock
}

func (m *mockChainReader) IncentivesController(ctx context.Context, token common.Address, block uint64) (common.Address, error) {
	args := m.Called(ctx, token, block)
	return args.Get(0).(common.Address), args.Error(1)
}

func (m *mockChainReader) RewardToken(ctx context.Context, controller common.Address, block uint64) (common.Address, error) {
	args := m.Called(ctx, controller, block)
	return args.Get(0).(common.Address), args.Error(1)
}

func (m *mockChainReader) PoolInfo(ctx context.Context, controller, pool common.Address, block uint64) (chain.PoolInfo, error) {
	args := m.Called(ctx, controller, pool, block)
	return args.Get(0).(chain.PoolInfo), args.Error(1)
}

func (m *mockChainReader) TotalAllocPoint(ctx context.Context, controller common.Address, block uint64) (*big.Int, error) {
	args := m.Called(ctx, controller, block)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockChainReader) RewardsPerSecond(ctx context.Context, controller common.Address, block uint64) (*big.Int, error) {
	args := m.Called(ctx, controller, block)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockChainReader) AssetEmissionPerSecond(ctx context.Context, controller, asset common.Address, block uint64) (*big.Int, error) {
	args := m.Called(ctx, controller, asset, block)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockChainReader) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(uint8), args.Error(1)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) AssetPriceUSD(ctx context.Context, oracle, asset common.Address, assetDecimals uint8, block uint64) (decimal.Decimal, error) {
	args := m.Called(ctx, oracle, asset, assetDecimals, block)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockResolver) RewardTokenPriceUSD(ctx context.Context, oracle, rewardToken common.Address, rewardDecimals uint8, block uint64) (decimal.Decimal, error) {
	args := m.Called(ctx, oracle, rewardToken, rewardDecimals, block)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

var (
	oracleAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	receiptAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	controllerAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	rewardAddr     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func testDeployment() *config.Deployment {
	return &config.Deployment{
		ID:                     "geist-fantom",
		Network:                config.NetworkFantom,
		RewardStalenessSeconds: 43200,
	}
}

func TestDailyEmission(t *testing.T) {
	// 100/sec shared, this pool holds 30 of 300 alloc points
	got := DailyEmission(big.NewInt(100), big.NewInt(30), big.NewInt(300))
	assert.Equal(t, int64(864000), got.Int64())
}

func TestDailyEmission_TruncatesLikeTheController(t *testing.T) {
	// 100*30/301 truncates to 9 before scaling to a day
	got := DailyEmission(big.NewInt(100), big.NewInt(30), big.NewInt(301))
	assert.Equal(t, int64(9*86400), got.Int64())
}

func TestDailyEmission_ZeroTotalAlloc(t *testing.T) {
	got := DailyEmission(big.NewInt(100), big.NewInt(30), big.NewInt(0))
	assert.True(t, got.Sign() == 0)
}

func TestShouldUpdate(t *testing.T) {
	c := NewCalculator(nil, nil, testDeployment())
	market := &models.Market{LastRewardUpdate: 1000000}

	assert.False(t, c.ShouldUpdate(market, 1000000+43199))
	assert.True(t, c.ShouldUpdate(market, 1000000+43200))
}

func TestMarketEmissions_PoolWeighted(t *testing.T) {
	reader := new(mockChainReader)
	res := new(mockResolver)
	ctx := context.Background()

	market := &models.Market{
		ID:           "geist-fantom:0xunderlying",
		ReceiptToken: receiptAddr.Hex(),
	}

	reader.On("IncentivesController", ctx, receiptAddr, uint64(500)).Return(controllerAddr, nil)
	reader.On("RewardToken", ctx, controllerAddr, uint64(500)).Return(rewardAddr, nil)
	reader.On("AssetEmissionPerSecond", ctx, controllerAddr, receiptAddr, uint64(500)).Return(nil, errors.New("execution reverted"))
	reader.On("RewardsPerSecond", ctx, controllerAddr, uint64(500)).Return(big.NewInt(100), nil)
	reader.On("PoolInfo", ctx, controllerAddr, receiptAddr, uint64(500)).Return(chain.PoolInfo{AllocPoint: big.NewInt(30)}, nil)
	reader.On("TotalAllocPoint", ctx, controllerAddr, uint64(500)).Return(big.NewInt(300), nil)
	reader.On("TokenDecimals", ctx, rewardAddr).Return(uint8(18), nil)
	res.On("RewardTokenPriceUSD", ctx, oracleAddr, rewardAddr, uint8(18), uint64(500)).Return(decimal.NewFromInt(2), nil)

	c := NewCalculator(reader, res, testDeployment())
	emissions, err := c.MarketEmissions(ctx, market, oracleAddr, 500)
	require.NoError(t, err)
	require.Len(t, emissions, 1)

	e := emissions[0]
	assert.Equal(t, models.RewardDeposit, e.RewardType)
	assert.Equal(t, rewardAddr.Hex(), e.RewardToken)
	assert.True(t, e.DailyAmount.Equal(decimal.NewFromInt(864000)), "got %s", e.DailyAmount)
	// 864000 raw at 18 decimals is far below one whole token
	assert.True(t, e.DailyUSD.Equal(decimal.NewFromInt(864000).Div(decimal.New(1, 18)).Mul(decimal.NewFromInt(2))))
	assert.Equal(t, uint64(500), e.UpdatedBlock)
}

func TestMarketEmissions_PerAssetSchedule(t *testing.T) {
	reader := new(mockChainReader)
	res := new(mockResolver)
	ctx := context.Background()

	market := &models.Market{
		ID:           "aave-v2-mainnet:0xunderlying",
		ReceiptToken: receiptAddr.Hex(),
	}

	reader.On("IncentivesController", ctx, receiptAddr, uint64(700)).Return(controllerAddr, nil)
	reader.On("RewardToken", ctx, controllerAddr, uint64(700)).Return(rewardAddr, nil)
	reader.On("AssetEmissionPerSecond", ctx, controllerAddr, receiptAddr, uint64(700)).Return(big.NewInt(10), nil)
	reader.On("TokenDecimals", ctx, rewardAddr).Return(uint8(18), nil)
	res.On("RewardTokenPriceUSD", ctx, oracleAddr, rewardAddr, uint8(18), uint64(700)).Return(decimal.Zero, nil)

	c := NewCalculator(reader, res, testDeployment())
	emissions, err := c.MarketEmissions(ctx, market, oracleAddr, 700)
	require.NoError(t, err)
	require.Len(t, emissions, 1)
	assert.True(t, emissions[0].DailyAmount.Equal(decimal.NewFromInt(864000)))
	reader.AssertNotCalled(t, "RewardsPerSecond", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarketEmissions_NoController(t *testing.T) {
	reader := new(mockChainReader)
	ctx := context.Background()

	market := &models.Market{
		ID:           "aave-v2-mainnet:0xunderlying",
		ReceiptToken: receiptAddr.Hex(),
	}

	reader.On("IncentivesController", ctx, receiptAddr, uint64(900)).Return(common.Address{}, nil)

	c := NewCalculator(reader, new(mockResolver), testDeployment())
	emissions, err := c.MarketEmissions(ctx, market, oracleAddr, 900)
	require.NoError(t, err)
	assert.Empty(t, emissions)
}
