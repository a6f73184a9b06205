package dispatch

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/openlend/lendledger/internal/chain"
	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
	"github.com/openlend/lendledger/internal/rewards"
)

const (
	daiAddr     = "0x6b175474e89094c44da98b954eedeac495271d0f"
	aDaiAddr    = "0x028171bca77440897b824ca71d1c56cac55b68a3"
	vDaiAddr    = "0x6c3c78838c761c6ac7be9f59fe808ea2a6e4379d"
	sDaiAddr    = "0x778a13d3eeb110a4f7bb6529f99c000119a08e92"
	wbtcAddr    = "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599"
	aWbtcAddr   = "0x9ff58f4ffb29fa2266ab25e75e2a8b3503311656"
	vWbtcAddr   = "0x9c39809dec7f95f5e0713634a4d0701329b3b4d2"
	oracleHex   = "0xa50ba011c48153de246e5192c8f9258a2ba79ca9"
	userAddr    = "0x1111111111111111111111111111111111111111"
	user2Addr   = "0x2222222222222222222222222222222222222222"
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// stubCaller answers chain reads from fixture maps; everything else
// reverts like an unsupported contract would.
type stubCaller struct {
	balances map[string]*big.Int // token+account
	supplies map[string]*big.Int
	prices   map[string]*big.Int // oracle+asset
	decimals map[string]uint8    // default 18
}

func newStubCaller() *stubCaller {
	return &stubCaller{
		balances: make(map[string]*big.Int),
		supplies: make(map[string]*big.Int),
		prices:   make(map[string]*big.Int),
		decimals: make(map[string]uint8),
	}
}

func (c *stubCaller) setBalance(tokenAddr, accountAddr string, v int64) {
	c.balances[tokenAddr+accountAddr] = big.NewInt(v)
}

func (c *stubCaller) setDecimals(tokenAddr string, d uint8) {
	c.decimals[common.HexToAddress(tokenAddr).Hex()] = d
}

var errReverted = errors.New("execution reverted")

func (c *stubCaller) AssetPrice(ctx context.Context, oracle, asset common.Address, block uint64) (*big.Int, error) {
	if p, ok := c.prices[oracle.Hex()+asset.Hex()]; ok {
		return new(big.Int).Set(p), nil
	}
	return nil, errReverted
}

func (c *stubCaller) FallbackOracle(ctx context.Context, oracle common.Address, block uint64) (common.Address, error) {
	return common.Address{}, nil
}

func (c *stubCaller) TotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error) {
	return nil, errReverted
}

func (c *stubCaller) ScaledTotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error) {
	if s, ok := c.supplies[common.HexToAddress(token.Hex()).Hex()]; ok {
		return new(big.Int).Set(s), nil
	}
	return nil, errReverted
}

func (c *stubCaller) BalanceOf(ctx context.Context, token, account common.Address, block uint64) (*big.Int, error) {
	if b, ok := c.balances[token.Hex()+account.Hex()]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *stubCaller) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if d, ok := c.decimals[token.Hex()]; ok {
		return d, nil
	}
	return 18, nil
}

func (c *stubCaller) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	return "TST", nil
}

func (c *stubCaller) TokenName(ctx context.Context, token common.Address) (string, error) {
	return "Test Token", nil
}

func (c *stubCaller) ReserveConfiguration(ctx context.Context, pool, asset common.Address, block uint64) (*big.Int, error) {
	return nil, errReverted
}

func (c *stubCaller) IncentivesController(ctx context.Context, token common.Address, block uint64) (common.Address, error) {
	return common.Address{}, nil
}

func (c *stubCaller) RewardToken(ctx context.Context, controller common.Address, block uint64) (common.Address, error) {
	return common.Address{}, errReverted
}

func (c *stubCaller) StakedToken(ctx context.Context, token common.Address, block uint64) (common.Address, error) {
	return common.Address{}, errReverted
}

func (c *stubCaller) PoolInfo(ctx context.Context, controller, pool common.Address, block uint64) (chain.PoolInfo, error) {
	return chain.PoolInfo{}, errReverted
}

func (c *stubCaller) TotalAllocPoint(ctx context.Context, controller common.Address, block uint64) (*big.Int, error) {
	return nil, errReverted
}

func (c *stubCaller) RewardsPerSecond(ctx context.Context, controller common.Address, block uint64) (*big.Int, error) {
	return nil, errReverted
}

func (c *stubCaller) AssetEmissionPerSecond(ctx context.Context, controller, asset common.Address, block uint64) (*big.Int, error) {
	return nil, errReverted
}

// stubResolver values assets from a fixture map, falling back to a
// fixed USD price.
type stubResolver struct {
	price  decimal.Decimal
	prices map[string]decimal.Decimal
}

func (r *stubResolver) setPrice(asset string, price decimal.Decimal) {
	if r.prices == nil {
		r.prices = make(map[string]decimal.Decimal)
	}
	r.prices[common.HexToAddress(asset).Hex()] = price
}

func (r *stubResolver) AssetPriceUSD(ctx context.Context, oracle, asset common.Address, assetDecimals uint8, block uint64) (decimal.Decimal, error) {
	if p, ok := r.prices[asset.Hex()]; ok {
		return p, nil
	}
	return r.price, nil
}

func (r *stubResolver) RewardTokenPriceUSD(ctx context.Context, oracle, rewardToken common.Address, rewardDecimals uint8, block uint64) (decimal.Decimal, error) {
	return r.price, nil
}

type DispatcherTestSuite struct {
	suite.Suite
	db         *gorm.DB
	caller     *stubCaller
	resolver   *stubResolver
	dispatcher *Dispatcher
	ctx        context.Context
}

func (suite *DispatcherTestSuite) SetupTest() {
	// Use in-memory SQLite for testing with pure Go driver
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: "file::memory:"}, &gorm.Config{})
	suite.Require().NoError(err)

	err = db.AutoMigrate(
		&models.Deployment{},
		&models.Token{},
		&models.Market{},
		&models.Account{},
		&models.PositionCounter{},
		&models.Position{},
		&models.PositionSnapshot{},
		&models.RewardEmission{},
		&models.Activity{},
	)
	suite.Require().NoError(err)

	deployment := &config.Deployment{
		ID:                     "aave-v2-mainnet",
		Network:                config.NetworkMainnet,
		PriceMode:              config.PriceModeUSDScaled,
		PriceExponent:          8,
		ReserveFactorExponent:  2,
		RewardStalenessSeconds: 43200,
	}

	suite.db = db
	suite.caller = newStubCaller()
	suite.resolver = &stubResolver{price: decimal.NewFromInt(2)}
	calculator := rewards.NewCalculator(suite.caller, suite.resolver, deployment)
	suite.dispatcher = NewDispatcher(db, suite.caller, suite.resolver, calculator, deployment)
	suite.ctx = context.Background()
}

func (suite *DispatcherTestSuite) apply(block uint64, tx string, p Payload) {
	err := suite.dispatcher.Apply(suite.ctx, Event{
		Block:     block,
		Timestamp: block * 12,
		TxHash:    tx,
		Payload:   p,
	})
	suite.Require().NoError(err)
}

func (suite *DispatcherTestSuite) initMarket() {
	suite.apply(100, "0xinit", &ReserveInitialized{
		Asset:             daiAddr,
		ReceiptToken:      aDaiAddr,
		VariableDebtToken: vDaiAddr,
		StableDebtToken:   sDaiAddr,
	})
	suite.apply(101, "0xoracle", &OracleUpdated{Oracle: oracleHex})
}

func (suite *DispatcherTestSuite) market() *models.Market {
	var mkt models.Market
	err := suite.db.First(&mkt, "id = ?", "aave-v2-mainnet:"+daiAddr).Error
	suite.Require().NoError(err)
	return &mkt
}

func (suite *DispatcherTestSuite) TestReserveInitialized() {
	suite.initMarket()

	mkt := suite.market()
	suite.Equal(daiAddr, mkt.UnderlyingAsset)
	suite.Equal(aDaiAddr, mkt.ReceiptToken)
	suite.True(mkt.LiquidityIndex.Equal(decimal.New(1, 27)))
	suite.True(mkt.IsActive)

	var tokens []models.Token
	suite.Require().NoError(suite.db.Find(&tokens).Error)
	suite.Len(tokens, 4)
}

func (suite *DispatcherTestSuite) TestDepositOpensPosition() {
	suite.initMarket()
	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 1000)

	suite.apply(110, "0xdep", &Deposit{
		Asset:   daiAddr,
		Account: userAddr,
		Amount:  BigInt{*big.NewInt(1000)},
	})

	var positions []models.Position
	suite.Require().NoError(suite.db.Find(&positions).Error)
	suite.Require().Len(positions, 1)
	suite.Equal(models.SideCollateral, positions[0].Side)
	suite.True(positions[0].Balance.Equal(decimal.NewFromInt(1000)))
	suite.False(positions[0].Closed)

	var snapshots []models.PositionSnapshot
	suite.Require().NoError(suite.db.Find(&snapshots).Error)
	suite.Len(snapshots, 1)

	var record models.Deployment
	suite.Require().NoError(suite.db.First(&record, "id = ?", "aave-v2-mainnet").Error)
	suite.Equal(1, record.CumulativeUniqueUsers)
	suite.Equal(1, record.OpenPositionCount)

	var activities []models.Activity
	suite.Require().NoError(suite.db.Find(&activities).Error)
	suite.Require().Len(activities, 1)
	suite.Equal(models.TxDeposit, activities[0].Type)
	suite.True(activities[0].Amount.Equal(decimal.NewFromInt(1000)))
}

func (suite *DispatcherTestSuite) TestWithdrawToZeroClosesAndReopens() {
	suite.initMarket()
	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 1000)
	suite.apply(110, "0xdep", &Deposit{Asset: daiAddr, Account: userAddr, Amount: BigInt{*big.NewInt(1000)}})

	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 0)
	suite.apply(120, "0xwd", &Withdraw{Asset: daiAddr, Account: userAddr, Amount: BigInt{*big.NewInt(1000)}})

	var closed models.Position
	suite.Require().NoError(suite.db.First(&closed, "closed = ?", true).Error)
	suite.Equal("0xwd", closed.HashClosed)

	// reopening the tuple produces a new position id
	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 500)
	suite.apply(130, "0xdep2", &Deposit{Asset: daiAddr, Account: userAddr, Amount: BigInt{*big.NewInt(500)}})

	var positions []models.Position
	suite.Require().NoError(suite.db.Find(&positions).Error)
	suite.Len(positions, 2)
	suite.NotEqual(positions[0].ID, positions[1].ID)
}

func (suite *DispatcherTestSuite) TestReserveDataUpdatedAccruesRevenue() {
	suite.initMarket()

	mkt := suite.market()
	mkt.ReserveFactor = decimal.NewNullDecimal(decimal.RequireFromString("0.1"))
	suite.Require().NoError(suite.db.Save(mkt).Error)

	// 1000 units scaled supply at 18 decimals
	suite.caller.supplies[common.HexToAddress(aDaiAddr).Hex()] = new(big.Int).Mul(big.NewInt(1000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	newIndex, _ := new(big.Int).SetString("1010000000000000000000000000", 10)
	rate, _ := new(big.Int).SetString("50000000000000000000000000", 10)
	suite.apply(140, "0xdata", &ReserveDataUpdated{
		Asset:               daiAddr,
		LiquidityIndex:      BigInt{*newIndex},
		VariableBorrowIndex: BigInt{*newIndex},
		LiquidityRate:       BigInt{*rate},
		VariableBorrowRate:  BigInt{*rate},
		StableBorrowRate:    BigInt{*rate},
	})

	mkt = suite.market()
	// 1000 * 0.01 * $2 = $20 total, 10% reserve factor
	suite.True(mkt.CumulativeTotalRevenueUSD.Equal(decimal.NewFromInt(20)), "got %s", mkt.CumulativeTotalRevenueUSD)
	suite.True(mkt.CumulativeProtocolSideRevenueUSD.Equal(decimal.NewFromInt(2)))
	suite.True(mkt.CumulativeSupplySideRevenueUSD.Equal(decimal.NewFromInt(18)))
	suite.True(mkt.LenderRate.Decimal.Equal(decimal.NewFromInt(5)))

	var record models.Deployment
	suite.Require().NoError(suite.db.First(&record, "id = ?", "aave-v2-mainnet").Error)
	suite.True(record.CumulativeTotalRevenueUSD.Equal(decimal.NewFromInt(20)))
}

func (suite *DispatcherTestSuite) TestReserveDataUpdatedIndexRegression() {
	suite.initMarket()

	newIndex, _ := new(big.Int).SetString("1010000000000000000000000000", 10)
	suite.apply(140, "0xdata", &ReserveDataUpdated{
		Asset:               daiAddr,
		LiquidityIndex:      BigInt{*newIndex},
		VariableBorrowIndex: BigInt{*newIndex},
	})

	lower, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	suite.apply(150, "0xdata2", &ReserveDataUpdated{
		Asset:               daiAddr,
		LiquidityIndex:      BigInt{*lower},
		VariableBorrowIndex: BigInt{*lower},
	})

	mkt := suite.market()
	suite.True(mkt.LiquidityIndex.Equal(decimal.RequireFromString("1010000000000000000000000000")))
}

func (suite *DispatcherTestSuite) TestBalanceTransferSkipsMintAndSelf() {
	suite.initMarket()

	suite.apply(160, "0xmint", &BalanceTransfer{Token: aDaiAddr, From: zeroAddress, To: userAddr, Amount: BigInt{*big.NewInt(10)}})
	suite.apply(161, "0xself", &BalanceTransfer{Token: aDaiAddr, From: userAddr, To: userAddr, Amount: BigInt{*big.NewInt(10)}})

	var count int64
	suite.Require().NoError(suite.db.Model(&models.Position{}).Count(&count).Error)
	suite.Zero(count)
}

func (suite *DispatcherTestSuite) TestBalanceTransferMovesPosition() {
	suite.initMarket()
	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 1000)
	suite.apply(110, "0xdep", &Deposit{Asset: daiAddr, Account: userAddr, Amount: BigInt{*big.NewInt(1000)}})

	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 600)
	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(user2Addr).Hex(), 400)
	suite.apply(170, "0xxfer", &BalanceTransfer{Token: aDaiAddr, From: userAddr, To: user2Addr, Amount: BigInt{*big.NewInt(400)}})

	var positions []models.Position
	suite.Require().NoError(suite.db.Order("account_id").Find(&positions).Error)
	suite.Require().Len(positions, 2)
	suite.True(positions[0].Balance.Equal(decimal.NewFromInt(600)))
	suite.Equal(1, positions[0].TransferredCount)
	suite.True(positions[1].Balance.Equal(decimal.NewFromInt(400)))
	suite.Equal(1, positions[1].ReceivedCount)
}

func (suite *DispatcherTestSuite) TestCollateralUsageChanged() {
	suite.initMarket()
	suite.caller.setBalance(common.HexToAddress(aDaiAddr).Hex(), common.HexToAddress(userAddr).Hex(), 1000)
	suite.apply(110, "0xdep", &Deposit{Asset: daiAddr, Account: userAddr, Amount: BigInt{*big.NewInt(1000)}})

	suite.apply(180, "0xdis", &CollateralUsageChanged{Asset: daiAddr, Account: userAddr, Enabled: false})

	var pos models.Position
	suite.Require().NoError(suite.db.First(&pos).Error)
	suite.False(pos.IsCollateral)

	var acct models.Account
	suite.Require().NoError(suite.db.First(&acct, "address = ?", userAddr).Error)
	suite.Empty(acct.EnabledCollaterals)
}

func (suite *DispatcherTestSuite) TestLiquidationValuesDebtSideInDebtMarketTerms() {
	suite.initMarket()
	suite.apply(102, "0xinit2", &ReserveInitialized{
		Asset:             wbtcAddr,
		ReceiptToken:      aWbtcAddr,
		VariableDebtToken: vWbtcAddr,
	})

	suite.caller.setDecimals(wbtcAddr, 8)
	suite.resolver.setPrice(wbtcAddr, decimal.NewFromInt(60000))
	suite.resolver.setPrice(daiAddr, decimal.NewFromInt(1))

	exp18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// borrower holds 2 WBTC collateral and owes 1500 DAI
	suite.caller.setBalance(common.HexToAddress(aWbtcAddr).Hex(), common.HexToAddress(userAddr).Hex(), 200000000)
	suite.apply(110, "0xdep", &Deposit{Asset: wbtcAddr, Account: userAddr, Amount: BigInt{*big.NewInt(200000000)}})

	debt := new(big.Int).Mul(big.NewInt(1500), exp18)
	suite.caller.balances[common.HexToAddress(vDaiAddr).Hex()+common.HexToAddress(userAddr).Hex()] = debt
	suite.apply(111, "0xborrow", &Borrow{Asset: daiAddr, Account: userAddr, Amount: BigInt{*debt}, RateType: models.RateVariable})

	// liquidation seizes 1 WBTC against 500 DAI of debt, leaving 1 WBTC
	// collateral and 1000 DAI owing
	suite.caller.setBalance(common.HexToAddress(aWbtcAddr).Hex(), common.HexToAddress(userAddr).Hex(), 100000000)
	suite.caller.balances[common.HexToAddress(vDaiAddr).Hex()+common.HexToAddress(userAddr).Hex()] = new(big.Int).Mul(big.NewInt(1000), exp18)
	suite.caller.setBalance(common.HexToAddress(aWbtcAddr).Hex(), common.HexToAddress(user2Addr).Hex(), 100000000)

	suite.apply(120, "0xliq", &Liquidation{
		CollateralAsset: wbtcAddr,
		DebtAsset:       daiAddr,
		Borrower:        userAddr,
		Liquidator:      user2Addr,
		AmountSeized:    BigInt{*big.NewInt(100000000)},
		DebtRepaid:      BigInt{*new(big.Int).Mul(big.NewInt(500), exp18)},
		DebtRateType:    models.RateVariable,
	})

	borrowerID := "aave-v2-mainnet:" + userAddr

	// the remaining 1000 DAI debt snapshots at the debt market's own
	// price and decimals, not the seized collateral's
	var debtPos models.Position
	suite.Require().NoError(suite.db.First(&debtPos,
		"market_id = ? AND account_id = ? AND side = ?",
		"aave-v2-mainnet:"+daiAddr, borrowerID, models.SideBorrower).Error)

	var debtSnap models.PositionSnapshot
	suite.Require().NoError(suite.db.First(&debtSnap,
		"position_id = ? AND block_number = ?", debtPos.ID, 120).Error)
	suite.True(debtSnap.BalanceUSD.Equal(decimal.NewFromInt(1000)), "got %s", debtSnap.BalanceUSD)

	// the remaining 1 WBTC collateral snapshots at the collateral price
	var collateralPos models.Position
	suite.Require().NoError(suite.db.First(&collateralPos,
		"market_id = ? AND account_id = ? AND side = ?",
		"aave-v2-mainnet:"+wbtcAddr, borrowerID, models.SideCollateral).Error)

	var collateralSnap models.PositionSnapshot
	suite.Require().NoError(suite.db.First(&collateralSnap,
		"position_id = ? AND block_number = ?", collateralPos.ID, 120).Error)
	suite.True(collateralSnap.BalanceUSD.Equal(decimal.NewFromInt(60000)), "got %s", collateralSnap.BalanceUSD)
}

func (suite *DispatcherTestSuite) TestMissingMarketSkipped() {
	// no market initialized; event must not error or write
	suite.apply(200, "0xdep", &Deposit{Asset: daiAddr, Account: userAddr, Amount: BigInt{*big.NewInt(1)}})

	var count int64
	suite.Require().NoError(suite.db.Model(&models.Position{}).Count(&count).Error)
	suite.Zero(count)
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func TestDecodeEvent(t *testing.T) {
	data := []byte(`{
		"kind": "deposit",
		"block": 123,
		"timestamp": 1700000000,
		"tx_hash": "0xabc",
		"log_index": 4,
		"payload": {"asset": "0xdai", "account": "0xuser", "amount": "123456789012345678901234567890"}
	}`)

	event, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	dep, ok := event.Payload.(*Deposit)
	if !ok {
		t.Fatalf("expected *Deposit, got %T", event.Payload)
	}
	if dep.Amount.String() != "123456789012345678901234567890" {
		t.Fatalf("amount mismatch: %s", dep.Amount.String())
	}
	if event.Block != 123 || event.LogIndex != 4 {
		t.Fatal("envelope fields not decoded")
	}
}

func TestDecodeEvent_UnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"kind": "unheard_of"}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
