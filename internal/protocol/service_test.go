package protocol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Create(deployment *models.Deployment) error {
	return m.Called(deployment).Error(0)
}

func (m *mockRepository) GetByID(id string) (*models.Deployment, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Deployment), args.Error(1)
}

func (m *mockRepository) Update(deployment *models.Deployment) error {
	return m.Called(deployment).Error(0)
}

func newTestService(repo Repository) Service {
	return NewService(repo, &config.Deployment{ID: "aave-v2-mainnet", Network: config.NetworkMainnet})
}

func TestGetOrCreate_FirstUse(t *testing.T) {
	repo := new(mockRepository)
	repo.On("GetByID", "aave-v2-mainnet").Return(nil, nil)
	repo.On("Create", mock.AnythingOfType("*models.Deployment")).Return(nil)

	svc := newTestService(repo)
	record, err := svc.GetOrCreate()
	require.NoError(t, err)

	assert.Equal(t, "aave-v2-mainnet", record.ID)
	assert.Equal(t, config.NetworkMainnet, record.Network)
}

func TestGetOrCreate_Existing(t *testing.T) {
	repo := new(mockRepository)
	existing := &models.Deployment{ID: "aave-v2-mainnet", DefaultOracle: "0xoracle"}
	repo.On("GetByID", "aave-v2-mainnet").Return(existing, nil)

	svc := newTestService(repo)
	record, err := svc.GetOrCreate()
	require.NoError(t, err)

	assert.Same(t, existing, record)
	repo.AssertNotCalled(t, "Create", mock.Anything)
}

func TestSetDefaultOracle_ReplacesWholesale(t *testing.T) {
	repo := new(mockRepository)
	repo.On("Update", mock.Anything).Return(nil)

	svc := newTestService(repo)
	record := &models.Deployment{DefaultOracle: "0xold"}
	require.NoError(t, svc.SetDefaultOracle(record, "0xnew"))

	assert.Equal(t, "0xnew", record.DefaultOracle)
}

func TestSetFlashLoanPremiums(t *testing.T) {
	repo := new(mockRepository)
	repo.On("Update", mock.Anything).Return(nil)

	svc := newTestService(repo)
	record := &models.Deployment{}
	require.NoError(t, svc.SetFlashLoanPremiums(record,
		decimal.RequireFromString("0.0009"),
		decimal.RequireFromString("0.5")))

	require.True(t, record.FlashLoanPremiumRateTotal.Valid)
	assert.True(t, record.FlashLoanPremiumRateTotal.Decimal.Equal(decimal.RequireFromString("0.0009")))
	assert.True(t, record.FlashLoanPremiumRateToProtocol.Decimal.Equal(decimal.RequireFromString("0.5")))
}

func TestAddRevenue_Accumulates(t *testing.T) {
	svc := newTestService(new(mockRepository))
	record := &models.Deployment{}

	svc.AddRevenue(record, decimal.NewFromInt(20), decimal.NewFromInt(2), decimal.NewFromInt(18))
	svc.AddRevenue(record, decimal.NewFromInt(10), decimal.NewFromInt(1), decimal.NewFromInt(9))

	assert.True(t, record.CumulativeTotalRevenueUSD.Equal(decimal.NewFromInt(30)))
	assert.True(t, record.CumulativeProtocolSideRevenueUSD.Equal(decimal.NewFromInt(3)))
	assert.True(t, record.CumulativeSupplySideRevenueUSD.Equal(decimal.NewFromInt(27)))
}

func TestAddVolume_PerType(t *testing.T) {
	svc := newTestService(new(mockRepository))
	record := &models.Deployment{}

	svc.AddVolume(record, models.TxDeposit, decimal.NewFromInt(100))
	svc.AddVolume(record, models.TxBorrow, decimal.NewFromInt(40))
	svc.AddVolume(record, models.TxLiquidate, decimal.NewFromInt(7))
	svc.AddVolume(record, models.TxFlashLoan, decimal.NewFromInt(3))
	// withdrawals and repayments do not move cumulative volume
	svc.AddVolume(record, models.TxWithdraw, decimal.NewFromInt(999))

	assert.True(t, record.CumulativeDepositUSD.Equal(decimal.NewFromInt(100)))
	assert.True(t, record.CumulativeBorrowUSD.Equal(decimal.NewFromInt(40)))
	assert.True(t, record.CumulativeLiquidateUSD.Equal(decimal.NewFromInt(7)))
	assert.True(t, record.CumulativeFlashLoanUSD.Equal(decimal.NewFromInt(3)))
}
