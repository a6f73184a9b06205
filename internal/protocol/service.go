package protocol

import (
	"github.com/shopspring/decimal"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
)

// Service owns the per-deployment protocol record: the last-known
// default oracle, flash-loan premium rates, and protocol-wide
// cumulative figures. One record per deployment, never shared.
type Service interface {
	// GetOrCreate loads the deployment record, creating it on first use.
	GetOrCreate() (*models.Deployment, error)
	// SetDefaultOracle replaces the deployment's default price oracle
	// wholesale; used whenever an oracle-update event arrives.
	SetDefaultOracle(deployment *models.Deployment, oracle string) error
	SetFlashLoanPremiums(deployment *models.Deployment, total, toProtocol decimal.Decimal) error
	AddRevenue(deployment *models.Deployment, total, protocol, supply decimal.Decimal)
	AddVolume(deployment *models.Deployment, txType models.TransactionType, amountUSD decimal.Decimal)
	Save(deployment *models.Deployment) error
}

type service struct {
	repo       Repository
	deployment *config.Deployment
}

// NewService creates a new protocol service
func NewService(repo Repository, deployment *config.Deployment) Service {
	return &service{repo: repo, deployment: deployment}
}

func (s *service) GetOrCreate() (*models.Deployment, error) {
	record, err := s.repo.GetByID(s.deployment.ID)
	if err != nil {
		return nil, err
	}
	if record != nil {
		return record, nil
	}

	record = &models.Deployment{
		ID:      s.deployment.ID,
		Network: s.deployment.Network,
	}
	if err := s.repo.Create(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *service) SetDefaultOracle(deployment *models.Deployment, oracle string) error {
	deployment.DefaultOracle = oracle
	return s.repo.Update(deployment)
}

func (s *service) SetFlashLoanPremiums(deployment *models.Deployment, total, toProtocol decimal.Decimal) error {
	deployment.FlashLoanPremiumRateTotal = decimal.NewNullDecimal(total)
	deployment.FlashLoanPremiumRateToProtocol = decimal.NewNullDecimal(toProtocol)
	return s.repo.Update(deployment)
}

func (s *service) AddRevenue(deployment *models.Deployment, total, protocol, supply decimal.Decimal) {
	deployment.CumulativeTotalRevenueUSD = deployment.CumulativeTotalRevenueUSD.Add(total)
	deployment.CumulativeProtocolSideRevenueUSD = deployment.CumulativeProtocolSideRevenueUSD.Add(protocol)
	deployment.CumulativeSupplySideRevenueUSD = deployment.CumulativeSupplySideRevenueUSD.Add(supply)
}

func (s *service) AddVolume(deployment *models.Deployment, txType models.TransactionType, amountUSD decimal.Decimal) {
	switch txType {
	case models.TxDeposit:
		deployment.CumulativeDepositUSD = deployment.CumulativeDepositUSD.Add(amountUSD)
	case models.TxBorrow:
		deployment.CumulativeBorrowUSD = deployment.CumulativeBorrowUSD.Add(amountUSD)
	case models.TxLiquidate:
		deployment.CumulativeLiquidateUSD = deployment.CumulativeLiquidateUSD.Add(amountUSD)
	case models.TxFlashLoan:
		deployment.CumulativeFlashLoanUSD = deployment.CumulativeFlashLoanUSD.Add(amountUSD)
	}
}

func (s *service) Save(deployment *models.Deployment) error {
	return s.repo.Update(deployment)
}
