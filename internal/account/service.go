package account

import (
	"errors"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
)

// Service defines account registry operations
type Service interface {
	// GetOrCreate returns the account for an address, creating it on
	// first touch and bumping the protocol's unique-user counter.
	GetOrCreate(address string, protocol *models.Deployment) (*models.Account, error)
	// CountTransaction bumps the account's per-type activity counter.
	// liquidated distinguishes being liquidated from liquidating.
	CountTransaction(account *models.Account, txType models.TransactionType, liquidated bool) error
	EnableCollateral(account *models.Account, marketID string) error
	DisableCollateral(account *models.Account, marketID string) error
	Get(id string) (*models.Account, error)
	List(limit, offset int) ([]*models.Account, error)
}

type service struct {
	repo       Repository
	deployment *config.Deployment
}

// NewService creates a new account service
func NewService(repo Repository, deployment *config.Deployment) Service {
	return &service{repo: repo, deployment: deployment}
}

func (s *service) GetOrCreate(address string, protocol *models.Deployment) (*models.Account, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}

	id := models.AccountID(s.deployment.ID, address)
	account, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	account = &models.Account{
		ID:           id,
		DeploymentID: s.deployment.ID,
		Address:      address,
	}
	if err := s.repo.Create(account); err != nil {
		return nil, err
	}
	protocol.CumulativeUniqueUsers++
	return account, nil
}

func (s *service) CountTransaction(account *models.Account, txType models.TransactionType, liquidated bool) error {
	switch txType {
	case models.TxDeposit:
		account.DepositCount++
	case models.TxWithdraw:
		account.WithdrawCount++
	case models.TxBorrow:
		account.BorrowCount++
	case models.TxRepay:
		account.RepayCount++
	case models.TxLiquidate:
		if liquidated {
			account.LiquidationCount++
		} else {
			account.LiquidateCount++
		}
	}
	return s.repo.Update(account)
}

func (s *service) EnableCollateral(account *models.Account, marketID string) error {
	for _, id := range account.EnabledCollaterals {
		if id == marketID {
			return nil
		}
	}
	account.EnabledCollaterals = append(account.EnabledCollaterals, marketID)
	return s.repo.Update(account)
}

func (s *service) DisableCollateral(account *models.Account, marketID string) error {
	for i, id := range account.EnabledCollaterals {
		if id == marketID {
			account.EnabledCollaterals = append(account.EnabledCollaterals[:i], account.EnabledCollaterals[i+1:]...)
			return s.repo.Update(account)
		}
	}
	return nil
}

func (s *service) Get(id string) (*models.Account, error) {
	return s.repo.GetByID(id)
}

func (s *service) List(limit, offset int) ([]*models.Account, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(s.deployment.ID, limit, offset)
}
