package account

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/models"
)

// Repository defines the interface for account data operations
type Repository interface {
	Create(account *models.Account) error
	GetByID(id string) (*models.Account, error)
	Update(account *models.Account) error
	List(deploymentID string, limit, offset int) ([]*models.Account, error)
}

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) Repository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(account *models.Account) error {
	if account == nil {
		return errors.New("account cannot be nil")
	}
	return r.db.Create(account).Error
}

func (r *accountRepository) GetByID(id string) (*models.Account, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("id cannot be empty")
	}

	var account models.Account
	err := r.db.First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) Update(account *models.Account) error {
	if account == nil {
		return errors.New("account cannot be nil")
	}
	return r.db.Save(account).Error
}

func (r *accountRepository) List(deploymentID string, limit, offset int) ([]*models.Account, error) {
	var accounts []*models.Account
	err := r.db.Where("deployment_id = ?", deploymentID).
		Order("id").
		Limit(limit).Offset(offset).Find(&accounts).Error
	return accounts, err
}
