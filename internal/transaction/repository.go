package transaction

import (
	"errors"

	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/models"
)

// Repository defines activity journal database operations. Rows are
// written once by the dispatcher and only ever read after that.
type Repository interface {
	Create(activity *models.Activity) error
	GetByID(id string) (*models.Activity, error)
	ListByAccount(accountID string, limit, offset int) ([]*models.Activity, error)
	ListByMarket(marketID string, limit, offset int) ([]*models.Activity, error)
	ListByType(deploymentID string, txType models.TransactionType, limit, offset int) ([]*models.Activity, error)
	ListRecent(deploymentID string, limit int) ([]*models.Activity, error)
	CountByAccount(accountID string) (int64, error)
}

// activityRepository implements Repository interface
type activityRepository struct {
	db *gorm.DB
}

// NewActivityRepository creates a new activity journal repository
func NewActivityRepository(db *gorm.DB) Repository {
	return &activityRepository{db: db}
}

// Create appends one journal row
func (r *activityRepository) Create(activity *models.Activity) error {
	if activity == nil {
		return errors.New("activity cannot be nil")
	}
	return r.db.Create(activity).Error
}

// GetByID retrieves one journal row by its id
func (r *activityRepository) GetByID(id string) (*models.Activity, error) {
	if id == "" {
		return nil, errors.New("id cannot be empty")
	}

	var activity models.Activity
	err := r.db.First(&activity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &activity, nil
}

// ListByAccount retrieves an account's journal rows, newest first
func (r *activityRepository) ListByAccount(accountID string, limit, offset int) ([]*models.Activity, error) {
	if accountID == "" {
		return nil, errors.New("accountID cannot be empty")
	}

	var activities []*models.Activity
	err := r.db.Where("account_id = ?", accountID).
		Order("block_number DESC, log_index DESC").Limit(limit).Offset(offset).Find(&activities).Error
	return activities, err
}

// ListByMarket retrieves a market's journal rows, newest first
func (r *activityRepository) ListByMarket(marketID string, limit, offset int) ([]*models.Activity, error) {
	if marketID == "" {
		return nil, errors.New("marketID cannot be empty")
	}

	var activities []*models.Activity
	err := r.db.Where("market_id = ?", marketID).
		Order("block_number DESC, log_index DESC").Limit(limit).Offset(offset).Find(&activities).Error
	return activities, err
}

// ListByType retrieves a deployment's journal rows of one kind
func (r *activityRepository) ListByType(deploymentID string, txType models.TransactionType, limit, offset int) ([]*models.Activity, error) {
	if txType == "" {
		return nil, errors.New("type cannot be empty")
	}

	var activities []*models.Activity
	err := r.db.Where("deployment_id = ? AND type = ?", deploymentID, txType).
		Order("block_number DESC, log_index DESC").Limit(limit).Offset(offset).Find(&activities).Error
	return activities, err
}

// ListRecent retrieves a deployment's latest journal rows
func (r *activityRepository) ListRecent(deploymentID string, limit int) ([]*models.Activity, error) {
	var activities []*models.Activity
	err := r.db.Where("deployment_id = ?", deploymentID).
		Order("block_number DESC, log_index DESC").Limit(limit).Find(&activities).Error
	return activities, err
}

// CountByAccount gets the total number of journal rows for an account
func (r *activityRepository) CountByAccount(accountID string) (int64, error) {
	if accountID == "" {
		return 0, errors.New("accountID cannot be empty")
	}

	var count int64
	err := r.db.Model(&models.Activity{}).Where("account_id = ?", accountID).Count(&count).Error
	return count, err
}
