package market

import (
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openlend/lendledger/internal/models"
)

// Repository defines the interface for market data operations
type Repository interface {
	Create(market *models.Market) error
	GetByID(id string) (*models.Market, error)
	// GetByToken finds the market any of whose token addresses matches:
	// underlying, receipt, variable debt or stable debt.
	GetByToken(deploymentID, address string) (*models.Market, error)
	Update(market *models.Market) error
	List(deploymentID string, limit, offset int) ([]*models.Market, error)
	ListAll(deploymentID string) ([]*models.Market, error)

	SaveEmission(emission *models.RewardEmission) error
	ListEmissions(marketID string) ([]*models.RewardEmission, error)
}

type marketRepository struct {
	db *gorm.DB
}

// NewMarketRepository creates a new market repository instance
func NewMarketRepository(db *gorm.DB) Repository {
	return &marketRepository{db: db}
}

func (r *marketRepository) Create(market *models.Market) error {
	if market == nil {
		return errors.New("market cannot be nil")
	}
	return r.db.Create(market).Error
}

func (r *marketRepository) GetByID(id string) (*models.Market, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("id cannot be empty")
	}

	var market models.Market
	err := r.db.First(&market, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &market, nil
}

func (r *marketRepository) GetByToken(deploymentID, address string) (*models.Market, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address cannot be empty")
	}

	var market models.Market
	err := r.db.Where(
		"deployment_id = ? AND (underlying_asset = ? OR receipt_token = ? OR variable_debt_token = ? OR stable_debt_token = ?)",
		deploymentID, address, address, address, address,
	).First(&market).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &market, nil
}

func (r *marketRepository) Update(market *models.Market) error {
	if market == nil {
		return errors.New("market cannot be nil")
	}
	return r.db.Save(market).Error
}

func (r *marketRepository) List(deploymentID string, limit, offset int) ([]*models.Market, error) {
	var markets []*models.Market
	err := r.db.Where("deployment_id = ?", deploymentID).
		Order("id").
		Limit(limit).Offset(offset).Find(&markets).Error
	return markets, err
}

func (r *marketRepository) ListAll(deploymentID string) ([]*models.Market, error) {
	var markets []*models.Market
	err := r.db.Where("deployment_id = ?", deploymentID).Order("id").Find(&markets).Error
	return markets, err
}

// SaveEmission upserts by id; emissions are a current rate, not history.
func (r *marketRepository) SaveEmission(emission *models.RewardEmission) error {
	if emission == nil {
		return errors.New("emission cannot be nil")
	}
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(emission).Error
}

func (r *marketRepository) ListEmissions(marketID string) ([]*models.RewardEmission, error) {
	var emissions []*models.RewardEmission
	err := r.db.Where("market_id = ?", marketID).
		Order("reward_token, reward_type").Find(&emissions).Error
	return emissions, err
}
