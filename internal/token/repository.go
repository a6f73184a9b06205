package token

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/models"
)

// TokenRepository defines the interface for token data operations
type TokenRepository interface {
	Create(token *models.Token) error
	GetByID(id string) (*models.Token, error)
	GetByAddress(deploymentID, address string) (*models.Token, error)
	Update(token *models.Token) error
	UpdatePrice(id string, price decimal.Decimal) error
	List(deploymentID string, limit, offset int) ([]*models.Token, error)
}

// tokenRepository implements TokenRepository interface
type tokenRepository struct {
	db *gorm.DB
}

// NewTokenRepository creates a new token repository instance
func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) Create(token *models.Token) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}
	return r.db.Create(token).Error
}

func (r *tokenRepository) GetByID(id string) (*models.Token, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("id cannot be empty")
	}

	var token models.Token
	err := r.db.First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) GetByAddress(deploymentID, address string) (*models.Token, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address cannot be empty")
	}

	var token models.Token
	err := r.db.Where("deployment_id = ? AND address = ?", deploymentID, address).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) Update(token *models.Token) error {
	if token == nil {
		return errors.New("token cannot be nil")
	}
	return r.db.Save(token).Error
}

// UpdatePrice records the last resolved USD price
func (r *tokenRepository) UpdatePrice(id string, price decimal.Decimal) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id cannot be empty")
	}
	return r.db.Model(&models.Token{}).Where("id = ?", id).
		Update("last_price_usd", price).Error
}

func (r *tokenRepository) List(deploymentID string, limit, offset int) ([]*models.Token, error) {
	var tokens []*models.Token
	err := r.db.Where("deployment_id = ?", deploymentID).
		Order("id").
		Limit(limit).Offset(offset).Find(&tokens).Error
	return tokens, err
}
