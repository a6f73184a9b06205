package position

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/models"
)

// Repository defines the interface for position data operations
type Repository interface {
	GetCounter(id string) (*models.PositionCounter, error)
	SaveCounter(counter *models.PositionCounter) error

	GetPosition(id string) (*models.Position, error)
	CreatePosition(position *models.Position) error
	UpdatePosition(position *models.Position) error
	ListByAccount(accountID string, limit, offset int) ([]*models.Position, error)
	ListOpenByMarket(marketID string, limit, offset int) ([]*models.Position, error)

	CreateSnapshot(snapshot *models.PositionSnapshot) error
	ListSnapshots(positionID string, limit, offset int) ([]*models.PositionSnapshot, error)
}

type positionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new position repository instance
func NewPositionRepository(db *gorm.DB) Repository {
	return &positionRepository{db: db}
}

func (r *positionRepository) GetCounter(id string) (*models.PositionCounter, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("id cannot be empty")
	}

	var counter models.PositionCounter
	err := r.db.First(&counter, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &counter, nil
}

func (r *positionRepository) SaveCounter(counter *models.PositionCounter) error {
	if counter == nil {
		return errors.New("counter cannot be nil")
	}
	return r.db.Save(counter).Error
}

func (r *positionRepository) GetPosition(id string) (*models.Position, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("id cannot be empty")
	}

	var position models.Position
	err := r.db.First(&position, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (r *positionRepository) CreatePosition(position *models.Position) error {
	if position == nil {
		return errors.New("position cannot be nil")
	}
	return r.db.Create(position).Error
}

func (r *positionRepository) UpdatePosition(position *models.Position) error {
	if position == nil {
		return errors.New("position cannot be nil")
	}
	return r.db.Save(position).Error
}

func (r *positionRepository) ListByAccount(accountID string, limit, offset int) ([]*models.Position, error) {
	var positions []*models.Position
	err := r.db.Where("account_id = ?", accountID).
		Order("block_opened DESC").
		Limit(limit).Offset(offset).Find(&positions).Error
	return positions, err
}

func (r *positionRepository) ListOpenByMarket(marketID string, limit, offset int) ([]*models.Position, error) {
	var positions []*models.Position
	err := r.db.Where("market_id = ? AND closed = ?", marketID, false).
		Order("block_opened DESC").
		Limit(limit).Offset(offset).Find(&positions).Error
	return positions, err
}

func (r *positionRepository) CreateSnapshot(snapshot *models.PositionSnapshot) error {
	if snapshot == nil {
		return errors.New("snapshot cannot be nil")
	}
	return r.db.Create(snapshot).Error
}

func (r *positionRepository) ListSnapshots(positionID string, limit, offset int) ([]*models.PositionSnapshot, error) {
	var snapshots []*models.PositionSnapshot
	err := r.db.Where("position_id = ?", positionID).
		Order("block_number").
		Limit(limit).Offset(offset).Find(&snapshots).Error
	return snapshots, err
}
