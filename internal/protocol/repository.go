package protocol

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/models"
)

// Repository defines the interface for deployment record operations
type Repository interface {
	Create(deployment *models.Deployment) error
	GetByID(id string) (*models.Deployment, error)
	Update(deployment *models.Deployment) error
}

type deploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository creates a new deployment repository instance
func NewDeploymentRepository(db *gorm.DB) Repository {
	return &deploymentRepository{db: db}
}

func (r *deploymentRepository) Create(deployment *models.Deployment) error {
	if deployment == nil {
		return errors.New("deployment cannot be nil")
	}
	return r.db.Create(deployment).Error
}

func (r *deploymentRepository) GetByID(id string) (*models.Deployment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("id cannot be empty")
	}

	var deployment models.Deployment
	err := r.db.First(&deployment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deployment, nil
}

func (r *deploymentRepository) Update(deployment *models.Deployment) error {
	if deployment == nil {
		return errors.New("deployment cannot be nil")
	}
	return r.db.Save(deployment).Error
}
