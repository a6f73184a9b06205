package token

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
)

// MetadataReader fetches ERC-20 metadata from the chain.
type MetadataReader interface {
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	TokenName(ctx context.Context, token common.Address) (string, error)
}

// Service defines token registry operations
type Service interface {
	// GetOrCreate returns the token record for an address, reading
	// metadata from the chain on first sight. marketID may be empty for
	// tokens not owned by a market (underlyings, reward tokens).
	GetOrCreate(ctx context.Context, address, marketID string) (*models.Token, error)
	RecordPrice(token *models.Token, price decimal.Decimal) error
	Get(id string) (*models.Token, error)
	List(limit, offset int) ([]*models.Token, error)
}

type service struct {
	repo       TokenRepository
	reader     MetadataReader
	deployment *config.Deployment
	log        *logrus.Entry
}

// NewService creates a new token service
func NewService(repo TokenRepository, reader MetadataReader, deployment *config.Deployment) Service {
	return &service{
		repo:       repo,
		reader:     reader,
		deployment: deployment,
		log:        logrus.WithField("component", "token"),
	}
}

func (s *service) GetOrCreate(ctx context.Context, address, marketID string) (*models.Token, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}

	id := models.TokenID(s.deployment.ID, address)
	token, err := s.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if token != nil {
		return token, nil
	}

	token = &models.Token{
		ID:           id,
		DeploymentID: s.deployment.ID,
		Address:      address,
		Decimals:     18,
		MarketID:     marketID,
	}

	addr := common.HexToAddress(address)
	if decimals, err := s.reader.TokenDecimals(ctx, addr); err == nil {
		token.Decimals = decimals
	} else {
		s.log.WithField("token", address).WithError(err).Warn("Token decimals unavailable, assuming 18")
	}
	if symbol, err := s.reader.TokenSymbol(ctx, addr); err == nil {
		token.Symbol = symbol
	}
	if name, err := s.reader.TokenName(ctx, addr); err == nil {
		token.Name = name
	}

	if err := s.repo.Create(token); err != nil {
		return nil, err
	}
	return token, nil
}

func (s *service) RecordPrice(token *models.Token, price decimal.Decimal) error {
	token.LastPriceUSD = price
	return s.repo.UpdatePrice(token.ID, price)
}

func (s *service) Get(id string) (*models.Token, error) {
	return s.repo.GetByID(id)
}

func (s *service) List(limit, offset int) ([]*models.Token, error) {
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
