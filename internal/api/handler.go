package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/account"
	"github.com/openlend/lendledger/internal/market"
	"github.com/openlend/lendledger/internal/models"
	"github.com/openlend/lendledger/internal/position"
	"github.com/openlend/lendledger/internal/token"
	"github.com/openlend/lendledger/internal/transaction"
)

// Handler serves read-only views of the derived ledger state. The
// ledger owns no inbound write surface; events are the only way in.
type Handler struct {
	deploymentID string
	db           *gorm.DB
	markets      market.Repository
	positions    position.Repository
	accounts     account.Service
	tokens       token.Service
	activities   transaction.Repository
}

// NewHandler creates a query handler for one deployment.
func NewHandler(deploymentID string, db *gorm.DB, markets market.Repository, positions position.Repository, accounts account.Service, tokens token.Service, activities transaction.Repository) *Handler {
	return &Handler{
		deploymentID: deploymentID,
		db:           db,
		markets:      markets,
		positions:    positions,
		accounts:     accounts,
		tokens:       tokens,
		activities:   activities,
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (h *Handler) GetProtocol(c *gin.Context) {
	var record models.Deployment
	err := h.db.First(&record, "id = ?", h.deploymentID).Error
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) ListMarkets(c *gin.Context) {
	limit, offset := pagination(c)
	markets, err := h.markets.List(h.deploymentID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, markets)
}

func (h *Handler) GetMarket(c *gin.Context) {
	mkt, err := h.markets.GetByID(models.MarketID(h.deploymentID, c.Param("asset")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if mkt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "market not found"})
		return
	}
	c.JSON(http.StatusOK, mkt)
}

func (h *Handler) GetMarketEmissions(c *gin.Context) {
	emissions, err := h.markets.ListEmissions(models.MarketID(h.deploymentID, c.Param("asset")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, emissions)
}

func (h *Handler) ListMarketPositions(c *gin.Context) {
	limit, offset := pagination(c)
	positions, err := h.positions.ListOpenByMarket(models.MarketID(h.deploymentID, c.Param("asset")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.accounts.Get(models.AccountID(h.deploymentID, c.Param("address")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if acct == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) ListAccountPositions(c *gin.Context) {
	limit, offset := pagination(c)
	positions, err := h.positions.ListByAccount(models.AccountID(h.deploymentID, c.Param("address")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (h *Handler) ListPositionSnapshots(c *gin.Context) {
	limit, offset := pagination(c)
	snapshots, err := h.positions.ListSnapshots(c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (h *Handler) ListMarketActivity(c *gin.Context) {
	limit, offset := pagination(c)
	activities, err := h.activities.ListByMarket(models.MarketID(h.deploymentID, c.Param("asset")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, activities)
}

func (h *Handler) ListAccountActivity(c *gin.Context) {
	limit, offset := pagination(c)
	activities, err := h.activities.ListByAccount(models.AccountID(h.deploymentID, c.Param("address")), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, activities)
}

func (h *Handler) ListRecentActivity(c *gin.Context) {
	limit, _ := pagination(c)
	activities, err := h.activities.ListRecent(h.deploymentID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, activities)
}

func (h *Handler) ListTokens(c *gin.Context) {
	limit, offset := pagination(c)
	tokens, err := h.tokens.List(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/protocol", h.GetProtocol)

	markets := router.Group("/markets")
	{
		markets.GET("", h.ListMarkets)
		markets.GET("/:asset", h.GetMarket)
		markets.GET("/:asset/emissions", h.GetMarketEmissions)
		markets.GET("/:asset/positions", h.ListMarketPositions)
		markets.GET("/:asset/activity", h.ListMarketActivity)
	}

	accounts := router.Group("/accounts")
	{
		accounts.GET("/:address", h.GetAccount)
		accounts.GET("/:address/positions", h.ListAccountPositions)
		accounts.GET("/:address/activity", h.ListAccountActivity)
	}

	router.GET("/positions/:id/snapshots", h.ListPositionSnapshots)
	router.GET("/tokens", h.ListTokens)
	router.GET("/activity", h.ListRecentActivity)
}
