package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"council/internal/models"
	"council/internal/repository"
)

type BillingHandler interface {
	GetBalance(c *gin.Context)
	Deposit(c *gin.Context)
	ListTransactions(c *gin.Context)
}

type billingHandler struct {
	billingRepo repository.BillingRepository
	logger      *zap.Logger
}

func NewBillingHandler(billingRepo repository.BillingRepository, logger *zap.Logger) BillingHandler {
	return &billingHandler{billingRepo: billingRepo, logger: logger}
}

// GetBalance handles GET /api/balance
func (h *billingHandler) GetBalance(c *gin.Context) {
	userID := c.MustGet("user_id").(string)

	balance, err := h.billingRepo.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get balance", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// Deposit handles POST /api/balance/deposit
func (h *billingHandler) Deposit(c *gin.Context) {
	userID := c.MustGet("user_id").(string)

	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := h.billingRepo.AddCredits(c.Request.Context(), userID, req.Amount, "Balance top-up")
	if err != nil {
		h.logger.Error("Failed to add credits", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add credits"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// ListTransactions handles GET /api/balance/transactions
func (h *billingHandler) ListTransactions(c *gin.Context) {
	userID := c.MustGet("user_id").(string)

	transactions, err := h.billingRepo.Transactions(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list transactions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": transactions})
}
