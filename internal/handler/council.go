package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"council/internal/billing"
	"council/internal/config"
	"council/internal/council"
	"council/internal/models"
	"council/internal/repository"
	"council/internal/service"
)

const keepAliveInterval = 15 * time.Second

type CouncilHandler interface {
	ListModels(c *gin.Context)
	CreateConversation(c *gin.Context)
	ListConversations(c *gin.Context)
	GetConversation(c *gin.Context)
	DeleteConversation(c *gin.Context)
	SendMessage(c *gin.Context)
	StreamMessage(c *gin.Context)
}

type councilHandler struct {
	cfg      *config.Config
	svc      *service.CouncilService
	convRepo repository.ConversationRepository
	logger   *zap.Logger
}

func NewCouncilHandler(cfg *config.Config, svc *service.CouncilService, convRepo repository.ConversationRepository, logger *zap.Logger) CouncilHandler {
	return &councilHandler{cfg: cfg, svc: svc, convRepo: convRepo, logger: logger}
}

// ListModels handles GET /api/models
func (h *councilHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":             h.cfg.Council.AvailableModels,
		"default_models":     h.cfg.Council.DefaultModels,
		"default_lead_model": h.cfg.Council.DefaultLead,
	})
}

// CreateConversation handles POST /api/conversations
func (h *councilHandler) CreateConversation(c *gin.Context) {
	userID := c.MustGet("user_id").(string)

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.svc.CreateConversation(c.Request.Context(), userID, req.Models, req.LeadModel)
	if err != nil {
		if errors.Is(err, service.ErrUnknownModel) || errors.Is(err, service.ErrTooFewModels) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
		return
	}

	c.JSON(http.StatusOK, conv)
}

// ListConversations handles GET /api/conversations
func (h *councilHandler) ListConversations(c *gin.Context) {
	userID := c.MustGet("user_id").(string)

	conversations, err := h.convRepo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetConversation handles GET /api/conversations/:id
func (h *councilHandler) GetConversation(c *gin.Context) {
	userID := c.MustGet("user_id").(string)
	conversationID := c.Param("id")

	conv, err := h.convRepo.GetByID(c.Request.Context(), conversationID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		h.logger.Error("Failed to get conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversation"})
		return
	}

	messages, err := h.convRepo.Messages(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": messages})
}

// DeleteConversation handles DELETE /api/conversations/:id
func (h *councilHandler) DeleteConversation(c *gin.Context) {
	userID := c.MustGet("user_id").(string)
	conversationID := c.Param("id")

	if err := h.convRepo.Delete(c.Request.Context(), conversationID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		h.logger.Error("Failed to delete conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SendMessage handles POST /api/conversations/:id/message. It runs the
// full round and returns every stage in one body once the round ends.
func (h *councilHandler) SendMessage(c *gin.Context) {
	userID := c.MustGet("user_id").(string)
	conversationID := c.Param("id")

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := make(chan council.Event, 16)
	var cost *billing.CostBreakdown
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if ev.Type == council.EventComplete {
				cost = ev.Cost
			}
		}
	}()

	result, err := h.svc.RunRound(c.Request.Context(), userID, conversationID, req.Content, events)
	<-drained
	if err != nil {
		h.writeRoundError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stage1": result.Stage1,
		"stage2": gin.H{
			"submissions":        result.Stage2,
			"aggregate_rankings": result.Aggregate,
		},
		"stage3": result.Stage3,
		"metadata": gin.H{
			"title": result.Title,
			"cost":  cost,
		},
	})
}

// StreamMessage handles POST /api/conversations/:id/message/stream. It
// emits the round's events as Server-Sent Events as they happen, with
// periodic keep-alive comments between frames. Closing the connection
// cancels the round.
func (h *councilHandler) StreamMessage(c *gin.Context) {
	userID := c.MustGet("user_id").(string)
	conversationID := c.Param("id")

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	events := make(chan council.Event, 16)
	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.RunRound(c.Request.Context(), userID, conversationID, req.Content, events)
		errCh <- err
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Round terminated. Service-level rejections produced no
				// event; surface them as the round's single error frame.
				if err := <-errCh; err != nil && !isRoundError(err) {
					h.writeEvent(c, council.Event{Type: council.EventError, Message: err.Error()})
				}
				return
			}
			h.writeEvent(c, ev)
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			// Client disconnected; the round ctx is already cancelled and
			// the coordinator settles completed work on its own.
			return
		}
	}
}

func (h *councilHandler) writeEvent(c *gin.Context, ev council.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

// isRoundError reports whether the coordinator already reported this
// failure on the event stream.
func isRoundError(err error) bool {
	return errors.Is(err, council.ErrInvalidRequest) ||
		errors.Is(err, council.ErrInsufficientBalance) ||
		errors.Is(err, council.ErrInsufficientParticipants) ||
		errors.Is(err, council.ErrSynthesisFailed) ||
		errors.Is(err, council.ErrCancelled)
}

func (h *councilHandler) writeRoundError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
	case errors.Is(err, service.ErrRoundInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownModel), errors.Is(err, service.ErrTooFewModels),
		errors.Is(err, council.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, council.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "Insufficient balance"})
	case errors.Is(err, council.ErrInsufficientParticipants), errors.Is(err, council.ErrSynthesisFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, council.ErrCancelled):
		// Nobody is listening; nothing to write.
	default:
		h.logger.Error("Round failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Round failed"})
	}
}
