package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"council/internal/config"
	"council/internal/council"
	"council/internal/models"
	"council/internal/repository"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrRoundInProgress      = errors.New("a round is already in progress for this conversation")
	ErrUnknownModel         = errors.New("unknown model")
	ErrTooFewModels         = errors.New("select at least two models")
)

// CouncilService runs deliberation rounds against conversations. It owns
// the per-conversation serialization: one round at a time per
// conversation, independent conversations fully parallel.
type CouncilService struct {
	cfg         *config.Config
	coordinator *council.Coordinator
	convRepo    repository.ConversationRepository
	logger      *zap.Logger

	locks sync.Map // conversation id -> *sync.Mutex
}

func NewCouncilService(cfg *config.Config, coordinator *council.Coordinator, convRepo repository.ConversationRepository, logger *zap.Logger) *CouncilService {
	return &CouncilService{
		cfg:         cfg,
		coordinator: coordinator,
		convRepo:    convRepo,
		logger:      logger,
	}
}

// ValidateSelection normalizes a participant/lead model selection against
// the configured model list: unknown models are rejected, duplicates are
// dropped preserving order, and empty selections fall back to defaults.
func (s *CouncilService) ValidateSelection(selected []string, lead string) ([]string, string, error) {
	if len(selected) == 0 {
		selected = s.cfg.Council.DefaultModels
	}
	if lead == "" {
		lead = s.cfg.Council.DefaultLead
	}

	available := make(map[string]bool, len(s.cfg.Council.AvailableModels))
	for _, model := range s.cfg.Council.AvailableModels {
		available[model] = true
	}

	var unique []string
	seen := make(map[string]bool, len(selected))
	for _, model := range selected {
		if !available[model] {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
		}
		if !seen[model] {
			seen[model] = true
			unique = append(unique, model)
		}
	}

	if len(unique) < 2 {
		return nil, "", ErrTooFewModels
	}
	if !available[lead] {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, lead)
	}

	return unique, lead, nil
}

// CreateConversation validates the model selection and persists a new
// conversation for the user.
func (s *CouncilService) CreateConversation(ctx context.Context, userID string, selected []string, lead string) (*models.Conversation, error) {
	unique, lead, err := s.ValidateSelection(selected, lead)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     "New conversation",
		Models:    unique,
		LeadModel: lead,
	}
	if err := s.convRepo.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// RunRound records the user message and drives one deliberation round for
// the conversation, sending events on the supplied channel. The channel is
// closed when the round terminates. At most one round per conversation
// runs at a time; a second caller gets ErrRoundInProgress instead of
// queueing behind paid work it cannot see.
func (s *CouncilService) RunRound(ctx context.Context, userID, conversationID, content string, events chan<- council.Event) (*council.Result, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID, userID)
	if err != nil {
		close(events)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	participants, lead, err := s.ValidateSelection(conv.Models, conv.LeadModel)
	if err != nil {
		close(events)
		return nil, err
	}

	mu := s.lock(conversationID)
	if !mu.TryLock() {
		close(events)
		return nil, ErrRoundInProgress
	}
	defer mu.Unlock()

	isFirst := conv.MessageCount == 0
	if err := s.convRepo.AddUserMessage(ctx, conversationID, content); err != nil {
		close(events)
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	req := council.Request{
		RoundID:        uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Prompt:         content,
		Models:         participants,
		LeadModel:      lead,
		GenerateTitle:  isFirst,
	}

	return s.coordinator.Run(ctx, req, events)
}

func (s *CouncilService) lock(conversationID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RoundStore adapts the conversation repository to the coordinator's
// persistence boundary.
type RoundStore struct {
	convRepo repository.ConversationRepository
	logger   *zap.Logger
}

func NewRoundStore(convRepo repository.ConversationRepository, logger *zap.Logger) *RoundStore {
	return &RoundStore{convRepo: convRepo, logger: logger}
}

// PersistRound writes the completed stages as one assistant message.
func (s *RoundStore) PersistRound(ctx context.Context, req council.Request, result *council.Result) error {
	stage1, err := json.Marshal(result.Stage1)
	if err != nil {
		return fmt.Errorf("failed to marshal stage 1: %w", err)
	}
	stage2, err := json.Marshal(struct {
		Submissions []council.RankingSubmission `json:"submissions"`
		Aggregate   []council.AggregateRanking  `json:"aggregate_rankings"`
	}{result.Stage2, result.Aggregate})
	if err != nil {
		return fmt.Errorf("failed to marshal stage 2: %w", err)
	}
	stage3, err := json.Marshal(result.Stage3)
	if err != nil {
		return fmt.Errorf("failed to marshal stage 3: %w", err)
	}

	return s.convRepo.AddAssistantMessage(ctx, req.ConversationID, stage1, stage2, stage3)
}

// PersistTitle stores a generated conversation title.
func (s *RoundStore) PersistTitle(ctx context.Context, conversationID, title string) error {
	return s.convRepo.UpdateTitle(ctx, conversationID, title)
}
