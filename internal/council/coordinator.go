package council

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"council/internal/billing"
	"council/internal/openrouter"
)

// Gateway is the model-query boundary the coordinator fans out through.
type Gateway interface {
	Query(ctx context.Context, model string, messages []openrouter.ChatMessage) openrouter.ModelResponse
	QueryBatch(ctx context.Context, requests []openrouter.QueryRequest) []openrouter.ModelResponse
}

// Settler is the cost settlement boundary.
type Settler interface {
	Precheck(ctx context.Context, userID string) error
	Settle(ctx context.Context, userID, roundID string, refs []billing.GenerationRef) (*billing.CostBreakdown, error)
}

// Store is the persistence boundary. The coordinator writes a round once
// after Stage 3 and the title independently; it never reads mid-round.
type Store interface {
	PersistRound(ctx context.Context, req Request, result *Result) error
	PersistTitle(ctx context.Context, conversationID, title string) error
}

// Alerts receives operational signals that need human follow-up. Optional.
type Alerts interface {
	CostUnresolved(roundID, userID string, err error)
}

// Coordinator drives one deliberation round through its stages:
//
//	INIT -> STAGE1 -> STAGE2 -> STAGE3 -> SETTLING -> COMPLETE
//
// with ERROR reachable from any non-terminal state and CANCELLED whenever
// the caller's context dies while calls are outstanding. Coordinators are
// stateless; every per-round value lives on the Run stack and dies with
// the round.
type Coordinator struct {
	gateway    Gateway
	settler    Settler
	store      Store
	alerts     Alerts
	titleModel string
	logger     *zap.Logger
}

// NewCoordinator creates a Coordinator. alerts may be nil.
func NewCoordinator(gateway Gateway, settler Settler, store Store, alerts Alerts, titleModel string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		gateway:    gateway,
		settler:    settler,
		store:      store,
		alerts:     alerts,
		titleModel: titleModel,
		logger:     logger,
	}
}

// Run executes one round, sending events on the supplied channel in the
// state-machine order and closing it when the round terminates. Cancelling
// ctx aborts every outstanding model call; generations completed before
// the cancellation are still settled, since upstream cost does not care
// whether the caller stayed connected.
func (c *Coordinator) Run(ctx context.Context, req Request, events chan<- Event) (*Result, error) {
	defer close(events)

	log := c.logger.With(
		zap.String("round_id", req.RoundID),
		zap.String("user_id", req.UserID))

	// INIT
	if err := validateRequest(req); err != nil {
		c.emit(ctx, events, Event{Type: EventError, Message: err.Error()})
		return nil, err
	}
	if err := c.settler.Precheck(ctx, req.UserID); err != nil {
		log.Info("Balance pre-check rejected round", zap.Error(err))
		c.emit(ctx, events, Event{Type: EventError, Message: "insufficient balance"})
		return nil, ErrInsufficientBalance
	}

	var refs []billing.GenerationRef

	// Title generation runs beside the stages; its failure never affects
	// the round.
	var titleCh chan string
	if req.GenerateTitle {
		titleCh = make(chan string, 1)
		go c.generateTitle(ctx, req, titleCh)
	}

	// STAGE1: every participant answers the prompt.
	log.Info("Stage 1 started", zap.Strings("models", req.Models))
	c.emit(ctx, events, Event{Type: EventStage1Start})

	requests := make([]openrouter.QueryRequest, 0, len(req.Models))
	for _, model := range req.Models {
		requests = append(requests, openrouter.QueryRequest{Model: model, Messages: stage1Messages(req.Prompt)})
	}
	stage1 := c.gateway.QueryBatch(ctx, requests)
	refs = appendRefs(refs, stage1)

	if ctx.Err() != nil {
		return c.cancelled(ctx, req, refs, log)
	}

	successes := successful(stage1)
	for _, resp := range stage1 {
		if !resp.OK() {
			log.Warn("Participant failed in stage 1",
				zap.String("model", resp.Model),
				zap.String("kind", string(resp.Kind)))
		}
	}
	if len(successes) < 2 {
		return c.fail(ctx, events, req, refs, log, ErrInsufficientParticipants, "insufficient participants")
	}
	c.emit(ctx, events, Event{Type: EventStage1Complete, Data: stage1})

	// STAGE2: surviving participants rank each other's anonymized answers.
	mapping := AssignLabels(successes)
	log.Info("Stage 2 started", zap.Int("raters", mapping.Len()))
	c.emit(ctx, events, Event{Type: EventStage2Start})

	requests = requests[:0]
	for _, resp := range successes {
		requests = append(requests, openrouter.QueryRequest{
			Model:    resp.Model,
			Messages: reviewMessages(req.Prompt, resp.Model, successes, mapping),
		})
	}
	critiques := c.gateway.QueryBatch(ctx, requests)
	refs = appendRefs(refs, critiques)

	if ctx.Err() != nil {
		return c.cancelled(ctx, req, refs, log)
	}

	submissions := make([]RankingSubmission, 0, len(critiques))
	for _, resp := range critiques {
		if !resp.OK() {
			log.Warn("Rater failed in stage 2",
				zap.String("model", resp.Model),
				zap.String("kind", string(resp.Kind)))
			continue
		}
		parsed := ParseRanking(resp.Content)
		if len(parsed) == 0 {
			log.Info("Rater produced no parseable ranking", zap.String("model", resp.Model))
		}
		submissions = append(submissions, RankingSubmission{
			Rater:    resp.Model,
			Critique: resp.Content,
			Parsed:   parsed,
		})
	}
	aggregate := AggregateRankings(submissions, mapping)
	c.emit(ctx, events, Event{
		Type: EventStage2Complete,
		Data: submissions,
		Metadata: &StageMetadata{
			LabelToModel:      mapping.LabelToModel(),
			AggregateRankings: aggregate,
		},
	})

	// STAGE3: the lead model synthesizes the final answer. A failure here
	// is fatal; there is no answer to return.
	log.Info("Stage 3 started", zap.String("lead_model", req.LeadModel))
	c.emit(ctx, events, Event{Type: EventStage3Start})

	synthesis := c.gateway.Query(ctx, req.LeadModel, synthesisMessages(req.Prompt, successes, mapping, aggregate))
	if synthesis.GenerationID != "" {
		refs = append(refs, billing.GenerationRef{Model: synthesis.Model, GenerationID: synthesis.GenerationID})
	}
	if ctx.Err() != nil {
		return c.cancelled(ctx, req, refs, log)
	}
	if !synthesis.OK() {
		return c.fail(ctx, events, req, refs, log, ErrSynthesisFailed, "synthesis failed")
	}

	result := &Result{
		Stage1:    stage1,
		Stage2:    submissions,
		Aggregate: aggregate,
		Stage3: SynthesisResult{
			Model:        synthesis.Model,
			Content:      synthesis.Content,
			GenerationID: synthesis.GenerationID,
		},
	}
	c.emit(ctx, events, Event{Type: EventStage3Complete, Data: result.Stage3})

	if err := c.store.PersistRound(context.WithoutCancel(ctx), req, result); err != nil {
		log.Error("Failed to persist round", zap.Error(err))
	}

	if titleCh != nil {
		if title := <-titleCh; title != "" {
			result.Title = title
			c.emit(ctx, events, Event{Type: EventTitleComplete, Data: titleData{Title: title}})
		}
	}

	// SETTLING: price the round and debit the balance. Settlement failure
	// must not lose the user's answer; the round completes flagged as
	// cost-unresolved for later reconciliation.
	log.Info("Settling round", zap.Int("generations", len(refs)))
	breakdown, err := c.settler.Settle(context.WithoutCancel(ctx), req.UserID, req.RoundID, refs)
	if err != nil {
		log.Error("Cost settlement failed, round completes unresolved", zap.Error(err))
		if c.alerts != nil {
			c.alerts.CostUnresolved(req.RoundID, req.UserID, err)
		}
		c.emit(ctx, events, Event{
			Type:     EventComplete,
			Cost:     breakdown,
			Metadata: &StageMetadata{CostUnresolved: true},
		})
		return result, nil
	}

	log.Info("Round complete", zap.Float64("total_charged", breakdown.TotalCharged))
	c.emit(ctx, events, Event{Type: EventComplete, Cost: breakdown})
	return result, nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrInvalidRequest
	}
	if req.LeadModel == "" {
		return ErrInvalidRequest
	}
	seen := make(map[string]bool, len(req.Models))
	for _, model := range req.Models {
		seen[model] = true
	}
	if len(seen) < 2 || len(seen) != len(req.Models) {
		return ErrInvalidRequest
	}
	return nil
}

// fail settles whatever generations completed, reports the single error
// event, and terminates the round. Fatal failures are never retried; the
// caller must resubmit.
func (c *Coordinator) fail(ctx context.Context, events chan<- Event, req Request, refs []billing.GenerationRef, log *zap.Logger, roundErr error, message string) (*Result, error) {
	log.Warn("Round failed", zap.Error(roundErr))
	c.settleQuietly(context.WithoutCancel(ctx), req, refs, log)
	c.emit(ctx, events, Event{Type: EventError, Message: message})
	return nil, roundErr
}

// cancelled terminates a round whose consumer disconnected. Nobody is
// listening, so no events are owed; completed generations are still
// settled because the provider already did the work.
func (c *Coordinator) cancelled(ctx context.Context, req Request, refs []billing.GenerationRef, log *zap.Logger) (*Result, error) {
	log.Info("Round cancelled", zap.Int("completed_generations", len(refs)))
	c.settleQuietly(context.WithoutCancel(ctx), req, refs, log)
	return nil, ErrCancelled
}

func (c *Coordinator) settleQuietly(ctx context.Context, req Request, refs []billing.GenerationRef, log *zap.Logger) {
	if len(refs) == 0 {
		return
	}
	if _, err := c.settler.Settle(ctx, req.UserID, req.RoundID, refs); err != nil {
		log.Error("Settlement of terminated round failed", zap.Error(err))
		if c.alerts != nil {
			c.alerts.CostUnresolved(req.RoundID, req.UserID, err)
		}
	}
}

func (c *Coordinator) generateTitle(ctx context.Context, req Request, out chan<- string) {
	resp := c.gateway.Query(ctx, c.titleModel, titleMessages(req.Prompt))
	if !resp.OK() {
		c.logger.Warn("Title generation failed",
			zap.String("round_id", req.RoundID),
			zap.String("kind", string(resp.Kind)))
		out <- ""
		return
	}

	title := strings.Trim(strings.TrimSpace(resp.Content), `"`)
	if title == "" {
		out <- ""
		return
	}

	if err := c.store.PersistTitle(context.WithoutCancel(ctx), req.ConversationID, title); err != nil {
		c.logger.Error("Failed to persist conversation title",
			zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
	out <- title
}

func (c *Coordinator) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func successful(responses []openrouter.ModelResponse) []openrouter.ModelResponse {
	out := make([]openrouter.ModelResponse, 0, len(responses))
	for _, resp := range responses {
		if resp.OK() {
			out = append(out, resp)
		}
	}
	return out
}

func appendRefs(refs []billing.GenerationRef, responses []openrouter.ModelResponse) []billing.GenerationRef {
	for _, resp := range responses {
		if resp.GenerationID != "" {
			refs = append(refs, billing.GenerationRef{Model: resp.Model, GenerationID: resp.GenerationID})
		}
	}
	return refs
}
