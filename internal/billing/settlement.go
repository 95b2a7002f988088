// Package billing prices completed deliberation rounds and debits user
// balances. Settlement is the only place in the system that touches the
// balance record, and it does so with an optimistic compare-and-debit so
// concurrent rounds for one user cannot race into an inconsistent state.
package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInsufficientBalance means the pre-check rejected the round before
	// any paid work began.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDebitConflict means the compare-and-debit lost the race too many
	// times in a row.
	ErrDebitConflict = errors.New("balance debit conflict")
)

const debitRetries = 5

// GenerationRef identifies one upstream generation for cost lookup.
type GenerationRef struct {
	Model        string
	GenerationID string
}

// CostBreakdown prices one completed round. Computed once, after the
// round, never speculatively.
type CostBreakdown struct {
	TotalCost    float64            `json:"total_cost"`
	Margin       float64            `json:"margin"`
	TotalCharged float64            `json:"total_charged"`
	Estimated    bool               `json:"estimated,omitempty"`
	PerModel     map[string]float64 `json:"per_model"`
}

// CostSource resolves actual upstream spend per generation reference.
// Generations it cannot resolve are simply absent from the map.
type CostSource interface {
	GenerationCosts(ctx context.Context, generationIDs []string) map[string]float64
}

// Ledger is the balance record boundary. CompareAndDebit writes newBalance
// only if the stored balance still equals oldBalance, reporting whether
// the write happened.
type Ledger interface {
	Balance(ctx context.Context, userID string) (float64, error)
	CompareAndDebit(ctx context.Context, userID string, oldBalance, newBalance float64, roundID, description string) (bool, error)
}

// Config holds settlement tuning.
type Config struct {
	MinBalance       float64
	MarginPercent    float64
	FallbackCallCost float64
}

// Settler implements the pre-check and the post-round settlement
// transaction.
type Settler struct {
	costs  CostSource
	ledger Ledger
	cfg    Config
	logger *zap.Logger
}

// NewSettler creates a Settler.
func NewSettler(costs CostSource, ledger Ledger, cfg Config, logger *zap.Logger) *Settler {
	return &Settler{costs: costs, ledger: ledger, cfg: cfg, logger: logger}
}

// Precheck rejects a round up front if the user's balance is below the
// configured minimum. It performs no network calls beyond the balance
// read.
func (s *Settler) Precheck(ctx context.Context, userID string) error {
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < s.cfg.MinBalance {
		return ErrInsufficientBalance
	}
	return nil
}

// Settle resolves actual spend for the given generation references,
// applies the margin, and atomically debits the user's balance. Cost
// lookup failures fall back to a conservative per-call estimate and flag
// the breakdown as estimated rather than charging nothing.
func (s *Settler) Settle(ctx context.Context, userID, roundID string, refs []GenerationRef) (*CostBreakdown, error) {
	if len(refs) == 0 {
		return &CostBreakdown{PerModel: map[string]float64{}}, nil
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.GenerationID)
	}
	resolved := s.costs.GenerationCosts(ctx, ids)

	breakdown := &CostBreakdown{PerModel: make(map[string]float64, len(refs))}
	for _, ref := range refs {
		cost, ok := resolved[ref.GenerationID]
		if !ok {
			cost = s.cfg.FallbackCallCost
			breakdown.Estimated = true
			s.logger.Warn("Using fallback cost estimate for generation",
				zap.String("generation_id", ref.GenerationID),
				zap.String("model", ref.Model),
				zap.Float64("estimate", cost))
		}
		breakdown.TotalCost += cost
		breakdown.PerModel[ref.Model] += cost
	}

	breakdown.Margin = breakdown.TotalCost * s.cfg.MarginPercent / 100
	breakdown.TotalCharged = breakdown.TotalCost + breakdown.Margin

	if err := s.debit(ctx, userID, roundID, breakdown.TotalCharged); err != nil {
		return breakdown, err
	}

	s.logger.Info("Round settled",
		zap.String("round_id", roundID),
		zap.String("user_id", userID),
		zap.Float64("total_charged", breakdown.TotalCharged),
		zap.Bool("estimated", breakdown.Estimated))

	return breakdown, nil
}

func (s *Settler) debit(ctx context.Context, userID, roundID string, amount float64) error {
	description := fmt.Sprintf("Deliberation round %s", roundID)

	for attempt := 0; attempt < debitRetries; attempt++ {
		balance, err := s.ledger.Balance(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}

		ok, err := s.ledger.CompareAndDebit(ctx, userID, balance, balance-amount, roundID, description)
		if err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		if ok {
			return nil
		}

		s.logger.Warn("Balance changed under settlement, retrying debit",
			zap.String("user_id", userID),
			zap.String("round_id", roundID),
			zap.Int("attempt", attempt+1))
	}

	return ErrDebitConflict
}
