// Package council implements the three-stage deliberation pipeline: fan
// out one question to several models, have each model anonymously rank the
// others' answers, and have a lead model synthesize the final answer.
package council

import (
	"errors"

	"council/internal/openrouter"
)

// Label is the anonymous token a response is presented under during peer
// review ("A", "B", ...). Labels are only meaningful within one round.
type Label string

// RankingSubmission is one rater's critique of the anonymized responses,
// together with the label ordering parsed out of it. Parsed may be shorter
// than the label set or empty; that is normal committee behavior.
type RankingSubmission struct {
	Rater    string  `json:"model"`
	Critique string  `json:"ranking"`
	Parsed   []Label `json:"parsed_ranking"`
}

// AggregateRanking is one model's standing after all submissions are
// combined. Recomputed fresh each round, never mutated.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// SynthesisResult is the lead model's final answer.
type SynthesisResult struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	GenerationID string `json:"generation_id,omitempty"`
}

// Request describes one deliberation round. Immutable once accepted.
type Request struct {
	RoundID        string
	ConversationID string
	UserID         string
	Prompt         string
	Models         []string
	LeadModel      string
	GenerateTitle  bool
}

// Result carries everything a completed round produced.
type Result struct {
	Stage1    []openrouter.ModelResponse
	Stage2    []RankingSubmission
	Aggregate []AggregateRanking
	Stage3    SynthesisResult
	Title     string
}

// Round-level fatal errors. Participant-level failures are absorbed and
// never surface as errors.
var (
	ErrInvalidRequest           = errors.New("invalid deliberation request")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrInsufficientParticipants = errors.New("insufficient participants")
	ErrSynthesisFailed          = errors.New("synthesis failed")
	ErrCancelled                = errors.New("round cancelled")
)
