package council

import (
	"council/internal/billing"
)

// EventType names one variant of the deliberation event stream.
type EventType string

const (
	EventStage1Start    EventType = "stage1_start"
	EventStage1Complete EventType = "stage1_complete"
	EventStage2Start    EventType = "stage2_start"
	EventStage2Complete EventType = "stage2_complete"
	EventStage3Start    EventType = "stage3_start"
	EventStage3Complete EventType = "stage3_complete"
	EventTitleComplete  EventType = "title_complete"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// StageMetadata carries stage-level derived data alongside the raw stage
// payload.
type StageMetadata struct {
	LabelToModel      map[Label]string   `json:"label_to_model,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings,omitempty"`
	CostUnresolved    bool               `json:"cost_unresolved,omitempty"`
}

// Event is one entry of the ordered per-round event stream. Exactly one of
// the optional fields is populated depending on Type.
type Event struct {
	Type     EventType              `json:"type"`
	Data     any                    `json:"data,omitempty"`
	Metadata *StageMetadata         `json:"metadata,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Cost     *billing.CostBreakdown `json:"cost,omitempty"`
}

type titleData struct {
	Title string `json:"title"`
}
