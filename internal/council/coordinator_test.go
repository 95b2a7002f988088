package council

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"council/internal/billing"
	"council/internal/openrouter"
)

type fakeGateway struct {
	mu            sync.Mutex
	stage1        []openrouter.ModelResponse
	stage2        map[string]openrouter.ModelResponse
	synthesis     openrouter.ModelResponse
	title         openrouter.ModelResponse
	titleModel    string
	batchCalls    int
	stage2Prompts map[string]string
	synthesisRan  bool
	onStage2      func()
}

func (g *fakeGateway) Query(ctx context.Context, model string, messages []openrouter.ChatMessage) openrouter.ModelResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	if model == g.titleModel {
		return g.title
	}
	g.synthesisRan = true
	return g.synthesis
}

func (g *fakeGateway) QueryBatch(ctx context.Context, requests []openrouter.QueryRequest) []openrouter.ModelResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batchCalls++
	if g.batchCalls == 1 {
		return g.stage1
	}
	if g.onStage2 != nil {
		g.onStage2()
	}
	out := make([]openrouter.ModelResponse, 0, len(requests))
	for _, req := range requests {
		if g.stage2Prompts == nil {
			g.stage2Prompts = make(map[string]string)
		}
		g.stage2Prompts[req.Model] = req.Messages[0].Content
		out = append(out, g.stage2[req.Model])
	}
	return out
}

type fakeSettler struct {
	mu          sync.Mutex
	precheckErr error
	settleErr   error
	breakdown   *billing.CostBreakdown
	settledRefs [][]billing.GenerationRef
}

func (s *fakeSettler) Precheck(ctx context.Context, userID string) error {
	return s.precheckErr
}

func (s *fakeSettler) Settle(ctx context.Context, userID, roundID string, refs []billing.GenerationRef) (*billing.CostBreakdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settledRefs = append(s.settledRefs, refs)
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	if s.breakdown != nil {
		return s.breakdown, nil
	}
	return &billing.CostBreakdown{}, nil
}

type fakeStore struct {
	mu     sync.Mutex
	rounds int
	titles []string
}

func (s *fakeStore) PersistRound(ctx context.Context, req Request, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds++
	return nil
}

func (s *fakeStore) PersistTitle(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func happyGateway() *fakeGateway {
	return &fakeGateway{
		stage1: []openrouter.ModelResponse{
			{Model: "model-1", Content: "answer one", GenerationID: "gen-1a"},
			{Model: "model-2", Content: "answer two", GenerationID: "gen-1b"},
			{Model: "model-3", Content: "answer three", GenerationID: "gen-1c"},
		},
		stage2: map[string]openrouter.ModelResponse{
			"model-1": {Model: "model-1", Content: "FINAL RANKING:\n1. Response B\n2. Response C", GenerationID: "gen-2a"},
			"model-2": {Model: "model-2", Content: "FINAL RANKING:\n1. Response A\n2. Response C", GenerationID: "gen-2b"},
			"model-3": {Model: "model-3", Content: "FINAL RANKING:\n1. Response A\n2. Response B", GenerationID: "gen-2c"},
		},
		synthesis:  openrouter.ModelResponse{Model: "model-1", Content: "final answer", GenerationID: "gen-3"},
		title:      openrouter.ModelResponse{Model: "title-model", Content: "A Short Title", GenerationID: "gen-title"},
		titleModel: "title-model",
	}
}

func testRequest() Request {
	return Request{
		RoundID:        "round-1",
		ConversationID: "conv-1",
		UserID:         "user-1",
		Prompt:         "What is the question?",
		Models:         []string{"model-1", "model-2", "model-3"},
		LeadModel:      "model-1",
	}
}

func runRound(t *testing.T, gateway *fakeGateway, settler *fakeSettler, store *fakeStore, req Request) (*Result, []Event, error) {
	t.Helper()
	coordinator := NewCoordinator(gateway, settler, store, nil, "title-model", zap.NewNop())

	events := make(chan Event, 32)
	result, err := coordinator.Run(context.Background(), req, events)

	var collected []Event
	for ev := range events {
		collected = append(collected, ev)
	}
	return result, collected, err
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunEmitsEventsInOrder(t *testing.T) {
	gateway := happyGateway()
	settler := &fakeSettler{breakdown: &billing.CostBreakdown{TotalCharged: 0.033}}
	store := &fakeStore{}

	result, events, err := runRound(t, gateway, settler, store, testRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []EventType{
		EventStage1Start, EventStage1Complete,
		EventStage2Start, EventStage2Complete,
		EventStage3Start, EventStage3Complete,
		EventComplete,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	if result.Stage3.Content != "final answer" {
		t.Fatalf("Stage3.Content = %q", result.Stage3.Content)
	}
	if store.rounds != 1 {
		t.Fatalf("PersistRound called %d times, want 1", store.rounds)
	}
	final := events[len(events)-1]
	if final.Cost == nil || final.Cost.TotalCharged != 0.033 {
		t.Fatalf("complete event cost = %+v", final.Cost)
	}
}

func TestRunStage2MetadataCarriesMappingAndAggregate(t *testing.T) {
	gateway := happyGateway()
	settler := &fakeSettler{}

	_, events, err := runRound(t, gateway, settler, &fakeStore{}, testRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var stage2 *Event
	for i := range events {
		if events[i].Type == EventStage2Complete {
			stage2 = &events[i]
		}
	}
	if stage2 == nil || stage2.Metadata == nil {
		t.Fatal("stage2_complete event missing metadata")
	}
	if stage2.Metadata.LabelToModel["A"] != "model-1" || stage2.Metadata.LabelToModel["C"] != "model-3" {
		t.Fatalf("label_to_model = %v", stage2.Metadata.LabelToModel)
	}
	if len(stage2.Metadata.AggregateRankings) == 0 {
		t.Fatal("stage2_complete event missing aggregate rankings")
	}
}

func TestRunRatersNeverSeeOwnAnswer(t *testing.T) {
	gateway := happyGateway()

	_, _, err := runRound(t, gateway, &fakeSettler{}, &fakeStore{}, testRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	own := map[string]string{
		"model-1": "answer one",
		"model-2": "answer two",
		"model-3": "answer three",
	}
	for rater, prompt := range gateway.stage2Prompts {
		if strings.Contains(prompt, own[rater]) {
			t.Fatalf("rater %s was shown its own answer", rater)
		}
		for model, answer := range own {
			if model != rater && !strings.Contains(prompt, answer) {
				t.Fatalf("rater %s missing %s's answer", rater, model)
			}
		}
	}
}

func TestRunInsufficientParticipants(t *testing.T) {
	gateway := happyGateway()
	gateway.stage1 = []openrouter.ModelResponse{
		{Model: "model-1", Content: "only answer", GenerationID: "gen-1a"},
		{Model: "model-2", Kind: openrouter.ErrTimeout},
		{Model: "model-3", Kind: openrouter.ErrUpstream},
	}
	settler := &fakeSettler{}

	_, events, err := runRound(t, gateway, settler, &fakeStore{}, testRequest())
	if !errors.Is(err, ErrInsufficientParticipants) {
		t.Fatalf("err = %v, want ErrInsufficientParticipants", err)
	}

	got := eventTypes(events)
	if len(got) != 2 || got[0] != EventStage1Start || got[1] != EventError {
		t.Fatalf("event types = %v, want [stage1_start error]", got)
	}

	// The one completed generation still costs money.
	if len(settler.settledRefs) != 1 || len(settler.settledRefs[0]) != 1 {
		t.Fatalf("settled refs = %v, want one call with the single completed generation", settler.settledRefs)
	}
	if settler.settledRefs[0][0].GenerationID != "gen-1a" {
		t.Fatalf("settled generation = %s, want gen-1a", settler.settledRefs[0][0].GenerationID)
	}
}

func TestRunSynthesisFailure(t *testing.T) {
	gateway := happyGateway()
	gateway.synthesis = openrouter.ModelResponse{Model: "model-1", Kind: openrouter.ErrUpstream}
	settler := &fakeSettler{}

	_, events, err := runRound(t, gateway, settler, &fakeStore{}, testRequest())
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}

	errorEvents := 0
	for _, ev := range events {
		if ev.Type == EventError {
			errorEvents++
		}
		if ev.Type == EventStage3Complete || ev.Type == EventComplete {
			t.Fatalf("unexpected %s event after synthesis failure", ev.Type)
		}
	}
	if errorEvents != 1 {
		t.Fatalf("got %d error events, want exactly 1", errorEvents)
	}
	if len(settler.settledRefs) != 1 || len(settler.settledRefs[0]) != 6 {
		t.Fatalf("settled refs = %v, want the six completed generations", settler.settledRefs)
	}
}

func TestRunCancellationMidStage2(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gateway := happyGateway()
	gateway.onStage2 = cancel

	settler := &fakeSettler{}
	coordinator := NewCoordinator(gateway, settler, &fakeStore{}, nil, "title-model", zap.NewNop())

	events := make(chan Event, 32)
	_, err := coordinator.Run(ctx, testRequest(), events)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	if gateway.synthesisRan {
		t.Fatal("stage 3 must not run after cancellation")
	}

	// Generations obtained before the cancellation are settled: three from
	// stage 1 and three from stage 2.
	if len(settler.settledRefs) != 1 || len(settler.settledRefs[0]) != 6 {
		t.Fatalf("settled refs = %v, want one call with six generations", settler.settledRefs)
	}

	for ev := range events {
		if ev.Type == EventError || ev.Type == EventComplete {
			t.Fatalf("cancelled round emitted %s event", ev.Type)
		}
	}
}

func TestRunInsufficientBalance(t *testing.T) {
	settler := &fakeSettler{precheckErr: billing.ErrInsufficientBalance}

	_, events, err := runRound(t, happyGateway(), settler, &fakeStore{}, testRequest())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	got := eventTypes(events)
	if len(got) != 1 || got[0] != EventError {
		t.Fatalf("event types = %v, want single error event", got)
	}
}

func TestRunInvalidRequest(t *testing.T) {
	for name, mutate := range map[string]func(*Request){
		"empty prompt":     func(r *Request) { r.Prompt = "   " },
		"no lead":          func(r *Request) { r.LeadModel = "" },
		"single model":     func(r *Request) { r.Models = []string{"model-1"} },
		"duplicate models": func(r *Request) { r.Models = []string{"model-1", "model-1"} },
	} {
		req := testRequest()
		mutate(&req)
		_, _, err := runRound(t, happyGateway(), &fakeSettler{}, &fakeStore{}, req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: err = %v, want ErrInvalidRequest", name, err)
		}
	}
}

func TestRunSettlementFailureStillCompletes(t *testing.T) {
	gateway := happyGateway()
	settler := &fakeSettler{settleErr: errors.New("ledger down")}

	result, events, err := runRound(t, gateway, settler, &fakeStore{}, testRequest())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result == nil || result.Stage3.Content != "final answer" {
		t.Fatal("settlement failure must not lose the answer")
	}

	final := events[len(events)-1]
	if final.Type != EventComplete {
		t.Fatalf("final event = %s, want complete", final.Type)
	}
	if final.Metadata == nil || !final.Metadata.CostUnresolved {
		t.Fatal("complete event must be flagged cost_unresolved")
	}
}

func TestRunGeneratesTitle(t *testing.T) {
	gateway := happyGateway()
	store := &fakeStore{}
	req := testRequest()
	req.GenerateTitle = true

	result, events, err := runRound(t, gateway, &fakeSettler{}, store, req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Title != "A Short Title" {
		t.Fatalf("Title = %q", result.Title)
	}
	if len(store.titles) != 1 || store.titles[0] != "A Short Title" {
		t.Fatalf("persisted titles = %v", store.titles)
	}

	got := eventTypes(events)
	titleIdx := -1
	for i, typ := range got {
		if typ == EventTitleComplete {
			titleIdx = i
		}
	}
	if titleIdx == -1 {
		t.Fatalf("no title_complete event in %v", got)
	}
	if got[len(got)-1] != EventComplete || titleIdx == len(got)-1 {
		t.Fatalf("title_complete must precede complete: %v", got)
	}
}

func TestRunTitleFailureDoesNotAffectRound(t *testing.T) {
	gateway := happyGateway()
	gateway.title = openrouter.ModelResponse{Model: "title-model", Kind: openrouter.ErrUpstream}
	req := testRequest()
	req.GenerateTitle = true

	result, events, err := runRound(t, gateway, &fakeSettler{}, &fakeStore{}, req)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Title != "" {
		t.Fatalf("Title = %q, want empty", result.Title)
	}
	for _, ev := range events {
		if ev.Type == EventTitleComplete {
			t.Fatal("failed title must not produce a title_complete event")
		}
	}
}
