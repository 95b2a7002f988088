package council

import (
	"testing"

	"council/internal/openrouter"
)

func mappingFor(t *testing.T, models ...string) *LabelMapping {
	t.Helper()
	responses := make([]openrouter.ModelResponse, 0, len(models))
	for _, model := range models {
		responses = append(responses, openrouter.ModelResponse{Model: model, Content: "ok"})
	}
	return AssignLabels(responses)
}

func TestAggregateRankingsAverages(t *testing.T) {
	mapping := mappingFor(t, "model-a", "model-b", "model-c")
	submissions := []RankingSubmission{
		{Rater: "model-a", Parsed: []Label{"A", "B", "C"}},
		{Rater: "model-b", Parsed: []Label{"B", "A", "C"}},
	}

	result := AggregateRankings(submissions, mapping)

	if len(result) != 3 {
		t.Fatalf("got %d rankings, want 3", len(result))
	}
	avg := make(map[string]float64)
	for _, r := range result {
		avg[r.Model] = r.AverageRank
	}
	if avg["model-a"] != 1.5 || avg["model-b"] != 1.5 || avg["model-c"] != 3.0 {
		t.Fatalf("unexpected averages: %v", avg)
	}
}

func TestAggregateRankingsSortedByAverage(t *testing.T) {
	mapping := mappingFor(t, "model-a", "model-b", "model-c")
	submissions := []RankingSubmission{
		{Rater: "model-a", Parsed: []Label{"C", "A", "B"}},
		{Rater: "model-b", Parsed: []Label{"C", "B", "A"}},
	}

	result := AggregateRankings(submissions, mapping)

	if result[0].Model != "model-c" || result[0].AverageRank != 1.0 {
		t.Fatalf("expected model-c first with average 1.0, got %+v", result[0])
	}
}

func TestAggregateRankingsTieBreaksByModelID(t *testing.T) {
	mapping := mappingFor(t, "model-b", "model-a")
	submissions := []RankingSubmission{
		{Rater: "model-b", Parsed: []Label{"A", "B"}},
		{Rater: "model-a", Parsed: []Label{"B", "A"}},
	}

	result := AggregateRankings(submissions, mapping)

	// Both average 1.5 with equal counts; lexicographic order decides.
	if result[0].Model != "model-a" || result[1].Model != "model-b" {
		t.Fatalf("tie not broken by model id: %+v", result)
	}
}

func TestAggregateRankingsEmptySubmissions(t *testing.T) {
	mapping := mappingFor(t, "model-a")
	if result := AggregateRankings(nil, mapping); len(result) != 0 {
		t.Fatalf("got %v, want empty", result)
	}
}

func TestAggregateRankingsSkipsUnknownLabels(t *testing.T) {
	mapping := mappingFor(t, "model-a")
	submissions := []RankingSubmission{
		{Rater: "model-a", Parsed: []Label{"A", "Z"}},
	}

	result := AggregateRankings(submissions, mapping)

	if len(result) != 1 || result[0].Model != "model-a" {
		t.Fatalf("unknown label not skipped: %+v", result)
	}
}

func TestAggregateRankingsExcludesUnrankedModels(t *testing.T) {
	mapping := mappingFor(t, "model-a", "model-b")
	submissions := []RankingSubmission{
		{Rater: "model-a", Parsed: []Label{"A"}},
	}

	result := AggregateRankings(submissions, mapping)

	if len(result) != 1 {
		t.Fatalf("model nobody ranked must be excluded, got %+v", result)
	}
}

func TestAggregateRankingsCountsContributors(t *testing.T) {
	mapping := mappingFor(t, "model-a", "model-b")
	submissions := []RankingSubmission{
		{Rater: "m1", Parsed: []Label{"A", "B"}},
		{Rater: "m2", Parsed: []Label{"A", "B"}},
		{Rater: "m3", Parsed: []Label{"B", "A"}},
	}

	result := AggregateRankings(submissions, mapping)

	for _, r := range result {
		if r.RankingsCount != 3 {
			t.Fatalf("RankingsCount = %d for %s, want 3", r.RankingsCount, r.Model)
		}
	}
}

func TestAggregateRankingsSingleRater(t *testing.T) {
	mapping := mappingFor(t, "model-a", "model-b")
	submissions := []RankingSubmission{
		{Rater: "solo", Parsed: []Label{"B", "A"}},
	}

	result := AggregateRankings(submissions, mapping)

	if len(result) != 2 {
		t.Fatalf("got %d rankings, want 2", len(result))
	}
	if result[0].Model != "model-b" || result[0].AverageRank != 1.0 {
		t.Fatalf("expected model-b first, got %+v", result[0])
	}
	if result[1].Model != "model-a" || result[1].AverageRank != 2.0 {
		t.Fatalf("expected model-a second, got %+v", result[1])
	}
}
