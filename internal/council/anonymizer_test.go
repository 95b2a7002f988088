package council

import (
	"reflect"
	"testing"

	"council/internal/openrouter"
)

func TestAssignLabelsInOrder(t *testing.T) {
	responses := []openrouter.ModelResponse{
		{Model: "openai/gpt-5.1", Content: "first"},
		{Model: "anthropic/claude-sonnet-4.5", Content: "second"},
		{Model: "google/gemini-3-pro-preview", Content: "third"},
	}

	m := AssignLabels(responses)

	if got, want := m.Labels(), []Label{"A", "B", "C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Labels() = %v, want %v", got, want)
	}
	for i, resp := range responses {
		label := m.Labels()[i]
		model, ok := m.Model(label)
		if !ok || model != resp.Model {
			t.Fatalf("Model(%q) = %q, %v; want %q", label, model, ok, resp.Model)
		}
		back, ok := m.Label(resp.Model)
		if !ok || back != label {
			t.Fatalf("Label(%q) = %q, %v; want %q", resp.Model, back, ok, label)
		}
	}
}

func TestAssignLabelsExcludesFailedResponses(t *testing.T) {
	responses := []openrouter.ModelResponse{
		{Model: "model-a", Content: "ok"},
		{Model: "model-b", Kind: openrouter.ErrTimeout},
		{Model: "model-c", Content: "ok"},
	}

	m := AssignLabels(responses)

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if model, _ := m.Model("B"); model != "model-c" {
		t.Fatalf("Model(B) = %q, want model-c (labels must stay contiguous)", model)
	}
	if _, ok := m.Label("model-b"); ok {
		t.Fatal("failed model must not receive a label")
	}
}

func TestAssignLabelsDeterministic(t *testing.T) {
	responses := []openrouter.ModelResponse{
		{Model: "x", Content: "1"},
		{Model: "y", Content: "2"},
	}

	first := AssignLabels(responses).LabelToModel()
	second := AssignLabels(responses).LabelToModel()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical input produced different mappings: %v vs %v", first, second)
	}
}

func TestLabelToModelReturnsCopy(t *testing.T) {
	m := AssignLabels([]openrouter.ModelResponse{{Model: "x", Content: "1"}})

	out := m.LabelToModel()
	out["A"] = "tampered"

	if model, _ := m.Model("A"); model != "x" {
		t.Fatalf("mutating the returned map leaked into the mapping: Model(A) = %q", model)
	}
}
