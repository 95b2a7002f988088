package service

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"council/internal/config"
)

func selectionService() *CouncilService {
	cfg := &config.Config{}
	cfg.Council.AvailableModels = []string{"model-a", "model-b", "model-c"}
	cfg.Council.DefaultModels = []string{"model-a", "model-b"}
	cfg.Council.DefaultLead = "model-a"
	return NewCouncilService(cfg, nil, nil, zap.NewNop())
}

func TestValidateSelectionDefaults(t *testing.T) {
	svc := selectionService()

	models, lead, err := svc.ValidateSelection(nil, "")
	if err != nil {
		t.Fatalf("ValidateSelection returned error: %v", err)
	}
	if !reflect.DeepEqual(models, []string{"model-a", "model-b"}) {
		t.Fatalf("models = %v", models)
	}
	if lead != "model-a" {
		t.Fatalf("lead = %q", lead)
	}
}

func TestValidateSelectionRejectsUnknownModel(t *testing.T) {
	svc := selectionService()

	if _, _, err := svc.ValidateSelection([]string{"model-a", "model-x"}, "model-a"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	if _, _, err := svc.ValidateSelection([]string{"model-a", "model-b"}, "model-x"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("unknown lead: err = %v, want ErrUnknownModel", err)
	}
}

func TestValidateSelectionDeduplicates(t *testing.T) {
	svc := selectionService()

	models, _, err := svc.ValidateSelection([]string{"model-b", "model-a", "model-b"}, "model-a")
	if err != nil {
		t.Fatalf("ValidateSelection returned error: %v", err)
	}
	if !reflect.DeepEqual(models, []string{"model-b", "model-a"}) {
		t.Fatalf("models = %v, want duplicates dropped with order preserved", models)
	}
}

func TestValidateSelectionRequiresTwoModels(t *testing.T) {
	svc := selectionService()

	if _, _, err := svc.ValidateSelection([]string{"model-a"}, "model-a"); !errors.Is(err, ErrTooFewModels) {
		t.Fatalf("err = %v, want ErrTooFewModels", err)
	}
	if _, _, err := svc.ValidateSelection([]string{"model-a", "model-a"}, "model-a"); !errors.Is(err, ErrTooFewModels) {
		t.Fatalf("duplicates collapsing to one: err = %v, want ErrTooFewModels", err)
	}
}

func TestValidateSelectionLeadNeedNotParticipate(t *testing.T) {
	svc := selectionService()

	models, lead, err := svc.ValidateSelection([]string{"model-a", "model-b"}, "model-c")
	if err != nil {
		t.Fatalf("ValidateSelection returned error: %v", err)
	}
	if lead != "model-c" {
		t.Fatalf("lead = %q, want model-c", lead)
	}
	if len(models) != 2 {
		t.Fatalf("models = %v", models)
	}
}
