package council

import (
	"council/internal/openrouter"
)

// LabelMapping is the bidirectional Label <-> model identifier mapping for
// one round. It is a single owned value: created when Stage 2 begins and
// discarded with the round, never persisted or reused.
type LabelMapping struct {
	labels       []Label
	labelToModel map[Label]string
	modelToLabel map[string]Label
}

// AssignLabels labels the successful responses in input order. Failed
// responses are excluded entirely: a model that produced no answer cannot
// appear as "Response X" to anyone. Labeling depends only on position,
// never on content, so identical input yields an identical mapping.
func AssignLabels(responses []openrouter.ModelResponse) *LabelMapping {
	m := &LabelMapping{
		labelToModel: make(map[Label]string),
		modelToLabel: make(map[string]Label),
	}

	for _, resp := range responses {
		if !resp.OK() {
			continue
		}
		label := Label(rune('A' + len(m.labels)))
		m.labels = append(m.labels, label)
		m.labelToModel[label] = resp.Model
		m.modelToLabel[resp.Model] = label
	}

	return m
}

// Labels returns the assigned labels in assignment order.
func (m *LabelMapping) Labels() []Label {
	return m.labels
}

// Model resolves a label to its model identifier.
func (m *LabelMapping) Model(label Label) (string, bool) {
	model, ok := m.labelToModel[label]
	return model, ok
}

// Label resolves a model identifier to its label.
func (m *LabelMapping) Label(model string) (Label, bool) {
	label, ok := m.modelToLabel[model]
	return label, ok
}

// LabelToModel returns a copy of the forward mapping for event payloads.
func (m *LabelMapping) LabelToModel() map[Label]string {
	out := make(map[Label]string, len(m.labelToModel))
	for label, model := range m.labelToModel {
		out[label] = model
	}
	return out
}

// Len reports how many responses were labeled.
func (m *LabelMapping) Len() int {
	return len(m.labels)
}
