package council

import (
	"fmt"
	"strings"

	"council/internal/openrouter"
)

// Prompt builders for the three stages and the side title task. The
// ranking prompt asks for the exact FINAL RANKING format the parser
// prefers, but the parser tolerates raters that ignore it.

func stage1Messages(prompt string) []openrouter.ChatMessage {
	return []openrouter.ChatMessage{
		{Role: "user", Content: prompt},
	}
}

// reviewMessages builds the anonymized peer-review prompt for one rater.
// The rater sees every other successful response under its label and is
// never told which model wrote what, nor that one of the answers may be
// its own.
func reviewMessages(prompt string, rater string, responses []openrouter.ModelResponse, mapping *LabelMapping) []openrouter.ChatMessage {
	var b strings.Builder

	b.WriteString("You are reviewing anonymous answers to the question below. ")
	b.WriteString("Critique each answer for accuracy, depth and clarity, then rank them from best to worst.\n\n")
	fmt.Fprintf(&b, "Question:\n%s\n\n", prompt)

	for _, resp := range responses {
		if !resp.OK() || resp.Model == rater {
			continue
		}
		label, ok := mapping.Label(resp.Model)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "Response %s:\n%s\n\n", label, resp.Content)
	}

	b.WriteString("After your critique, end with the heading \"FINAL RANKING:\" followed by a numbered list, best first, ")
	b.WriteString("one entry per line in the form \"1. Response X\".")

	return []openrouter.ChatMessage{
		{Role: "user", Content: b.String()},
	}
}

// synthesisMessages builds the lead model's Stage 3 prompt: the original
// question, every labeled answer, and the aggregate standings.
func synthesisMessages(prompt string, responses []openrouter.ModelResponse, mapping *LabelMapping, aggregate []AggregateRanking) []openrouter.ChatMessage {
	var b strings.Builder

	b.WriteString("Several models answered the question below and then ranked each other's answers anonymously. ")
	b.WriteString("Write the single best final answer, drawing on the strongest parts of each response. ")
	b.WriteString("Answer the question directly; do not describe the review process.\n\n")
	fmt.Fprintf(&b, "Question:\n%s\n\n", prompt)

	for _, resp := range responses {
		if !resp.OK() {
			continue
		}
		label, ok := mapping.Label(resp.Model)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "Response %s:\n%s\n\n", label, resp.Content)
	}

	if len(aggregate) > 0 {
		b.WriteString("Peer ranking, best first:\n")
		for i, agg := range aggregate {
			label, ok := mapping.Label(agg.Model)
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "%d. Response %s (average rank %.2f over %d rankings)\n", i+1, label, agg.AverageRank, agg.RankingsCount)
		}
		b.WriteString("\n")
	}

	return []openrouter.ChatMessage{
		{Role: "user", Content: b.String()},
	}
}

func titleMessages(prompt string) []openrouter.ChatMessage {
	content := fmt.Sprintf(
		"Write a short title (at most six words) for a conversation that starts with this message. "+
			"Reply with the title only, no quotes.\n\n%s", prompt)
	return []openrouter.ChatMessage{
		{Role: "user", Content: content},
	}
}
