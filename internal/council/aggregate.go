package council

import (
	"sort"
)

// AggregateRankings combines the parsed submissions into a single ranked
// standing. A model's average rank is the mean of its 1-based position
// across every submission that ranked it; a rater omitting a model
// contributes no term for it. Models nobody ranked are excluded — there is
// no valid mean for them. Labels outside the mapping are skipped.
//
// The output order is fully deterministic: average rank ascending, then
// rankings count descending (more votes ranks better), then model
// identifier ascending.
func AggregateRankings(submissions []RankingSubmission, mapping *LabelMapping) []AggregateRanking {
	type accumulator struct {
		sum   float64
		count int
	}
	totals := make(map[string]*accumulator)

	for _, sub := range submissions {
		for pos, label := range sub.Parsed {
			model, ok := mapping.Model(label)
			if !ok {
				continue
			}
			acc := totals[model]
			if acc == nil {
				acc = &accumulator{}
				totals[model] = acc
			}
			acc.sum += float64(pos + 1)
			acc.count++
		}
	}

	rankings := make([]AggregateRanking, 0, len(totals))
	for model, acc := range totals {
		rankings = append(rankings, AggregateRanking{
			Model:         model,
			AverageRank:   acc.sum / float64(acc.count),
			RankingsCount: acc.count,
		})
	}

	sort.Slice(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.AverageRank != b.AverageRank {
			return a.AverageRank < b.AverageRank
		}
		if a.RankingsCount != b.RankingsCount {
			return a.RankingsCount > b.RankingsCount
		}
		return a.Model < b.Model
	})

	return rankings
}
