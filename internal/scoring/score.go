// Package scoring converts raw per-criterion results into a weighted score
// and structured feedback. Score is a pure function: identical inputs yield
// identical results regardless of execution concurrency or arrival order.
package scoring

import (
	"github.com/opsgym/assessd/internal/domain"
)

// Score aggregates results over a definition. Missing or errored criteria
// count as not implemented; their diagnostic details are preserved in the
// stored result but never inflate the score. Feedback ordering follows the
// definition's criterion order.
func Score(def *domain.ChallengeDefinition, results []domain.CriterionResult) domain.AssessmentResult {
	byID := make(map[string]domain.CriterionResult, len(results))
	for _, r := range results {
		byID[r.CriterionID] = r
	}

	out := domain.AssessmentResult{
		ChallengeID: def.ID,
		Status:      domain.StatusScored,
		Implemented: []domain.ImplementedItem{},
		Suggestions: []domain.SuggestionItem{},
		Results:     make([]domain.CriterionResult, 0, len(def.Criteria)),
	}

	var earned, max uint
	for _, crit := range def.Criteria {
		max += crit.Points

		r, ok := byID[crit.ID]
		if !ok {
			r = domain.CriterionResult{
				CriterionID: crit.ID,
				Implemented: false,
				Details:     map[string]any{"error": domain.CodeNotFound},
			}
		}
		if r.Implemented {
			r.PointsAwarded = crit.Points
			earned += crit.Points
			out.Implemented = append(out.Implemented, domain.ImplementedItem{
				CriterionID: crit.ID,
				Name:        crit.Name,
				Points:      crit.Points,
				Details:     r.Details,
			})
		} else {
			r.PointsAwarded = 0
			out.Suggestions = append(out.Suggestions, domain.SuggestionItem{
				CriterionID: crit.ID,
				Name:        crit.Name,
				Points:      crit.Points,
				Suggestion:  crit.SuggestionText,
			})
		}
		out.Results = append(out.Results, r)
	}

	out.Score = percentage(earned, max)
	out.Passed = out.Score >= def.PassingScore
	return out
}

// percentage rounds earned/max to the nearest whole percent, ties up.
func percentage(earned, max uint) uint {
	if max == 0 {
		return 0
	}
	return (earned*200 + max) / (2 * max)
}
