// Package domain holds the core types of the assessment engine: challenge
// definitions, per-criterion results, and the aggregate assessment record.
// Everything here is plain data; behavior lives in the packages that own it.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Criterion is a single scored reliability requirement within a challenge.
type Criterion struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Points         uint   `json:"points"`
	CheckUnitRef   string `json:"check_unit_ref"`
	CheckUnitHash  string `json:"check_unit_hash"` // sha256:<hex> over the unit manifest bytes
	Description    string `json:"description,omitempty"`
	SuggestionText string `json:"suggestion_text,omitempty"`
}

// ChallengeDefinition is the ordered set of criteria and weights for one
// reliability scenario. Immutable once published.
type ChallengeDefinition struct {
	ID                 string      `json:"id"`
	Criteria           []Criterion `json:"criteria"`
	PassingScore       uint        `json:"passing_score"`
	CheckUnitsLocation string      `json:"check_units_location"` // store://bucket/prefix
	UnitTimeoutSeconds int         `json:"unit_timeout_seconds,omitempty"`
}

var errNoCriteria = errors.New("definition has no criteria")

// Validate enforces the definition invariants: unique criterion ids,
// total points > 0, passing score within 0..100.
func (d *ChallengeDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("definition id is empty")
	}
	if len(d.Criteria) == 0 {
		return errNoCriteria
	}
	seen := make(map[string]struct{}, len(d.Criteria))
	var total uint
	for _, c := range d.Criteria {
		if c.ID == "" {
			return fmt.Errorf("criterion %q: empty id", c.Name)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("criterion id %q duplicated", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.CheckUnitRef == "" {
			return fmt.Errorf("criterion %q: empty check unit ref", c.ID)
		}
		total += c.Points
	}
	if total == 0 {
		return errors.New("criterion points sum to zero")
	}
	if d.PassingScore > 100 {
		return fmt.Errorf("passing score %d out of range", d.PassingScore)
	}
	return nil
}

// MaxPoints returns the sum of all criterion points.
func (d *ChallengeDefinition) MaxPoints() uint {
	var total uint
	for _, c := range d.Criteria {
		total += c.Points
	}
	return total
}

// CriterionResult is the outcome of exactly one check-unit execution against
// one target. Details are untrusted third-party output and must be sanitized
// before they land here.
type CriterionResult struct {
	CriterionID   string         `json:"criterion_id"`
	Implemented   bool           `json:"implemented"`
	Details       map[string]any `json:"details,omitempty"`
	PointsAwarded uint           `json:"points_awarded"`
}

// ImplementedItem is one satisfied criterion echoed back in feedback.
type ImplementedItem struct {
	CriterionID string         `json:"criterion_id"`
	Name        string         `json:"name"`
	Points      uint           `json:"points"`
	Details     map[string]any `json:"details,omitempty"`
}

// SuggestionItem is one unsatisfied criterion with its authored guidance.
type SuggestionItem struct {
	CriterionID string `json:"criterion_id"`
	Name        string `json:"name"`
	Points      uint   `json:"points"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Attempt status values. An attempt ends PERSISTED or ABORTED, never both.
const (
	StatusScored  = "scored"
	StatusAborted = "aborted"
)

// AssessmentResult aggregates all criterion results for one attempt.
// Append-only: re-assessing creates a new record, prior attempts stay.
type AssessmentResult struct {
	AttemptID     string            `json:"attempt_id"`
	ParticipantID string            `json:"participant_id"`
	ChallengeID   string            `json:"challenge_id"`
	AttemptAt     time.Time         `json:"attempt_at"`
	Status        string            `json:"status"`
	AbortReason   string            `json:"abort_reason,omitempty"`
	Score         uint              `json:"score"` // 0..100
	Passed        bool              `json:"passed"`
	Implemented   []ImplementedItem `json:"implemented"`
	Suggestions   []SuggestionItem  `json:"suggestions"`
	Results       []CriterionResult `json:"results"`
}
