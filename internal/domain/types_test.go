package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() ChallengeDefinition {
	return ChallengeDefinition{
		ID:           "s3-resilience",
		PassingScore: 80,
		Criteria: []Criterion{
			{ID: "a", Name: "A", Points: 10, CheckUnitRef: "units/a.json"},
			{ID: "b", Name: "B", Points: 20, CheckUnitRef: "units/b.json"},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := validDefinition()
	require.NoError(t, def.Validate())
	assert.Equal(t, uint(30), def.MaxPoints())

	mutations := map[string]func(*ChallengeDefinition){
		"empty id":            func(d *ChallengeDefinition) { d.ID = "" },
		"no criteria":         func(d *ChallengeDefinition) { d.Criteria = nil },
		"duplicate criterion": func(d *ChallengeDefinition) { d.Criteria[1].ID = "a" },
		"empty criterion id":  func(d *ChallengeDefinition) { d.Criteria[0].ID = "" },
		"missing unit ref":    func(d *ChallengeDefinition) { d.Criteria[0].CheckUnitRef = "" },
		"zero total points": func(d *ChallengeDefinition) {
			d.Criteria[0].Points = 0
			d.Criteria[1].Points = 0
		},
		"passing score over 100": func(d *ChallengeDefinition) { d.PassingScore = 101 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d := validDefinition()
			mutate(&d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{ErrTimeout, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{ErrResourceExceeded, CodeResourceExceeded},
		{ErrCheckFault, CodePanic},
		{ErrIntegrity, CodeIntegrity},
		{ErrPolicyViolation, CodePolicyViolation},
		{ErrNotFound, CodeNotFound},
		{errors.New("anything else"), CodeUnitError},
		{fmt.Errorf("wrapped: %w", ErrTimeout), CodeTimeout},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, Classify(tc.err), "%v", tc.err)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrThrottled))
	assert.True(t, Retryable(fmt.Errorf("store: %w", ErrTransient)))
	assert.False(t, Retryable(ErrAccessDenied))
	assert.False(t, Retryable(ErrNotFound))
	assert.False(t, Retryable(nil))
}
