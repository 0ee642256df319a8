package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgym/assessd/internal/domain"
)

type fakeAssessor struct {
	participant, challenge string
	res                    *domain.AssessmentResult
	err                    error
}

func (f *fakeAssessor) Assess(_ context.Context, participantID, challengeID string) (*domain.AssessmentResult, error) {
	f.participant, f.challenge = participantID, challengeID
	return f.res, f.err
}

func TestNewAssessTaskPayload(t *testing.T) {
	task, err := NewAssessTask("alice", "s3-resilience")
	require.NoError(t, err)
	assert.Equal(t, TaskAssessRun, task.Type())

	var p assessPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "alice", p.ParticipantID)
	assert.Equal(t, "s3-resilience", p.ChallengeID)
}

func TestHandleAssessRunsAttempt(t *testing.T) {
	f := &fakeAssessor{res: &domain.AssessmentResult{AttemptID: "att-1", Score: 100, Passed: true}}
	s := &Server{Assessor: f, log: slog.Default()}

	task, err := NewAssessTask("alice", "s3-resilience")
	require.NoError(t, err)
	require.NoError(t, s.handleAssess(context.Background(), task))
	assert.Equal(t, "alice", f.participant)
	assert.Equal(t, "s3-resilience", f.challenge)
}

func TestHandleAssessAbortDoesNotRetry(t *testing.T) {
	f := &fakeAssessor{err: errors.New("aborted and persisted")}
	s := &Server{Assessor: f, log: slog.Default()}

	task, err := NewAssessTask("alice", "s3-resilience")
	require.NoError(t, err)
	assert.NoError(t, s.handleAssess(context.Background(), task),
		"aborted attempts are terminal; the queue must not retry them")
}

func TestHandleAssessRejectsBadPayload(t *testing.T) {
	s := &Server{Assessor: &fakeAssessor{}, log: slog.Default()}
	err := s.handleAssess(context.Background(), asynq.NewTask(TaskAssessRun, []byte("not json")))
	require.Error(t, err)
}
