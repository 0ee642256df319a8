// Package worker consumes queued assessment requests. The async variant is
// contractually identical to the synchronous endpoint: the same orchestrator
// runs the attempt and persists the result.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/opsgym/assessd/internal/domain"
)

// TaskAssessRun is the asynq task type for one assessment request.
const TaskAssessRun = "assessment:run"

type assessPayload struct {
	ParticipantID string `json:"participant_id"`
	ChallengeID   string `json:"challenge_id"`
}

// NewAssessTask builds the queue task for one assessment request.
func NewAssessTask(participantID, challengeID string) (*asynq.Task, error) {
	b, err := json.Marshal(assessPayload{ParticipantID: participantID, ChallengeID: challengeID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssessRun, b), nil
}

// Assessor is the orchestrator contract the worker depends on.
type Assessor interface {
	Assess(ctx context.Context, participantID, challengeID string) (*domain.AssessmentResult, error)
}

type Server struct {
	Assessor Assessor
	log      *slog.Logger
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskAssessRun, s.handleAssess)
	return mux
}

func (s *Server) handleAssess(ctx context.Context, t *asynq.Task) error {
	var p assessPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	s.log.Info("running queued assessment", "participant", p.ParticipantID, "challenge", p.ChallengeID)

	res, err := s.Assessor.Assess(ctx, p.ParticipantID, p.ChallengeID)
	if err != nil {
		// The aborted attempt is already persisted; retrying would only
		// repeat the failure, so the task completes.
		s.log.Warn("queued assessment aborted", "participant", p.ParticipantID,
			"challenge", p.ChallengeID, "error", err)
		return nil
	}
	s.log.Info("queued assessment scored", "attempt", res.AttemptID,
		"score", res.Score, "passed", res.Passed)
	return nil
}

// Run serves the queue until the process exits.
func Run(addr string, assessor Assessor) error {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: addr}, asynq.Config{Concurrency: 5})
	w := &Server{Assessor: assessor, log: slog.With("component", "worker")}
	return srv.Run(w.mux())
}
