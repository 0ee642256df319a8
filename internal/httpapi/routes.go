// Package httpapi exposes the assessment engine over HTTP: a synchronous
// assess endpoint, an async enqueue variant, challenge registration, tenant
// account linking, and attempt history reads.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"

	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/orchestrator"
	"github.com/opsgym/assessd/internal/registry"
	"github.com/opsgym/assessd/internal/worker"
)

// Assessor is the orchestrator contract the API depends on.
type Assessor interface {
	Assess(ctx context.Context, participantID, challengeID string) (*domain.AssessmentResult, error)
}

type Server struct {
	DB       *sqlx.DB
	Registry *registry.Store
	Assessor Assessor
	Asynq    *asynq.Client
}

func NewServer(dbx *sqlx.DB, reg *registry.Store, assessor Assessor, asq *asynq.Client) *http.Server {
	s := &Server{DB: dbx, Registry: reg, Assessor: assessor, Asynq: asq}
	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, m.Logger, m.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIToken)
		r.Post("/assessments", s.assess)
		r.Post("/assessments/async", s.assessAsync)
		r.Get("/assessments/{id}", s.getAssessment)
		r.Post("/challenges", s.createChallenge)
		r.Get("/challenges/{id}", s.getChallenge)
		r.Put("/participants/{id}/account", s.linkAccount)
		r.Get("/participants/{id}/assessments", s.listAssessments)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"db error"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	return &http.Server{Addr: addr, Handler: r}
}

type assessRequest struct {
	ParticipantID string `json:"participant_id"`
	ChallengeID   string `json:"challenge_id"`
}

type errResp struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeAssessRequest(r *http.Request) (assessRequest, error) {
	var req assessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	if req.ParticipantID == "" || req.ChallengeID == "" {
		return req, errors.New("participant_id and challenge_id are required")
	}
	return req, nil
}

// assess runs a full attempt synchronously and returns the scored result,
// or a structured abort.
func (s *Server) assess(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAssessRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	res, err := s.Assessor.Assess(r.Context(), req.ParticipantID, req.ChallengeID)
	if err != nil {
		var abort *orchestrator.AbortError
		if errors.As(err, &abort) {
			code := http.StatusBadGateway
			if errors.Is(err, domain.ErrNotFound) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, errResp{Error: "assessment aborted", Reason: abort.Reason})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// assessAsync enqueues the identical attempt for the worker; the result is
// read later from attempt history.
func (s *Server) assessAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAssessRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	task, err := worker.NewAssessTask(req.ParticipantID, req.ChallengeID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	if _, err := s.Asynq.Enqueue(task, asynq.MaxRetry(0)); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"enqueued": "ok"})
}

func (s *Server) getAssessment(w http.ResponseWriter, r *http.Request) {
	res, err := s.Registry.GetAssessment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, statusFor(err), errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createChallenge(w http.ResponseWriter, r *http.Request) {
	var def domain.ChallengeDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	if err := s.Registry.PutChallengeDefinition(r.Context(), &def); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, errResp{Error: "challenge definitions are immutable"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": def.ID})
}

func (s *Server) getChallenge(w http.ResponseWriter, r *http.Request) {
	def, err := s.Registry.GetChallengeDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, statusFor(err), errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) linkAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountID == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "account_id is required"})
		return
	}
	if err := s.Registry.PutTenantAccount(r.Context(), chi.URLParam(r, "id"), body.AccountID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

func (s *Server) listAssessments(w http.ResponseWriter, r *http.Request) {
	list, err := s.Registry.ListAssessments(r.Context(),
		chi.URLParam(r, "id"), r.URL.Query().Get("challenge"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func statusFor(err error) int {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
