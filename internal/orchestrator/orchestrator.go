// Package orchestrator drives one assessment attempt end to end: definition
// resolution, credential acquisition, unit loading, bounded concurrent
// execution, scoring, and persistence. Each attempt is independent; nothing
// here is shared across concurrent attempts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/opsgym/assessd/internal/backoff"
	"github.com/opsgym/assessd/internal/broker"
	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/executor"
	"github.com/opsgym/assessd/internal/loader"
	"github.com/opsgym/assessd/internal/scoring"
)

// Attempt states. Logged on every transition; terminal states are persisted.
const (
	stateReceived           = "RECEIVED"
	stateDefinitionResolved = "DEFINITION_RESOLVED"
	stateCredentialAcquired = "CREDENTIAL_ACQUIRED"
	stateUnitsLoaded        = "UNITS_LOADED"
	stateExecuting          = "EXECUTING"
	stateScored             = "SCORED"
	statePersisted          = "PERSISTED"
	stateAborted            = "ABORTED"
)

// Abort reason codes persisted with aborted attempts.
const (
	ReasonDefinitionNotFound = "definition_not_found"
	ReasonAccountNotLinked   = "account_not_linked"
	ReasonCredentialDenied   = "credential_denied"
	ReasonUnitUnavailable    = "unit_unavailable"
	ReasonUnitRejected       = "unit_rejected"
	ReasonInfrastructure     = "infrastructure_unavailable"
)

// Registry resolves definitions and tenant account links.
type Registry interface {
	GetChallengeDefinition(ctx context.Context, challengeID string) (*domain.ChallengeDefinition, error)
	GetTenantAccount(ctx context.Context, participantID string) (string, error)
}

// ResultSink persists attempt records, append-only.
type ResultSink interface {
	PutAssessmentResult(ctx context.Context, res *domain.AssessmentResult, audit []broker.Issuance) error
}

// UnitLoader materializes validated check units.
type UnitLoader interface {
	Load(ctx context.Context, def *domain.ChallengeDefinition, crit domain.Criterion) (*loader.ExecutableUnit, error)
}

// UnitRunner executes one unit in isolation.
type UnitRunner interface {
	Run(ctx context.Context, unit *loader.ExecutableUnit, inv executor.Invocation) (domain.CriterionResult, error)
}

// Config bounds one orchestrator instance.
type Config struct {
	// OuterDeadline caps a full attempt; still-running units past it are
	// force-terminated and scored as not implemented. Default 5 minutes.
	OuterDeadline time.Duration
	// MaxParallel is the platform-wide ceiling on concurrent unit
	// executions within one attempt. Default 16.
	MaxParallel int
	// StrictValidation makes integrity and policy failures fatal to the
	// attempt instead of fatal to the criterion only.
	StrictValidation bool
}

// ConfigFromEnv reads the deployment knobs.
func ConfigFromEnv() Config {
	return Config{StrictValidation: os.Getenv("STRICT_VALIDATION") == "1"}
}

func (c Config) withDefaults() Config {
	if c.OuterDeadline <= 0 {
		c.OuterDeadline = 5 * time.Minute
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 16
	}
	return c
}

// AbortError is returned when an attempt cannot start or finish; the aborted
// attempt record has already been persisted for audit when possible.
type AbortError struct {
	AttemptID string
	Reason    string
	Err       error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("attempt %s aborted (%s): %v", e.AttemptID, e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Orchestrator owns the lifecycle of assessment attempts.
type Orchestrator struct {
	registry Registry
	sink     ResultSink
	loader   UnitLoader
	runner   UnitRunner
	issuer   broker.Issuer
	cfg      Config
	log      *slog.Logger
}

func New(registry Registry, sink ResultSink, ld UnitLoader, runner UnitRunner, issuer broker.Issuer, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		sink:     sink,
		loader:   ld,
		runner:   runner,
		issuer:   issuer,
		cfg:      cfg.withDefaults(),
		log:      slog.With("component", "orchestrator"),
	}
}

// loadedUnit pairs a criterion with its unit, or with the contained result
// of a validation failure.
type loadedUnit struct {
	crit   domain.Criterion
	unit   *loader.ExecutableUnit
	failed *domain.CriterionResult
}

// Assess runs one attempt. Re-invoking for the same participant and
// challenge creates a new independent attempt; prior records are never
// touched. The caller receives either a complete scored result or an
// AbortError; aborted attempts are persisted too.
func (o *Orchestrator) Assess(ctx context.Context, participantID, challengeID string) (*domain.AssessmentResult, error) {
	attemptID := uuid.NewString()
	attemptAt := time.Now().UTC()
	log := o.log.With("attempt", attemptID, "participant", participantID, "challenge", challengeID)
	log.Info("attempt state", "state", stateReceived)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.OuterDeadline)
	defer cancel()

	// Registry reads share the retry treatment of the other external calls:
	// transient unavailability is retried with backoff before going fatal.
	var def *domain.ChallengeDefinition
	err := backoff.Do(ctx, backoff.Default, domain.Retryable, func(ctx context.Context) error {
		var err error
		def, err = o.registry.GetChallengeDefinition(ctx, challengeID)
		return err
	})
	if err != nil {
		return nil, o.abort(ctx, log, attemptID, participantID, challengeID, attemptAt, reasonFor(err, ReasonDefinitionNotFound), err, nil)
	}
	if err := def.Validate(); err != nil {
		return nil, o.abort(ctx, log, attemptID, participantID, challengeID, attemptAt, ReasonDefinitionNotFound, err, nil)
	}
	var accountID string
	err = backoff.Do(ctx, backoff.Default, domain.Retryable, func(ctx context.Context) error {
		var err error
		accountID, err = o.registry.GetTenantAccount(ctx, participantID)
		return err
	})
	if err != nil {
		return nil, o.abort(ctx, log, attemptID, participantID, challengeID, attemptAt, reasonFor(err, ReasonAccountNotLinked), err, nil)
	}
	log.Info("attempt state", "state", stateDefinitionResolved, "criteria", len(def.Criteria))

	var cred *broker.Credential
	issueErr := backoff.Do(ctx, backoff.Default, domain.Retryable, func(ctx context.Context) error {
		var err error
		cred, err = o.issuer.Issue(ctx, accountID, attemptID)
		return err
	})
	if issueErr != nil {
		return nil, o.abort(ctx, log, attemptID, participantID, challengeID, attemptAt, ReasonCredentialDenied, issueErr, nil)
	}
	// Whatever happens below, the credential dies with the attempt.
	defer cred.Release()
	audit := []broker.Issuance{{SessionTag: attemptID, IssuedAt: attemptAt, ExpiresAt: cred.ExpiresAt()}}
	log.Info("attempt state", "state", stateCredentialAcquired, "credential_expires", cred.ExpiresAt())

	units, abortReason, loadErr := o.loadUnits(ctx, def)
	if loadErr != nil {
		return nil, o.abort(ctx, log, attemptID, participantID, challengeID, attemptAt, abortReason, loadErr, audit)
	}
	log.Info("attempt state", "state", stateUnitsLoaded)

	log.Info("attempt state", "state", stateExecuting)
	results := o.execute(ctx, units, executor.Invocation{
		AttemptID:     attemptID,
		ParticipantID: participantID,
		Target:        participantID, // target identifier defaults to the participant id
		Credential:    cred,
		Timeout:       time.Duration(def.UnitTimeoutSeconds) * time.Second,
	})

	// Last execution that needs the credential is done; invalidate now,
	// before scoring and persistence, even though expiry has not elapsed.
	cred.Release()
	audit[0].ReleasedAt = time.Now().UTC()

	res := scoring.Score(def, results)
	res.AttemptID = attemptID
	res.ParticipantID = participantID
	res.AttemptAt = attemptAt
	log.Info("attempt state", "state", stateScored, "score", res.Score, "passed", res.Passed)

	// Execution may have consumed the whole outer deadline; the scored
	// result still persists under its own bounded budget so a deadline-hit
	// attempt ends PERSISTED, not aborted.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelPersist()
	if err := o.sink.PutAssessmentResult(persistCtx, &res, audit); err != nil {
		return nil, o.abort(ctx, log, attemptID, participantID, challengeID, attemptAt, ReasonInfrastructure, err, audit)
	}
	log.Info("attempt state", "state", statePersisted)
	return &res, nil
}

// loadUnits materializes every criterion's unit. Validation failures are
// contained per criterion unless strict validation is configured; missing
// objects and exhausted retries abort the attempt.
func (o *Orchestrator) loadUnits(ctx context.Context, def *domain.ChallengeDefinition) ([]loadedUnit, string, error) {
	units := make([]loadedUnit, 0, len(def.Criteria))
	for _, crit := range def.Criteria {
		unit, err := o.loader.Load(ctx, def, crit)
		switch {
		case err == nil:
			units = append(units, loadedUnit{crit: crit, unit: unit})
		case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrPolicyViolation):
			if o.cfg.StrictValidation {
				return nil, ReasonUnitRejected, err
			}
			units = append(units, loadedUnit{crit: crit, failed: &domain.CriterionResult{
				CriterionID: crit.ID,
				Implemented: false,
				Details:     map[string]any{"error": domain.Classify(err)},
			}})
		case errors.Is(err, domain.ErrNotFound):
			return nil, ReasonUnitUnavailable, err
		default:
			return nil, ReasonInfrastructure, err
		}
	}
	return units, "", nil
}

// execute fans the loaded units out with bounded parallelism and joins all
// of them. Every unit reaches a terminal per-unit state before scoring; a
// slow unit only costs its own timeout.
func (o *Orchestrator) execute(ctx context.Context, units []loadedUnit, base executor.Invocation) []domain.CriterionResult {
	limit := int64(len(units))
	if limit > int64(o.cfg.MaxParallel) {
		limit = int64(o.cfg.MaxParallel)
	}
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	results := make([]domain.CriterionResult, len(units))
	var wg sync.WaitGroup
	for i, lu := range units {
		if lu.failed != nil {
			results[i] = *lu.failed
			continue
		}
		wg.Add(1)
		go func(i int, lu loadedUnit) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				// Outer deadline hit while queued: scored as timed out.
				results[i] = domain.CriterionResult{
					CriterionID: lu.crit.ID,
					Implemented: false,
					Details:     map[string]any{"error": domain.CodeTimeout},
				}
				return
			}
			defer sem.Release(1)

			inv := base
			inv.CriterionID = lu.crit.ID
			res, err := o.runner.Run(ctx, lu.unit, inv)
			if err != nil {
				// Engine-side invocation fault; contained like a unit fault.
				res = domain.CriterionResult{
					CriterionID: lu.crit.ID,
					Implemented: false,
					Details:     map[string]any{"error": domain.Classify(err)},
				}
			}
			results[i] = res
		}(i, lu)
	}
	wg.Wait()
	return results
}

// abort persists the aborted attempt for audit and wraps the cause.
func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, attemptID, participantID, challengeID string, attemptAt time.Time, reason string, cause error, audit []broker.Issuance) error {
	log.Warn("attempt state", "state", stateAborted, "reason", reason, "error", cause)
	rec := &domain.AssessmentResult{
		AttemptID:     attemptID,
		ParticipantID: participantID,
		ChallengeID:   challengeID,
		AttemptAt:     attemptAt,
		Status:        domain.StatusAborted,
		AbortReason:   reason,
		Implemented:   []domain.ImplementedItem{},
		Suggestions:   []domain.SuggestionItem{},
		Results:       []domain.CriterionResult{},
	}
	// Best effort: the abort record matters for audit but its own failure
	// must not mask the original cause.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.sink.PutAssessmentResult(persistCtx, rec, audit); err != nil {
		log.Error("failed to persist aborted attempt", "error", err)
	}
	return &AbortError{AttemptID: attemptID, Reason: reason, Err: cause}
}

func reasonFor(err error, notFoundReason string) string {
	if errors.Is(err, domain.ErrNotFound) {
		return notFoundReason
	}
	return ReasonInfrastructure
}
