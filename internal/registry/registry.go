// Package registry is the persistent catalog of challenge definitions and
// tenant account links, plus the append-only assessment result sink.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/opsgym/assessd/internal/broker"
	dbm "github.com/opsgym/assessd/internal/db"
	"github.com/opsgym/assessd/internal/domain"
)

// ErrAlreadyExists signals an attempted overwrite of an immutable record.
var ErrAlreadyExists = errors.New("already exists")

// Store implements the registry and result-sink contracts over Postgres.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// GetChallengeDefinition resolves a published definition by id.
func (s *Store) GetChallengeDefinition(ctx context.Context, challengeID string) (*domain.ChallengeDefinition, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `select definition from challenges where id=$1`, challengeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("challenge %s: %w: %v", challengeID, domain.ErrTransient, err)
	}
	var def domain.ChallengeDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("challenge %s: corrupt definition: %w", challengeID, err)
	}
	return &def, nil
}

// PutChallengeDefinition publishes a definition. Definitions are immutable:
// re-publishing an existing id fails with ErrAlreadyExists.
func (s *Store) PutChallengeDefinition(ctx context.Context, def *domain.ChallengeDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("challenge %s: %w", def.ID, err)
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into challenges(id, definition) values($1, $2)`, def.ID, raw)
	if isUniqueViolation(err) {
		return fmt.Errorf("challenge %s: %w", def.ID, ErrAlreadyExists)
	}
	return err
}

// GetTenantAccount resolves a participant's linked cloud account.
func (s *Store) GetTenantAccount(ctx context.Context, participantID string) (string, error) {
	var accountID string
	err := s.db.GetContext(ctx, &accountID,
		`select account_id from tenant_accounts where participant_id=$1`, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("participant %s: %w", participantID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("participant %s: %w: %v", participantID, domain.ErrTransient, err)
	}
	return accountID, nil
}

// PutTenantAccount links (or re-links) a participant to a cloud account.
func (s *Store) PutTenantAccount(ctx context.Context, participantID, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_accounts(participant_id, account_id) values($1, $2)
		on conflict (participant_id) do update set account_id = excluded.account_id`,
		participantID, accountID)
	return err
}

// PutAssessmentResult appends one attempt record. Never updates: history is
// retained per attempt, aborted attempts included for audit.
func (s *Store) PutAssessmentResult(ctx context.Context, res *domain.AssessmentResult, audit []broker.Issuance) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	auditRaw, err := json.Marshal(audit)
	if err != nil {
		return err
	}
	if auditRaw == nil || string(auditRaw) == "null" {
		auditRaw = []byte("[]")
	}
	return dbm.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into assessments(id, participant_id, challenge_id, attempt_at,
				status, abort_reason, score, passed, result, credential_audit)
			values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			res.AttemptID, res.ParticipantID, res.ChallengeID, res.AttemptAt,
			res.Status, res.AbortReason, int(res.Score), res.Passed, raw, auditRaw)
		return err
	})
}

// GetAssessment fetches one attempt record.
func (s *Store) GetAssessment(ctx context.Context, attemptID string) (*domain.AssessmentResult, error) {
	var row dbm.Assessment
	err := s.db.GetContext(ctx, &row, `select * from assessments where id=$1`, attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w: %v", attemptID, domain.ErrTransient, err)
	}
	var res domain.AssessmentResult
	if err := json.Unmarshal(row.Result, &res); err != nil {
		return nil, fmt.Errorf("attempt %s: corrupt result: %w", attemptID, err)
	}
	return &res, nil
}

// ListAssessments returns a participant's attempt history, newest first.
// challengeID narrows to one challenge when non-empty.
func (s *Store) ListAssessments(ctx context.Context, participantID, challengeID string) ([]domain.AssessmentResult, error) {
	query := `select result from assessments where participant_id=$1`
	args := []any{participantID}
	if challengeID != "" {
		query += ` and challenge_id=$2`
		args = append(args, challengeID)
	}
	query += ` order by attempt_at desc`

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list assessments: %w: %v", domain.ErrTransient, err)
	}
	out := make([]domain.AssessmentResult, 0, len(rows))
	for _, raw := range rows {
		var res domain.AssessmentResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue // skip corrupt rows rather than failing the listing
		}
		out = append(out, res)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
