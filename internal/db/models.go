package db

import "time"

type Challenge struct {
	ID         string    `db:"id"`
	Definition []byte    `db:"definition"`
	CreatedAt  time.Time `db:"created_at"`
}

type TenantAccount struct {
	ParticipantID string    `db:"participant_id"`
	AccountID     string    `db:"account_id"`
	CreatedAt     time.Time `db:"created_at"`
}

type Assessment struct {
	ID              string    `db:"id"`
	ParticipantID   string    `db:"participant_id"`
	ChallengeID     string    `db:"challenge_id"`
	AttemptAt       time.Time `db:"attempt_at"`
	Status          string    `db:"status"`
	AbortReason     string    `db:"abort_reason"`
	Score           int       `db:"score"`
	Passed          bool      `db:"passed"`
	Result          []byte    `db:"result"`
	CredentialAudit []byte    `db:"credential_audit"`
	CreatedAt       time.Time `db:"created_at"`
}
