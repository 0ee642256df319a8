// Package broker issues short-lived, least-privilege delegated credentials
// into tenant accounts via STS AssumeRole. Credentials are owned by exactly
// one in-flight assessment, never persisted, and explicitly invalidated when
// the attempt reaches a terminal state.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/opsgym/assessd/internal/domain"
)

// MaxSessionDuration caps delegated sessions per the trust contract.
const MaxSessionDuration = 15 * time.Minute

// Issuer is the contract the orchestrator depends on.
type Issuer interface {
	Issue(ctx context.Context, tenantAccountID, sessionTag string) (*Credential, error)
}

// AssumeRoleAPI is the slice of the STS client the broker uses.
type AssumeRoleAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, opts ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Issuance is the audit record of one credential grant. It never carries
// secret material.
type Issuance struct {
	RoleARN    string    `json:"role_arn"`
	SessionTag string    `json:"session_tag"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ReleasedAt time.Time `json:"released_at,omitempty"`
}

// Credential is a delegated, revocable credential handle. Release zeroes the
// secret material; a released or expired handle refuses further use.
type Credential struct {
	mu        sync.Mutex
	accessKey string
	secretKey string
	token     string
	issuedAt  time.Time
	expiresAt time.Time
	released  bool
}

// ExpiresAt returns the natural expiry of the underlying session.
func (c *Credential) ExpiresAt() time.Time { return c.expiresAt }

// Expired reports whether the handle is unusable, either because the session
// lapsed or because the owning attempt released it.
func (c *Credential) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released || time.Now().After(c.expiresAt)
}

// Release invalidates the handle and zeroes secret material. Idempotent.
func (c *Credential) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessKey, c.secretKey, c.token = "", "", ""
	c.released = true
}

// Env exposes the credential as the environment variables a sandboxed unit
// with the cloud_inspect capability receives. Fails once released.
func (c *Credential) Env() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || time.Now().After(c.expiresAt) {
		return nil, domain.ErrCredentialSpent
	}
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     c.accessKey,
		"AWS_SECRET_ACCESS_KEY": c.secretKey,
		"AWS_SESSION_TOKEN":     c.token,
	}, nil
}

// Provider adapts the handle to an aws.CredentialsProvider for in-process
// inspection calls. Retrieval fails once the handle is released.
func (c *Credential) Provider() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.released || time.Now().After(c.expiresAt) {
			return aws.Credentials{}, domain.ErrCredentialSpent
		}
		return aws.Credentials{
			AccessKeyID:     c.accessKey,
			SecretAccessKey: c.secretKey,
			SessionToken:    c.token,
			CanExpire:       true,
			Expires:         c.expiresAt,
		}, nil
	})
}

// Broker negotiates cross-account delegated sessions bound to a fixed
// external id so a tenant trust policy cannot be replayed by another caller.
type Broker struct {
	sts        AssumeRoleAPI
	roleName   string
	externalID string
	duration   time.Duration
	log        *slog.Logger

	mu        sync.Mutex
	issuances []Issuance
}

// Config for the broker. RoleName and ExternalID are required; Duration
// defaults to and is capped at MaxSessionDuration.
type Config struct {
	RoleName   string
	ExternalID string
	Duration   time.Duration
}

// ConfigFromEnv reads ASSESSOR_ROLE_NAME and ASSESSOR_EXTERNAL_ID.
func ConfigFromEnv() Config {
	return Config{
		RoleName:   os.Getenv("ASSESSOR_ROLE_NAME"),
		ExternalID: os.Getenv("ASSESSOR_EXTERNAL_ID"),
	}
}

// New builds a broker over the default STS client.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker config: %w", err)
	}
	return NewWithClient(sts.NewFromConfig(awsCfg), cfg)
}

// NewWithClient builds a broker over a caller-supplied STS client.
func NewWithClient(api AssumeRoleAPI, cfg Config) (*Broker, error) {
	if cfg.RoleName == "" {
		return nil, errors.New("broker: role name is required")
	}
	if cfg.ExternalID == "" {
		return nil, errors.New("broker: external id is required")
	}
	if cfg.Duration <= 0 || cfg.Duration > MaxSessionDuration {
		cfg.Duration = MaxSessionDuration
	}
	return &Broker{
		sts:        api,
		roleName:   cfg.RoleName,
		externalID: cfg.ExternalID,
		duration:   cfg.Duration,
		log:        slog.With("component", "broker"),
	}, nil
}

// Issue requests a delegated read-only session in the tenant account.
// AccessDenied and Throttled outcomes are classified for the caller's retry
// policy. Secret material is never logged.
func (b *Broker) Issue(ctx context.Context, tenantAccountID, sessionTag string) (*Credential, error) {
	roleARN := fmt.Sprintf("arn:aws:iam::%s:role/%s", tenantAccountID, b.roleName)
	out, err := b.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionTag),
		ExternalId:      aws.String(b.externalID),
		DurationSeconds: aws.Int32(int32(b.duration.Seconds())),
	})
	if err != nil {
		return nil, classify(roleARN, err)
	}
	creds := out.Credentials
	if creds == nil || creds.AccessKeyId == nil || creds.SecretAccessKey == nil {
		return nil, fmt.Errorf("assume role %s: empty credentials: %w", roleARN, domain.ErrTransient)
	}

	now := time.Now()
	expires := now.Add(b.duration)
	if creds.Expiration != nil && creds.Expiration.Before(expires) {
		expires = *creds.Expiration
	}
	c := &Credential{
		accessKey: aws.ToString(creds.AccessKeyId),
		secretKey: aws.ToString(creds.SecretAccessKey),
		token:     aws.ToString(creds.SessionToken),
		issuedAt:  now,
		expiresAt: expires,
	}

	b.mu.Lock()
	b.issuances = append(b.issuances, Issuance{
		RoleARN:    roleARN,
		SessionTag: sessionTag,
		IssuedAt:   now,
		ExpiresAt:  expires,
	})
	b.mu.Unlock()

	b.log.Info("issued delegated credential",
		"role", roleARN, "session", sessionTag, "expires_at", expires)
	return c, nil
}

// Issuances returns a copy of the audit ledger.
func (b *Broker) Issuances() []Issuance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Issuance, len(b.issuances))
	copy(out, b.issuances)
	return out
}

func classify(roleARN string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		switch {
		case code == "AccessDenied" || code == "AccessDeniedException":
			return fmt.Errorf("assume role %s: %w", roleARN, domain.ErrAccessDenied)
		case strings.Contains(code, "Throttl") || code == "TooManyRequestsException":
			return fmt.Errorf("assume role %s: %w", roleARN, domain.ErrThrottled)
		}
	}
	return fmt.Errorf("assume role %s: %w: %v", roleARN, domain.ErrTransient, err)
}
