package broker

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgym/assessd/internal/backoff"
	"github.com/opsgym/assessd/internal/domain"
)

// fakeSTS records the last AssumeRole input and replies from a script.
type fakeSTS struct {
	lastInput *sts.AssumeRoleInput
	calls     int
	errs      []error // consumed per call; nil means success
}

func (f *fakeSTS) AssumeRole(_ context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.lastInput = in
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	exp := time.Now().Add(15 * time.Minute)
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("ASIAFAKEACCESSKEY"),
			SecretAccessKey: aws.String("fake-secret"),
			SessionToken:    aws.String("fake-token"),
			Expiration:      &exp,
		},
	}, nil
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func newBroker(t *testing.T, api AssumeRoleAPI, cfg Config) *Broker {
	t.Helper()
	if cfg.RoleName == "" {
		cfg.RoleName = "OpsGymAssessor"
	}
	if cfg.ExternalID == "" {
		cfg.ExternalID = "opsgym-ext-id"
	}
	b, err := NewWithClient(api, cfg)
	require.NoError(t, err)
	return b
}

func TestIssueBuildsScopedRequest(t *testing.T) {
	api := &fakeSTS{}
	b := newBroker(t, api, Config{})

	cred, err := b.Issue(context.Background(), "123456789012", "attempt-1")
	require.NoError(t, err)
	defer cred.Release()

	in := api.lastInput
	require.NotNil(t, in)
	assert.Equal(t, "arn:aws:iam::123456789012:role/OpsGymAssessor", aws.ToString(in.RoleArn))
	assert.Equal(t, "opsgym-ext-id", aws.ToString(in.ExternalId))
	assert.Equal(t, "attempt-1", aws.ToString(in.RoleSessionName))
	assert.Equal(t, int32(900), aws.ToInt32(in.DurationSeconds))
}

func TestDurationCappedAtFifteenMinutes(t *testing.T) {
	api := &fakeSTS{}
	b := newBroker(t, api, Config{Duration: 4 * time.Hour})

	_, err := b.Issue(context.Background(), "123456789012", "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, int32(900), aws.ToInt32(api.lastInput.DurationSeconds))
}

func TestIssueClassifiesAccessDenied(t *testing.T) {
	api := &fakeSTS{errs: []error{apiError("AccessDenied")}}
	b := newBroker(t, api, Config{})

	_, err := b.Issue(context.Background(), "123456789012", "attempt-1")
	require.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.False(t, domain.Retryable(err), "access denied is terminal")
}

func TestIssueClassifiesThrottled(t *testing.T) {
	api := &fakeSTS{errs: []error{apiError("Throttling")}}
	b := newBroker(t, api, Config{})

	_, err := b.Issue(context.Background(), "123456789012", "attempt-1")
	require.ErrorIs(t, err, domain.ErrThrottled)
	assert.True(t, domain.Retryable(err))
}

func TestIssueRetriedByCallerPolicy(t *testing.T) {
	api := &fakeSTS{errs: []error{
		apiError("Throttling"),
		apiError("Throttling"),
		nil,
	}}
	b := newBroker(t, api, Config{})

	p := backoff.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2}
	var cred *Credential
	err := backoff.Do(context.Background(), p, domain.Retryable, func(ctx context.Context) error {
		var err error
		cred, err = b.Issue(ctx, "123456789012", "attempt-1")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, 3, api.calls)
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	b := newBroker(t, &fakeSTS{}, Config{})
	cred, err := b.Issue(context.Background(), "123456789012", "attempt-1")
	require.NoError(t, err)

	env, err := cred.Env()
	require.NoError(t, err)
	assert.Equal(t, "ASIAFAKEACCESSKEY", env["AWS_ACCESS_KEY_ID"])

	cred.Release()
	cred.Release() // idempotent

	assert.True(t, cred.Expired())
	_, err = cred.Env()
	require.ErrorIs(t, err, domain.ErrCredentialSpent)
	_, err = cred.Provider().Retrieve(context.Background())
	require.ErrorIs(t, err, domain.ErrCredentialSpent)
}

func TestIssuanceLedgerCarriesNoSecrets(t *testing.T) {
	b := newBroker(t, &fakeSTS{}, Config{})
	_, err := b.Issue(context.Background(), "123456789012", "attempt-1")
	require.NoError(t, err)

	ledger := b.Issuances()
	require.Len(t, ledger, 1)
	assert.Equal(t, "arn:aws:iam::123456789012:role/OpsGymAssessor", ledger[0].RoleARN)
	assert.Equal(t, "attempt-1", ledger[0].SessionTag)
	assert.False(t, ledger[0].IssuedAt.IsZero())
	assert.True(t, ledger[0].ExpiresAt.After(ledger[0].IssuedAt))
}

func TestNewWithClientRequiresTrustInputs(t *testing.T) {
	_, err := NewWithClient(&fakeSTS{}, Config{ExternalID: "x"})
	require.Error(t, err)
	_, err = NewWithClient(&fakeSTS{}, Config{RoleName: "r"})
	require.Error(t, err)
}
