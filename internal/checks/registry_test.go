package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgym/assessd/internal/domain"
)

func noop(context.Context, Probe, Input) (bool, map[string]any, error) {
	return true, nil, nil
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("my_check", noop)

	fn, err := r.Lookup("my_check")
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = r.Lookup("absent")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("my_check", noop)
	assert.Panics(t, func() { r.Register("my_check", noop) })
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	assert.Equal(t, []string{
		"http_health",
		"s3_bucket_encryption",
		"s3_bucket_replication",
		"s3_bucket_versioning",
	}, r.Entries())
}

// cannedProbe replays one observation for every aspect.
type cannedProbe struct {
	obs    map[string]any
	aspect string
	params map[string]any
}

func (p *cannedProbe) Describe(_ context.Context, aspect string, params map[string]any) (map[string]any, error) {
	p.aspect = aspect
	p.params = params
	return p.obs, nil
}

func TestBuiltinChecksReadObservation(t *testing.T) {
	cases := []struct {
		entry       string
		aspect      string
		targetParam string
		obs         map[string]any
		implemented bool
	}{
		{"s3_bucket_versioning", AspectBucketVersioning, "bucket", map[string]any{"enabled": true}, true},
		{"s3_bucket_versioning", AspectBucketVersioning, "bucket", map[string]any{"enabled": false}, false},
		{"s3_bucket_replication", AspectBucketReplication, "bucket", map[string]any{"configured": true}, true},
		{"s3_bucket_encryption", AspectBucketEncryption, "bucket", map[string]any{"encrypted": false}, false},
		{"http_health", AspectHTTPHealth, "url", map[string]any{"healthy": true}, true},
	}

	r := NewRegistry()
	RegisterBuiltins(r)
	for _, tc := range cases {
		fn, err := r.Lookup(tc.entry)
		require.NoError(t, err)
		probe := &cannedProbe{obs: tc.obs}
		ok, details, err := fn(context.Background(), probe, Input{Target: "the-target"})
		require.NoError(t, err)
		assert.Equal(t, tc.implemented, ok, tc.entry)
		assert.Equal(t, tc.obs, details)
		assert.Equal(t, tc.aspect, probe.aspect)
		assert.Equal(t, "the-target", probe.params[tc.targetParam])
	}
}

func TestWithTargetFillsMissingParam(t *testing.T) {
	in := Input{Target: "bucket-a", Params: map[string]any{"other": 1}}
	params := withTarget(in, "bucket")
	assert.Equal(t, "bucket-a", params["bucket"])
	assert.Equal(t, 1, params["other"])

	in.Params = map[string]any{"bucket": "pinned"}
	assert.Equal(t, "pinned", withTarget(in, "bucket")["bucket"])
}
