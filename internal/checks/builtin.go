package checks

import (
	"context"
)

// RegisterBuiltins installs the platform's compiled-in check set. Entry ids
// are the stable names challenge authors reference from inline manifests.
func RegisterBuiltins(r *Registry) {
	r.Register("s3_bucket_versioning", bucketVersioningCheck)
	r.Register("s3_bucket_replication", bucketReplicationCheck)
	r.Register("s3_bucket_encryption", bucketEncryptionCheck)
	r.Register("http_health", httpHealthCheck)
}

func bucketVersioningCheck(ctx context.Context, probe Probe, in Input) (bool, map[string]any, error) {
	details, err := probe.Describe(ctx, AspectBucketVersioning, withTarget(in, "bucket"))
	if err != nil {
		return false, nil, err
	}
	ok, _ := details["enabled"].(bool)
	return ok, details, nil
}

func bucketReplicationCheck(ctx context.Context, probe Probe, in Input) (bool, map[string]any, error) {
	details, err := probe.Describe(ctx, AspectBucketReplication, withTarget(in, "bucket"))
	if err != nil {
		return false, nil, err
	}
	ok, _ := details["configured"].(bool)
	return ok, details, nil
}

func bucketEncryptionCheck(ctx context.Context, probe Probe, in Input) (bool, map[string]any, error) {
	details, err := probe.Describe(ctx, AspectBucketEncryption, withTarget(in, "bucket"))
	if err != nil {
		return false, nil, err
	}
	ok, _ := details["encrypted"].(bool)
	return ok, details, nil
}

func httpHealthCheck(ctx context.Context, probe Probe, in Input) (bool, map[string]any, error) {
	details, err := probe.Describe(ctx, AspectHTTPHealth, withTarget(in, "url"))
	if err != nil {
		return false, nil, err
	}
	ok, _ := details["healthy"].(bool)
	return ok, details, nil
}

// withTarget fills the named param from the invocation target when the
// manifest did not pin it explicitly.
func withTarget(in Input, key string) map[string]any {
	params := make(map[string]any, len(in.Params)+1)
	for k, v := range in.Params {
		params[k] = v
	}
	if _, ok := params[key]; !ok && in.Target != "" {
		params[key] = in.Target
	}
	return params
}
