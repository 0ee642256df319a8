package checks

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opsgym/assessd/internal/domain"
)

// Probe is the read-only inspection surface handed to checks. Everything on
// it is a describe/list call against the tenant's infrastructure or an
// unauthenticated HTTP probe of the target; nothing mutates.
type Probe interface {
	// Describe runs one named read-only inspection and returns its raw
	// observation map. Unknown aspects map to domain.ErrNotFound.
	Describe(ctx context.Context, aspect string, params map[string]any) (map[string]any, error)
}

// Inspection aspects understood by the cloud probe.
const (
	AspectBucketVersioning  = "s3_bucket_versioning"
	AspectBucketReplication = "s3_bucket_replication"
	AspectBucketEncryption  = "s3_bucket_encryption"
	AspectHTTPHealth        = "http_health"
)

// CloudProbe inspects tenant resources through a delegated credential. One
// probe is built per unit invocation and dies with it.
type CloudProbe struct {
	s3   *s3.Client
	http *http.Client
}

// NewCloudProbe builds a probe bound to delegated credentials. The region
// defaults from ASSESS_REGION.
func NewCloudProbe(creds aws.CredentialsProvider, region string) *CloudProbe {
	if region == "" {
		region = os.Getenv("ASSESS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg := aws.Config{Region: region, Credentials: creds}
	return &CloudProbe{
		s3:   s3.NewFromConfig(cfg),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *CloudProbe) Describe(ctx context.Context, aspect string, params map[string]any) (map[string]any, error) {
	switch aspect {
	case AspectBucketVersioning:
		return p.bucketVersioning(ctx, params)
	case AspectBucketReplication:
		return p.bucketReplication(ctx, params)
	case AspectBucketEncryption:
		return p.bucketEncryption(ctx, params)
	case AspectHTTPHealth:
		return p.httpHealth(ctx, params)
	default:
		return nil, fmt.Errorf("inspection aspect %q: %w", aspect, domain.ErrNotFound)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing %q param", key)
	}
	return v, nil
}

func (p *CloudProbe) bucketVersioning(ctx context.Context, params map[string]any) (map[string]any, error) {
	bucket, err := stringParam(params, "bucket")
	if err != nil {
		return nil, err
	}
	out, err := p.s3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: &bucket})
	if err != nil {
		return nil, fmt.Errorf("describe versioning for %s: %w", bucket, err)
	}
	return map[string]any{
		"bucket":  bucket,
		"status":  string(out.Status),
		"enabled": out.Status == s3types.BucketVersioningStatusEnabled,
	}, nil
}

func (p *CloudProbe) bucketReplication(ctx context.Context, params map[string]any) (map[string]any, error) {
	bucket, err := stringParam(params, "bucket")
	if err != nil {
		return nil, err
	}
	out, err := p.s3.GetBucketReplication(ctx, &s3.GetBucketReplicationInput{Bucket: &bucket})
	if err != nil {
		// No replication configuration is a valid observation, not a fault.
		return map[string]any{"bucket": bucket, "configured": false}, nil
	}
	rules := 0
	if out.ReplicationConfiguration != nil {
		for _, r := range out.ReplicationConfiguration.Rules {
			if r.Status == s3types.ReplicationRuleStatusEnabled {
				rules++
			}
		}
	}
	return map[string]any{
		"bucket":       bucket,
		"configured":   rules > 0,
		"active_rules": rules,
	}, nil
}

func (p *CloudProbe) bucketEncryption(ctx context.Context, params map[string]any) (map[string]any, error) {
	bucket, err := stringParam(params, "bucket")
	if err != nil {
		return nil, err
	}
	out, err := p.s3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: &bucket})
	if err != nil {
		return map[string]any{"bucket": bucket, "encrypted": false}, nil
	}
	algo := ""
	if cfg := out.ServerSideEncryptionConfiguration; cfg != nil && len(cfg.Rules) > 0 {
		if d := cfg.Rules[0].ApplyServerSideEncryptionByDefault; d != nil {
			algo = string(d.SSEAlgorithm)
		}
	}
	return map[string]any{
		"bucket":    bucket,
		"encrypted": algo != "",
		"algorithm": algo,
	}, nil
}

func (p *CloudProbe) httpHealth(ctx context.Context, params map[string]any) (map[string]any, error) {
	url, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("health probe %s: %w", url, err)
	}
	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		return map[string]any{"url": url, "reachable": false}, nil
	}
	defer resp.Body.Close()
	return map[string]any{
		"url":        url,
		"reachable":  true,
		"status":     resp.StatusCode,
		"healthy":    resp.StatusCode >= 200 && resp.StatusCode < 300,
		"latency_ms": time.Since(start).Milliseconds(),
	}, nil
}
