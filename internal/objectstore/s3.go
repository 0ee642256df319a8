// Package objectstore reads check-unit artifacts from an S3-compatible
// object store. Artifacts are addressed by store://bucket/key references.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/opsgym/assessd/internal/domain"
)

// Getter is the narrow read surface the loader depends on.
type Getter interface {
	GetObject(ctx context.Context, ref string) ([]byte, error)
}

// maxObjectBytes caps a single artifact fetch. Check units are small
// manifests plus at most one wasm module.
const maxObjectBytes = 16 << 20 // 16 MiB

type Client struct {
	s3  *s3.Client
	log *slog.Logger
}

// New builds a client from OBJECT_STORE_* env vars. A custom endpoint
// (MinIO or similar) is used when OBJECT_STORE_ENDPOINT is set; otherwise
// the default AWS chain applies.
func New(ctx context.Context) (*Client, error) {
	endpoint := os.Getenv("OBJECT_STORE_ENDPOINT")
	access := os.Getenv("OBJECT_STORE_ACCESS_KEY")
	secret := os.Getenv("OBJECT_STORE_SECRET_KEY")
	region := os.Getenv("OBJECT_STORE_REGION")
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if access != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, secret, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(fmt.Sprintf("http://%s", endpoint))
			o.UsePathStyle = true
		})
	}
	return &Client{
		s3:  s3.NewFromConfig(cfg, s3opts...),
		log: slog.With("component", "objectstore"),
	}, nil
}

// ParseRef splits a store://bucket/key reference.
func ParseRef(ref string) (bucket, key string, err error) {
	const p = "store://"
	if !strings.HasPrefix(ref, p) {
		return "", "", fmt.Errorf("bad store ref (missing store://): %q", ref)
	}
	s := strings.TrimPrefix(ref, p)
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return "", "", fmt.Errorf("bad store ref (need bucket/key): %q", ref)
	}
	return s[:slash], s[slash+1:], nil
}

// JoinRef appends a key under a store://bucket/prefix location.
func JoinRef(location, key string) string {
	return strings.TrimSuffix(location, "/") + "/" + strings.TrimPrefix(key, "/")
}

// GetObject fetches the full object at ref. Missing objects map to
// domain.ErrNotFound; anything else is transient and retryable.
func (c *Client) GetObject(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", ref, domain.ErrNotFound)
		}
		c.log.Warn("object fetch failed", "ref", ref, "error", err)
		return nil, fmt.Errorf("object %s: %w: %v", ref, domain.ErrTransient, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("object %s read: %w: %v", ref, domain.ErrTransient, err)
	}
	if len(b) > maxObjectBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes: %w", ref, maxObjectBytes, domain.ErrPolicyViolation)
	}
	c.log.Debug("fetched object", "ref", ref, "bytes", len(b))
	return b, nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NoSuchKey" || ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchBucket")
}
