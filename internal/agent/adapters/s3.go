package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
)

// maxS3Attempts bounds transient-error retries (1s doubling backoff).
const maxS3Attempts = 3

// S3Adapter lists objects in an S3 (or S3-compatible) bucket, paginating
// through ListObjectsV2 and retrying transient errors with exponential
// backoff.
type S3Adapter struct {
	client *s3.Client
}

// NewS3Adapter builds an S3Adapter from decrypted connector credentials.
func NewS3Adapter(creds S3Credentials) (*S3Adapter, error) {
	cfg := aws.Config{
		Region: creds.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, "",
		),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*s3.Options){}
	if creds.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Adapter{client: s3.NewFromConfig(cfg, opts...)}, nil
}

// splitLocation parses a location of the form "bucket/prefix" (prefix may
// be empty) into its two parts.
func splitLocation(location string) (bucket, prefix string) {
	location = strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(location, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// ListFiles implements StorageAdapter.
func (a *S3Adapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	metas, err := a.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(metas))
	for i, m := range metas {
		paths[i] = m.Path
	}
	return paths, nil
}

// ListFilesWithMetadata implements StorageAdapter: paginates
// ListObjectsV2, retrying each page up to maxS3Attempts times on
// transient errors before giving up.
func (a *S3Adapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileMeta, error) {
	bucket, prefix := splitLocation(location)

	var out []FileMeta
	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		}
		if continuationToken != nil {
			input.ContinuationToken = continuationToken
		}

		page, err := a.listPageWithRetry(ctx, input)
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			rel = strings.TrimPrefix(rel, "/")
			var mod *time.Time
			if obj.LastModified != nil {
				t := *obj.LastModified
				mod = &t
			}
			out = append(out, FileMeta{
				Path:         rel,
				Size:         aws.ToInt64(obj.Size),
				LastModified: mod,
			})
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuationToken = page.NextContinuationToken
	}
	return out, nil
}

func (a *S3Adapter) listPageWithRetry(ctx context.Context, input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	var lastErr error
	for attempt := 1; attempt <= maxS3Attempts; attempt++ {
		page, err := a.client.ListObjectsV2(ctx, input)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if isS3Terminal(err) {
			return nil, classifyS3Error("s3.list", err)
		}
		if attempt < maxS3Attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}
	}
	return nil, classifyS3Error("s3.list", lastErr)
}

// TestConnection implements StorageAdapter: a single bucket-scoped
// ListObjectsV2 with MaxKeys=1, enough to confirm reachability and
// permissions without paginating the whole bucket.
func (a *S3Adapter) TestConnection(ctx context.Context, location string) (bool, string, error) {
	bucket, prefix := splitLocation(location)
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		wrapped := classifyS3Error("s3.test", err)
		return false, wrapped.Error(), nil
	}
	return true, fmt.Sprintf("s3 bucket %q reachable", bucket), nil
}

// s3TerminalCodes are the permission errors treated as terminal —
// never retried.
var s3TerminalCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
}

func isS3Terminal(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return s3TerminalCodes[apiErr.ErrorCode()]
	}
	return false
}

func classifyS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return apierr.NewStorageError(op, apierr.StoragePermissionDenied, err)
		case "NoSuchBucket", "NoSuchKey":
			return apierr.NewStorageError(op, apierr.StorageNotFound, err)
		}
	}
	return apierr.NewStorageError(op, apierr.StorageConnectionFailure, err)
}
