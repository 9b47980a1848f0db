package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
)

// maxGCSAttempts mirrors the S3 adapter's retry shape.
const maxGCSAttempts = 3

// GCSAdapter lists objects in a Google Cloud Storage bucket.
type GCSAdapter struct {
	client *storage.Client
}

// NewGCSAdapter builds a GCSAdapter from a decrypted service account key.
func NewGCSAdapter(ctx context.Context, creds GCSCredentials) (*GCSAdapter, error) {
	client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(creds.ServiceAccountJSON)))
	if err != nil {
		return nil, fmt.Errorf("adapters: gcs client: %w", err)
	}
	return &GCSAdapter{client: client}, nil
}

// ListFiles implements StorageAdapter.
func (a *GCSAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
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

// ListFilesWithMetadata implements StorageAdapter, retrying the iterator
// advance on transient errors up to maxGCSAttempts times.
func (a *GCSAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]FileMeta, error) {
	bucket, prefix := splitLocation(location)
	it := a.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var out []FileMeta
	for {
		attrs, err := a.nextWithRetry(ctx, it)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		rel = strings.TrimPrefix(rel, "/")
		mod := attrs.Updated
		out = append(out, FileMeta{Path: rel, Size: attrs.Size, LastModified: &mod})
	}
	return out, nil
}

func (a *GCSAdapter) nextWithRetry(ctx context.Context, it *storage.ObjectIterator) (*storage.ObjectAttrs, error) {
	var lastErr error
	for attempt := 1; attempt <= maxGCSAttempts; attempt++ {
		attrs, err := it.Next()
		if err == nil || errors.Is(err, iterator.Done) {
			return attrs, err
		}
		lastErr = err
		if isGCSTerminal(err) {
			return nil, classifyGCSError("gcs.list", err)
		}
		if attempt < maxGCSAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}
	}
	return nil, classifyGCSError("gcs.list", lastErr)
}

// TestConnection implements StorageAdapter: fetches at most one object
// attrs entry to confirm reachability and permissions.
func (a *GCSAdapter) TestConnection(ctx context.Context, location string) (bool, string, error) {
	bucket, prefix := splitLocation(location)
	it := a.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	_, err := it.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		wrapped := classifyGCSError("gcs.test", err)
		return false, wrapped.Error(), nil
	}
	return true, fmt.Sprintf("gcs bucket %q reachable", bucket), nil
}

// isGCSTerminal reports whether err is a permission/not-found error the
// adapter treats as terminal: Forbidden and NotFound are never retried.
func isGCSTerminal(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 403 || gerr.Code == 404
	}
	return false
}

func classifyGCSError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 403:
			return apierr.NewStorageError(op, apierr.StoragePermissionDenied, err)
		case 404:
			return apierr.NewStorageError(op, apierr.StorageNotFound, err)
		}
	}
	return apierr.NewStorageError(op, apierr.StorageConnectionFailure, err)
}
