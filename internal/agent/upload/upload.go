// Package upload is the agent's chunked uploader: initiate,
// parallel-safe idempotent chunk PUTs, checksum finalization, and
// best-effort cancellation.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// MaxRetries is the per-chunk retry cap for transient errors.
const MaxRetries = 3

// InitialBackoff is the starting exponential backoff,
// doubling each attempt.
const InitialBackoff = 1 * time.Second

// DefaultChunkSize is proposed to the server at Initiate; the server may
// round it, and the client must use the value it returns.
const DefaultChunkSize int64 = 5 << 20

// maxParallelChunks bounds how many chunk PUTs run concurrently — the
// server's per-(upload_id,chunk_index) writes are idempotent, so the
// degree is a throughput knob, capped to avoid saturating the agent's
// one outbound connection pool.
const maxParallelChunks = 4

// Client is the transport surface the uploader needs — satisfied by
// internal/agent/apiclient.Client.
type Client interface {
	InitiateUpload(ctx context.Context, jobGUID string, req apitypes.InitiateUploadRequest) (*apitypes.InitiateUploadResponse, error)
	PutChunk(ctx context.Context, uploadID string, index int, data []byte) (bool, error)
	FinalizeUpload(ctx context.Context, uploadID, checksum string) (*apitypes.FinalizeResponse, error)
	CancelUpload(ctx context.Context, uploadID string) error
}

// Uploader drives the three-phase chunked upload protocol for one
// artifact at a time.
type Uploader struct {
	client Client
	logger *zap.Logger
}

// New constructs an Uploader.
func New(client Client, logger *zap.Logger) *Uploader {
	return &Uploader{client: client, logger: logger.Named("upload")}
}

// Result is the outcome of a completed chunked upload: the server-minted
// upload_id (carried in CompleteRequest.UploadID) and the checksum
// that was submitted at finalize.
type Result struct {
	UploadID string
	Checksum string
}

// Upload runs initiate → chunk PUTs → returns, ready for the caller to
// report completion before calling Finalize. content is held in memory
// once; its SHA-256 is computed once up front and submitted at finalize.
func (u *Uploader) Upload(ctx context.Context, jobGUID, uploadType string, content []byte) (*Result, error) {
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	initResp, err := u.client.InitiateUpload(ctx, jobGUID, apitypes.InitiateUploadRequest{
		UploadType:   uploadType,
		ExpectedSize: int64(len(content)),
		ChunkSize:    DefaultChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: initiate: %w", err)
	}

	if err := u.uploadChunks(ctx, initResp.UploadID, content, initResp.ChunkSize, initResp.TotalChunks); err != nil {
		return nil, err
	}

	return &Result{UploadID: initResp.UploadID, Checksum: checksum}, nil
}

// Finalize submits the checksum computed at Upload time, to be called
// only after the caller has reported job completion referencing UploadID.
func (u *Uploader) Finalize(ctx context.Context, result *Result) error {
	resp, err := u.client.FinalizeUpload(ctx, result.UploadID, result.Checksum)
	if err != nil {
		return fmt.Errorf("upload: finalize: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("upload: finalize: server reported failure")
	}
	return nil
}

// Cancel tears the session down, best-effort: any error is swallowed.
func (u *Uploader) Cancel(ctx context.Context, uploadID string) {
	if err := u.client.CancelUpload(ctx, uploadID); err != nil {
		u.logger.Warn("cancel upload failed, session will expire", zap.String("upload_id", uploadID), zap.Error(err))
	}
}

// uploadChunks sends every chunk, retrying transient failures per chunk up
// to MaxRetries times with doubling backoff starting at InitialBackoff.
// Chunks are sent with bounded parallelism; any chunk's
// terminal failure aborts the whole upload.
func (u *Uploader) uploadChunks(ctx context.Context, uploadID string, content []byte, chunkSize int64, totalChunks int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChunks)

	for i := 0; i < totalChunks; i++ {
		index := i
		start := int64(index) * chunkSize
		end := start + chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		chunk := content[start:end]

		g.Go(func() error {
			return u.putChunkWithRetry(gctx, uploadID, index, chunk)
		})
	}
	return g.Wait()
}

// putChunkWithRetry implements the per-chunk retry policy:
// connection/timeout errors retry with exponential backoff; auth errors,
// 404 upload-not-found, and 400 chunk-rejected are terminal.
func (u *Uploader) putChunkWithRetry(ctx context.Context, uploadID string, index int, data []byte) error {
	backoff := InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		_, err := u.client.PutChunk(ctx, uploadID, index, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if isTerminalChunkError(err) {
			return fmt.Errorf("upload: chunk %d: %w", index, err)
		}
		if attempt < MaxRetries {
			u.logger.Warn("chunk upload failed, retrying",
				zap.String("upload_id", uploadID), zap.Int("index", index),
				zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("upload: chunk %d: retries exhausted: %w", index, lastErr)
}

func isTerminalChunkError(err error) bool {
	return errors.Is(err, apierr.ErrAuthenticationRejected) ||
		errors.Is(err, apierr.ErrRevoked) ||
		errors.Is(err, apierr.ErrForbidden) ||
		errors.Is(err, apierr.ErrNotFound) ||
		errors.Is(err, apierr.ErrValidation)
}
