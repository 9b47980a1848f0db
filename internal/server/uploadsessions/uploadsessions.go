// Package uploadsessions implements the server side of the three-phase
// chunked upload protocol — initiate, receive chunk, finalize — plus
// the expiry sweep.
package uploadsessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

// DefaultTTL is how long an open session survives without finalize.
const DefaultTTL = 24 * time.Hour

// DefaultChunkSize is used when a client proposes no chunk size (zero or
// negative); a size above MaxChunkSize is clamped to MaxChunkSize instead.
const DefaultChunkSize int64 = 5 << 20 // 5 MiB

// MaxChunkSize bounds the chunk size the server will honor.
const MaxChunkSize int64 = 16 << 20

var (
	// ErrNotAssigned is returned when the requesting agent does not own
	// the job the upload targets.
	ErrNotAssigned = errors.New("uploadsessions: job not assigned to this agent")
	// ErrIncomplete is returned by Finalize when not all chunks have
	// arrived yet.
	ErrIncomplete = errors.New("uploadsessions: not all chunks received")
	// ErrChecksumMismatch is returned by Finalize when the recomputed
	// SHA-256 does not match the client's submitted checksum.
	ErrChecksumMismatch = errors.New("uploadsessions: checksum mismatch")
	// ErrAlreadyReceived signals the idempotent duplicate-chunk case:
	// a repeat PUT never rewrites a stored chunk.
	ErrAlreadyReceived = errors.New("uploadsessions: chunk already received")
)

// Service mediates chunked uploads on top of UploadSessionRepository.
type Service struct {
	sessions repositories.UploadSessionRepository
	jobs     repositories.JobRepository
	results  repositories.ResultRepository
	logger   *zap.Logger
}

func New(sessions repositories.UploadSessionRepository, jobs repositories.JobRepository, results repositories.ResultRepository, logger *zap.Logger) *Service {
	return &Service{sessions: sessions, jobs: jobs, results: results, logger: logger.Named("uploadsessions")}
}

// Initiate opens a session: validates the job is assigned to agentID, rounds
// chunkSize if needed, and opens a new session.
func (s *Service) Initiate(ctx context.Context, jobID, agentID uuid.UUID, uploadType string, expectedSize, chunkSize int64) (*db.UploadSession, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AgentID == nil || *job.AgentID != agentID {
		return nil, ErrNotAssigned
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}

	totalChunks := int((expectedSize + chunkSize - 1) / chunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}

	session := &db.UploadSession{
		ID:           uuid.Must(uuid.NewV7()),
		JobID:        jobID,
		AgentID:      agentID,
		UploadType:   uploadType,
		ExpectedSize: expectedSize,
		ChunkSize:    chunkSize,
		TotalChunks:  totalChunks,
		ReceivedBits: strings.Repeat("0", totalChunks),
		ExpiresAt:    time.Now().UTC().Add(DefaultTTL),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ReceiveChunk validates the index and persists the bytes
// exactly once per (upload_id, chunk_index) — a repeat PUT is reported via
// ErrAlreadyReceived so the handler can answer idempotently. Duplicate
// detection rides on the chunk row's primary key rather than a pre-read
// of the bitset, so concurrent PUTs of different indexes never race.
func (s *Service) ReceiveChunk(ctx context.Context, uploadID uuid.UUID, index int, data []byte) error {
	session, err := s.sessions.GetByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if index < 0 || index >= session.TotalChunks {
		return fmt.Errorf("uploadsessions: chunk index %d out of range [0,%d)", index, session.TotalChunks)
	}

	created, err := s.sessions.PutChunk(ctx, &db.UploadChunk{UploadID: uploadID, ChunkIndex: index, Data: data})
	if err != nil {
		return err
	}

	// Set the bit even when the chunk row already existed: a crash between
	// the chunk write and the bit update would otherwise leave a stored
	// chunk the bitset never acknowledges, and the client's retry is the
	// only chance to heal it.
	if err := s.sessions.SetReceivedBit(ctx, uploadID, index); err != nil {
		return err
	}
	if !created {
		return ErrAlreadyReceived
	}
	return nil
}

// Finalize streams chunks in order through a SHA-256 hasher,
// compares to checksum, and writes the assembled blob into the target
// AnalysisResult's ResultsJSON or ReportHTML column.
func (s *Service) Finalize(ctx context.Context, uploadID uuid.UUID, checksum string, resultID uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if !allBitsSet(session.ReceivedBits) {
		return ErrIncomplete
	}

	chunks, err := s.sessions.ChunksInOrder(ctx, uploadID, session.TotalChunks)
	if err != nil {
		return err
	}

	h := sha256.New()
	blob := make([]byte, 0, session.ExpectedSize)
	for _, c := range chunks {
		h.Write(c.Data)
		blob = append(blob, c.Data...)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, checksum) {
		return ErrChecksumMismatch
	}

	result, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		return err
	}
	switch session.UploadType {
	case "report_html":
		result.ReportHTML = string(blob)
	default:
		result.ResultsJSON = string(blob)
	}
	if err := s.results.Update(ctx, result); err != nil {
		return err
	}

	if err := s.sessions.Delete(ctx, uploadID); err != nil {
		s.logger.Warn("finalize: session cleanup failed", zap.String("upload_id", uploadID.String()), zap.Error(err))
	}
	return nil
}

// Cancel is best-effort session teardown.
func (s *Service) Cancel(ctx context.Context, uploadID uuid.UUID) {
	if err := s.sessions.Delete(ctx, uploadID); err != nil {
		s.logger.Warn("cancel: delete failed", zap.String("upload_id", uploadID.String()), zap.Error(err))
	}
}

// SweepExpired deletes sessions (and their chunks) past ExpiresAt.
// Partial chunks are not retained.
func (s *Service) SweepExpired(ctx context.Context) error {
	expired, err := s.sessions.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, sess := range expired {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil {
			s.logger.Error("sweep expired upload failed", zap.String("upload_id", sess.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("expired upload session swept", zap.String("upload_id", sess.ID.String()))
	}
	return nil
}

func allBitsSet(bits string) bool {
	for i := 0; i < len(bits); i++ {
		if bits[i] != '1' {
			return false
		}
	}
	return len(bits) > 0
}
