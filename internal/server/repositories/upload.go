package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
)

type gormUploadSessionRepository struct {
	db *gorm.DB
}

func NewUploadSessionRepository(d *gorm.DB) UploadSessionRepository {
	return &gormUploadSessionRepository{db: d}
}

func (r *gormUploadSessionRepository) Create(ctx context.Context, s *db.UploadSession) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("upload_sessions: create: %w", err)
	}
	return nil
}

func (r *gormUploadSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.UploadSession, error) {
	var s db.UploadSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("upload_sessions: get by id: %w", err)
	}
	return &s, nil
}

// SetReceivedBit re-reads the session under a row lock and flips one bit
// of received_bits in the same transaction. Concurrent chunk PUTs
// serialize here instead of overwriting each other's bitsets.
func (r *gormUploadSessionRepository) SetReceivedBit(ctx context.Context, id uuid.UUID, index int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s db.UploadSession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&s, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("upload_sessions: set received bit: %w", err)
		}
		if index < 0 || index >= len(s.ReceivedBits) {
			return fmt.Errorf("upload_sessions: bit index %d out of range [0,%d)", index, len(s.ReceivedBits))
		}
		if s.ReceivedBits[index] == '1' {
			return nil
		}
		bits := []byte(s.ReceivedBits)
		bits[index] = '1'
		if err := tx.Model(&db.UploadSession{}).Where("id = ?", id).
			Update("received_bits", string(bits)).Error; err != nil {
			return fmt.Errorf("upload_sessions: set received bit: %w", err)
		}
		return nil
	})
}

func (r *gormUploadSessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.UploadSession{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("upload_sessions: delete: %w", err)
	}
	return r.DeleteChunks(ctx, id)
}

// ListExpired supports the session expiry sweep.
func (r *gormUploadSessionRepository) ListExpired(ctx context.Context, now time.Time) ([]db.UploadSession, error) {
	var sessions []db.UploadSession
	if err := r.db.WithContext(ctx).Where("expires_at < ?", now).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("upload_sessions: list expired: %w", err)
	}
	return sessions, nil
}

func (r *gormUploadSessionRepository) PutChunk(ctx context.Context, chunk *db.UploadChunk) (bool, error) {
	// Idempotent: a retried or duplicate PUT for the same
	// (upload_id, chunk_index) is a no-op; a chunk is never rewritten
	// once stored. ON CONFLICT DO NOTHING makes the create-or-skip
	// decision atomic under concurrent PUTs of the same index.
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(chunk)
	if result.Error != nil {
		return false, fmt.Errorf("upload_chunks: put: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *gormUploadSessionRepository) GetChunk(ctx context.Context, uploadID uuid.UUID, index int) (*db.UploadChunk, error) {
	var c db.UploadChunk
	err := r.db.WithContext(ctx).
		Where("upload_id = ? AND chunk_index = ?", uploadID, index).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("upload_chunks: get: %w", err)
	}
	return &c, nil
}

// ChunksInOrder streams the chunks of an upload in index order, for
// finalize's checksum recomputation.
func (r *gormUploadSessionRepository) ChunksInOrder(ctx context.Context, uploadID uuid.UUID, total int) ([]db.UploadChunk, error) {
	var chunks []db.UploadChunk
	err := r.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("upload_chunks: list in order: %w", err)
	}
	if len(chunks) != total {
		return nil, fmt.Errorf("upload_chunks: expected %d chunks, have %d", total, len(chunks))
	}
	return chunks, nil
}

func (r *gormUploadSessionRepository) DeleteChunks(ctx context.Context, uploadID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).Delete(&db.UploadChunk{}).Error; err != nil {
		return fmt.Errorf("upload_chunks: delete: %w", err)
	}
	return nil
}
