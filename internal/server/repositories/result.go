package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
)

type gormResultRepository struct {
	db *gorm.DB
}

func NewResultRepository(d *gorm.DB) ResultRepository { return &gormResultRepository{db: d} }

func (r *gormResultRepository) Create(ctx context.Context, result *db.AnalysisResult) error {
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("results: create: %w", err)
	}
	return nil
}

func (r *gormResultRepository) Update(ctx context.Context, result *db.AnalysisResult) error {
	res := r.db.WithContext(ctx).Save(result)
	if res.Error != nil {
		return fmt.Errorf("results: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormResultRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AnalysisResult, error) {
	var res db.AnalysisResult
	if err := r.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by id: %w", err)
	}
	return &res, nil
}

// GetByJobID returns the result row created for jobID. Jobs complete at
// most once, so the newest match is the only match in practice; ordering
// guards against the pathological case of a retried job leaving more than
// one row behind.
func (r *gormResultRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*db.AnalysisResult, error) {
	var res db.AnalysisResult
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at DESC").First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by job id: %w", err)
	}
	return &res, nil
}

func (r *gormResultRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.AnalysisResult{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("results: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormResultRepository) ListByTeam(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.AnalysisResult, int64, error) {
	var results []db.AnalysisResult
	var total int64
	q := r.db.WithContext(ctx).Model(&db.AnalysisResult{}).Where("team_id = ?", teamID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list by team count: %w", err)
	}
	if err := r.db.WithContext(ctx).Where("team_id = ?", teamID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list by team: %w", err)
	}
	return results, total, nil
}

// FindByInputStateHash is the no-change lookup: the most recent
// prior result for the same team+target+tool with the same hash.
func (r *gormResultRepository) FindByInputStateHash(ctx context.Context, teamID, targetEntityID uuid.UUID, tool, hash string) (*db.AnalysisResult, error) {
	var res db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND target_entity_id = ? AND tool = ? AND input_state_hash = ? AND status = ?",
			teamID, targetEntityID, tool, hash, "completed").
		Order("created_at DESC").
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: find by input state hash: %w", err)
	}
	return &res, nil
}

// ListForRetention returns completed results for (target, tool), including
// no_change_copy rows, newest first — the candidate set for
// preserve_per_collection.
func (r *gormResultRepository) ListForRetention(ctx context.Context, targetEntityID uuid.UUID, tool string) ([]db.AnalysisResult, error) {
	var results []db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("target_entity_id = ? AND tool = ? AND status = ?", targetEntityID, tool, "completed").
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: list for retention: %w", err)
	}
	return results, nil
}

func (r *gormResultRepository) ListDependents(ctx context.Context, canonicalID uuid.UUID) ([]db.AnalysisResult, error) {
	var results []db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("download_report_from = ? AND no_change_copy = ?", canonicalID, true).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: list dependents: %w", err)
	}
	return results, nil
}

func (r *gormResultRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]db.AnalysisResult, error) {
	var results []db.AnalysisResult
	if err := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&results).Error; err != nil {
		return nil, fmt.Errorf("results: list older than: %w", err)
	}
	return results, nil
}
