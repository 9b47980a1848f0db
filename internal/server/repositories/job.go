package repositories

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/shared/signing"
)

// newSigningSecretHex generates a fresh 32-byte signing_secret and returns
// it hex-encoded for storage.
func newSigningSecretHex() (string, error) {
	secret, err := signing.NewSecret()
	if err != nil {
		return "", fmt.Errorf("jobs: new signing secret: %w", err)
	}
	return hex.EncodeToString(secret), nil
}

type gormJobRepository struct {
	db *gorm.DB
}

func NewJobRepository(d *gorm.DB) JobRepository { return &gormJobRepository{db: d} }

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNext implements the atomic job claim: select the
// highest-priority queued job whose target is in the agent's team, whose
// tool the agent's capabilities advertise, and — when the target is a
// collection bound to a specific agent — whose bound_agent_id is this
// agent, lock it with SELECT ... FOR UPDATE SKIP LOCKED, and mark it
// claimed in the same transaction.
//
// On sqlite (single connection, SetMaxOpenConns(1)) there is only ever one
// writer, so the transaction boundary alone gives the same at-most-once
// guarantee; clause.Locking is a no-op there but harmless. On postgres it
// is what makes concurrent claims safe.
func (r *gormJobRepository) ClaimNext(ctx context.Context, teamID, agentID uuid.UUID, capabilities []string) (*db.Job, error) {
	toolCaps := toolsFromCapabilities(capabilities)
	// An agent that advertises no tool capabilities is eligible for no job
	// at all, not every job.
	if len(toolCaps) == 0 {
		return nil, ErrNotFound
	}

	var claimed *db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("team_id = ? AND status = ? AND tool IN ?", teamID, "queued", toolCaps)
		// A job targeting a collection bound to a specific agent is only
		// claimable by that agent; collections bound to nobody (and
		// non-collection targets) are claimable by any eligible agent.
		q = q.Where(
			"target_entity_type <> ? OR target_entity_id IN (?)",
			"collection",
			tx.Session(&gorm.Session{NewDB: true}).Model(&db.Collection{}).
				Select("id").
				Where("bound_agent_id IS NULL OR bound_agent_id = ?", agentID),
		)
		err := q.Order("priority DESC, created_at ASC").First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: claim select: %w", err)
		}

		secret, err := newSigningSecretHex()
		if err != nil {
			return err
		}

		result := tx.Model(&db.Job{}).Where("id = ? AND status = ?", job.ID, "queued").
			Updates(map[string]interface{}{
				"status":         "claimed",
				"agent_id":       agentID,
				"signing_secret": secret,
			})
		if result.Error != nil {
			return fmt.Errorf("jobs: claim update: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Another transaction claimed it between our SELECT and UPDATE.
			return ErrNotFound
		}

		job.Status = "claimed"
		job.AgentID = &agentID
		job.SigningSecret = secret
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *gormJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, stage string, pct *float64, filesScanned, totalFiles *int, currentFile, message string) error {
	updates := map[string]interface{}{
		"progress_stage":          stage,
		"progress_percentage":     pct,
		"progress_files_scanned":  filesScanned,
		"progress_total_files":    totalFiles,
		"progress_current_file":   currentFile,
		"progress_message":        message,
		"status":                  "running",
	}
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).
		Update("status", "completed")
	if result.Error != nil {
		return fmt.Errorf("jobs: complete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryExhausted bool) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        "failed",
			"error_message": errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: fail: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).
		Update("status", "cancelled")
	if result.Error != nil {
		return fmt.Errorf("jobs: cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue implements the liveness re-queue: status back to queued,
// agent cleared, retry_count incremented — unless retries are exhausted,
// in which case the job fails with "retries exhausted".
func (r *gormJobRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: requeue select: %w", err)
		}

		if job.RetryCount+1 >= job.MaxRetries {
			return tx.Model(&db.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
				"status":        "failed",
				"retry_count":   job.RetryCount + 1,
				"error_message": "retries exhausted",
			}).Error
		}

		return tx.Model(&db.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":      "queued",
			"agent_id":    nil,
			"retry_count": job.RetryCount + 1,
		}).Error
	})
}

func (r *gormJobRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64
	q := r.db.WithContext(ctx).Model(&db.Job{}).Where("agent_id = ?", agentID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by agent count: %w", err)
	}
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by agent: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByTeam(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64
	q := r.db.WithContext(ctx).Model(&db.Job{}).Where("team_id = ?", teamID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by team count: %w", err)
	}
	if err := r.db.WithContext(ctx).Where("team_id = ?", teamID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by team: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListOlderThan(ctx context.Context, status string, cutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, cutoff).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list older than: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// toolsFromCapabilities extracts "photostats" from "tool:photostats:1.0"
// style capability strings.
func toolsFromCapabilities(capabilities []string) []string {
	var tools []string
	for _, c := range capabilities {
		const prefix = "tool:"
		if len(c) > len(prefix) && c[:len(prefix)] == prefix {
			rest := c[len(prefix):]
			for i := 0; i < len(rest); i++ {
				if rest[i] == ':' {
					tools = append(tools, rest[:i])
					break
				}
			}
		}
	}
	return tools
}
