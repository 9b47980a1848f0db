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

type gormRetentionPolicyRepository struct {
	db *gorm.DB
}

func NewRetentionPolicyRepository(d *gorm.DB) RetentionPolicyRepository {
	return &gormRetentionPolicyRepository{db: d}
}

// Get returns the team's policy, or the defaults if none has
// been customized yet.
func (r *gormRetentionPolicyRepository) Get(ctx context.Context, teamID uuid.UUID) (*db.RetentionPolicy, error) {
	var p db.RetentionPolicy
	err := r.db.WithContext(ctx).First(&p, "team_id = ?", teamID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &db.RetentionPolicy{
				TeamID:                teamID,
				JobCompletedDays:      2,
				JobFailedDays:         7,
				ResultCompletedDays:   0,
				PreservePerCollection: 1,
			}, nil
		}
		return nil, fmt.Errorf("retention_policies: get: %w", err)
	}
	return &p, nil
}

func (r *gormRetentionPolicyRepository) Upsert(ctx context.Context, p *db.RetentionPolicy) error {
	p.UpdatedAt = time.Now().UTC()
	err := r.db.WithContext(ctx).
		Where("team_id = ?", p.TeamID).
		Assign(*p).
		FirstOrCreate(&db.RetentionPolicy{TeamID: p.TeamID}).Error
	if err != nil {
		return fmt.Errorf("retention_policies: upsert: %w", err)
	}
	return nil
}

func (r *gormRetentionPolicyRepository) ListAll(ctx context.Context) ([]db.RetentionPolicy, error) {
	var policies []db.RetentionPolicy
	if err := r.db.WithContext(ctx).Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("retention_policies: list all: %w", err)
	}
	return policies, nil
}
