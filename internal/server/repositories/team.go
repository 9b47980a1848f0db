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

type gormTeamRepository struct{ db *gorm.DB }

func NewTeamRepository(d *gorm.DB) TeamRepository { return &gormTeamRepository{db: d} }

func (r *gormTeamRepository) Create(ctx context.Context, team *db.Team) error {
	if err := r.db.WithContext(ctx).Create(team).Error; err != nil {
		return fmt.Errorf("teams: create: %w", err)
	}
	return nil
}

func (r *gormTeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error) {
	var team db.Team
	if err := r.db.WithContext(ctx).First(&team, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get by id: %w", err)
	}
	return &team, nil
}

type gormRegistrationTokenRepository struct{ db *gorm.DB }

func NewRegistrationTokenRepository(d *gorm.DB) RegistrationTokenRepository {
	return &gormRegistrationTokenRepository{db: d}
}

func (r *gormRegistrationTokenRepository) Create(ctx context.Context, t *db.RegistrationToken) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("registration_tokens: create: %w", err)
	}
	return nil
}

func (r *gormRegistrationTokenRepository) GetByToken(ctx context.Context, token string) (*db.RegistrationToken, error) {
	var t db.RegistrationToken
	if err := r.db.WithContext(ctx).First(&t, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registration_tokens: get by token: %w", err)
	}
	return &t, nil
}

func (r *gormRegistrationTokenRepository) MarkConsumed(ctx context.Context, id uuid.UUID, consumedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.RegistrationToken{}).
		Where("id = ?", id).
		Update("consumed_at", consumedAt)
	if result.Error != nil {
		return fmt.Errorf("registration_tokens: mark consumed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
