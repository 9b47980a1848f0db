package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

func NewAgentRepository(d *gorm.DB) AgentRepository { return &gormAgentRepository{db: d} }

func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByAPIKey is the lookup behind every bearer-auth request.
func (r *gormAgentRepository) GetByAPIKey(ctx context.Context, apiKey string) (*db.Agent, error) {
	var agent db.Agent
	if err := r.db.WithContext(ctx).First(&agent, "api_key = ?", apiKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by api key: %w", err)
	}
	return &agent, nil
}

func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke is soft: Agent rows are never hard-deleted, only flagged.
func (r *gormAgentRepository) Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Update("revoked_at", revokedAt)
	if result.Error != nil {
		return fmt.Errorf("agents: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Agent{}).Where("team_id = ?", teamID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).Where("team_id = ?", teamID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}
	return agents, total, nil
}

// -----------------------------------------------------------------------------
// AgentRuntime
// -----------------------------------------------------------------------------

type gormAgentRuntimeRepository struct {
	db *gorm.DB
}

func NewAgentRuntimeRepository(d *gorm.DB) AgentRuntimeRepository {
	return &gormAgentRuntimeRepository{db: d}
}

// Upsert writes the full runtime row on every heartbeat.
func (r *gormAgentRuntimeRepository) Upsert(ctx context.Context, rt *db.AgentRuntime) error {
	rt.UpdatedAt = time.Now().UTC()
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", rt.AgentID).
		Assign(*rt).
		FirstOrCreate(&db.AgentRuntime{AgentID: rt.AgentID}).Error
	if err != nil {
		return fmt.Errorf("agent_runtimes: upsert: %w", err)
	}
	return nil
}

func (r *gormAgentRuntimeRepository) GetByAgentID(ctx context.Context, agentID uuid.UUID) (*db.AgentRuntime, error) {
	var rt db.AgentRuntime
	if err := r.db.WithContext(ctx).First(&rt, "agent_id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_runtimes: get by agent id: %w", err)
	}
	return &rt, nil
}

// SetPendingCommands overwrites pending_commands, used by the dispatcher
// to enqueue a cancel_job:<guid> command.
func (r *gormAgentRuntimeRepository) SetPendingCommands(ctx context.Context, agentID uuid.UUID, commandsJSON string) error {
	result := r.db.WithContext(ctx).Model(&db.AgentRuntime{}).
		Where("agent_id = ?", agentID).
		Update("pending_commands", commandsJSON)
	if result.Error != nil {
		return fmt.Errorf("agent_runtimes: set pending commands: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearPendingCommands is called after a heartbeat response has delivered
// the commands, so they are not redelivered.
func (r *gormAgentRuntimeRepository) ClearPendingCommands(ctx context.Context, agentID uuid.UUID) error {
	empty, _ := json.Marshal([]string{})
	return r.SetPendingCommands(ctx, agentID, string(empty))
}

func (r *gormAgentRuntimeRepository) SetStatus(ctx context.Context, agentID uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).Model(&db.AgentRuntime{}).
		Where("agent_id = ?", agentID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agent_runtimes: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleOnline supports the HEARTBEAT_TIMEOUT sweep.
func (r *gormAgentRuntimeRepository) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]db.AgentRuntime, error) {
	var rts []db.AgentRuntime
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", "online", cutoff).
		Find(&rts).Error
	if err != nil {
		return nil, fmt.Errorf("agent_runtimes: list stale online: %w", err)
	}
	return rts, nil
}
