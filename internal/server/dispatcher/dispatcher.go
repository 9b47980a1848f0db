// Package dispatcher handles work assignment: atomic job claim, the
// heartbeat-delivered commands channel, and the liveness sweep that
// re-queues jobs orphaned by a dead agent.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

// HeartbeatTimeout is how long an agent may go without a heartbeat
// before the liveness sweep marks it offline.
const HeartbeatTimeout = 90 * time.Second

// Dispatcher serializes job claims and mediates the cancellation command
// channel delivered on every heartbeat response.
type Dispatcher struct {
	jobs     repositories.JobRepository
	runtimes repositories.AgentRuntimeRepository
	logger   *zap.Logger
}

func New(jobs repositories.JobRepository, runtimes repositories.AgentRuntimeRepository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{jobs: jobs, runtimes: runtimes, logger: logger.Named("dispatcher")}
}

// ClaimNext implements POST /jobs/claim: select and atomically claim the
// highest-priority queued job matching the agent's team and capabilities.
// Returns repositories.ErrNotFound (mapped to 204 by the handler) when no
// job qualifies.
func (d *Dispatcher) ClaimNext(ctx context.Context, teamID, agentID uuid.UUID, capabilities []string) (*db.Job, error) {
	return d.jobs.ClaimNext(ctx, teamID, agentID, capabilities)
}

// QueueCancel enqueues a "cancel_job:<guid>" command for delivery on the
// agent's next heartbeat response.
func (d *Dispatcher) QueueCancel(ctx context.Context, agentID uuid.UUID, jobGUID string) error {
	rt, err := d.runtimes.GetByAgentID(ctx, agentID)
	if err != nil {
		return err
	}
	var commands []string
	_ = json.Unmarshal([]byte(rt.PendingCommands), &commands)
	commands = append(commands, fmt.Sprintf("cancel_job:%s", jobGUID))
	raw, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal commands: %w", err)
	}
	return d.runtimes.SetPendingCommands(ctx, agentID, string(raw))
}

// DrainCommands returns the agent's pending commands and clears them — a
// heartbeat response delivers each command exactly once.
func (d *Dispatcher) DrainCommands(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	rt, err := d.runtimes.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var commands []string
	_ = json.Unmarshal([]byte(rt.PendingCommands), &commands)
	if len(commands) > 0 {
		if err := d.runtimes.ClearPendingCommands(ctx, agentID); err != nil {
			return nil, err
		}
	}
	return commands, nil
}

// SweepLiveness marks runtimes whose last heartbeat is older than
// HeartbeatTimeout offline and re-queues any job they had claimed.
// Intended to run on a short recurring tick (e.g. every 15s) from
// cmd/server.
func (d *Dispatcher) SweepLiveness(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-HeartbeatTimeout)
	stale, err := d.runtimes.ListStaleOnline(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("dispatcher: sweep liveness: %w", err)
	}
	for _, rt := range stale {
		if err := d.runtimes.SetStatus(ctx, rt.AgentID, "offline"); err != nil {
			d.logger.Error("mark offline failed", zap.String("agent_id", rt.AgentID.String()), zap.Error(err))
			continue
		}
		d.logger.Info("agent marked offline", zap.String("agent_id", rt.AgentID.String()))
		if err := d.requeueClaimedBy(ctx, rt.AgentID); err != nil {
			d.logger.Error("requeue claimed jobs failed", zap.String("agent_id", rt.AgentID.String()), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) requeueClaimedBy(ctx context.Context, agentID uuid.UUID) error {
	jobs, _, err := d.jobs.ListByAgent(ctx, agentID, repositories.ListOptions{Limit: 500})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status != "claimed" && j.Status != "running" {
			continue
		}
		if err := d.jobs.Requeue(ctx, j.ID); err != nil {
			d.logger.Error("requeue job failed", zap.String("job_id", j.ID.String()), zap.Error(err))
		} else {
			d.logger.Info("job requeued after agent timeout", zap.String("job_id", j.ID.String()))
		}
	}
	return nil
}
