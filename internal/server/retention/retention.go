// Package retention implements the server's retention policy: a
// per-team sweep that deletes aged jobs, prunes results beyond
// result_completed_days while preserving preserve_per_collection
// most-recent results per (target, tool), and promotes a dependent
// no_change_copy before a canonical result is deleted.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

// Sweeper runs one retention pass across every team's policy.
type Sweeper struct {
	policies repositories.RetentionPolicyRepository
	jobs     repositories.JobRepository
	results  repositories.ResultRepository
	logger   *zap.Logger
}

func New(
	policies repositories.RetentionPolicyRepository,
	jobs repositories.JobRepository,
	results repositories.ResultRepository,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{policies: policies, jobs: jobs, results: results, logger: logger.Named("retention")}
}

// Run applies every team's policy in one pass. Intended to be invoked
// periodically by a gocron job (internal/server/sweep runs it hourly).
func (s *Sweeper) Run(ctx context.Context) error {
	policies, err := s.policies.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("retention: list policies: %w", err)
	}
	for _, p := range policies {
		if err := s.sweepTeam(ctx, p); err != nil {
			s.logger.Error("team sweep failed", zap.String("team_id", p.TeamID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) sweepTeam(ctx context.Context, p db.RetentionPolicy) error {
	now := time.Now().UTC()

	if err := s.sweepJobs(ctx, "completed", now.Add(-time.Duration(p.JobCompletedDays)*24*time.Hour)); err != nil {
		return err
	}
	if err := s.sweepJobs(ctx, "failed", now.Add(-time.Duration(p.JobFailedDays)*24*time.Hour)); err != nil {
		return err
	}

	if p.ResultCompletedDays <= 0 {
		return nil // 0 = unlimited
	}
	cutoff := now.Add(-time.Duration(p.ResultCompletedDays) * 24 * time.Hour)
	return s.sweepResults(ctx, p, cutoff)
}

func (s *Sweeper) sweepJobs(ctx context.Context, status string, cutoff time.Time) error {
	jobs, err := s.jobs.ListOlderThan(ctx, status, cutoff)
	if err != nil {
		return fmt.Errorf("retention: list jobs older than: %w", err)
	}
	for _, j := range jobs {
		if err := s.jobs.Delete(ctx, j.ID); err != nil {
			s.logger.Error("delete aged job failed", zap.String("job_id", j.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// sweepResults deletes completed results older than cutoff, preserving at
// least PreservePerCollection most-recent results per (target, tool) —
// "strictly less only if fewer existed".
func (s *Sweeper) sweepResults(ctx context.Context, p db.RetentionPolicy, cutoff time.Time) error {
	aged, err := s.results.ListOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: list results older than: %w", err)
	}

	// Group by (target_entity_id, tool) so the preserve-K rule is applied
	// per bucket, not globally.
	type bucketKey struct {
		targetID uuid.UUID
		tool     string
	}
	buckets := map[bucketKey]bool{}
	for _, r := range aged {
		buckets[bucketKey{r.TargetEntityID, r.Tool}] = true
	}

	for key := range buckets {
		ranked, err := s.results.ListForRetention(ctx, key.targetID, key.tool)
		if err != nil {
			s.logger.Error("list for retention failed", zap.String("target", key.targetID.String()), zap.Error(err))
			continue
		}
		if len(ranked) <= p.PreservePerCollection {
			continue
		}
		deletable := ranked[p.PreservePerCollection:]
		for _, r := range deletable {
			if r.CreatedAt.After(cutoff) {
				continue // not yet aged out even though bucket contains older rows
			}
			if err := s.deleteResult(ctx, r); err != nil {
				s.logger.Error("delete aged result failed", zap.String("result_id", r.ID.String()), zap.Error(err))
			}
		}
	}
	return nil
}

// deleteResult removes a single AnalysisResult, promoting one dependent
// no_change_copy to canonical first if other rows reference its blob.
func (s *Sweeper) deleteResult(ctx context.Context, target db.AnalysisResult) error {
	dependents, err := s.results.ListDependents(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("retention: list dependents: %w", err)
	}
	if len(dependents) > 0 {
		promoted := dependents[0]
		promoted.ResultsJSON = target.ResultsJSON
		promoted.ReportHTML = target.ReportHTML
		promoted.NoChangeCopy = false
		promoted.DownloadReportFrom = nil
		if err := s.results.Update(ctx, &promoted); err != nil {
			return fmt.Errorf("retention: promote dependent: %w", err)
		}
		s.logger.Info("promoted dependent result to canonical",
			zap.String("promoted_id", promoted.ID.String()),
			zap.String("old_canonical_id", target.ID.String()),
		)
		// Re-point any remaining dependents at the newly promoted canonical.
		for _, dep := range dependents[1:] {
			dep.DownloadReportFrom = &promoted.ID
			if err := s.results.Update(ctx, &dep); err != nil {
				s.logger.Error("repoint dependent failed", zap.String("result_id", dep.ID.String()), zap.Error(err))
			}
		}
	}
	return s.results.Delete(ctx, target.ID)
}
