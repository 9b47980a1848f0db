// Package sweep schedules the server's recurring background jobs —
// dispatcher liveness, upload-session expiry, and retention — on top of
// gocron with singleton execution so overlapping runs never stack up.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense/internal/server/retention"
	"github.com/fabrice-guiot/shuttersense/internal/server/uploadsessions"
)

// LivenessInterval is how often the dispatcher checks for agents past
// HEARTBEAT_TIMEOUT.
const LivenessInterval = 15 * time.Second

// UploadExpiryInterval is how often expired upload sessions are swept.
const UploadExpiryInterval = 5 * time.Minute

// RetentionInterval is how often the retention sweep runs.
const RetentionInterval = 1 * time.Hour

// Scheduler wraps gocron to run the three sweeps below on independent
// tickers, each in singleton mode so a slow run is never overlapped by the
// next tick.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

func New(logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep: create scheduler: %w", err)
	}
	return &Scheduler{cron: cron, logger: logger.Named("sweep")}, nil
}

// Start registers all three sweeps and begins ticking. Call once at
// startup, after the dispatcher/uploads/retention components exist.
func (s *Scheduler) Start(ctx context.Context, dispatch *dispatcher.Dispatcher, uploads *uploadsessions.Service, ret *retention.Sweeper) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"liveness", LivenessInterval, dispatch.SweepLiveness},
		{"upload_expiry", UploadExpiryInterval, uploads.SweepExpired},
		{"retention", RetentionInterval, ret.Run},
	}

	for _, j := range jobs {
		j := j
		_, err := s.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() {
				if err := j.run(ctx); err != nil {
					s.logger.Error("sweep failed", zap.String("sweep", j.name), zap.Error(err))
				}
			}),
			gocron.WithTags(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("sweep: register %s: %w", j.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("sweep scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight sweep
// to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweep: shutdown: %w", err)
	}
	s.logger.Info("sweep scheduler stopped")
	return nil
}
