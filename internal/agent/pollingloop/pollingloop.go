// Package pollingloop is the agent's scheduler: a
// single-threaded cooperative loop that claims, executes, and
// reports one job at a time.
package pollingloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
	"github.com/fabrice-guiot/shuttersense/internal/agent/executor"
	"github.com/fabrice-guiot/shuttersense/internal/agent/metrics"
	"github.com/fabrice-guiot/shuttersense/internal/agent/progress"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// ExitCode is what Run returns and the process exits with.
type ExitCode int

const (
	ExitClean             ExitCode = 0
	ExitRevoked           ExitCode = 2
	ExitAuthRejected      ExitCode = 3
	ExitMaxFailures       ExitCode = 4
)

// Client is the transport surface the loop needs directly (job execution
// goes through Executor, which holds its own Client).
type Client interface {
	Heartbeat(ctx context.Context, req apitypes.HeartbeatRequest) (*apitypes.HeartbeatResponse, error)
	ClaimJob(ctx context.Context, req apitypes.ClaimRequest) (*apitypes.ClaimResponse, error)
}

// cancelCommandPrefix is the one defined pending_commands entry:
// "cancel_job:<job_guid>".
const cancelCommandPrefix = "cancel_job:"

// Loop runs the claim/execute/heartbeat cycle.
type Loop struct {
	client         Client
	progressSender progress.Sender
	executor       *executor.Executor
	logger         *zap.Logger
	diskPath       string

	capabilities    []string
	authorizedRoots []string

	pollInterval     time.Duration
	maxPollFailures  int
	heartbeatInterval time.Duration

	mu            sync.Mutex
	shutdown      bool
	shutdownCh    chan struct{}
	currentJob    *apitypes.Job
	currentCancel bool
}

// New constructs a Loop. diskPath is the filesystem path metrics.Collect
// reports free space for. sender is the progress.Sender used to build a
// fresh Reporter per job (typically the same *apiclient.Client as
// client).
func New(client Client, sender progress.Sender, exec *executor.Executor, capabilities, authorizedRoots []string, pollInterval time.Duration, maxPollFailures int, diskPath string, logger *zap.Logger) *Loop {
	return &Loop{
		client:            client,
		progressSender:    sender,
		executor:          exec,
		capabilities:      capabilities,
		authorizedRoots:   authorizedRoots,
		pollInterval:       pollInterval,
		maxPollFailures:    maxPollFailures,
		heartbeatInterval:  30 * time.Second,
		diskPath:           diskPath,
		logger:             logger.Named("pollingloop"),
		shutdownCh:         make(chan struct{}),
	}
}

// RequestShutdown is idempotent: it unblocks any waiting sleep and causes
// the next loop iteration to exit.
func (l *Loop) RequestShutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return
	}
	l.shutdown = true
	close(l.shutdownCh)
}

// RequestJobCancellation signals the executor for the current job, if
// any. A cancellation request with no job running is a no-op.
func (l *Loop) RequestJobCancellation() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentJob != nil {
		l.currentCancel = true
	}
}

// CurrentJob returns the job being executed, or nil.
func (l *Loop) CurrentJob() *apitypes.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentJob
}

func (l *Loop) isShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

func (l *Loop) isCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentCancel
}

func (l *Loop) setCurrentJob(job *apitypes.Job) {
	l.mu.Lock()
	l.currentJob = job
	l.currentCancel = false
	l.mu.Unlock()
}

// Run blocks until shutdown, implementing the claim/execute/retry
// algorithm. Its return value is the exit code the CLI's
// "run" command should exit with.
//
// Heartbeats run on their own ticker goroutine rather than interleaved
// between claim attempts: heartbeats must not be stalled by a running
// job, and a job can run far longer than one heartbeat interval.
func (l *Loop) Run(ctx context.Context) ExitCode {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go l.heartbeatLoop(heartbeatCtx)

	failures := 0
	for {
		if l.isShuttingDown() {
			return ExitClean
		}

		claim, err := l.client.ClaimJob(ctx, apitypes.ClaimRequest{Capabilities: l.capabilities})
		switch {
		case err == nil && claim == nil:
			failures = 0
			if !l.waitForNextPoll(ctx) {
				return ExitClean
			}
			continue
		case err == nil:
			failures = 0
			l.runJob(ctx, *claim)
			continue // drain: retry claim immediately without waiting
		case errors.Is(err, apierr.ErrRevoked):
			l.logger.Warn("agent revoked, exiting")
			return ExitRevoked
		case errors.Is(err, apierr.ErrAuthenticationRejected):
			l.logger.Warn("authentication rejected, exiting")
			return ExitAuthRejected
		default:
			failures++
			l.logger.Warn("claim failed", zap.Error(err), zap.Int("failures", failures))
			if failures >= l.maxPollFailures {
				return ExitMaxFailures
			}
			if !l.waitForNextPoll(ctx) {
				return ExitClean
			}
		}
	}
}

// waitForNextPoll sleeps for
// poll_interval, or returns early when shutdown is requested or ctx is
// done. A job-cancellation request does not interrupt it.
func (l *Loop) waitForNextPoll(ctx context.Context) (keepRunning bool) {
	timer := time.NewTimer(l.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.shutdownCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// runJob executes one claimed job and clears the current-job/cancellation
// state afterward, regardless of outcome.
func (l *Loop) runJob(ctx context.Context, claim apitypes.ClaimResponse) {
	job := claim.Job
	l.setCurrentJob(&job)
	defer l.setCurrentJob(nil)

	reporter := progress.New(l.progressSender, job.GUID, l.logger, ctx)
	defer reporter.Close()

	outcome := l.executor.Execute(ctx, job, claim.SigningSecret, l.isCancelled, reporter)
	l.logger.Info("job finished",
		zap.String("job_guid", job.GUID), zap.String("tool", job.Tool),
		zap.String("outcome", string(outcome.State)))
}

// heartbeatLoop posts heartbeats on its own ticker until ctx is cancelled,
// independent of whatever the claim loop is doing.
func (l *Loop) heartbeatLoop(ctx context.Context) {
	l.heartbeat(ctx)
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat posts one heartbeat, collecting metrics and dispatching any
// pending_commands the server returns.
func (l *Loop) heartbeat(ctx context.Context) {
	m := metrics.Collect(ctx, l.diskPath)
	resp, err := l.client.Heartbeat(ctx, apitypes.HeartbeatRequest{
		Capabilities:    l.capabilities,
		AuthorizedRoots: l.authorizedRoots,
		Metrics:         m,
	})
	if err != nil {
		l.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	for _, cmd := range resp.PendingCommands {
		l.dispatchCommand(cmd)
	}
}

func (l *Loop) dispatchCommand(cmd string) {
	if strings.HasPrefix(cmd, cancelCommandPrefix) {
		jobGUID := strings.TrimPrefix(cmd, cancelCommandPrefix)
		current := l.CurrentJob()
		if current == nil || current.GUID != jobGUID {
			l.logger.Debug("cancel command for job not running, dropped", zap.String("job_guid", jobGUID))
			return
		}
		l.RequestJobCancellation()
		return
	}
	l.logger.Info("unknown command ignored", zap.String("command", cmd))
}
