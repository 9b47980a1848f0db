// Package progress rate-limits and coalesces progress updates so a chatty tool never
// hammers the server with more than one request in flight.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// MinInterval is the minimum gap between two sends to the server.
const MinInterval = time.Second

// Sender is the transport hook the reporter calls for each report it
// decides to send — implemented by internal/agent/apiclient.Client in
// production, and by a recording fake in tests.
type Sender interface {
	ReportProgress(ctx context.Context, jobGUID string, req apitypes.ProgressRequest) error
}

// Reporter implements the "at most one in flight, at most one pending"
// contract.
type Reporter struct {
	sender  Sender
	jobGUID string
	logger  *zap.Logger
	minGap  time.Duration

	mu        sync.Mutex
	lastSend  time.Time
	inFlight  bool
	pending   *apitypes.ProgressRequest
	timer     *time.Timer
	closed    bool
	wg        sync.WaitGroup
	baseCtx   context.Context
}

// New creates a Reporter that sends progress updates for jobGUID via
// sender. baseCtx bounds any deferred send scheduled by Report; it should
// outlive the job's execution.
func New(sender Sender, jobGUID string, logger *zap.Logger, baseCtx context.Context) *Reporter {
	return &Reporter{
		sender:  sender,
		jobGUID: jobGUID,
		logger:  logger.Named("progress"),
		minGap:  MinInterval,
		baseCtx: baseCtx,
	}
}

// Report coalesces updates: send immediately if the
// minimum interval has elapsed and nothing is in flight; otherwise replace
// any queued report with this one and schedule a deferred send.
func (r *Reporter) Report(req apitypes.ProgressRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := time.Now()
	if !r.inFlight && now.Sub(r.lastSend) >= r.minGap {
		r.inFlight = true
		r.lastSend = now
		r.sendAsync(req)
		return
	}

	r.pending = &req
	if r.timer != nil {
		return // a send is already scheduled; it will pick up the latest pending
	}
	delay := r.minGap - now.Sub(r.lastSend)
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, r.flushScheduled)
}

// sendAsync fires req at the server in its own goroutine, tracked by wg so
// Close can wait for it, then checks for a pending report queued while
// this send was in flight.
func (r *Reporter) sendAsync(req apitypes.ProgressRequest) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sender.ReportProgress(r.baseCtx, r.jobGUID, req); err != nil {
			// Failure policy: API errors are logged and
			// swallowed; they must not fail the job.
			r.logger.Warn("progress report failed", zap.String("job_guid", r.jobGUID), zap.Error(err))
		}
		r.afterSend()
	}()
}

func (r *Reporter) afterSend() {
	r.mu.Lock()
	r.inFlight = false
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending != nil {
		r.Report(*pending)
	}
}

// flushScheduled fires when a deferred send's timer elapses.
func (r *Reporter) flushScheduled() {
	r.mu.Lock()
	r.timer = nil
	if r.closed || r.inFlight {
		r.mu.Unlock()
		return
	}
	pending := r.pending
	r.pending = nil
	if pending == nil {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.lastSend = time.Now()
	r.mu.Unlock()

	r.sendAsync(*pending)
}

// Close cancels any scheduled send;
// if a pending report exists, send it synchronously, best-effort.
func (r *Reporter) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	r.wg.Wait() // let any in-flight send finish before the final best-effort one

	if pending != nil {
		if err := r.sender.ReportProgress(r.baseCtx, r.jobGUID, *pending); err != nil {
			r.logger.Warn("final progress report failed", zap.String("job_guid", r.jobGUID), zap.Error(err))
		}
	}
}
