package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

type fakeRuntimeRepo struct {
	runtimes map[uuid.UUID]*db.AgentRuntime
	statuses map[uuid.UUID]string
}

func newFakeRuntimeRepo() *fakeRuntimeRepo {
	return &fakeRuntimeRepo{
		runtimes: map[uuid.UUID]*db.AgentRuntime{},
		statuses: map[uuid.UUID]string{},
	}
}

func (f *fakeRuntimeRepo) Upsert(_ context.Context, rt *db.AgentRuntime) error {
	f.runtimes[rt.AgentID] = rt
	return nil
}

func (f *fakeRuntimeRepo) GetByAgentID(_ context.Context, agentID uuid.UUID) (*db.AgentRuntime, error) {
	rt, ok := f.runtimes[agentID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (f *fakeRuntimeRepo) SetPendingCommands(_ context.Context, agentID uuid.UUID, commandsJSON string) error {
	f.runtimes[agentID].PendingCommands = commandsJSON
	return nil
}

func (f *fakeRuntimeRepo) ClearPendingCommands(_ context.Context, agentID uuid.UUID) error {
	f.runtimes[agentID].PendingCommands = "[]"
	return nil
}

func (f *fakeRuntimeRepo) SetStatus(_ context.Context, agentID uuid.UUID, status string) error {
	f.statuses[agentID] = status
	return nil
}

func (f *fakeRuntimeRepo) ListStaleOnline(_ context.Context, cutoff time.Time) ([]db.AgentRuntime, error) {
	var out []db.AgentRuntime
	for _, rt := range f.runtimes {
		if rt.Status == "online" && rt.LastHeartbeat != nil && rt.LastHeartbeat.Before(cutoff) {
			out = append(out, *rt)
		}
	}
	return out, nil
}

type fakeJobRepo struct {
	jobs     map[uuid.UUID]*db.Job
	requeued []uuid.UUID
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*db.Job{}}
}

func (f *fakeJobRepo) Create(_ context.Context, j *db.Job) error { f.jobs[j.ID] = j; return nil }
func (f *fakeJobRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobRepo) Update(context.Context, *db.Job) error { return nil }
func (f *fakeJobRepo) ClaimNext(context.Context, uuid.UUID, uuid.UUID, []string) (*db.Job, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeJobRepo) UpdateProgress(context.Context, uuid.UUID, string, *float64, *int, *int, string, string) error {
	return nil
}
func (f *fakeJobRepo) Complete(context.Context, uuid.UUID) error           { return nil }
func (f *fakeJobRepo) Fail(context.Context, uuid.UUID, string, bool) error { return nil }
func (f *fakeJobRepo) Cancel(context.Context, uuid.UUID) error             { return nil }
func (f *fakeJobRepo) Requeue(_ context.Context, id uuid.UUID) error {
	f.requeued = append(f.requeued, id)
	return nil
}
func (f *fakeJobRepo) Delete(context.Context, uuid.UUID) error { return nil }
func (f *fakeJobRepo) ListByAgent(_ context.Context, agentID uuid.UUID, _ repositories.ListOptions) ([]db.Job, int64, error) {
	var out []db.Job
	for _, j := range f.jobs {
		if j.AgentID != nil && *j.AgentID == agentID {
			out = append(out, *j)
		}
	}
	return out, int64(len(out)), nil
}
func (f *fakeJobRepo) ListByTeam(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}
func (f *fakeJobRepo) ListOlderThan(context.Context, string, time.Time) ([]db.Job, error) {
	return nil, nil
}

func seedRuntime(runtimes *fakeRuntimeRepo, status string, heartbeatAge time.Duration) uuid.UUID {
	agentID := uuid.Must(uuid.NewV7())
	hb := time.Now().UTC().Add(-heartbeatAge)
	runtimes.runtimes[agentID] = &db.AgentRuntime{
		AgentID:         agentID,
		Status:          status,
		LastHeartbeat:   &hb,
		PendingCommands: "[]",
	}
	return agentID
}

func seedJob(jobs *fakeJobRepo, agentID uuid.UUID, status string) uuid.UUID {
	id := uuid.Must(uuid.NewV7())
	j := &db.Job{Status: status, AgentID: &agentID}
	j.ID = id
	jobs.jobs[id] = j
	return id
}

func TestQueueCancelAppendsCommand(t *testing.T) {
	runtimes := newFakeRuntimeRepo()
	jobs := newFakeJobRepo()
	d := New(jobs, runtimes, zap.NewNop())
	agentID := seedRuntime(runtimes, "online", 0)

	require.NoError(t, d.QueueCancel(context.Background(), agentID, "job_0123456789abcdefghjkmnpqrst"))
	require.NoError(t, d.QueueCancel(context.Background(), agentID, "job_0123456789abcdefghjkmnpqrsv"))

	commands, err := d.DrainCommands(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"cancel_job:job_0123456789abcdefghjkmnpqrst",
		"cancel_job:job_0123456789abcdefghjkmnpqrsv",
	}, commands)
}

func TestDrainCommandsDeliversExactlyOnce(t *testing.T) {
	runtimes := newFakeRuntimeRepo()
	jobs := newFakeJobRepo()
	d := New(jobs, runtimes, zap.NewNop())
	agentID := seedRuntime(runtimes, "online", 0)
	require.NoError(t, d.QueueCancel(context.Background(), agentID, "job_0123456789abcdefghjkmnpqrst"))

	first, err := d.DrainCommands(context.Background(), agentID)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := d.DrainCommands(context.Background(), agentID)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestDrainCommandsEmptyIsNotAnError(t *testing.T) {
	runtimes := newFakeRuntimeRepo()
	d := New(newFakeJobRepo(), runtimes, zap.NewNop())
	agentID := seedRuntime(runtimes, "online", 0)

	commands, err := d.DrainCommands(context.Background(), agentID)
	require.NoError(t, err)
	assert.Empty(t, commands)
}

func TestSweepLivenessMarksStaleAgentsOffline(t *testing.T) {
	runtimes := newFakeRuntimeRepo()
	jobs := newFakeJobRepo()
	d := New(jobs, runtimes, zap.NewNop())

	stale := seedRuntime(runtimes, "online", 5*time.Minute)
	fresh := seedRuntime(runtimes, "online", time.Second)

	require.NoError(t, d.SweepLiveness(context.Background()))

	assert.Equal(t, "offline", runtimes.statuses[stale])
	_, touched := runtimes.statuses[fresh]
	assert.False(t, touched)
}

func TestSweepLivenessRequeuesOnlyActiveJobs(t *testing.T) {
	runtimes := newFakeRuntimeRepo()
	jobs := newFakeJobRepo()
	d := New(jobs, runtimes, zap.NewNop())

	stale := seedRuntime(runtimes, "online", 5*time.Minute)
	claimed := seedJob(jobs, stale, "claimed")
	running := seedJob(jobs, stale, "running")
	done := seedJob(jobs, stale, "completed")

	require.NoError(t, d.SweepLiveness(context.Background()))

	assert.ElementsMatch(t, []uuid.UUID{claimed, running}, jobs.requeued)
	assert.NotContains(t, jobs.requeued, done)
}
