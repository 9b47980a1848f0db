package uploadsessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
)

type fakeSessionRepo struct {
	sessions map[uuid.UUID]*db.UploadSession
	chunks   map[string][]byte
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: map[uuid.UUID]*db.UploadSession{},
		chunks:   map[string][]byte{},
	}
}

func chunkKey(uploadID uuid.UUID, index int) string {
	return fmt.Sprintf("%s/%d", uploadID, index)
}

func (f *fakeSessionRepo) Create(_ context.Context, s *db.UploadSession) error {
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*db.UploadSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionRepo) SetReceivedBit(_ context.Context, id uuid.UUID, index int) error {
	s, ok := f.sessions[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if index < 0 || index >= len(s.ReceivedBits) {
		return fmt.Errorf("bit index %d out of range", index)
	}
	bits := []byte(s.ReceivedBits)
	bits[index] = '1'
	s.ReceivedBits = string(bits)
	return nil
}

func (f *fakeSessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.sessions, id)
	for k := range f.chunks {
		if len(k) > 36 && k[:36] == id.String() {
			delete(f.chunks, k)
		}
	}
	return nil
}

func (f *fakeSessionRepo) ListExpired(_ context.Context, now time.Time) ([]db.UploadSession, error) {
	var out []db.UploadSession
	for _, s := range f.sessions {
		if s.ExpiresAt.Before(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) PutChunk(_ context.Context, c *db.UploadChunk) (bool, error) {
	key := chunkKey(c.UploadID, c.ChunkIndex)
	if _, ok := f.chunks[key]; ok {
		return false, nil // idempotent: never rewrite
	}
	f.chunks[key] = c.Data
	return true, nil
}

func (f *fakeSessionRepo) GetChunk(_ context.Context, uploadID uuid.UUID, index int) (*db.UploadChunk, error) {
	data, ok := f.chunks[chunkKey(uploadID, index)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &db.UploadChunk{UploadID: uploadID, ChunkIndex: index, Data: data}, nil
}

func (f *fakeSessionRepo) ChunksInOrder(_ context.Context, uploadID uuid.UUID, total int) ([]db.UploadChunk, error) {
	out := make([]db.UploadChunk, 0, total)
	for i := 0; i < total; i++ {
		data, ok := f.chunks[chunkKey(uploadID, i)]
		if !ok {
			return nil, repositories.ErrNotFound
		}
		out = append(out, db.UploadChunk{UploadID: uploadID, ChunkIndex: i, Data: data})
	}
	return out, nil
}

func (f *fakeSessionRepo) DeleteChunks(_ context.Context, uploadID uuid.UUID) error {
	for i := 0; ; i++ {
		key := chunkKey(uploadID, i)
		if _, ok := f.chunks[key]; !ok {
			return nil
		}
		delete(f.chunks, key)
	}
}

type fakeJobRepo struct {
	jobs map[uuid.UUID]*db.Job
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
func (f *fakeJobRepo) Complete(context.Context, uuid.UUID) error              { return nil }
func (f *fakeJobRepo) Fail(context.Context, uuid.UUID, string, bool) error    { return nil }
func (f *fakeJobRepo) Cancel(context.Context, uuid.UUID) error                { return nil }
func (f *fakeJobRepo) Requeue(context.Context, uuid.UUID) error               { return nil }
func (f *fakeJobRepo) Delete(context.Context, uuid.UUID) error                { return nil }
func (f *fakeJobRepo) ListByAgent(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}
func (f *fakeJobRepo) ListByTeam(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}
func (f *fakeJobRepo) ListOlderThan(context.Context, string, time.Time) ([]db.Job, error) {
	return nil, nil
}

type fakeResultRepo struct {
	results map[uuid.UUID]*db.AnalysisResult
}

func (f *fakeResultRepo) Create(_ context.Context, r *db.AnalysisResult) error {
	f.results[r.ID] = r
	return nil
}
func (f *fakeResultRepo) Update(_ context.Context, r *db.AnalysisResult) error {
	f.results[r.ID] = r
	return nil
}
func (f *fakeResultRepo) GetByID(_ context.Context, id uuid.UUID) (*db.AnalysisResult, error) {
	r, ok := f.results[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *r
	return &cp, nil
}
func (f *fakeResultRepo) GetByJobID(context.Context, uuid.UUID) (*db.AnalysisResult, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeResultRepo) Delete(context.Context, uuid.UUID) error { return nil }
func (f *fakeResultRepo) ListByTeam(context.Context, uuid.UUID, repositories.ListOptions) ([]db.AnalysisResult, int64, error) {
	return nil, 0, nil
}
func (f *fakeResultRepo) FindByInputStateHash(context.Context, uuid.UUID, uuid.UUID, string, string) (*db.AnalysisResult, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeResultRepo) ListForRetention(context.Context, uuid.UUID, string) ([]db.AnalysisResult, error) {
	return nil, nil
}
func (f *fakeResultRepo) ListDependents(context.Context, uuid.UUID) ([]db.AnalysisResult, error) {
	return nil, nil
}
func (f *fakeResultRepo) ListOlderThan(context.Context, time.Time) ([]db.AnalysisResult, error) {
	return nil, nil
}

func newService(t *testing.T) (*Service, *fakeSessionRepo, *fakeJobRepo, *fakeResultRepo) {
	t.Helper()
	sessions := newFakeSessionRepo()
	jobs := &fakeJobRepo{jobs: map[uuid.UUID]*db.Job{}}
	results := &fakeResultRepo{results: map[uuid.UUID]*db.AnalysisResult{}}
	return New(sessions, jobs, results, zap.NewNop()), sessions, jobs, results
}

func seedJob(jobs *fakeJobRepo, agentID uuid.UUID) uuid.UUID {
	jobID := uuid.Must(uuid.NewV7())
	jobs.jobs[jobID] = &db.Job{TeamID: uuid.Must(uuid.NewV7()), Status: "running", AgentID: &agentID}
	jobs.jobs[jobID].ID = jobID
	return jobID
}

func TestInitiateComputesTotalChunks(t *testing.T) {
	svc, _, jobs, _ := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)

	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 12<<20, 5<<20)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalChunks)
	assert.Equal(t, int64(5<<20), s.ChunkSize)
	assert.Equal(t, "000", s.ReceivedBits)
}

func TestInitiateRoundsOversizedChunkSize(t *testing.T) {
	svc, _, jobs, _ := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)

	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 1<<20, 64<<20)
	require.NoError(t, err)
	assert.Equal(t, MaxChunkSize, s.ChunkSize)
	assert.Equal(t, 1, s.TotalChunks)
}

func TestInitiateRejectsForeignJob(t *testing.T) {
	svc, _, jobs, _ := newService(t)
	jobID := seedJob(jobs, uuid.Must(uuid.NewV7()))

	_, err := svc.Initiate(context.Background(), jobID, uuid.Must(uuid.NewV7()), "results_json", 1024, 512)
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestReceiveChunkIsIdempotent(t *testing.T) {
	svc, sessions, jobs, _ := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)
	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 10, 5)
	require.NoError(t, err)

	require.NoError(t, svc.ReceiveChunk(context.Background(), s.ID, 0, []byte("hello")))
	err = svc.ReceiveChunk(context.Background(), s.ID, 0, []byte("other"))
	assert.ErrorIs(t, err, ErrAlreadyReceived)

	// The original bytes are untouched by the duplicate PUT.
	c, err := sessions.GetChunk(context.Background(), s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), c.Data)
}

func TestReceiveChunkDuplicateStillSetsBit(t *testing.T) {
	svc, sessions, jobs, _ := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)
	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 10, 5)
	require.NoError(t, err)

	// Simulate a crash between the chunk write and the bit update: the
	// chunk row exists but the bitset never acknowledged it.
	_, err = sessions.PutChunk(context.Background(), &db.UploadChunk{UploadID: s.ID, ChunkIndex: 0, Data: []byte("hello")})
	require.NoError(t, err)

	// The client's retry heals the bitset even though the chunk is a
	// duplicate.
	err = svc.ReceiveChunk(context.Background(), s.ID, 0, []byte("hello"))
	assert.ErrorIs(t, err, ErrAlreadyReceived)
	got, err := sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, byte('1'), got.ReceivedBits[0])
}

func TestReceiveChunkRejectsOutOfRangeIndex(t *testing.T) {
	svc, _, jobs, _ := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)
	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 10, 5)
	require.NoError(t, err)

	assert.Error(t, svc.ReceiveChunk(context.Background(), s.ID, 2, []byte("x")))
	assert.Error(t, svc.ReceiveChunk(context.Background(), s.ID, -1, []byte("x")))
}

func TestFinalizeRequiresAllChunks(t *testing.T) {
	svc, _, jobs, results := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)
	resultID := uuid.Must(uuid.NewV7())
	results.results[resultID] = &db.AnalysisResult{}
	results.results[resultID].ID = resultID

	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 10, 5)
	require.NoError(t, err)
	require.NoError(t, svc.ReceiveChunk(context.Background(), s.ID, 0, []byte("hello")))

	err = svc.Finalize(context.Background(), s.ID, "deadbeef", resultID)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestFinalizeVerifiesChecksumAndAttachesBlob(t *testing.T) {
	svc, sessions, jobs, results := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)
	resultID := uuid.Must(uuid.NewV7())
	results.results[resultID] = &db.AnalysisResult{}
	results.results[resultID].ID = resultID

	content := []byte(`{"total_files":10,"issues":0}`)
	s, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", int64(len(content)), 10)
	require.NoError(t, err)
	for i := 0; i < s.TotalChunks; i++ {
		end := (i + 1) * 10
		if end > len(content) {
			end = len(content)
		}
		require.NoError(t, svc.ReceiveChunk(context.Background(), s.ID, i, content[i*10:end]))
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	// Wrong checksum leaves the session open.
	err = svc.Finalize(context.Background(), s.ID, "0000000000000000000000000000000000000000000000000000000000000000", resultID)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	_, err = sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)

	// Matching checksum attaches the blob and closes the session.
	require.NoError(t, svc.Finalize(context.Background(), s.ID, checksum, resultID))
	got, err := results.GetByID(context.Background(), resultID)
	require.NoError(t, err)
	assert.Equal(t, string(content), got.ResultsJSON)
	_, err = sessions.GetByID(context.Background(), s.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestFinalizeReportHTMLTargetsReportColumn(t *testing.T) {
	svc, _, jobs, results := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)
	resultID := uuid.Must(uuid.NewV7())
	results.results[resultID] = &db.AnalysisResult{}
	results.results[resultID].ID = resultID

	content := []byte("<html></html>")
	s, err := svc.Initiate(context.Background(), jobID, agentID, "report_html", int64(len(content)), 1024)
	require.NoError(t, err)
	require.NoError(t, svc.ReceiveChunk(context.Background(), s.ID, 0, content))

	sum := sha256.Sum256(content)
	require.NoError(t, svc.Finalize(context.Background(), s.ID, hex.EncodeToString(sum[:]), resultID))

	got, err := results.GetByID(context.Background(), resultID)
	require.NoError(t, err)
	assert.Equal(t, string(content), got.ReportHTML)
	assert.Empty(t, got.ResultsJSON)
}

func TestSweepExpiredDeletesOnlyExpiredSessions(t *testing.T) {
	svc, sessions, jobs, _ := newService(t)
	agentID := uuid.Must(uuid.NewV7())
	jobID := seedJob(jobs, agentID)

	fresh, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 10, 5)
	require.NoError(t, err)
	stale, err := svc.Initiate(context.Background(), jobID, agentID, "results_json", 10, 5)
	require.NoError(t, err)
	sessions.sessions[stale.ID].ExpiresAt = time.Now().UTC().Add(-time.Hour)

	require.NoError(t, svc.SweepExpired(context.Background()))

	_, err = sessions.GetByID(context.Background(), fresh.ID)
	assert.NoError(t, err)
	_, err = sessions.GetByID(context.Background(), stale.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
