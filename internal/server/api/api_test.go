package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/auth"
	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
	"github.com/fabrice-guiot/shuttersense/internal/server/uploadsessions"
	"github.com/fabrice-guiot/shuttersense/internal/server/websocket"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
	"github.com/fabrice-guiot/shuttersense/internal/shared/guid"
	"github.com/fabrice-guiot/shuttersense/internal/shared/signing"
)

// ----------------------------------------------------------------------------
// in-memory repository fakes
// ----------------------------------------------------------------------------

type memAgentRepo struct {
	agents map[uuid.UUID]*db.Agent
}

func (m *memAgentRepo) Create(_ context.Context, a *db.Agent) error {
	if a.ID == (uuid.UUID{}) {
		a.ID = uuid.Must(uuid.NewV7())
	}
	m.agents[a.ID] = a
	return nil
}
func (m *memAgentRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return a, nil
}
func (m *memAgentRepo) GetByAPIKey(_ context.Context, key string) (*db.Agent, error) {
	for _, a := range m.agents {
		if a.APIKey == key {
			return a, nil
		}
	}
	return nil, repositories.ErrNotFound
}
func (m *memAgentRepo) Update(context.Context, *db.Agent) error { return nil }
func (m *memAgentRepo) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	if a, ok := m.agents[id]; ok {
		a.RevokedAt = &at
	}
	return nil
}
func (m *memAgentRepo) List(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Agent, int64, error) {
	return nil, 0, nil
}

type memTokenRepo struct {
	tokens map[string]*db.RegistrationToken
}

func (m *memTokenRepo) Create(_ context.Context, t *db.RegistrationToken) error {
	if t.ID == (uuid.UUID{}) {
		t.ID = uuid.Must(uuid.NewV7())
	}
	m.tokens[t.Token] = t
	return nil
}
func (m *memTokenRepo) GetByToken(_ context.Context, token string) (*db.RegistrationToken, error) {
	t, ok := m.tokens[token]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return t, nil
}
func (m *memTokenRepo) MarkConsumed(_ context.Context, id uuid.UUID, at time.Time) error {
	for _, t := range m.tokens {
		if t.ID == id {
			t.ConsumedAt = &at
		}
	}
	return nil
}

type memRuntimeRepo struct {
	runtimes map[uuid.UUID]*db.AgentRuntime
}

func (m *memRuntimeRepo) Upsert(_ context.Context, rt *db.AgentRuntime) error {
	if existing, ok := m.runtimes[rt.AgentID]; ok && rt.PendingCommands == "" {
		rt.PendingCommands = existing.PendingCommands
	}
	if rt.PendingCommands == "" {
		rt.PendingCommands = "[]"
	}
	m.runtimes[rt.AgentID] = rt
	return nil
}
func (m *memRuntimeRepo) GetByAgentID(_ context.Context, id uuid.UUID) (*db.AgentRuntime, error) {
	rt, ok := m.runtimes[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return rt, nil
}
func (m *memRuntimeRepo) SetPendingCommands(_ context.Context, id uuid.UUID, commandsJSON string) error {
	m.runtimes[id].PendingCommands = commandsJSON
	return nil
}
func (m *memRuntimeRepo) ClearPendingCommands(_ context.Context, id uuid.UUID) error {
	m.runtimes[id].PendingCommands = "[]"
	return nil
}
func (m *memRuntimeRepo) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	if rt, ok := m.runtimes[id]; ok {
		rt.Status = status
	}
	return nil
}
func (m *memRuntimeRepo) ListStaleOnline(context.Context, time.Time) ([]db.AgentRuntime, error) {
	return nil, nil
}

type memJobRepo struct {
	jobs map[uuid.UUID]*db.Job
}

func (m *memJobRepo) Create(_ context.Context, j *db.Job) error {
	if j.ID == (uuid.UUID{}) {
		j.ID = uuid.Must(uuid.NewV7())
	}
	m.jobs[j.ID] = j
	return nil
}
func (m *memJobRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return j, nil
}
func (m *memJobRepo) Update(context.Context, *db.Job) error { return nil }
func (m *memJobRepo) ClaimNext(_ context.Context, teamID, agentID uuid.UUID, capabilities []string) (*db.Job, error) {
	caps := map[string]bool{}
	for _, c := range capabilities {
		parts := strings.Split(c, ":")
		if len(parts) >= 2 && parts[0] == "tool" {
			caps[parts[1]] = true
		}
	}
	var best *db.Job
	for _, j := range m.jobs {
		if j.TeamID != teamID || j.Status != "queued" || !caps[j.Tool] {
			continue
		}
		if best == nil || j.Priority > best.Priority {
			best = j
		}
	}
	if best == nil {
		return nil, repositories.ErrNotFound
	}
	best.Status = "claimed"
	best.AgentID = &agentID
	secret, err := signing.NewSecret()
	if err != nil {
		return nil, err
	}
	best.SigningSecret = hex.EncodeToString(secret)
	return best, nil
}
func (m *memJobRepo) UpdateProgress(_ context.Context, id uuid.UUID, stage string, pct *float64, filesScanned, totalFiles *int, currentFile, message string) error {
	j, ok := m.jobs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	j.ProgressStage = stage
	j.ProgressPercentage = pct
	return nil
}
func (m *memJobRepo) Complete(_ context.Context, id uuid.UUID) error {
	m.jobs[id].Status = "completed"
	return nil
}
func (m *memJobRepo) Fail(_ context.Context, id uuid.UUID, msg string, _ bool) error {
	m.jobs[id].Status = "failed"
	m.jobs[id].ErrorMessage = msg
	return nil
}
func (m *memJobRepo) Cancel(_ context.Context, id uuid.UUID) error {
	m.jobs[id].Status = "cancelled"
	return nil
}
func (m *memJobRepo) Requeue(context.Context, uuid.UUID) error { return nil }
func (m *memJobRepo) Delete(context.Context, uuid.UUID) error  { return nil }
func (m *memJobRepo) ListByAgent(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}
func (m *memJobRepo) ListByTeam(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}
func (m *memJobRepo) ListOlderThan(context.Context, string, time.Time) ([]db.Job, error) {
	return nil, nil
}

type memResultRepo struct {
	results map[uuid.UUID]*db.AnalysisResult
}

func (m *memResultRepo) Create(_ context.Context, r *db.AnalysisResult) error {
	if r.ID == (uuid.UUID{}) {
		r.ID = uuid.Must(uuid.NewV7())
	}
	m.results[r.ID] = r
	return nil
}
func (m *memResultRepo) Update(_ context.Context, r *db.AnalysisResult) error {
	m.results[r.ID] = r
	return nil
}
func (m *memResultRepo) GetByID(_ context.Context, id uuid.UUID) (*db.AnalysisResult, error) {
	r, ok := m.results[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return r, nil
}
func (m *memResultRepo) GetByJobID(_ context.Context, jobID uuid.UUID) (*db.AnalysisResult, error) {
	for _, r := range m.results {
		if r.JobID == jobID {
			return r, nil
		}
	}
	return nil, repositories.ErrNotFound
}
func (m *memResultRepo) Delete(context.Context, uuid.UUID) error { return nil }
func (m *memResultRepo) ListByTeam(context.Context, uuid.UUID, repositories.ListOptions) ([]db.AnalysisResult, int64, error) {
	return nil, 0, nil
}
func (m *memResultRepo) FindByInputStateHash(_ context.Context, teamID, targetEntityID uuid.UUID, tool, hash string) (*db.AnalysisResult, error) {
	for _, r := range m.results {
		if r.TeamID == teamID && r.TargetEntityID == targetEntityID && r.Tool == tool && r.InputStateHash == hash && !r.NoChangeCopy {
			return r, nil
		}
	}
	return nil, repositories.ErrNotFound
}
func (m *memResultRepo) ListForRetention(context.Context, uuid.UUID, string) ([]db.AnalysisResult, error) {
	return nil, nil
}
func (m *memResultRepo) ListDependents(context.Context, uuid.UUID) ([]db.AnalysisResult, error) {
	return nil, nil
}
func (m *memResultRepo) ListOlderThan(context.Context, time.Time) ([]db.AnalysisResult, error) {
	return nil, nil
}

type memConnectorRepo struct {
	connectors map[uuid.UUID]*db.Connector
}

func (m *memConnectorRepo) Create(_ context.Context, c *db.Connector) error {
	if c.ID == (uuid.UUID{}) {
		c.ID = uuid.Must(uuid.NewV7())
	}
	m.connectors[c.ID] = c
	return nil
}
func (m *memConnectorRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Connector, error) {
	c, ok := m.connectors[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return c, nil
}
func (m *memConnectorRepo) Update(context.Context, *db.Connector) error { return nil }
func (m *memConnectorRepo) Delete(context.Context, uuid.UUID) error     { return nil }
func (m *memConnectorRepo) List(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Connector, int64, error) {
	return nil, 0, nil
}
func (m *memConnectorRepo) SetCredentialLocation(_ context.Context, id uuid.UUID, location string) error {
	if c, ok := m.connectors[id]; ok {
		c.CredentialLocation = location
	}
	return nil
}
func (m *memConnectorRepo) StoreServerCredentials(_ context.Context, id uuid.UUID, credentialsJSON string) error {
	c, ok := m.connectors[id]
	if !ok {
		return repositories.ErrNotFound
	}
	c.ServerCredentials = db.EncryptedString(credentialsJSON)
	c.CredentialLocation = "server"
	return nil
}
func (m *memConnectorRepo) CountLiveCollections(context.Context, uuid.UUID) (int64, error) {
	return 0, nil
}

type memCollectionRepo struct {
	collections map[uuid.UUID]*db.Collection
}

func (m *memCollectionRepo) Create(_ context.Context, c *db.Collection) error {
	if c.ID == (uuid.UUID{}) {
		c.ID = uuid.Must(uuid.NewV7())
	}
	m.collections[c.ID] = c
	return nil
}
func (m *memCollectionRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Collection, error) {
	c, ok := m.collections[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return c, nil
}
func (m *memCollectionRepo) Update(context.Context, *db.Collection) error { return nil }
func (m *memCollectionRepo) Delete(context.Context, uuid.UUID) error      { return nil }
func (m *memCollectionRepo) List(context.Context, uuid.UUID, repositories.ListOptions) ([]db.Collection, int64, error) {
	return nil, 0, nil
}

type memTeamRepo struct{}

func (memTeamRepo) Create(context.Context, *db.Team) error { return nil }
func (memTeamRepo) GetByID(context.Context, uuid.UUID) (*db.Team, error) {
	return nil, repositories.ErrNotFound
}

// ----------------------------------------------------------------------------
// fixture
// ----------------------------------------------------------------------------

type fixture struct {
	server *httptest.Server

	agents      *memAgentRepo
	tokens      *memTokenRepo
	runtimes    *memRuntimeRepo
	jobs        *memJobRepo
	results     *memResultRepo
	connectors  *memConnectorRepo
	collections *memCollectionRepo
	dispatch    *dispatcher.Dispatcher

	teamID uuid.UUID
	agent  *db.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	f := &fixture{
		agents:      &memAgentRepo{agents: map[uuid.UUID]*db.Agent{}},
		tokens:      &memTokenRepo{tokens: map[string]*db.RegistrationToken{}},
		runtimes:    &memRuntimeRepo{runtimes: map[uuid.UUID]*db.AgentRuntime{}},
		jobs:        &memJobRepo{jobs: map[uuid.UUID]*db.Job{}},
		results:     &memResultRepo{results: map[uuid.UUID]*db.AnalysisResult{}},
		connectors:  &memConnectorRepo{connectors: map[uuid.UUID]*db.Connector{}},
		collections: &memCollectionRepo{collections: map[uuid.UUID]*db.Collection{}},
		teamID:      uuid.Must(uuid.NewV7()),
	}

	authSvc := auth.NewService(f.tokens, f.agents)
	f.dispatch = dispatcher.New(f.jobs, f.runtimes, logger)
	sessionRepo := newFakeSessionRepoForAPI()
	uploadSvc := uploadsessions.New(sessionRepo, f.jobs, f.results, logger)

	router := NewRouter(RouterConfig{
		Auth:          authSvc,
		Dispatch:      f.dispatch,
		Uploads:       uploadSvc,
		Hub:           websocket.NewHub(),
		Logger:        logger,
		Version:       "test",
		Agents:        f.agents,
		AgentRuntimes: f.runtimes,
		Connectors:    f.connectors,
		Collections:   f.collections,
		Teams:         memTeamRepo{},
		Jobs:          f.jobs,
		Results:       f.results,
		UploadSess:    sessionRepo,
	})

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)

	f.agent = &db.Agent{TeamID: f.teamID, Name: "test-agent", APIKey: "test-api-key"}
	require.NoError(t, f.agents.Create(context.Background(), f.agent))
	require.NoError(t, f.runtimes.Upsert(context.Background(), &db.AgentRuntime{AgentID: f.agent.ID, Status: "online"}))

	return f
}

// fakeSessionRepoForAPI is a minimal UploadSessionRepository for wiring the
// upload service; upload behavior itself is covered in uploadsessions'
// own tests.
type fakeSessionRepoForAPI struct {
	sessions map[uuid.UUID]*db.UploadSession
	chunks   map[string][]byte
}

func newFakeSessionRepoForAPI() *fakeSessionRepoForAPI {
	return &fakeSessionRepoForAPI{
		sessions: map[uuid.UUID]*db.UploadSession{},
		chunks:   map[string][]byte{},
	}
}

func (f *fakeSessionRepoForAPI) Create(_ context.Context, s *db.UploadSession) error {
	f.sessions[s.ID] = s
	return nil
}
func (f *fakeSessionRepoForAPI) GetByID(_ context.Context, id uuid.UUID) (*db.UploadSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return s, nil
}
func (f *fakeSessionRepoForAPI) SetReceivedBit(_ context.Context, id uuid.UUID, index int) error {
	s, ok := f.sessions[id]
	if !ok {
		return repositories.ErrNotFound
	}
	bits := []byte(s.ReceivedBits)
	bits[index] = '1'
	s.ReceivedBits = string(bits)
	return nil
}
func (f *fakeSessionRepoForAPI) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.sessions, id)
	return nil
}
func (f *fakeSessionRepoForAPI) ListExpired(context.Context, time.Time) ([]db.UploadSession, error) {
	return nil, nil
}
func (f *fakeSessionRepoForAPI) PutChunk(_ context.Context, c *db.UploadChunk) (bool, error) {
	key := c.UploadID.String() + "/" + strconv.Itoa(c.ChunkIndex)
	if _, ok := f.chunks[key]; ok {
		return false, nil
	}
	f.chunks[key] = c.Data
	return true, nil
}
func (f *fakeSessionRepoForAPI) GetChunk(context.Context, uuid.UUID, int) (*db.UploadChunk, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeSessionRepoForAPI) ChunksInOrder(context.Context, uuid.UUID, int) ([]db.UploadChunk, error) {
	return nil, nil
}
func (f *fakeSessionRepoForAPI) DeleteChunks(context.Context, uuid.UUID) error { return nil }

func (f *fixture) do(t *testing.T, method, path string, body any, authenticated bool) *http.Response {
	t.Helper()
	key := ""
	if authenticated {
		key = f.agent.APIKey
	}
	return f.doAs(t, method, path, body, key)
}

// doAs issues a request with an explicit API key; empty means
// unauthenticated.
func (f *fixture) doAs(t *testing.T, method, path string, body any, apiKey string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// seedSecondAgent registers another agent in the same team and returns it.
func (f *fixture) seedSecondAgent(t *testing.T) *db.Agent {
	t.Helper()
	other := &db.Agent{TeamID: f.teamID, Name: "other-agent", APIKey: "other-api-key"}
	require.NoError(t, f.agents.Create(context.Background(), other))
	require.NoError(t, f.runtimes.Upsert(context.Background(), &db.AgentRuntime{AgentID: other.ID, Status: "online"}))
	return other
}

func (f *fixture) seedQueuedJob(t *testing.T, tool string) *db.Job {
	t.Helper()
	j := &db.Job{
		TeamID:           f.teamID,
		Tool:             tool,
		Status:           "queued",
		MaxRetries:       3,
		TargetEntityType: "collection",
		TargetEntityID:   uuid.Must(uuid.NewV7()),
		ContextJSON:      "{}",
	}
	j.TargetEntityGUID = guid.Encode(guid.Collection, j.TargetEntityID)
	require.NoError(t, f.jobs.Create(context.Background(), j))
	return j
}

// ----------------------------------------------------------------------------
// tests
// ----------------------------------------------------------------------------

func TestRequestsWithoutBearerKeyAreRejected(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRevokedAgentIsRejectedWithDetail(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.agent.RevokedAt = &now

	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{}, true)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body apitypes.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "agent revoked", body.Error.Detail)
}

func TestClaimReturns204WhenNoJobQualifies(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClaimWithNoToolCapabilitiesMatchesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedQueuedJob(t, "photostats")

	// No tool: capabilities advertised means eligible for no job at all.
	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"local_filesystem"}}, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClaimReturnsJobAndSigningSecret(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedQueuedJob(t, "photostats")

	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claim apitypes.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	assert.Equal(t, guid.Encode(guid.Job, seeded.ID), claim.Job.GUID)
	assert.Equal(t, "photostats", claim.Job.Tool)
	assert.Len(t, claim.SigningSecret, 64) // 32 bytes hex
	assert.Equal(t, "claimed", f.jobs.jobs[seeded.ID].Status)
}

func TestProgressRejectsMalformedGUIDBeforeLookup(t *testing.T) {
	f := newFixture(t)
	body := apitypes.ProgressRequest{Stage: "scanning"}

	resp := f.do(t, http.MethodPost, "/jobs/123/progress", body, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Wrong prefix: a connector GUID where a job GUID is required.
	conGUID := guid.Encode(guid.Connector, uuid.Must(uuid.NewV7()))
	resp = f.do(t, http.MethodPost, "/jobs/"+conGUID+"/progress", body, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody apitypes.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Contains(t, errBody.Error.Detail, "prefix mismatch")
}

func TestProgressAcceptsUppercaseGUID(t *testing.T) {
	f := newFixture(t)
	job := f.seedQueuedJob(t, "photostats")
	job.Status = "running"
	job.AgentID = &f.agent.ID

	upper := strings.ToUpper(guid.Encode(guid.Job, job.ID))
	resp := f.do(t, http.MethodPost, "/jobs/"+upper+"/progress", apitypes.ProgressRequest{Stage: "scanning"}, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "scanning", f.jobs.jobs[job.ID].ProgressStage)
}

func TestProgressOnForeignJobIsForbidden(t *testing.T) {
	f := newFixture(t)
	job := f.seedQueuedJob(t, "photostats")
	other := uuid.Must(uuid.NewV7())
	job.Status = "running"
	job.AgentID = &other

	resp := f.do(t, http.MethodPost, "/jobs/"+guid.Encode(guid.Job, job.ID)+"/progress", apitypes.ProgressRequest{Stage: "scanning"}, true)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func claimJob(t *testing.T, f *fixture, tool string) ([]byte, apitypes.ClaimResponse) {
	t.Helper()
	f.seedQueuedJob(t, tool)
	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"tool:" + tool + ":1.0"}}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim apitypes.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	secret, err := hex.DecodeString(claim.SigningSecret)
	require.NoError(t, err)
	return secret, claim
}

func TestCompleteWithValidSignaturePersistsResult(t *testing.T) {
	f := newFixture(t)
	secret, claim := claimJob(t, f, "photostats")

	results := map[string]any{"total_files": 10.0, "issues": 0.0}
	payload := map[string]any{
		"results":       results,
		"files_scanned": 10,
		"issues_found":  0,
	}
	sig, err := signing.Sign(secret, payload)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/jobs/"+claim.Job.GUID+"/complete", apitypes.CompleteRequest{
		Results:      results,
		FilesScanned: 10,
		IssuesFound:  0,
		Signature:    sig,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completed apitypes.CompleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&completed))
	assert.True(t, guid.Valid(completed.ResultGUID, guid.Result))

	require.Len(t, f.results.results, 1)
	for _, r := range f.results.results {
		assert.Equal(t, "completed", r.Status)
		assert.Equal(t, 10, r.FilesScanned)
		assert.Contains(t, r.ResultsJSON, `"total_files":10`)
	}
}

func TestCompleteWithBadSignatureIsRejected(t *testing.T) {
	f := newFixture(t)
	_, claim := claimJob(t, f, "photostats")

	resp := f.do(t, http.MethodPost, "/jobs/"+claim.Job.GUID+"/complete", apitypes.CompleteRequest{
		Results:      map[string]any{"total_files": 10.0},
		FilesScanned: 10,
		Signature:    strings.Repeat("ab", 32),
	}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.results.results)
}

func TestCompleteWithMatchingInputStateHashCreatesNoChangeCopy(t *testing.T) {
	f := newFixture(t)
	secret, claim := claimJob(t, f, "photostats")
	jobID := f.jobs.jobs[mustJobID(t, claim.Job.GUID)].ID

	hash := strings.Repeat("a", 64)
	prior := &db.AnalysisResult{
		TeamID:         f.teamID,
		JobID:          uuid.Must(uuid.NewV7()),
		Tool:           "photostats",
		Status:         "completed",
		TargetEntityID: f.jobs.jobs[jobID].TargetEntityID,
		InputStateHash: hash,
		ResultsJSON:    `{"total_files":10}`,
	}
	require.NoError(t, f.results.Create(context.Background(), prior))

	payload := map[string]any{
		"results":          nil,
		"files_scanned":    10,
		"issues_found":     0,
		"input_state_hash": hash,
	}
	sig, err := signing.Sign(secret, payload)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/jobs/"+claim.Job.GUID+"/complete", apitypes.CompleteRequest{
		FilesScanned:   10,
		IssuesFound:    0,
		InputStateHash: hash,
		Signature:      sig,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var copies []*db.AnalysisResult
	for _, r := range f.results.results {
		if r.NoChangeCopy {
			copies = append(copies, r)
		}
	}
	require.Len(t, copies, 1)
	require.NotNil(t, copies[0].DownloadReportFrom)
	assert.Equal(t, prior.ID, *copies[0].DownloadReportFrom)
	assert.Empty(t, copies[0].ResultsJSON)
}

func TestFailWithValidSignatureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	secret, claim := claimJob(t, f, "photostats")

	payload := map[string]any{"error_message": "disk on fire"}
	sig, err := signing.Sign(secret, payload)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/jobs/"+claim.Job.GUID+"/fail", apitypes.FailRequest{
		ErrorMessage: "disk on fire",
		Signature:    sig,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job := f.jobs.jobs[mustJobID(t, claim.Job.GUID)]
	assert.Equal(t, "failed", job.Status)
	assert.Equal(t, "disk on fire", job.ErrorMessage)
}

func TestFailWithCancelledMessageMarksJobCancelled(t *testing.T) {
	f := newFixture(t)
	secret, claim := claimJob(t, f, "photostats")

	payload := map[string]any{"error_message": "cancelled"}
	sig, err := signing.Sign(secret, payload)
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/jobs/"+claim.Job.GUID+"/fail", apitypes.FailRequest{
		ErrorMessage: "cancelled",
		Signature:    sig,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "cancelled", f.jobs.jobs[mustJobID(t, claim.Job.GUID)].Status)
	assert.Empty(t, f.results.results)
}

func TestHeartbeatDeliversQueuedCancelCommand(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatch.QueueCancel(context.Background(), f.agent.ID, "job_0123456789abcdefghjkmnpqrst"))

	resp := f.do(t, http.MethodPost, "/agents/heartbeat", apitypes.HeartbeatRequest{
		Capabilities: []string{"tool:photostats:1.0"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb apitypes.HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hb))
	assert.Equal(t, []string{"cancel_job:job_0123456789abcdefghjkmnpqrst"}, hb.PendingCommands)

	// Delivered exactly once: the next heartbeat carries nothing.
	resp = f.do(t, http.MethodPost, "/agents/heartbeat", apitypes.HeartbeatRequest{}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb2 apitypes.HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hb2))
	assert.Empty(t, hb2.PendingCommands)
}

func TestRegisterTradesTokenForAPIKey(t *testing.T) {
	f := newFixture(t)
	token := &db.RegistrationToken{
		TeamID:    f.teamID,
		Token:     "one-time-token",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, f.tokens.Create(context.Background(), token))

	resp := f.do(t, http.MethodPost, "/agents/register", apitypes.RegisterRequest{
		Name:     "new-agent",
		Token:    "one-time-token",
		Platform: "linux/amd64",
	}, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg apitypes.RegisterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	assert.True(t, guid.Valid(reg.GUID, guid.Agent))
	assert.Len(t, reg.APIKey, 64)

	// The token is single use.
	resp = f.do(t, http.MethodPost, "/agents/register", apitypes.RegisterRequest{
		Name:  "another-agent",
		Token: "one-time-token",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReportCapabilityFlipsCredentialLocation(t *testing.T) {
	f := newFixture(t)
	connector := &db.Connector{TeamID: f.teamID, Type: "s3", Name: "prod", CredentialLocation: "pending"}
	require.NoError(t, f.connectors.Create(context.Background(), connector))

	conGUID := guid.Encode(guid.Connector, connector.ID)
	resp := f.do(t, http.MethodPost, "/connectors/"+conGUID+"/report-capability", apitypes.ReportCapabilityRequest{
		HasCredentials: true,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "agent", f.connectors.connectors[connector.ID].CredentialLocation)
}

func TestClaimFillsContextFromCollectionRow(t *testing.T) {
	f := newFixture(t)
	connectorID := uuid.Must(uuid.NewV7())
	col := &db.Collection{
		TeamID:      f.teamID,
		Type:        "s3",
		Location:    "bucket/prefix",
		ConnectorID: &connectorID,
	}
	require.NoError(t, f.collections.Create(context.Background(), col))

	job := &db.Job{
		TeamID:           f.teamID,
		Tool:             "photostats",
		Status:           "queued",
		MaxRetries:       3,
		TargetEntityType: "collection",
		TargetEntityID:   col.ID,
		TargetEntityGUID: guid.Encode(guid.Collection, col.ID),
		ContextJSON:      "{}",
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claim apitypes.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	assert.Equal(t, "bucket/prefix", claim.Job.ContextJSON["location"])
	assert.Equal(t, "s3", claim.Job.ContextJSON["storage_type"])
	assert.Equal(t, guid.Encode(guid.Connector, connectorID), claim.Job.ContextJSON["connector_guid"])
}

func TestClaimInjectsServerHeldConnectorCredentials(t *testing.T) {
	f := newFixture(t)
	connector := &db.Connector{TeamID: f.teamID, Type: "s3", Name: "prod"}
	require.NoError(t, f.connectors.Create(context.Background(), connector))
	require.NoError(t, f.connectors.StoreServerCredentials(context.Background(), connector.ID,
		`{"kind":"s3","s3":{"access_key_id":"AKIA","secret_access_key":"shh","region":"us-east-1"}}`))

	col := &db.Collection{
		TeamID:      f.teamID,
		Type:        "s3",
		Location:    "bucket/prefix",
		ConnectorID: &connector.ID,
	}
	require.NoError(t, f.collections.Create(context.Background(), col))

	job := &db.Job{
		TeamID:           f.teamID,
		Tool:             "photostats",
		Status:           "queued",
		MaxRetries:       3,
		TargetEntityType: "collection",
		TargetEntityID:   col.ID,
		TargetEntityGUID: guid.Encode(guid.Collection, col.ID),
		ContextJSON:      "{}",
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claim apitypes.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	creds, ok := claim.Job.ContextJSON["credentials"].(map[string]any)
	require.True(t, ok, "claim context should carry server-held credentials")
	assert.Equal(t, "s3", creds["kind"])
	s3creds, ok := creds["s3"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AKIA", s3creds["access_key_id"])
}

func TestClaimOmitsCredentialsForAgentHeldConnector(t *testing.T) {
	f := newFixture(t)
	connector := &db.Connector{TeamID: f.teamID, Type: "s3", Name: "prod", CredentialLocation: "agent"}
	require.NoError(t, f.connectors.Create(context.Background(), connector))

	col := &db.Collection{
		TeamID:      f.teamID,
		Type:        "s3",
		Location:    "bucket/prefix",
		ConnectorID: &connector.ID,
	}
	require.NoError(t, f.collections.Create(context.Background(), col))

	job := &db.Job{
		TeamID:           f.teamID,
		Tool:             "photostats",
		Status:           "queued",
		MaxRetries:       3,
		TargetEntityType: "collection",
		TargetEntityID:   col.ID,
		TargetEntityGUID: guid.Encode(guid.Collection, col.ID),
		ContextJSON:      "{}",
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	resp := f.do(t, http.MethodPost, "/jobs/claim", apitypes.ClaimRequest{Capabilities: []string{"tool:photostats:1.0"}}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claim apitypes.ClaimResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	assert.NotContains(t, claim.Job.ContextJSON, "credentials")
}

// initiateUpload claims a job as the fixture agent and opens an upload
// session for it, returning the upload id.
func initiateUpload(t *testing.T, f *fixture) string {
	t.Helper()
	_, claim := claimJob(t, f, "photostats")
	resp := f.do(t, http.MethodPost, "/jobs/"+claim.Job.GUID+"/uploads/initiate", apitypes.InitiateUploadRequest{
		UploadType:   "results_json",
		ExpectedSize: 10,
		ChunkSize:    1024,
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var init apitypes.InitiateUploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&init))
	return init.UploadID
}

func TestDuplicateChunkPutReportsReceivedFalse(t *testing.T) {
	f := newFixture(t)
	uploadID := initiateUpload(t, f)

	resp := f.do(t, http.MethodPut, "/uploads/"+uploadID+"/0", "0123456789", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chunk apitypes.ChunkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chunk))
	assert.True(t, chunk.Received)

	// The repeat PUT is acknowledged but flagged as already received.
	resp = f.do(t, http.MethodPut, "/uploads/"+uploadID+"/0", "0123456789", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chunk))
	assert.False(t, chunk.Received)
}

func TestPutChunkOnForeignUploadIsForbidden(t *testing.T) {
	f := newFixture(t)
	uploadID := initiateUpload(t, f)
	other := f.seedSecondAgent(t)

	resp := f.doAs(t, http.MethodPut, "/uploads/"+uploadID+"/0", "0123456789", other.APIKey)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The owner can still PUT the same chunk.
	resp = f.doAs(t, http.MethodPut, "/uploads/"+uploadID+"/0", "0123456789", f.agent.APIKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelForeignUploadIsForbidden(t *testing.T) {
	f := newFixture(t)
	uploadID := initiateUpload(t, f)
	other := f.seedSecondAgent(t)

	resp := f.doAs(t, http.MethodDelete, "/uploads/"+uploadID, nil, other.APIKey)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The session is untouched: the owner's cancel still finds it.
	resp = f.doAs(t, http.MethodDelete, "/uploads/"+uploadID, nil, f.agent.APIKey)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func mustJobID(t *testing.T, jobGUID string) uuid.UUID {
	t.Helper()
	_, id, err := guid.Parse(jobGUID, guid.Job)
	require.NoError(t, err)
	return id
}
