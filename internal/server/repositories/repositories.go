// Package repositories is the data access layer: one interface per
// aggregate, one GORM-backed implementation, consistent error wrapping
// (`fmt.Errorf("<entity>: <op>: %w", err)`) and a shared ErrNotFound /
// ErrConflict sentinel pair.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
)

// ListOptions is the common pagination parameter for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// TeamRepository
// -----------------------------------------------------------------------------

type TeamRepository interface {
	Create(ctx context.Context, team *db.Team) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error)
}

// -----------------------------------------------------------------------------
// RegistrationTokenRepository
// -----------------------------------------------------------------------------

type RegistrationTokenRepository interface {
	Create(ctx context.Context, t *db.RegistrationToken) error
	GetByToken(ctx context.Context, token string) (*db.RegistrationToken, error)
	MarkConsumed(ctx context.Context, id uuid.UUID, consumedAt time.Time) error
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

// AgentRepository covers the Agent table. AgentRuntime (volatile liveness)
// is a separate repository so heartbeat writes never touch Agent rows.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	Revoke(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error)
}

// AgentRuntimeRepository covers the AgentRuntime table.
type AgentRuntimeRepository interface {
	Upsert(ctx context.Context, rt *db.AgentRuntime) error
	GetByAgentID(ctx context.Context, agentID uuid.UUID) (*db.AgentRuntime, error)
	SetPendingCommands(ctx context.Context, agentID uuid.UUID, commandsJSON string) error
	ClearPendingCommands(ctx context.Context, agentID uuid.UUID) error
	SetStatus(ctx context.Context, agentID uuid.UUID, status string) error
	// ListStaleOnline returns runtimes currently online whose last heartbeat
	// is older than cutoff, for the liveness sweep.
	ListStaleOnline(ctx context.Context, cutoff time.Time) ([]db.AgentRuntime, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error

	// ClaimNext atomically selects and claims the highest-priority queued
	// job matching the agent's capabilities and team, via SELECT ... FOR
	// UPDATE SKIP LOCKED (or the sqlite-compatible fallback).
	ClaimNext(ctx context.Context, teamID uuid.UUID, agentID uuid.UUID, capabilities []string) (*db.Job, error)

	UpdateProgress(ctx context.Context, id uuid.UUID, stage string, pct *float64, filesScanned, totalFiles *int, currentFile, message string) error
	Complete(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string, retryExhausted bool) error
	Cancel(ctx context.Context, id uuid.UUID) error

	// Requeue implements the liveness re-queue: status back to
	// queued, agent_id cleared, retry_count incremented, unless retries are
	// exhausted in which case the job fails instead.
	Requeue(ctx context.Context, id uuid.UUID) error

	ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)
	ListByTeam(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Job, int64, error)

	// ListOlderThan supports the retention sweep.
	ListOlderThan(ctx context.Context, status string, cutoff time.Time) ([]db.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// ResultRepository
// -----------------------------------------------------------------------------

type ResultRepository interface {
	Create(ctx context.Context, result *db.AnalysisResult) error
	// Update persists changes to an existing result row — used by
	// uploadsessions.Finalize to attach the assembled blob once the
	// chunked upload completes.
	Update(ctx context.Context, result *db.AnalysisResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AnalysisResult, error)
	// GetByJobID returns the result produced by jobID, used to resolve the
	// finalize target of a chunked upload initiated against that job.
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*db.AnalysisResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByTeam(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.AnalysisResult, int64, error)

	// FindByInputStateHash implements the no-change lookup: the most
	// recent prior result for the same target+tool with the same hash.
	FindByInputStateHash(ctx context.Context, teamID uuid.UUID, targetEntityID uuid.UUID, tool, hash string) (*db.AnalysisResult, error)

	// ListForRetention returns completed results for (target, tool) ordered
	// newest-first, for the preserve_per_collection sweep.
	ListForRetention(ctx context.Context, targetEntityID uuid.UUID, tool string) ([]db.AnalysisResult, error)

	// ListDependents returns no_change_copy results pointing at canonicalID,
	// needed to promote one before deleting the canonical row.
	ListDependents(ctx context.Context, canonicalID uuid.UUID) ([]db.AnalysisResult, error)

	ListOlderThan(ctx context.Context, cutoff time.Time) ([]db.AnalysisResult, error)
}

// -----------------------------------------------------------------------------
// UploadSessionRepository
// -----------------------------------------------------------------------------

type UploadSessionRepository interface {
	Create(ctx context.Context, s *db.UploadSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.UploadSession, error)
	// SetReceivedBit marks one chunk index received. The read-modify-write
	// of the bitset happens inside a single locking transaction so
	// concurrent chunk PUTs never lose each other's bits. Idempotent.
	SetReceivedBit(ctx context.Context, id uuid.UUID, index int) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListExpired(ctx context.Context, now time.Time) ([]db.UploadSession, error)

	// PutChunk stores the bytes of one chunk exactly once per
	// (upload_id, chunk_index); created reports whether this call was the
	// first delivery.
	PutChunk(ctx context.Context, chunk *db.UploadChunk) (created bool, err error)
	GetChunk(ctx context.Context, uploadID uuid.UUID, index int) (*db.UploadChunk, error)
	ChunksInOrder(ctx context.Context, uploadID uuid.UUID, total int) ([]db.UploadChunk, error)
	DeleteChunks(ctx context.Context, uploadID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// ConnectorRepository / CollectionRepository
// -----------------------------------------------------------------------------

type ConnectorRepository interface {
	Create(ctx context.Context, c *db.Connector) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Connector, error)
	Update(ctx context.Context, c *db.Connector) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Connector, int64, error)
	SetCredentialLocation(ctx context.Context, id uuid.UUID, location string) error
	// StoreServerCredentials persists credentialsJSON encrypted at rest and
	// flips credential_location to "server". Server-held credentials are
	// handed to the claiming agent inside the job's execution context.
	StoreServerCredentials(ctx context.Context, id uuid.UUID, credentialsJSON string) error
	// CountLiveCollections supports the "deleting a referenced connector
	// fails with a count-bearing error" invariant.
	CountLiveCollections(ctx context.Context, connectorID uuid.UUID) (int64, error)
}

type CollectionRepository interface {
	Create(ctx context.Context, c *db.Collection) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Collection, error)
	Update(ctx context.Context, c *db.Collection) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Collection, int64, error)
}

// -----------------------------------------------------------------------------
// RetentionPolicyRepository
// -----------------------------------------------------------------------------

type RetentionPolicyRepository interface {
	Get(ctx context.Context, teamID uuid.UUID) (*db.RetentionPolicy, error)
	Upsert(ctx context.Context, p *db.RetentionPolicy) error
	ListAll(ctx context.Context) ([]db.RetentionPolicy, error)
}
