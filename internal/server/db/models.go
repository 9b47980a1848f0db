// Package db manages the server's database connection, migrations, and
// at-rest encryption. It supports SQLite (pure-Go modernc driver) and
// PostgreSQL. Migrations are
// embedded in the binary and applied automatically on startup via
// golang-migrate.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) so it sorts naturally in a B-tree index; the 128 bits are
// what a GUID (internal/shared/guid) encodes for the outside world.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is identity on the server: created at registration, destroyed
// only by team-level teardown. api_key is unique and never rotated without
// a fresh registration.
type Agent struct {
	softDelete
	TeamID         uuid.UUID `gorm:"type:text;not null;index"`
	Name           string    `gorm:"not null"`
	APIKey         string    `gorm:"not null;uniqueIndex"`
	Platform       string    `gorm:"not null;default:''"`
	BinaryChecksum string    `gorm:"not null;default:''"`
	RevokedAt      *time.Time
}

// AgentRuntime is the 1:1 volatile liveness/config row split out from Agent
// so routine heartbeat writes never touch the Agent row.
//
// Capabilities, AuthorizedRoots and PendingCommands are stored as JSON text;
// GORM cannot target a uuid.UUID FK directly so AgentID is a plain indexed
// column, not a declared association.
type AgentRuntime struct {
	AgentID         uuid.UUID `gorm:"type:text;primaryKey"`
	Status          string    `gorm:"not null;default:'offline'"` // online, offline, error, revoked
	LastHeartbeat   *time.Time
	Capabilities    string `gorm:"type:text;not null;default:'[]'"`
	AuthorizedRoots string `gorm:"type:text;not null;default:'[]'"`
	PendingCommands string `gorm:"type:text;not null;default:'[]'"`
	CPUPercent      float64
	MemPercent      float64
	DiskFreeGB      float64
	UpdatedAt       time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Jobs and results
// -----------------------------------------------------------------------------

// Job is a unit of scheduled work. status transitions are monotonic except
// queued<->claimed on re-queue after agent death.
type Job struct {
	base
	TeamID        uuid.UUID `gorm:"type:text;not null;index"`
	Tool          string    `gorm:"not null;index"`
	Status        string    `gorm:"not null;default:'queued';index"`
	Priority      int       `gorm:"not null;default:0;index"`
	RetryCount    int       `gorm:"not null;default:0"`
	MaxRetries    int       `gorm:"not null;default:3"`
	AgentID       *uuid.UUID `gorm:"type:text;index"`
	SigningSecret string     `gorm:"type:text;default:''"` // hex, set at claim

	ProgressStage       string `gorm:"default:''"`
	ProgressPercentage  *float64
	ProgressFilesScanned *int
	ProgressTotalFiles   *int
	ProgressCurrentFile  string `gorm:"default:''"`
	ProgressMessage      string `gorm:"default:''"`

	TargetEntityType string `gorm:"not null;index"`
	TargetEntityID   uuid.UUID `gorm:"type:text;not null"`
	TargetEntityGUID string `gorm:"not null"`
	TargetEntityName string `gorm:"not null;default:''"`

	ContextJSON string `gorm:"type:text;not null;default:'{}'"`
	ErrorMessage string `gorm:"type:text;default:''"`
}

// AnalysisResult is an immutable artifact of a finished job. A
// no_change_copy=true row MUST have DownloadReportFrom set and must not
// duplicate the large blob.
type AnalysisResult struct {
	base
	TeamID  uuid.UUID `gorm:"type:text;not null;index"`
	JobID   uuid.UUID `gorm:"type:text;not null;index"`
	Tool    string    `gorm:"not null;index"`
	Status  string    `gorm:"not null"` // completed, failed

	TargetEntityType string    `gorm:"not null;index"`
	TargetEntityID   uuid.UUID `gorm:"type:text;not null"`
	TargetEntityGUID string    `gorm:"not null"`
	TargetEntityName string    `gorm:"not null;default:''"`
	ContextJSON      string    `gorm:"type:text;not null;default:'{}'"`

	DurationSeconds float64
	FilesScanned    int
	IssuesFound     int
	ResultsJSON     string `gorm:"type:text;default:''"` // empty when stored via blob/no-change
	ReportHTML      string `gorm:"type:text;default:''"`
	ErrorMessage    string `gorm:"type:text;default:''"`

	InputStateHash     string     `gorm:"index"`
	NoChangeCopy       bool       `gorm:"not null;default:false"`
	DownloadReportFrom *uuid.UUID `gorm:"type:text;index"`
}

// -----------------------------------------------------------------------------
// Uploads
// -----------------------------------------------------------------------------

// UploadSession tracks a chunked upload in progress. ReceivedBits is a
// textual bitset ("1011...") of length TotalChunks; the chunk bytes
// themselves live in UploadChunk rows keyed by (UploadID, ChunkIndex).
type UploadSession struct {
	ID           uuid.UUID `gorm:"type:text;primaryKey"`
	JobID        uuid.UUID `gorm:"type:text;not null;index"`
	AgentID      uuid.UUID `gorm:"type:text;not null;index"`
	UploadType   string    `gorm:"not null"` // results_json, report_html
	ExpectedSize int64     `gorm:"not null"`
	ChunkSize    int64     `gorm:"not null"`
	TotalChunks  int       `gorm:"not null"`
	ReceivedBits string    `gorm:"type:text;not null;default:''"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
}

// UploadChunk holds the raw bytes of one received chunk, keyed by
// (UploadID, ChunkIndex). Deleted once the session is finalized or expires.
type UploadChunk struct {
	UploadID   uuid.UUID `gorm:"type:text;primaryKey"`
	ChunkIndex int       `gorm:"primaryKey"`
	Data       []byte    `gorm:"type:blob;not null"`
}

// -----------------------------------------------------------------------------
// Connectors and collections
// -----------------------------------------------------------------------------

// Connector is a named, credential-bearing binding to a remote storage
// system. Agent-held credentials never leave the agent; CredentialLocation
// only records where they live.
type Connector struct {
	softDelete
	TeamID             uuid.UUID `gorm:"type:text;not null;index"`
	Type               string    `gorm:"not null"` // s3, gcs, smb
	Name               string    `gorm:"not null"`
	CredentialLocation string    `gorm:"not null;default:'pending'"` // server, agent, pending
	CredentialSchema   string    `gorm:"type:text;not null;default:'[]'"`
	ServerCredentials  EncryptedString
}

// Collection is a named data source, optionally bound to a connector and/or
// a single agent (for storage backends that require agent-local credentials).
type Collection struct {
	softDelete
	TeamID         uuid.UUID  `gorm:"type:text;not null;index"`
	Type           string     `gorm:"not null"` // local, s3, gcs, smb
	Location       string     `gorm:"not null"`
	ConnectorID    *uuid.UUID `gorm:"type:text;index"`
	State          string     `gorm:"not null;default:'live'"` // live, archived
	IsAccessible   bool       `gorm:"not null;default:true"`
	LastError      string     `gorm:"type:text;default:''"`
	StorageBytes   *int64
	FileCount      *int64
	ImageCount     *int64
	BoundAgentID   *uuid.UUID `gorm:"type:text;index"`
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

// RetentionPolicy holds per-team retention defaults.
type RetentionPolicy struct {
	TeamID                uuid.UUID `gorm:"type:text;primaryKey"`
	JobCompletedDays      int       `gorm:"not null;default:2"`
	JobFailedDays         int       `gorm:"not null;default:7"`
	ResultCompletedDays   int       `gorm:"not null;default:0"` // 0 = unlimited
	PreservePerCollection int       `gorm:"not null;default:1"`
	UpdatedAt             time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Registration tokens
// -----------------------------------------------------------------------------

// RegistrationToken is a short-lived, team-scoped token an operator issues
// out of band so a new agent can register. Single use: ConsumedAt is
// set on success.
type RegistrationToken struct {
	base
	TeamID     uuid.UUID `gorm:"type:text;not null;index"`
	Token      string    `gorm:"not null;uniqueIndex"`
	ExpiresAt  time.Time `gorm:"not null"`
	ConsumedAt *time.Time
}

// Team is the tenant boundary. Deliberately minimal: team management
// (billing, membership) lives outside the coordination plane.
type Team struct {
	base
	Name string `gorm:"not null"`
}
