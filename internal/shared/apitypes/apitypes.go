// Package apitypes defines the JSON wire shapes shared by the agent's HTTP
// client and the server's HTTP handlers. Keeping them in one
// place means both sides of the wire stay in sync the way a protobuf
// schema would in a gRPC system — here there is no codegen step, just one
// shared Go package.
package apitypes

// RegisterRequest is the body of POST /agents/register.
type RegisterRequest struct {
	Name         string   `json:"name"`
	Token        string   `json:"token"`
	Platform     string   `json:"platform"`
	Checksum     string   `json:"checksum"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse is the 201 body of POST /agents/register.
type RegisterResponse struct {
	GUID     string `json:"guid"`
	APIKey   string `json:"api_key"`
	Name     string `json:"name"`
	TeamGUID string `json:"team_guid"`
}

// Metrics is AgentRuntime.metrics.
type Metrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskFreeGB  float64 `json:"disk_free_gb"`
}

// HeartbeatRequest is the body of POST /agents/heartbeat.
type HeartbeatRequest struct {
	Capabilities   []string `json:"capabilities"`
	AuthorizedRoots []string `json:"authorized_roots"`
	Metrics        Metrics  `json:"metrics"`
}

// HeartbeatResponse is the 200 body of POST /agents/heartbeat.
type HeartbeatResponse struct {
	PendingCommands []string `json:"pending_commands"`
}

// ClaimRequest is the body of POST /jobs/claim.
type ClaimRequest struct {
	Capabilities []string `json:"capabilities"`
}

// Target is the polymorphic addressing model shared by jobs and results.
type Target struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	EntityGUID string `json:"entity_guid"`
	EntityName string `json:"entity_name"`
}

// Job is the wire shape of a claimed job, returned in ClaimResponse.
type Job struct {
	GUID        string          `json:"guid"`
	Tool        string          `json:"tool"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Target      Target          `json:"target"`
	ContextJSON map[string]any  `json:"context_json,omitempty"`
}

// ClaimResponse is the 200 body of POST /jobs/claim.
type ClaimResponse struct {
	Job           Job    `json:"job"`
	SigningSecret string `json:"signing_secret"`
}

// ProgressRequest is the body of POST /jobs/{guid}/progress.
type ProgressRequest struct {
	Stage        string   `json:"stage"`
	Percentage   *float64 `json:"percentage,omitempty"`
	FilesScanned *int     `json:"files_scanned,omitempty"`
	TotalFiles   *int     `json:"total_files,omitempty"`
	CurrentFile  *string  `json:"current_file,omitempty"`
	Message      *string  `json:"message,omitempty"`
}

// CompleteRequest is the body of POST /jobs/{guid}/complete.
//
// InputStateHash carries the agent-computed input fingerprint: the server
// never recomputes it, only compares it against prior results for the same
// target+tool to decide no_change_copy. It is excluded from the signed
// payload's required fields but, when present, is covered by the signature
// like every other field the agent reports.
type CompleteRequest struct {
	Results        map[string]any `json:"results,omitempty"`
	ReportHTML     *string        `json:"report_html,omitempty"`
	FilesScanned   int            `json:"files_scanned"`
	IssuesFound    int            `json:"issues_found"`
	InputStateHash string         `json:"input_state_hash,omitempty"`
	Signature      string         `json:"signature"`
	UploadID       *string        `json:"upload_id,omitempty"`
}

// CompleteResponse is the 200 body of POST /jobs/{guid}/complete.
type CompleteResponse struct {
	ResultGUID string `json:"result_guid"`
}

// FailRequest is the body of POST /jobs/{guid}/fail.
type FailRequest struct {
	ErrorMessage string `json:"error_message"`
	Signature    string `json:"signature"`
}

// InitiateUploadRequest is the body of POST /jobs/{guid}/uploads/initiate.
type InitiateUploadRequest struct {
	UploadType   string `json:"upload_type"`
	ExpectedSize int64  `json:"expected_size"`
	ChunkSize    int64  `json:"chunk_size"`
}

// InitiateUploadResponse is the 201 body of the initiate call.
type InitiateUploadResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// ChunkResponse is the 200 body of a chunk PUT.
type ChunkResponse struct {
	Received bool `json:"received"`
}

// FinalizeRequest is the body of POST /uploads/{id}/finalize.
type FinalizeRequest struct {
	Checksum string `json:"checksum"`
}

// FinalizeResponse is the 200 body of the finalize call.
type FinalizeResponse struct {
	Success bool `json:"success"`
}

// ReportCapabilityRequest is the body of POST /connectors/{guid}/report-capability.
type ReportCapabilityRequest struct {
	HasCredentials bool `json:"has_credentials"`
}

// ReportCapabilityResponse is the 200 body of the report-capability call.
type ReportCapabilityResponse struct {
	Acknowledged             bool `json:"acknowledged"`
	CredentialLocationUpdated bool `json:"credential_location_updated"`
}

// TeamConfig enumerates the tool configuration passed to Tool.Run.
type TeamConfig struct {
	PhotoExtensions    []string                  `json:"photo_extensions"`
	MetadataExtensions []string                  `json:"metadata_extensions"`
	RequireSidecar     []string                  `json:"require_sidecar"`
	CameraMappings     map[string]CameraMapping  `json:"camera_mappings"`
	ProcessingMethods  map[string]string         `json:"processing_methods"`
	DefaultPipeline    *string                   `json:"default_pipeline,omitempty"`
}

// CameraMapping is one entry of TeamConfig.CameraMappings.
type CameraMapping struct {
	Name   string `json:"name"`
	Serial string `json:"serial"`
}

// ErrorBody is the standard JSON error envelope returned by the server on
// non-2xx responses: {"error": {"message": "...", "detail": "..."}}.
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	} `json:"error"`
}

// VersionResponse is the body of the unauthenticated GET /version endpoint
// the agent's `update` command polls.
type VersionResponse struct {
	Version string `json:"version"`
}
