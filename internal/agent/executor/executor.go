// Package executor runs one claimed
// job end-to-end through the starting → configuring → running →
// finalizing state machine, honoring cooperative cancellation at the
// defined check points, and reports a signed outcome to the server.
package executor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/agent/credentials"
	"github.com/fabrice-guiot/shuttersense/internal/agent/inputstate"
	"github.com/fabrice-guiot/shuttersense/internal/agent/progress"
	"github.com/fabrice-guiot/shuttersense/internal/agent/tools"
	"github.com/fabrice-guiot/shuttersense/internal/agent/upload"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
	"github.com/fabrice-guiot/shuttersense/internal/shared/signing"
)

// State is one node of the execution state machine.
type State string

const (
	StateStarting    State = "starting"
	StateConfiguring State = "configuring"
	StateRunning     State = "running"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// jobContext is the schema this repo gives Job.ContextJSON. Credentials
// is populated by the server for connectors whose credential_location is
// "server"; when absent, the executor falls back to the agent's local
// vault.
type jobContext struct {
	Location      string                `json:"location"`
	StorageType   string                `json:"storage_type"`
	ConnectorGUID string                `json:"connector_guid,omitempty"`
	Credentials   *adapters.Credentials `json:"credentials,omitempty"`
	TeamConfig    apitypes.TeamConfig   `json:"team_config"`
}

// Client is the transport surface Execute needs beyond uploading.
type Client interface {
	Complete(ctx context.Context, jobGUID string, req apitypes.CompleteRequest) (*apitypes.CompleteResponse, error)
	Fail(ctx context.Context, jobGUID string, req apitypes.FailRequest) error
}

// Executor runs jobs claimed by the polling loop.
type Executor struct {
	client     Client
	credStore  *credentials.Store
	registry   *tools.Registry
	uploader   *upload.Uploader
	logger     *zap.Logger

	// authorizedRoots is forwarded to a fresh LocalAdapter per job.
	authorizedRoots []string
	uploadThreshold int64
}

// New constructs an Executor.
func New(client Client, credStore *credentials.Store, registry *tools.Registry, uploader *upload.Uploader, authorizedRoots []string, uploadThreshold int64, logger *zap.Logger) *Executor {
	return &Executor{
		client:          client,
		credStore:       credStore,
		registry:        registry,
		uploader:        uploader,
		authorizedRoots: authorizedRoots,
		uploadThreshold: uploadThreshold,
		logger:          logger.Named("executor"),
	}
}

// Outcome is the terminal state Execute reached, for the polling loop's
// logging — Execute itself never propagates a job failure as a Go error,
// an executor never lets a failure escape to the polling loop.
type Outcome struct {
	State        State
	ErrorMessage string
}

// Execute runs one job through the full state machine. cancelled is
// polled at well-defined check points (after progress reports, between
// scan and analyze phases, before finalize) — here collapsed to
// the two natural boundaries a single Tool.Run call exposes: before
// running the tool and before finalizing.
func (e *Executor) Execute(ctx context.Context, job apitypes.Job, signingSecretHex string, cancelled func() bool, reporter *progress.Reporter) Outcome {
	state := StateStarting
	secret, err := hex.DecodeString(signingSecretHex)
	if err != nil {
		return e.fail(ctx, job, nil, fmt.Errorf("executor: malformed signing secret: %w", err))
	}

	state = StateConfiguring
	jctx, tool, adapter, err := e.configure(job)
	if err != nil {
		return e.fail(ctx, job, secret, fmt.Errorf("config fetch: %w", err))
	}

	if cancelled() {
		return e.cancel(ctx, job, secret)
	}

	state = StateRunning
	reporter.Report(apitypes.ProgressRequest{Stage: string(state)})
	fileEntries, err := fileEntriesFor(ctx, adapter, jctx.Location)
	if err != nil {
		return e.fail(ctx, job, secret, err)
	}
	result, err := tool.Run(ctx, adapter, jctx.Location, jctx.TeamConfig)
	if err != nil {
		return e.fail(ctx, job, secret, err)
	}
	if !result.Success {
		return e.fail(ctx, job, secret, fmt.Errorf("tool reported failure: %s", result.ErrorMessage))
	}

	if cancelled() {
		return e.cancel(ctx, job, secret)
	}

	state = StateFinalizing
	reporter.Report(apitypes.ProgressRequest{Stage: string(state)})
	if err := e.finalize(ctx, job, secret, jctx, result, fileEntries); err != nil {
		return e.fail(ctx, job, secret, err)
	}

	return Outcome{State: StateCompleted}
}

// configure resolves a job's context_json into the adapter, tool, and
// team config its tool run needs.
func (e *Executor) configure(job apitypes.Job) (jobContext, tools.Tool, adapters.StorageAdapter, error) {
	var jctx jobContext
	raw, err := json.Marshal(job.ContextJSON)
	if err != nil {
		return jobContext{}, nil, nil, fmt.Errorf("marshal context_json: %w", err)
	}
	if err := json.Unmarshal(raw, &jctx); err != nil {
		return jobContext{}, nil, nil, fmt.Errorf("unmarshal context_json: %w", err)
	}

	tool, err := e.registry.Lookup(job.Tool)
	if err != nil {
		return jobContext{}, nil, nil, err
	}

	adapter, err := e.buildAdapter(jctx)
	if err != nil {
		return jobContext{}, nil, nil, err
	}

	return jctx, tool, adapter, nil
}

func (e *Executor) buildAdapter(jctx jobContext) (adapters.StorageAdapter, error) {
	switch jctx.StorageType {
	case "", "local":
		return adapters.NewLocalAdapter(e.authorizedRoots), nil
	case "s3":
		creds, err := e.resolveCredentials(jctx)
		if err != nil {
			return nil, err
		}
		return adapters.NewS3Adapter(*creds.S3)
	case "gcs":
		creds, err := e.resolveCredentials(jctx)
		if err != nil {
			return nil, err
		}
		return adapters.NewGCSAdapter(context.Background(), *creds.GCS)
	case "smb":
		creds, err := e.resolveCredentials(jctx)
		if err != nil {
			return nil, err
		}
		host, share := splitSMBLocation(jctx.Location)
		return adapters.NewSMBAdapter(host, share, *creds.SMB), nil
	default:
		return nil, fmt.Errorf("executor: unknown storage_type %q", jctx.StorageType)
	}
}

// resolveCredentials prefers credentials delivered in the job context
// (server-held connectors) and falls back to the agent's local vault.
func (e *Executor) resolveCredentials(jctx jobContext) (*adapters.Credentials, error) {
	if jctx.Credentials != nil {
		if err := jctx.Credentials.Validate(); err != nil {
			return nil, fmt.Errorf("executor: server-delivered credentials: %w", err)
		}
		return jctx.Credentials, nil
	}
	if jctx.ConnectorGUID == "" {
		return nil, fmt.Errorf("executor: job context missing connector_guid for remote storage")
	}
	creds, err := e.credStore.Get(jctx.ConnectorGUID)
	if err != nil {
		return nil, fmt.Errorf("executor: credential lookup: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("executor: no credentials stored for connector %s", jctx.ConnectorGUID)
	}
	return creds, nil
}

// splitSMBLocation splits "host/share/sub/path" into its host and share
// components; SMBAdapter.ListFiles is handed the remaining path as
// location.
func splitSMBLocation(location string) (host, share string) {
	for i := 0; i < len(location); i++ {
		if location[i] == '/' {
			return location[:i], location[i+1:]
		}
	}
	return location, ""
}

// fileEntriesFor lists location once for inputstate.Compute's
// file_list_hash. Tool.Run lists the same location again through the same
// adapter — a second round trip, accepted here so Tool keeps the single
// (adapter, location) signature rather than threading a
// pre-fetched listing through every tool implementation.
func fileEntriesFor(ctx context.Context, adapter adapters.StorageAdapter, location string) ([]inputstate.FileEntry, error) {
	metas, err := adapter.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return nil, err
	}
	entries := make([]inputstate.FileEntry, len(metas))
	for i, m := range metas {
		var mtime int64
		if m.LastModified != nil {
			mtime = m.LastModified.Unix()
		}
		entries[i] = inputstate.FileEntry{RelativePath: m.Path, Size: m.Size, ModTimeUnix: mtime}
	}
	return entries, nil
}

// finalize signs and reports the job's outcome, routing large payloads
// through the chunked uploader rather than inlined in the completion call.
func (e *Executor) finalize(ctx context.Context, job apitypes.Job, secret []byte, jctx jobContext, result tools.Result, fileEntries []inputstate.FileEntry) error {
	inputStateHash, _, _, err := inputstate.Compute(job.Tool, fileEntries, jctx.TeamConfig)
	if err != nil {
		e.logger.Warn("input state computation failed, proceeding without it", zap.String("job_guid", job.GUID), zap.Error(err))
	}

	resultsJSON, err := json.Marshal(result.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	useUpload := int64(len(resultsJSON)) > e.uploadThreshold || result.ReportHTML != nil
	if !useUpload {
		req := apitypes.CompleteRequest{
			Results:        result.Results,
			ReportHTML:     result.ReportHTML,
			FilesScanned:   result.FilesScanned,
			IssuesFound:    result.IssuesFound,
			InputStateHash: inputStateHash,
		}
		sig, err := signing.Sign(secret, completeSignedPayload(req))
		if err != nil {
			return fmt.Errorf("sign complete payload: %w", err)
		}
		req.Signature = sig
		_, err = e.client.Complete(ctx, job.GUID, req)
		return err
	}

	content := resultsJSON
	uploadType := "results_json"
	if result.ReportHTML != nil {
		content = []byte(*result.ReportHTML)
		uploadType = "report_html"
	}
	up, err := e.uploader.Upload(ctx, job.GUID, uploadType, content)
	if err != nil {
		return fmt.Errorf("chunked upload: %w", err)
	}

	req := apitypes.CompleteRequest{
		FilesScanned:   result.FilesScanned,
		IssuesFound:    result.IssuesFound,
		InputStateHash: inputStateHash,
		UploadID:       &up.UploadID,
	}
	sig, err := signing.Sign(secret, completeSignedPayload(req))
	if err != nil {
		e.uploader.Cancel(ctx, up.UploadID)
		return fmt.Errorf("sign complete payload: %w", err)
	}
	req.Signature = sig
	if _, err := e.client.Complete(ctx, job.GUID, req); err != nil {
		e.uploader.Cancel(ctx, up.UploadID)
		return err
	}
	return e.uploader.Finalize(ctx, up)
}

// completeSignedPayload mirrors internal/server/api.completeSignedPayload
// field-for-field — the signature only verifies if both sides build the
// exact same map.
func completeSignedPayload(req apitypes.CompleteRequest) map[string]any {
	payload := map[string]any{
		"results":       req.Results,
		"files_scanned": req.FilesScanned,
		"issues_found":  req.IssuesFound,
	}
	if req.ReportHTML != nil {
		payload["report_html"] = *req.ReportHTML
	}
	if req.InputStateHash != "" {
		payload["input_state_hash"] = req.InputStateHash
	}
	if req.UploadID != nil {
		payload["upload_id"] = *req.UploadID
	}
	return payload
}

// cancel reports a cancelled outcome to the server with a signed
// {"error_message": "cancelled"} payload.
func (e *Executor) cancel(ctx context.Context, job apitypes.Job, secret []byte) Outcome {
	payload := map[string]any{"error_message": "cancelled"}
	sig, err := signing.Sign(secret, payload)
	if err != nil {
		e.logger.Error("sign cancel payload failed", zap.String("job_guid", job.GUID), zap.Error(err))
		return Outcome{State: StateCancelled, ErrorMessage: "cancelled (unsigned, local failure)"}
	}
	if err := e.client.Fail(ctx, job.GUID, apitypes.FailRequest{ErrorMessage: "cancelled", Signature: sig}); err != nil {
		e.logger.Warn("report cancelled failed", zap.String("job_guid", job.GUID), zap.Error(err))
	}
	return Outcome{State: StateCancelled}
}

// fail signs and reports a failure payload. secret may be nil when the
// signing secret itself was malformed — in that case the server never
// learns of the failure, and the job will be reclaimed after its lease
// lapses.
func (e *Executor) fail(ctx context.Context, job apitypes.Job, secret []byte, cause error) Outcome {
	msg := cause.Error()
	if secret == nil {
		e.logger.Error("job failed before a signing secret was available", zap.String("job_guid", job.GUID), zap.Error(cause))
		return Outcome{State: StateFailed, ErrorMessage: msg}
	}
	sig, err := signing.Sign(secret, map[string]any{"error_message": msg})
	if err != nil {
		e.logger.Error("sign fail payload failed", zap.String("job_guid", job.GUID), zap.Error(err))
		return Outcome{State: StateFailed, ErrorMessage: msg}
	}
	if err := e.client.Fail(ctx, job.GUID, apitypes.FailRequest{ErrorMessage: msg, Signature: sig}); err != nil {
		e.logger.Warn("report failure failed", zap.String("job_guid", job.GUID), zap.Error(err))
	}
	return Outcome{State: StateFailed, ErrorMessage: msg}
}
