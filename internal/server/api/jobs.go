package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
	"github.com/fabrice-guiot/shuttersense/internal/server/dispatcher"
	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
	"github.com/fabrice-guiot/shuttersense/internal/server/targetresolver"
	"github.com/fabrice-guiot/shuttersense/internal/server/websocket"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
	"github.com/fabrice-guiot/shuttersense/internal/shared/guid"
	"github.com/fabrice-guiot/shuttersense/internal/shared/signing"
)

// JobHandler groups the claim/progress/complete/fail handlers of the
// agent<->server job lifecycle.
type JobHandler struct {
	dispatch    *dispatcher.Dispatcher
	jobs        repositories.JobRepository
	results     repositories.ResultRepository
	collections repositories.CollectionRepository
	connectors  repositories.ConnectorRepository
	hub         *websocket.Hub
	logger      *zap.Logger
}

func NewJobHandler(dispatch *dispatcher.Dispatcher, jobs repositories.JobRepository, results repositories.ResultRepository, collections repositories.CollectionRepository, connectors repositories.ConnectorRepository, hub *websocket.Hub, logger *zap.Logger) *JobHandler {
	return &JobHandler{dispatch: dispatch, jobs: jobs, results: results, collections: collections, connectors: connectors, hub: hub, logger: logger.Named("job_handler")}
}

// publishJobStatus pushes a status transition onto the job's live feed.
func (h *JobHandler) publishJobStatus(jobGUID, status string) {
	h.hub.Publish("job:"+jobGUID, websocket.Message{
		Type:    websocket.MsgJobStatus,
		Topic:   "job:" + jobGUID,
		Payload: map[string]string{"status": status},
	})
}

// Claim handles POST /jobs/claim.
func (h *JobHandler) Claim(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	var req apitypes.ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.dispatch.ClaimNext(r.Context(), agent.TeamID, agent.ID, req.Capabilities)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			NoContent(w)
			return
		}
		h.logger.Error("claim failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	target, err := targetresolver.Encode(targetresolver.EntityType(job.TargetEntityType), job.TargetEntityID, job.TargetEntityName)
	if err != nil {
		h.logger.Error("encode target failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	var contextJSON map[string]any
	_ = json.Unmarshal([]byte(job.ContextJSON), &contextJSON)
	contextJSON = h.withCollectionContext(r.Context(), job, contextJSON)

	h.publishJobStatus(guid.Encode(guid.Job, job.ID), "claimed")

	Ok(w, apitypes.ClaimResponse{
		Job: apitypes.Job{
			GUID:        guid.Encode(guid.Job, job.ID),
			Tool:        job.Tool,
			Priority:    job.Priority,
			RetryCount:  job.RetryCount,
			MaxRetries:  job.MaxRetries,
			Target:      target,
			ContextJSON: contextJSON,
		},
		SigningSecret: job.SigningSecret,
	})
}

// withCollectionContext fills in the execution context a claimed
// collection job needs — location, storage_type, connector_guid — from
// the Collection row itself when the job's context_json does not already
// carry a location.
func (h *JobHandler) withCollectionContext(ctx context.Context, job *db.Job, contextJSON map[string]any) map[string]any {
	if job.TargetEntityType != "collection" {
		return contextJSON
	}
	if _, ok := contextJSON["location"]; ok {
		return contextJSON
	}
	col, err := h.collections.GetByID(ctx, job.TargetEntityID)
	if err != nil {
		h.logger.Warn("collection lookup for claim context failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return contextJSON
	}
	if contextJSON == nil {
		contextJSON = map[string]any{}
	}
	contextJSON["location"] = col.Location
	contextJSON["storage_type"] = col.Type
	if col.ConnectorID != nil {
		contextJSON["connector_guid"] = guid.Encode(guid.Connector, *col.ConnectorID)
		if creds := h.serverHeldCredentials(ctx, *col.ConnectorID); creds != nil {
			contextJSON["credentials"] = creds
		}
	}
	return contextJSON
}

// serverHeldCredentials decrypts a connector's server-held credentials for
// delivery inside the claim response. Returns nil for connectors whose
// credentials live on an agent (or nowhere yet) — those are resolved from
// the claiming agent's local vault instead.
func (h *JobHandler) serverHeldCredentials(ctx context.Context, connectorID uuid.UUID) map[string]any {
	con, err := h.connectors.GetByID(ctx, connectorID)
	if err != nil {
		h.logger.Warn("connector lookup for claim context failed",
			zap.String("connector_id", connectorID.String()), zap.Error(err))
		return nil
	}
	if con.CredentialLocation != "server" || con.ServerCredentials == "" {
		return nil
	}
	var creds map[string]any
	if err := json.Unmarshal([]byte(con.ServerCredentials), &creds); err != nil {
		h.logger.Error("server-held credentials are not valid JSON",
			zap.String("connector_id", connectorID.String()), zap.Error(err))
		return nil
	}
	return creds
}

// Progress handles POST /jobs/{guid}/progress.
func (h *JobHandler) Progress(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	job, ok := h.loadOwnedJob(w, r, agent)
	if !ok {
		return
	}

	var req apitypes.ProgressRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	currentFile := ""
	if req.CurrentFile != nil {
		currentFile = *req.CurrentFile
	}
	message := ""
	if req.Message != nil {
		message = *req.Message
	}

	if err := h.jobs.UpdateProgress(r.Context(), job.ID, req.Stage, req.Percentage, req.FilesScanned, req.TotalFiles, currentFile, message); err != nil {
		h.logger.Error("update progress failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	jobGUID := guid.Encode(guid.Job, job.ID)
	h.hub.Publish("job:"+jobGUID, websocket.Message{
		Type:    websocket.MsgJobProgress,
		Topic:   "job:" + jobGUID,
		Payload: req,
	})

	Ok(w, map[string]any{"ok": true})
}

// Complete handles POST /jobs/{guid}/complete: verifies the HMAC
// signature over the reported payload, creates the AnalysisResult (or a
// no_change_copy pointer when input_state_hash matches a prior result for
// the same target+tool), and marks the job completed.
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	job, ok := h.loadOwnedJob(w, r, agent)
	if !ok {
		return
	}

	var req apitypes.CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !h.verifySignature(w, job, completeSignedPayload(req)) {
		return
	}

	result := &db.AnalysisResult{
		TeamID:           agent.TeamID,
		JobID:            job.ID,
		Tool:             job.Tool,
		Status:           "completed",
		TargetEntityType: job.TargetEntityType,
		TargetEntityID:   job.TargetEntityID,
		TargetEntityGUID: job.TargetEntityGUID,
		TargetEntityName: job.TargetEntityName,
		ContextJSON:      job.ContextJSON,
		FilesScanned:     req.FilesScanned,
		IssuesFound:      req.IssuesFound,
		InputStateHash:   req.InputStateHash,
	}

	if req.InputStateHash != "" {
		if prior, err := h.results.FindByInputStateHash(r.Context(), agent.TeamID, job.TargetEntityID, job.Tool, req.InputStateHash); err == nil {
			result.NoChangeCopy = true
			result.DownloadReportFrom = &prior.ID
		} else if !errors.Is(err, repositories.ErrNotFound) {
			h.logger.Error("find by input state hash failed", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	if !result.NoChangeCopy {
		if req.Results != nil {
			raw, err := json.Marshal(req.Results)
			if err != nil {
				ErrBadRequest(w, "invalid results payload")
				return
			}
			result.ResultsJSON = string(raw)
		}
		if req.ReportHTML != nil {
			result.ReportHTML = *req.ReportHTML
		}
	}

	if err := h.results.Create(r.Context(), result); err != nil {
		h.logger.Error("create result failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.jobs.Complete(r.Context(), job.ID); err != nil {
		h.logger.Error("mark job complete failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.publishJobStatus(guid.Encode(guid.Job, job.ID), "completed")

	Ok(w, apitypes.CompleteResponse{ResultGUID: guid.Encode(guid.Result, result.ID)})
}

// Fail handles POST /jobs/{guid}/fail.
func (h *JobHandler) Fail(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	job, ok := h.loadOwnedJob(w, r, agent)
	if !ok {
		return
	}

	var req apitypes.FailRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !h.verifySignature(w, job, map[string]any{"error_message": req.ErrorMessage, "signature": req.Signature}) {
		return
	}

	// A cooperative cancel is reported through this endpoint with a signed
	// "cancelled" message; it terminates the job as cancelled, not failed.
	if req.ErrorMessage == "cancelled" {
		if err := h.jobs.Cancel(r.Context(), job.ID); err != nil {
			h.logger.Error("mark job cancelled failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			ErrInternal(w)
			return
		}
		h.publishJobStatus(guid.Encode(guid.Job, job.ID), "cancelled")
		Ok(w, map[string]any{"ok": true})
		return
	}

	retryExhausted := job.RetryCount+1 >= job.MaxRetries
	if err := h.jobs.Fail(r.Context(), job.ID, req.ErrorMessage, retryExhausted); err != nil {
		h.logger.Error("mark job failed failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.publishJobStatus(guid.Encode(guid.Job, job.ID), "failed")
	Ok(w, map[string]any{"ok": true})
}

// loadOwnedJob resolves {guid} and checks it belongs to the requesting
// agent, writing the appropriate error response and returning ok=false on
// any failure.
func (h *JobHandler) loadOwnedJob(w http.ResponseWriter, r *http.Request, agent *db.Agent) (*db.Job, bool) {
	_, id, err := guid.Parse(chiParam(r, "guid"), guid.Job)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return nil, false
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		ErrInternal(w)
		return nil, false
	}
	if job.AgentID == nil || *job.AgentID != agent.ID {
		ErrForbidden(w, "job not claimed by this agent")
		return nil, false
	}
	return job, true
}

// verifySignature checks payload's HMAC against the job's signing_secret,
// writing a 400 and returning false on mismatch.
func (h *JobHandler) verifySignature(w http.ResponseWriter, job *db.Job, payload map[string]any) bool {
	secret, err := hex.DecodeString(job.SigningSecret)
	if err != nil {
		h.logger.Error("malformed signing secret", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return false
	}
	sig, _ := payload["signature"].(string)
	delete(payload, "signature")
	ok, err := signing.Verify(secret, payload, sig)
	if err != nil {
		ErrBadRequest(w, "malformed signature")
		return false
	}
	if !ok {
		ErrBadRequest(w, "signature verification failed")
		return false
	}
	return true
}

// completeSignedPayload reconstructs the map the complete call's
// signature is verified against; field set mirrors the request, including
// the signature, which verifySignature strips before verifying.
func completeSignedPayload(req apitypes.CompleteRequest) map[string]any {
	payload := map[string]any{
		"results":       req.Results,
		"files_scanned": req.FilesScanned,
		"issues_found":  req.IssuesFound,
		"signature":     req.Signature,
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
