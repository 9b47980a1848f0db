package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/repositories"
	"github.com/fabrice-guiot/shuttersense/internal/server/uploadsessions"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
	"github.com/fabrice-guiot/shuttersense/internal/shared/guid"
)

// maxChunkBody bounds a single PUT body.
const maxChunkBody = uploadsessions.MaxChunkSize

// UploadHandler groups the chunked upload protocol: initiate, chunk
// PUTs, finalize, and cancel.
type UploadHandler struct {
	sessions     *uploadsessions.Service
	sessionsRepo repositories.UploadSessionRepository
	results      repositories.ResultRepository
	logger       *zap.Logger
}

func NewUploadHandler(
	sessions *uploadsessions.Service,
	sessionsRepo repositories.UploadSessionRepository,
	results repositories.ResultRepository,
	logger *zap.Logger,
) *UploadHandler {
	return &UploadHandler{sessions: sessions, sessionsRepo: sessionsRepo, results: results, logger: logger.Named("upload_handler")}
}

// Initiate handles POST /jobs/{guid}/uploads/initiate.
func (h *UploadHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	_, jobID, err := guid.Parse(chiParam(r, "guid"), guid.Job)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	var req apitypes.InitiateUploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.sessions.Initiate(r.Context(), jobID, agent.ID, req.UploadType, req.ExpectedSize, req.ChunkSize)
	if err != nil {
		switch {
		case errors.Is(err, uploadsessions.ErrNotAssigned):
			ErrForbidden(w, "job not assigned to this agent")
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		default:
			h.logger.Error("initiate upload failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Created(w, apitypes.InitiateUploadResponse{
		UploadID:    session.ID.String(),
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
	})
}

// PutChunk handles PUT /uploads/{id}/{index}: the body is the raw chunk
// bytes, not JSON.
func (h *UploadHandler) PutChunk(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	uploadID, err := uuid.Parse(chiParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid upload id")
		return
	}
	index, err := strconv.Atoi(chiParam(r, "index"))
	if err != nil || index < 0 {
		ErrBadRequest(w, "invalid chunk index")
		return
	}

	session, err := h.sessionsRepo.GetByID(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if session.AgentID != agent.ID {
		ErrForbidden(w, "upload not owned by this agent")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxChunkBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		ErrBadRequest(w, "chunk body too large or unreadable")
		return
	}

	err = h.sessions.ReceiveChunk(r.Context(), uploadID, index, data)
	switch {
	case err == nil:
		Ok(w, apitypes.ChunkResponse{Received: true})
	case errors.Is(err, uploadsessions.ErrAlreadyReceived):
		// Already have this chunk; the client treats it as success.
		Ok(w, apitypes.ChunkResponse{Received: false})
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	default:
		h.logger.Error("receive chunk failed", zap.String("upload_id", uploadID.String()), zap.Error(err))
		ErrInternal(w)
	}
}

// Finalize handles POST /uploads/{id}/finalize. The blob is attached to
// the AnalysisResult that the complete call already created for the session's
// job — resolved here via the job, not carried on the wire.
func (h *UploadHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}

	uploadID, err := uuid.Parse(chiParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid upload id")
		return
	}

	var req apitypes.FinalizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.sessionsRepo.GetByID(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if session.AgentID != agent.ID {
		ErrForbidden(w, "upload not owned by this agent")
		return
	}

	result, err := h.results.GetByJobID(r.Context(), session.JobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnprocessable(w, "complete the job before finalizing its upload")
			return
		}
		ErrInternal(w)
		return
	}

	if err := h.sessions.Finalize(r.Context(), uploadID, req.Checksum, result.ID); err != nil {
		switch {
		case errors.Is(err, uploadsessions.ErrIncomplete):
			ErrUnprocessable(w, "not all chunks received")
		case errors.Is(err, uploadsessions.ErrChecksumMismatch):
			ErrBadRequest(w, "checksum mismatch")
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		default:
			h.logger.Error("finalize upload failed", zap.String("upload_id", uploadID.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, apitypes.FinalizeResponse{Success: true})
}

// Cancel handles DELETE /uploads/{id}.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	if agent == nil {
		ErrUnauthorized(w)
		return
	}
	uploadID, err := uuid.Parse(chiParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid upload id")
		return
	}

	session, err := h.sessionsRepo.GetByID(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if session.AgentID != agent.ID {
		ErrForbidden(w, "upload not owned by this agent")
		return
	}

	h.sessions.Cancel(r.Context(), uploadID)
	NoContent(w)
}
