package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/redlines"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	multipartFilesField  = "files"
	multipartMemoryBytes = 8 << 20
)

type fileResponse struct {
	ID             string    `json:"id"`
	Position       int       `json:"position"`
	StorageURL     string    `json:"storage_url"`
	FileName       string    `json:"file_name"`
	MimeType       string    `json:"mime_type"`
	SizeBytes      int64     `json:"size_bytes"`
	ChecksumSHA256 string    `json:"checksum_sha256,omitempty"`
	PageCount      *int      `json:"page_count,omitempty"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

type versionResponse struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	VersionNumber    int64             `json:"version_number"`
	UploadedByUserID string            `json:"uploaded_by_user_id"`
	UploadedByName   string            `json:"uploaded_by_name"`
	UploadedAt       time.Time         `json:"uploaded_at"`
	InternalNotes    *string           `json:"internal_notes,omitempty"`
	ClientNotes      *string           `json:"client_notes,omitempty"`
	ReviewStatus     string            `json:"review_status"`
	ReviewedAt       *time.Time        `json:"reviewed_at,omitempty"`
	ReviewedByUserID *string           `json:"reviewed_by_user_id,omitempty"`
	ReviewedByName   *string           `json:"reviewed_by_name,omitempty"`
	ReviewerNotes    *string           `json:"reviewer_notes,omitempty"`
	Files            []fileResponse    `json:"files"`
	AllowedActions   []redlines.Action `json:"allowed_actions"`
}

// newVersionResponse renders a version for the viewer, removing what the role may not read.
func newVersionResponse(version redlines.Version, viewer roles.Role) versionResponse {
	visible := version.VisibleTo(viewer)
	files := make([]fileResponse, 0, len(visible.Files))
	for _, file := range visible.Files {
		files = append(files, fileResponse{
			ID:             file.ID,
			Position:       file.Position,
			StorageURL:     file.StorageURL,
			FileName:       file.FileName,
			MimeType:       file.MimeType,
			SizeBytes:      file.SizeBytes,
			ChecksumSHA256: file.ChecksumSHA256,
			PageCount:      file.PageCount,
			UploadedAt:     file.UploadedAt,
		})
	}
	return versionResponse{
		ID:               visible.ID,
		JobID:            visible.JobID,
		VersionNumber:    visible.VersionNumber,
		UploadedByUserID: visible.UploadedByUserID,
		UploadedByName:   visible.UploadedByName,
		UploadedAt:       visible.UploadedAt,
		InternalNotes:    visible.InternalNotes,
		ClientNotes:      visible.ClientNotes,
		ReviewStatus:     string(visible.ReviewStatus),
		ReviewedAt:       visible.ReviewedAt,
		ReviewedByUserID: visible.ReviewedByUserID,
		ReviewedByName:   visible.ReviewedByName,
		ReviewerNotes:    visible.ReviewerNotes,
		Files:            files,
		AllowedActions:   redlines.AllowedActions(viewer, visible.ReviewStatus),
	}
}

type jobRedlinesResponse struct {
	JobID         string            `json:"job_id"`
	RedlineStatus string            `json:"redline_status"`
	SRNumber      *string           `json:"sr_number"`
	Versions      []versionResponse `json:"versions"`
}

type auditResponse struct {
	ID          string                 `json:"id"`
	VersionID   string                 `json:"version_id"`
	JobID       string                 `json:"job_id"`
	ActorUserID string                 `json:"actor_user_id"`
	ActorName   string                 `json:"actor_name"`
	ActorRole   string                 `json:"actor_role"`
	Action      string                 `json:"action"`
	FromStatus  string                 `json:"from_status,omitempty"`
	ToStatus    string                 `json:"to_status"`
	SRNumber    *string                `json:"sr_number,omitempty"`
	Notes       *string                `json:"notes,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

func newAuditResponses(records []redlines.ReviewAudit) []auditResponse {
	response := make([]auditResponse, 0, len(records))
	for _, record := range records {
		response = append(response, auditResponse{
			ID:          record.ID,
			VersionID:   record.VersionID,
			JobID:       record.JobID,
			ActorUserID: record.ActorUserID,
			ActorName:   record.ActorName,
			ActorRole:   record.ActorRole,
			Action:      string(record.Action),
			FromStatus:  record.FromStatus,
			ToStatus:    string(record.ToStatus),
			SRNumber:    record.SRNumber,
			Notes:       record.Notes,
			Metadata:    record.Metadata,
			CreatedAt:   record.CreatedAt,
		})
	}
	return response
}

func (h *httpHandler) handleListJobRedlines(c *gin.Context) {
	jobID, ok := parseJobID(c, "redlines.list")
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	versions, err := h.redlines.ListJobRedlines(c.Request.Context(), jobID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	redlineStatus, err := h.redlines.JobRedlineStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	viewer := actorFrom(c).Role
	response := jobRedlinesResponse{
		JobID:         job.ID,
		RedlineStatus: string(redlineStatus),
		SRNumber:      job.SRNumber,
		Versions:      make([]versionResponse, 0, len(versions)),
	}
	for _, version := range versions {
		response.Versions = append(response.Versions, newVersionResponse(version, viewer))
	}
	respondOK(c, http.StatusOK, response)
}

type fileDescriptorPayload struct {
	StorageURL     string `json:"storage_url"`
	FileName       string `json:"file_name"`
	MimeType       string `json:"mime_type"`
	SizeBytes      int64  `json:"size_bytes"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	PageCount      *int   `json:"page_count"`
}

type uploadRedlinePayload struct {
	Files         []fileDescriptorPayload `json:"files"`
	InternalNotes string                  `json:"internal_notes"`
	ClientNotes   string                  `json:"client_notes"`
}

// handleUploadRedline registers a version whose files were already stored by the client.
func (h *httpHandler) handleUploadRedline(c *gin.Context) {
	jobID, ok := parseJobID(c, "redlines.upload")
	if !ok {
		return
	}
	var payload uploadRedlinePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "redlines.upload.invalid_request", "invalid request body")
		return
	}
	files := make([]redlines.FileInput, 0, len(payload.Files))
	for _, file := range payload.Files {
		files = append(files, redlines.FileInput{
			StorageURL:     file.StorageURL,
			FileName:       file.FileName,
			MimeType:       file.MimeType,
			SizeBytes:      file.SizeBytes,
			ChecksumSHA256: file.ChecksumSHA256,
			PageCount:      file.PageCount,
		})
	}
	h.uploadVersion(c, redlines.UploadVersionRequest{
		JobID:         jobID,
		Files:         files,
		InternalNotes: payload.InternalNotes,
		ClientNotes:   payload.ClientNotes,
	})
}

// handleUploadRedlineFiles stores multipart documents in the blob store and registers them as a new version.
func (h *httpHandler) handleUploadRedlineFiles(c *gin.Context) {
	jobID, ok := parseJobID(c, "redlines.upload")
	if !ok {
		return
	}
	actor := actorFrom(c)
	if !roles.CanUpload(actor.Role) {
		respondError(c, http.StatusForbidden, "redlines.upload.forbidden", "role may not upload redlines")
		return
	}
	if _, err := h.jobs.GetJob(c.Request.Context(), jobID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	if err := c.Request.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "redlines.upload.too_large", "upload exceeds the size limit")
			return
		}
		respondError(c, http.StatusBadRequest, "redlines.upload.invalid_form", "invalid multipart form")
		return
	}
	form := c.Request.MultipartForm
	defer form.RemoveAll()

	headers := form.File[multipartFilesField]
	if len(headers) == 0 {
		respondError(c, http.StatusBadRequest, "redlines.upload.missing_files", "at least one file is required")
		return
	}
	for _, header := range headers {
		if header.Size <= 0 {
			respondError(c, http.StatusBadRequest, "redlines.upload.empty_file", "file "+header.Filename+" is empty")
			return
		}
	}
	uploads := make([]storage.Upload, 0, len(headers))
	for _, header := range headers {
		uploads = append(uploads, storage.Upload{
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Open: func() (io.ReadSeekCloser, error) {
				return header.Open()
			},
		})
	}

	stored, err := storage.StoreAll(c.Request.Context(), h.blobs, jobID.String(), uploads)
	if err != nil {
		if errors.Is(err, storage.ErrUnreadableDocument) {
			respondError(c, http.StatusBadRequest, "redlines.upload.unreadable_document", err.Error())
			return
		}
		h.logger.Error("redline file storage failed", zap.String("job_id", jobID.String()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "redlines.upload.storage_failed", http.StatusText(http.StatusInternalServerError))
		return
	}

	files := make([]redlines.FileInput, 0, len(stored))
	keys := make([]string, 0, len(stored))
	for _, file := range stored {
		files = append(files, redlines.FileInput{
			StorageURL:     file.URL,
			FileName:       file.FileName,
			MimeType:       file.ContentType,
			SizeBytes:      file.Size,
			ChecksumSHA256: file.ChecksumSHA256,
			PageCount:      file.PageCount,
		})
		keys = append(keys, file.Key)
	}
	if !h.uploadVersion(c, redlines.UploadVersionRequest{
		JobID:         jobID,
		Files:         files,
		InternalNotes: c.Request.FormValue("internal_notes"),
		ClientNotes:   c.Request.FormValue("client_notes"),
	}) {
		h.logger.Warn("stored redline files left without a version",
			zap.String("job_id", jobID.String()),
			zap.Strings("object_keys", keys))
	}
}

func (h *httpHandler) uploadVersion(c *gin.Context, request redlines.UploadVersionRequest) bool {
	actor := actorFrom(c)
	request.Actor = actor
	request.Metadata = requestMetadata(c)
	version, err := h.redlines.UploadVersion(c.Request.Context(), request)
	if err != nil {
		h.respondServiceError(c, err)
		return false
	}
	respondOK(c, http.StatusCreated, newVersionResponse(version, actor.Role))
	return true
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	versionID, ok := parseVersionID(c, "redlines.get")
	if !ok {
		return
	}
	version, err := h.redlines.GetVersion(c.Request.Context(), versionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newVersionResponse(version, actorFrom(c).Role))
}

func (h *httpHandler) handleSubmitForReview(c *gin.Context) {
	versionID, ok := parseVersionID(c, "redlines.submit_for_review")
	if !ok {
		return
	}
	actor := actorFrom(c)
	version, err := h.redlines.SubmitForReview(c.Request.Context(), redlines.ReviewRequest{
		VersionID: versionID,
		Actor:     actor,
		Metadata:  requestMetadata(c),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newVersionResponse(version, actor.Role))
}

type approvePayload struct {
	SRNumber string `json:"sr_number"`
}

func (h *httpHandler) handleApprove(c *gin.Context) {
	versionID, ok := parseVersionID(c, "redlines.approve")
	if !ok {
		return
	}
	var payload approvePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "redlines.approve.invalid_request", "invalid request body")
		return
	}
	actor := actorFrom(c)
	version, err := h.redlines.ApproveRedline(c.Request.Context(), redlines.ApproveRequest{
		ReviewRequest: redlines.ReviewRequest{VersionID: versionID, Actor: actor, Metadata: requestMetadata(c)},
		SRNumber:      payload.SRNumber,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newVersionResponse(version, actor.Role))
}

type rejectPayload struct {
	Notes string `json:"notes"`
}

func (h *httpHandler) handleReject(c *gin.Context) {
	versionID, ok := parseVersionID(c, "redlines.reject")
	if !ok {
		return
	}
	var payload rejectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "redlines.reject.invalid_request", "invalid request body")
		return
	}
	actor := actorFrom(c)
	version, err := h.redlines.RejectRedline(c.Request.Context(), redlines.RejectRequest{
		ReviewRequest: redlines.ReviewRequest{VersionID: versionID, Actor: actor, Metadata: requestMetadata(c)},
		Notes:         payload.Notes,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newVersionResponse(version, actor.Role))
}

func (h *httpHandler) handleVersionAudit(c *gin.Context) {
	versionID, ok := parseVersionID(c, "redlines.audit")
	if !ok {
		return
	}
	records, err := h.redlines.ListReviewAudit(c.Request.Context(), versionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newAuditResponses(records))
}

func (h *httpHandler) handleJobAudit(c *gin.Context) {
	jobID, ok := parseJobID(c, "redlines.audit")
	if !ok {
		return
	}
	records, err := h.redlines.ListJobAudit(c.Request.Context(), jobID, auditFilterFrom(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newAuditResponses(records))
}

// handleActorAudit lists what one user did across jobs. Restricted to job managers.
func (h *httpHandler) handleActorAudit(c *gin.Context) {
	if !roles.CanManageJobs(actorFrom(c).Role) {
		respondError(c, http.StatusForbidden, "redlines.audit.forbidden", "role may not read another user's audit trail")
		return
	}
	records, err := h.redlines.ListAuditByActor(c.Request.Context(), c.Param("userID"), auditFilterFrom(c))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newAuditResponses(records))
}

func auditFilterFrom(c *gin.Context) redlines.AuditFilter {
	return redlines.AuditFilter{Action: redlines.Action(c.Query("action"))}
}

func parseVersionID(c *gin.Context, operation string) (redlines.VersionID, bool) {
	versionID, err := redlines.NewVersionID(c.Param("versionID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, operation+".invalid_version_id", err.Error())
		return "", false
	}
	return versionID, true
}
