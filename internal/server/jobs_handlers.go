package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"github.com/gin-gonic/gin"
)

type jobResponse struct {
	ID                       string    `json:"id"`
	JobCode                  string    `json:"job_code"`
	Title                    string    `json:"title"`
	ClientName               string    `json:"client_name"`
	AssignedToUserID         string    `json:"assigned_to_user_id"`
	Status                   string    `json:"status"`
	RedlineStatus            string    `json:"redline_status"`
	SRNumber                 *string   `json:"sr_number"`
	LastRedlineVersionNumber int64     `json:"last_redline_version_number"`
	StatusChangedAt          time.Time `json:"status_changed_at"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

func newJobResponse(job jobs.Job) jobResponse {
	return jobResponse{
		ID:                       job.ID,
		JobCode:                  job.JobCode,
		Title:                    job.Title,
		ClientName:               job.ClientName,
		AssignedToUserID:         job.AssignedToUserID,
		Status:                   string(job.Status),
		RedlineStatus:            string(job.RedlineStatus),
		SRNumber:                 job.SRNumber,
		LastRedlineVersionNumber: job.LastRedlineVersionNumber,
		StatusChangedAt:          job.StatusChangedAt,
		CreatedAt:                job.CreatedAt,
		UpdatedAt:                job.UpdatedAt,
	}
}

type createJobPayload struct {
	Title            string `json:"title"`
	ClientName       string `json:"client_name"`
	AssignedToUserID string `json:"assigned_to_user_id"`
}

func (h *httpHandler) handleCreateJob(c *gin.Context) {
	var payload createJobPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "jobs.create.invalid_request", "invalid request body")
		return
	}
	job, err := h.jobs.CreateJob(c.Request.Context(), jobs.CreateJobRequest{
		Title:            payload.Title,
		ClientName:       payload.ClientName,
		AssignedToUserID: payload.AssignedToUserID,
		Actor:            actorFrom(c),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, newJobResponse(job))
}

func (h *httpHandler) handleListJobs(c *gin.Context) {
	var filter jobs.ListFilter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := jobs.ParseStatus(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "jobs.list.invalid_filter", err.Error())
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(c.Query("redline_status")); raw != "" {
		redlineStatus, err := jobs.ParseRedlineStatus(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "jobs.list.invalid_filter", err.Error())
			return
		}
		filter.RedlineStatus = redlineStatus
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(c, http.StatusBadRequest, "jobs.list.invalid_filter", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	found, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := make([]jobResponse, 0, len(found))
	for _, job := range found {
		response = append(response, newJobResponse(job))
	}
	respondOK(c, http.StatusOK, response)
}

// handleGetJob reports the stored job with its redline status recomputed from the newest version.
func (h *httpHandler) handleGetJob(c *gin.Context) {
	jobID, ok := parseJobID(c, "jobs.get")
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	redlineStatus, err := h.redlines.JobRedlineStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := newJobResponse(job)
	response.RedlineStatus = string(redlineStatus)
	respondOK(c, http.StatusOK, response)
}

type updateJobStatusPayload struct {
	Status         string `json:"status"`
	AssigneeUserID string `json:"assignee_user_id"`
}

func (h *httpHandler) handleUpdateJobStatus(c *gin.Context) {
	jobID, ok := parseJobID(c, "jobs.update_status")
	if !ok {
		return
	}
	var payload updateJobStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "jobs.update_status.invalid_request", "invalid request body")
		return
	}
	status, err := jobs.ParseStatus(payload.Status)
	if err != nil {
		respondError(c, http.StatusBadRequest, "jobs.update_status.invalid_status", err.Error())
		return
	}
	job, err := h.jobs.UpdateStatus(c.Request.Context(), jobs.UpdateStatusRequest{
		JobID:          jobID,
		Status:         status,
		AssigneeUserID: payload.AssigneeUserID,
		Actor:          actorFrom(c),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	respondOK(c, http.StatusOK, newJobResponse(job))
}

func parseJobID(c *gin.Context, operation string) (jobs.JobID, bool) {
	jobID, err := jobs.NewJobID(c.Param("jobID"))
	if err != nil {
		respondError(c, http.StatusBadRequest, operation+".invalid_job_id", err.Error())
		return "", false
	}
	return jobID, true
}
