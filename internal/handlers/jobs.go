package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "github.com/complyhq/compliance-backend/internal/pkg/errors"
	"github.com/complyhq/compliance-backend/internal/services"
)

type JobsHandler struct {
	jobs services.AnalysisJobService
}

func NewJobsHandler(jobs services.AnalysisJobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// GET /api/analysis/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/analysis/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	if err := h.jobs.CancelJob(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			RespondError(c, http.StatusNotFound, "job_not_found", err)
		case errors.Is(err, pkgerrors.ErrInvalidArgument):
			RespondError(c, http.StatusConflict, "job_not_cancellable", err)
		default:
			RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
		}
		return
	}
	RespondOK(c, gin.H{"cancelled": true})
}
