package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "github.com/complyhq/compliance-backend/internal/pkg/errors"
	"github.com/complyhq/compliance-backend/internal/services"
)

type AnalysisHandler struct {
	jobs    services.AnalysisJobService
	autoMap services.AutoMapService
	gaps    services.GapAnalysisService
}

func NewAnalysisHandler(jobs services.AnalysisJobService, autoMap services.AutoMapService, gaps services.GapAnalysisService) *AnalysisHandler {
	return &AnalysisHandler{jobs: jobs, autoMap: autoMap, gaps: gaps}
}

func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrNoUsableText), errors.Is(err, pkgerrors.ErrInvalidArgument):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// POST /api/analysis/mappings/:id/ai-match
func (h *AnalysisHandler) DispatchSingleMatch(c *gin.Context) {
	mappingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_mapping_id", err)
		return
	}
	job, err := h.jobs.DispatchSingleMatch(c.Request.Context(), mappingID)
	if err != nil {
		RespondError(c, dispatchStatus(err), "dispatch_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// POST /api/analysis/controls/:id/ai-combined
func (h *AnalysisHandler) DispatchCombinedCoverage(c *gin.Context) {
	controlID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_control_id", err)
		return
	}
	job, err := h.jobs.DispatchCombinedCoverage(c.Request.Context(), controlID)
	if err != nil {
		RespondError(c, dispatchStatus(err), "dispatch_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// POST /api/analysis/documents/:id/ai-map-all
func (h *AnalysisHandler) DispatchBulkMap(c *gin.Context) {
	documentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	job, err := h.jobs.DispatchBulkMap(c.Request.Context(), documentID)
	if err != nil {
		RespondError(c, dispatchStatus(err), "dispatch_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

type autoMapRequest struct {
	SourceID *uuid.UUID `json:"source_id"`
	DryRun   bool       `json:"dry_run"`
}

// POST /api/analysis/auto-map
func (h *AnalysisHandler) RunAutoMap(c *gin.Context) {
	var req autoMapRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	result, err := h.autoMap.Run(c.Request.Context(), req.SourceID, req.DryRun)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "auto_map_failed", err)
		return
	}
	RespondOK(c, result)
}

// POST /api/analysis/gap-refresh
func (h *AnalysisHandler) RefreshGapAnalysis(c *gin.Context) {
	report, err := h.gaps.Refresh(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "gap_refresh_failed", err)
		return
	}
	RespondOK(c, report)
}
