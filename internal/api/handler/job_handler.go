package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/transcode-worker/internal/api/dto"
	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/worker"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListJobs handles GET /api/v1/jobs
// Lists the jobs currently holding an admission slot on this node
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs := make([]worker.JobStatus, 0, req.PageSize)
	hasMore := false
	for _, s := range h.worker.InFlight() {
		if !cursor.after(s) {
			continue
		}
		if len(jobs) == req.PageSize {
			hasMore = true
			break
		}
		jobs = append(jobs, s)
	}

	resp := dto.ListJobsResponse{Jobs: jobs}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&JobCursor{StartedAt: last.StartedAt, JobID: last.JobID})
	}
	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id, the id path-escaped
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	status, ok := h.worker.Job(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Job is not in flight on this node",
			"job_id": jobID,
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// ReplayJob handles POST /api/v1/jobs/replay
// Accepts a job request or a dead-letter entry and puts the request back on
// the primary queue with a fresh attempt counter
func (h *JobHandler) ReplayJob(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	req, err := domain.ParseJobRequest(body)
	if err != nil {
		h.logger.Warn("Rejected replay request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	if _, err := h.catalog.Lookup(req.Profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	req.JobID = req.Identity()

	// only the request fields are replayed, dead-letter details are dropped
	payload, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to encode job request",
		})
		return
	}

	if err := h.publisher.PublishRequest(c.Request.Context(), payload); err != nil {
		h.logger.Error("Failed to publish replayed job",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		status := http.StatusInternalServerError
		var retryable *domain.RetryableError
		if errors.As(err, &retryable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error": "Failed to publish job request",
		})
		return
	}

	h.logger.Info("Job replayed",
		slog.String("job_id", req.JobID),
		slog.String("profile", req.Profile),
	)
	c.JSON(http.StatusAccepted, dto.ReplayResponse{
		JobID:   req.JobID,
		VideoID: req.VideoID(),
		Profile: req.Profile,
		Status:  "queued",
	})
}
