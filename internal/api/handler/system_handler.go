package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/api/dto"
	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	node := h.worker.Node()
	resp := gin.H{
		"status":         "healthy",
		"service":        h.service,
		"version":        h.version,
		"node_id":        node.ID,
		"uptime":         time.Since(h.startedAt).Round(time.Second).String(),
		"in_flight":      node.InFlight,
		"max_concurrent": node.MaxConcurrent,
		"draining":       node.Draining,
	}
	if node.HardwareDevice != "" {
		resp["hardware_device"] = node.HardwareDevice
	}

	system := gin.H{}
	if avg, err := load.AvgWithContext(c.Request.Context()); err == nil {
		system["load1"] = avg.Load1
		system["load5"] = avg.Load5
		system["load15"] = avg.Load15
	} else {
		h.logger.Debug("Failed to read load average", slog.Any("error", err))
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		system["memory_used_percent"] = vm.UsedPercent
		system["memory_available_bytes"] = vm.Available
	} else {
		h.logger.Debug("Failed to read memory stats", slog.Any("error", err))
	}
	resp["system"] = system

	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Metadata database health check failed", slog.Any("error", err))
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
		} else {
			resp["database"] = "ok"
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Ready handles GET /ready; 503 while draining or disconnected from the queue
func (h *SystemHandler) Ready(c *gin.Context) {
	if !h.worker.Ready() {
		reason := "queue disconnected"
		if h.worker.Draining() {
			reason = "draining"
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": reason,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ListProfiles handles GET /api/v1/profiles
func (h *SystemHandler) ListProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, dto.ListProfilesResponse{Profiles: h.catalog.All()})
}

// ListNodes handles GET /api/v1/nodes
func (h *SystemHandler) ListNodes(c *gin.Context) {
	nodes, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list nodes", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to list nodes",
		})
		return
	}
	c.JSON(http.StatusOK, dto.ListNodesResponse{Nodes: nodes})
}

// GetVideo handles GET /api/v1/videos/:video_id
func (h *SystemHandler) GetVideo(c *gin.Context) {
	if h.records == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Video records are not readable on this node",
		})
		return
	}

	videoID := c.Param("video_id")
	rec, err := h.records.Get(c.Request.Context(), videoID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":    "Video record not found",
				"video_id": videoID,
			})
			return
		}
		h.logger.Error("Failed to get video record",
			slog.String("video_id", videoID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get video record",
		})
		return
	}

	c.JSON(http.StatusOK, dto.VideoDTO{
		VideoID:       rec.ID,
		Status:        rec.Status,
		TranscodedURL: rec.TranscodedURL,
		ThumbnailURL:  rec.ThumbnailURL,
		Error:         rec.Error,
	})
}
