package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langchou/fleetgazer/internal/service"
)

// TriggerJob 异步触发任务，body 可选：{"full":true,"device_id":"...","from":"...","to":"..."}
func (h *Handler) TriggerJob(c *gin.Context) {
	if h.deps.Jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job triggers disabled"})
		return
	}

	var params service.JobParams
	if err := c.ShouldBindJSON(&params); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job parameters"})
		return
	}

	runID, err := h.deps.Jobs.Trigger(c.Param("name"), params)
	switch {
	case errors.Is(err, service.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown job"})
		return
	case errors.Is(err, service.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already running"})
		return
	case err != nil:
		h.respondError(c, err, "job")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "job": c.Param("name")})
}

// ListJobRuns 最近的任务运行记录，?job 过滤
func (h *Handler) ListJobRuns(c *gin.Context) {
	if h.deps.JobRuns == nil {
		c.JSON(http.StatusOK, gin.H{"data": []any{}})
		return
	}

	runs, err := h.deps.JobRuns.ListRecent(c.Request.Context(), c.Query("job"), parseLimit(c, 50))
	if err != nil {
		h.respondError(c, err, "job runs")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}
