package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ListDeviceEvents 设备事件
func (h *Handler) ListDeviceEvents(c *gin.Context) {
	id, ok := parseID(c, "device")
	if !ok {
		return
	}
	from, to, ok := h.parseRange(c, 24*time.Hour)
	if !ok {
		return
	}

	events, err := h.deps.Events.ListByDevice(c.Request.Context(), id, from, to, parseLimit(c, 200))
	if err != nil {
		h.respondError(c, err, "events")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

// ListEvents ?since 之后写入的事件，供下游增量拉取
func (h *Handler) ListEvents(c *gin.Context) {
	since, ok := parseTime(c, "since", h.now().UTC().Add(-24*time.Hour))
	if !ok {
		return
	}

	events, err := h.deps.Events.ListSince(c.Request.Context(), since, parseLimit(c, 200))
	if err != nil {
		h.respondError(c, err, "events")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

// GetEvent 获取事件详情
func (h *Handler) GetEvent(c *gin.Context) {
	id, ok := parseID(c, "event")
	if !ok {
		return
	}

	event, err := h.deps.Events.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "event")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": event})
}

// MarkEventNotified 下游确认投递，只能确认一次
func (h *Handler) MarkEventNotified(c *gin.Context) {
	id, ok := parseID(c, "event")
	if !ok {
		return
	}

	updated, err := h.deps.Events.MarkNotified(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "event")
		return
	}
	if !updated {
		c.JSON(http.StatusConflict, gin.H{"error": "Event already notified"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notified": true})
}
