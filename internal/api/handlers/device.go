package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/models"
)

// ListDevices 获取设备列表，?all=true 时包含已下线设备
func (h *Handler) ListDevices(c *gin.Context) {
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	devices, err := h.deps.Devices.List(c.Request.Context(), !all)
	if err != nil {
		h.respondError(c, err, "devices")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": devices})
}

// GetDevice 获取设备详情
func (h *Handler) GetDevice(c *gin.Context) {
	id, ok := parseID(c, "device")
	if !ok {
		return
	}

	device, err := h.deps.Devices.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "device")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": device})
}

// GetDevicePosition 获取设备当前状态
func (h *Handler) GetDevicePosition(c *gin.Context) {
	id, ok := parseID(c, "device")
	if !ok {
		return
	}

	cp, err := h.deps.Positions.GetCurrent(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "position")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cp})
}

// ListPositions 全部设备的当前状态
func (h *Handler) ListPositions(c *gin.Context) {
	list, err := h.deps.Positions.ListCurrent(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "positions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": list})
}

// GetDeviceHistory 历史轨迹，时间范围不得超过 7 天
func (h *Handler) GetDeviceHistory(c *gin.Context) {
	id, ok := parseID(c, "device")
	if !ok {
		return
	}
	from, to, ok := h.parseRange(c, 24*time.Hour)
	if !ok {
		return
	}
	if to.Sub(from) > maxHistorySpan {
		c.JSON(http.StatusBadRequest, gin.H{"error": "History range must not exceed 7 days"})
		return
	}

	points, err := h.deps.Positions.History(c.Request.Context(), id, from, to, parseLimit(c, 1000))
	if err != nil {
		h.respondError(c, err, "history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": points,
		"range": gin.H{
			"from": from,
			"to":   to,
		},
	})
}

// NearbyDevices 半径内的设备，依赖 Redis 地理索引
func (h *Handler) NearbyDevices(c *gin.Context) {
	if h.deps.Geo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Geo index requires Redis"})
		return
	}

	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil || !models.ValidCoordinate(lat, lng) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid lat/lng"})
		return
	}
	radius, err := strconv.ParseFloat(c.DefaultQuery("radius_km", "5"), 64)
	if err != nil || radius <= 0 || radius > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "radius_km must be within (0, 500]"})
		return
	}

	nearby, err := h.deps.Geo.Nearby(c.Request.Context(), lat, lng, radius, parseLimit(c, 50))
	if err != nil {
		h.logger.Error("Failed to search nearby devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search nearby devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": nearby})
}
