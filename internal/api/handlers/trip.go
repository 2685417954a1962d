package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
)

// ListDeviceTrips 设备行程，?source=vendor|derived 过滤来源
func (h *Handler) ListDeviceTrips(c *gin.Context) {
	id, ok := parseID(c, "device")
	if !ok {
		return
	}

	source := models.TripSource(c.Query("source"))
	switch source {
	case "", models.TripSourceVendor, models.TripSourceDerived:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be vendor or derived"})
		return
	}

	from, to, ok := h.parseRange(c, 30*24*time.Hour)
	if !ok {
		return
	}

	trips, err := h.deps.Trips.List(c.Request.Context(), repository.TripFilter{
		DeviceID: id,
		Source:   source,
		From:     from,
		To:       to,
		Limit:    parseLimit(c, 100),
	})
	if err != nil {
		h.respondError(c, err, "trips")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": trips})
}

// GetTrip 获取行程详情
func (h *Handler) GetTrip(c *gin.Context) {
	id, ok := parseID(c, "trip")
	if !ok {
		return
	}

	trip, err := h.deps.Trips.GetByID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "trip")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": trip})
}

// ListReviewFlags 待复核的疑似重复行程
func (h *Handler) ListReviewFlags(c *gin.Context) {
	resolved, _ := strconv.ParseBool(c.DefaultQuery("resolved", "false"))
	flags, err := h.deps.Trips.ListReviewFlags(c.Request.Context(), resolved, parseLimit(c, 100))
	if err != nil {
		h.respondError(c, err, "review flags")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": flags})
}

// ResolveReviewFlag 标记复核完成
func (h *Handler) ResolveReviewFlag(c *gin.Context) {
	id, ok := parseID(c, "review flag")
	if !ok {
		return
	}

	if err := h.deps.Trips.ResolveReviewFlag(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "review flag")
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolved": true})
}
