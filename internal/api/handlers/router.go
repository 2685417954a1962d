package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/pkg/ws"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		// 设备
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/nearby", h.NearbyDevices)
		api.GET("/devices/:id", h.GetDevice)
		api.GET("/devices/:id/position", h.GetDevicePosition)
		api.GET("/devices/:id/history", h.GetDeviceHistory)
		api.GET("/devices/:id/trips", h.ListDeviceTrips)
		api.GET("/devices/:id/events", h.ListDeviceEvents)
		api.GET("/positions", h.ListPositions)

		// 行程
		api.GET("/trips/review", h.ListReviewFlags)
		api.POST("/trips/review/:id/resolve", h.ResolveReviewFlag)
		api.GET("/trips/:id", h.GetTrip)

		// 事件
		api.GET("/events", h.ListEvents)
		api.GET("/events/:id", h.GetEvent)
		api.POST("/events/:id/notified", h.MarkEventNotified)

		// 任务
		api.GET("/jobs/runs", h.ListJobRuns)
		api.POST("/jobs/:name", h.TriggerJob)
	}

	r.GET("/ws", h.HandleWebSocket)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	if h.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Realtime updates disabled"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.deps.Hub, conn)
	if !client.Register() {
		conn.Close()
		return
	}

	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查，任一依赖不可用时返回 503
func (h *Handler) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.deps.Checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.deps.Hub != nil {
		body["ws_clients"] = h.deps.Hub.ClientCount()
	}
	c.JSON(status, body)
}
