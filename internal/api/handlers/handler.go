package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/cache"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
	"github.com/langchou/fleetgazer/internal/service"
	"github.com/langchou/fleetgazer/pkg/ws"
)

const (
	maxHistorySpan = 7 * 24 * time.Hour
	maxLimit       = 5000
)

// DeviceReader 设备查询
type DeviceReader interface {
	List(ctx context.Context, activeOnly bool) ([]*models.Device, error)
	GetByID(ctx context.Context, id int64) (*models.Device, error)
}

// PositionReader 位置查询
type PositionReader interface {
	GetCurrent(ctx context.Context, deviceID int64) (*models.CurrentPosition, error)
	ListCurrent(ctx context.Context) ([]*models.CurrentPosition, error)
	History(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]*models.PositionReading, error)
}

// TripReader 行程查询与复核
type TripReader interface {
	GetByID(ctx context.Context, id int64) (*models.Trip, error)
	List(ctx context.Context, f repository.TripFilter) ([]*models.Trip, error)
	ListReviewFlags(ctx context.Context, includeResolved bool, limit int) ([]*models.TripReviewFlag, error)
	ResolveReviewFlag(ctx context.Context, id int64) error
}

// EventReader 事件查询与投递确认
type EventReader interface {
	GetByID(ctx context.Context, id int64) (*models.Event, error)
	ListByDevice(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]*models.Event, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Event, error)
	MarkNotified(ctx context.Context, id int64) (bool, error)
}

// JobTrigger 手动触发任务
type JobTrigger interface {
	Trigger(name string, p service.JobParams) (string, error)
}

// JobRunReader 任务运行记录
type JobRunReader interface {
	ListRecent(ctx context.Context, job string, limit int) ([]*models.JobRun, error)
}

// GeoIndex 附近设备查询
type GeoIndex interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]cache.NearbyDevice, error)
}

// Deps 处理器依赖，Geo 与 Checks 中的项可以为空
type Deps struct {
	Devices   DeviceReader
	Positions PositionReader
	Trips     TripReader
	Events    EventReader
	Jobs      JobTrigger
	JobRuns   JobRunReader
	Geo       GeoIndex
	Hub       *ws.Hub
	// Checks 健康检查项
	Checks map[string]func(ctx context.Context) error
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	deps     Deps
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
		now: time.Now,
	}
}

// parseID 解析路径参数中的 ID
func parseID(c *gin.Context, what string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID"})
		return 0, false
	}
	return id, true
}

// parseTime 支持 RFC3339 与 unix 秒，参数为空时返回 def
func parseTime(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key + " time"})
		return time.Time{}, false
	}
	return t.UTC(), true
}

// parseRange 解析 from/to，默认最近 span
func (h *Handler) parseRange(c *gin.Context, span time.Duration) (time.Time, time.Time, bool) {
	to, ok := parseTime(c, "to", h.now().UTC())
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	from, ok := parseTime(c, "from", to.Add(-span))
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n < 1 {
		return def
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// respondError 按错误类型映射状态码
func (h *Handler) respondError(c *gin.Context, err error, what string) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	h.logger.Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.String("what", what),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load " + what})
}
