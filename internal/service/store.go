package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
)

// ErrStoreUnavailable 持久化层不可用，整个任务中止
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrUnknownDevice 厂商设备 ID 未登记
var ErrUnknownDevice = errors.New("unknown device")

// Upstream 上游厂商接口
type Upstream interface {
	ListDevices(ctx context.Context) ([]vendor.Device, error)
	LatestPositions(ctx context.Context, deviceIDs []string) ([]vendor.RawPosition, error)
	Trips(ctx context.Context, deviceID string, from, to time.Time) ([]vendor.RawTrip, error)
}

// DeviceStore 设备存储
type DeviceStore interface {
	Upsert(ctx context.Context, d *models.Device) error
	DeactivateMissing(ctx context.Context, seenVendorIDs []string) (int64, error)
	ListActive(ctx context.Context) ([]*models.Device, error)
	GetByVendorID(ctx context.Context, vendorID string) (*models.Device, error)
}

// PositionStore 位置与当前状态存储
type PositionStore interface {
	SaveReading(ctx context.Context, deviceID int64, st models.CanonicalState) (models.SaveResult, error)
	GetCurrent(ctx context.Context, deviceID int64) (*models.CurrentPosition, error)
	SaveSnapshot(ctx context.Context, deviceID int64, basedOn time.Time, s models.DetectorSnapshot) (bool, error)
	NearestValid(ctx context.Context, deviceID int64, at time.Time, window time.Duration) (*models.PositionReading, error)
}

// TripStore 行程存储
type TripStore interface {
	Upsert(ctx context.Context, t *models.Trip) (models.UpsertOutcome, error)
	FindNearDuplicates(ctx context.Context, t *models.Trip) ([]*models.Trip, error)
	FlagForReview(ctx context.Context, tripID, duplicateOf int64, reason string) (bool, error)
	GetCursor(ctx context.Context, deviceID int64) (*time.Time, error)
	AdvanceCursor(ctx context.Context, deviceID int64, to time.Time) error
	ListNeedingReconcile(ctx context.Context, f repository.ReconcileFilter) ([]*models.Trip, error)
	FillCoordinates(ctx context.Context, id int64, fix repository.CoordinateFix) (*models.Trip, bool, error)
}

// EventStore 领域事件存储
type EventStore interface {
	Insert(ctx context.Context, e *models.Event) error
	InsertWithCooldown(ctx context.Context, e *models.Event, cooldown time.Duration) (bool, error)
}

// CooldownGate 跨进程的事件冷却闸门（Redis）
type CooldownGate interface {
	AcquireCooldown(ctx context.Context, key string, occurredAt time.Time, cooldown time.Duration) (bool, error)
	ReleaseCooldown(ctx context.Context, key string, occurredAt time.Time) error
}

// Publisher 向实时订阅方推送状态与事件
type Publisher interface {
	PublishState(ctx context.Context, cp *models.CurrentPosition) error
	PublishEvent(ctx context.Context, e *models.Event) error
}

// JobRecorder 任务运行记录
type JobRecorder interface {
	Start(ctx context.Context, runID, job string, at time.Time) error
	Finish(ctx context.Context, runID string, status models.JobStatus, summary any, runErr error) error
}

// DeviceFailure 单台设备处理失败的原因
type DeviceFailure struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

// storeErr 把存储层错误标记为不可恢复，完整性错误除外
func storeErr(op string, err error) error {
	if err == nil || repository.IsIntegrityError(err) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
