package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/metrics"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
)

// SyncMode 行程同步模式
type SyncMode string

const (
	SyncIncremental SyncMode = "incremental" // 从水位继续
	SyncFull        SyncMode = "full"        // 忽略水位，重拉整个回溯窗口
)

const nearDuplicateReason = "end_time differs by at most 1s"

// SyncResult 单台设备的行程同步结果
type SyncResult struct {
	DeviceID   int64      `json:"device_id"`
	VendorID   string     `json:"vendor_id"`
	Fetched    int        `json:"fetched"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Skipped    int        `json:"skipped"`
	InProgress int        `json:"in_progress"`
	Invalid    int        `json:"invalid"`
	Flagged    int        `json:"flagged"`
	Cursor     *time.Time `json:"cursor,omitempty"`
}

// TripSyncBatch 多台设备同步的汇总
type TripSyncBatch struct {
	Mode      SyncMode        `json:"mode"`
	Devices   int             `json:"devices"`
	Succeeded int             `json:"succeeded"`
	Created   int             `json:"created"`
	Updated   int             `json:"updated"`
	Skipped   int             `json:"skipped"`
	Flagged   int             `json:"flagged"`
	Failures  []DeviceFailure `json:"failures,omitempty"`
}

// Partial 有设备同步失败
func (b *TripSyncBatch) Partial() bool {
	return len(b.Failures) > 0
}

// TripSyncService 同步厂商行程
type TripSyncService struct {
	cfg      *config.Config
	logger   *zap.Logger
	upstream Upstream
	devices  DeviceStore
	trips    TripStore

	now func() time.Time
}

// NewTripSyncService 创建行程同步服务
func NewTripSyncService(cfg *config.Config, logger *zap.Logger, upstream Upstream, devices DeviceStore, trips TripStore) *TripSyncService {
	return &TripSyncService{
		cfg:      cfg,
		logger:   logger,
		upstream: upstream,
		devices:  devices,
		trips:    trips,
		now:      time.Now,
	}
}

// SyncAll 并发同步所有在用设备，单台设备失败不影响其他设备
func (s *TripSyncService) SyncAll(ctx context.Context, mode SyncMode) (*TripSyncBatch, error) {
	devices, err := s.devices.ListActive(ctx)
	if err != nil {
		return nil, storeErr("list active devices", err)
	}

	batch := &TripSyncBatch{Mode: mode, Devices: len(devices)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.TripSyncConcurrency)
	for _, dev := range devices {
		dev := dev
		g.Go(func() error {
			res, err := s.SyncDevice(gctx, dev, mode)

			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				batch.Created += res.Created
				batch.Updated += res.Updated
				batch.Skipped += res.Skipped
				batch.Flagged += res.Flagged
			}
			if err == nil {
				batch.Succeeded++
				return nil
			}
			batch.Failures = append(batch.Failures, DeviceFailure{DeviceID: dev.VendorID, Reason: err.Error()})
			if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, vendor.ErrAuthExpired) || gctx.Err() != nil {
				return err
			}
			s.logger.Warn("Trip sync failed for device",
				zap.String("vendor_id", dev.VendorID),
				zap.Error(err))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batch, err
	}

	s.logger.Info("Trip sync finished",
		zap.String("mode", string(mode)),
		zap.Int("devices", batch.Devices),
		zap.Int("succeeded", batch.Succeeded),
		zap.Int("created", batch.Created),
		zap.Int("updated", batch.Updated),
		zap.Int("flagged", batch.Flagged))
	return batch, nil
}

// SyncDeviceByVendorID 按厂商设备 ID 同步
func (s *TripSyncService) SyncDeviceByVendorID(ctx context.Context, vendorID string, mode SyncMode) (*SyncResult, error) {
	dev, err := s.devices.GetByVendorID(ctx, vendorID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, vendorID)
	}
	if err != nil {
		return nil, storeErr("get device", err)
	}
	return s.SyncDevice(ctx, dev, mode)
}

// SyncDevice 同步一台设备的行程
// 已写入的行程不会因后续失败回滚；存储失败时不推进水位，下次从原水位重来
func (s *TripSyncService) SyncDevice(ctx context.Context, dev *models.Device, mode SyncMode) (*SyncResult, error) {
	res := &SyncResult{DeviceID: dev.ID, VendorID: dev.VendorID}
	now := s.now().UTC()
	from := now.Add(-s.cfg.TripLookback)

	if mode != SyncFull {
		cursor, err := s.trips.GetCursor(ctx, dev.ID)
		if err != nil {
			return res, storeErr("get sync cursor", err)
		}
		if cursor != nil {
			from = *cursor
			res.Cursor = cursor
		}
	}

	raws, err := s.upstream.Trips(ctx, dev.VendorID, from, now)
	if err != nil {
		return res, fmt.Errorf("fetch trips: %w", err)
	}
	res.Fetched = len(raws)

	trips := make([]*models.Trip, 0, len(raws))
	for _, raw := range raws {
		t, reason := s.toTrip(dev, raw)
		switch reason {
		case "":
			trips = append(trips, t)
		case reasonInProgress:
			res.InProgress++
		default:
			res.Invalid++
			s.logger.Warn("Discarding vendor trip",
				zap.String("vendor_id", dev.VendorID),
				zap.String("trip_id", raw.TripID),
				zap.String("reason", reason))
		}
	}
	// 按开始时间顺序写入，水位才能安全前移
	sort.SliceStable(trips, func(i, j int) bool {
		if !trips[i].StartTime.Equal(trips[j].StartTime) {
			return trips[i].StartTime.Before(trips[j].StartTime)
		}
		return trips[i].EndTime.Before(*trips[j].EndTime)
	})

	var lastStart *time.Time
	for _, t := range trips {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := s.trips.Upsert(ctx, t)
		if err != nil {
			if repository.IsIntegrityError(err) {
				res.Invalid++
				start := t.StartTime
				lastStart = &start
				s.logger.Warn("Trip rejected by store",
					zap.String("vendor_id", dev.VendorID),
					zap.Time("start_time", t.StartTime),
					zap.Error(err))
				continue
			}
			return res, storeErr("upsert trip", err)
		}
		metrics.TripsUpserted.WithLabelValues(string(t.Source), string(outcome)).Inc()

		switch outcome {
		case models.UpsertCreated:
			res.Created++
			n, err := s.flagNearDuplicates(ctx, t)
			if err != nil {
				return res, err
			}
			res.Flagged += n
		case models.UpsertUpdated:
			res.Updated++
		default:
			res.Skipped++
		}
		start := t.StartTime
		lastStart = &start
	}

	if lastStart != nil {
		if err := s.trips.AdvanceCursor(ctx, dev.ID, *lastStart); err != nil {
			return res, storeErr("advance sync cursor", err)
		}
		res.Cursor = lastStart
	}

	s.logger.Debug("Device trips synced",
		zap.String("vendor_id", dev.VendorID),
		zap.Int("fetched", res.Fetched),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// flagNearDuplicates 新行程与已有行程终点只差 1 秒内时标记复核，两条都保留
func (s *TripSyncService) flagNearDuplicates(ctx context.Context, t *models.Trip) (int, error) {
	dups, err := s.trips.FindNearDuplicates(ctx, t)
	if err != nil {
		return 0, storeErr("find near duplicates", err)
	}
	flagged := 0
	for _, d := range dups {
		if d.ID == t.ID || !models.NearDuplicate(t, d) {
			continue
		}
		ok, err := s.trips.FlagForReview(ctx, t.ID, d.ID, nearDuplicateReason)
		if err != nil {
			return flagged, storeErr("flag trip for review", err)
		}
		if ok {
			flagged++
			metrics.TripsFlagged.Inc()
			s.logger.Info("Trip flagged for review",
				zap.Int64("trip_id", t.ID),
				zap.Int64("duplicate_of", d.ID))
		}
	}
	return flagged, nil
}

const (
	reasonInProgress = "in progress"
	reasonEndBefore  = "end before start"
	reasonNoStart    = "missing start time"
)

// toTrip 厂商行程转换为内部行程，返回非空 reason 表示丢弃
func (s *TripSyncService) toTrip(dev *models.Device, raw vendor.RawTrip) (*models.Trip, string) {
	if raw.StartTime.IsZero() {
		return nil, reasonNoStart
	}
	if raw.EndTime.IsZero() {
		return nil, reasonInProgress
	}
	start, end := raw.StartTime.UTC(), raw.EndTime.UTC()
	if end.Before(start) {
		return nil, reasonEndBefore
	}

	t := &models.Trip{
		DeviceID:     dev.ID,
		Source:       models.TripSourceVendor,
		VendorTripID: raw.TripID,
		StartTime:    start,
		EndTime:      &end,
	}
	t.StartLatitude, t.StartLongitude = coordinatePair(raw.StartLat, raw.StartLng)
	t.EndLatitude, t.EndLongitude = coordinatePair(raw.EndLat, raw.EndLng)

	if raw.DistanceKm.Valid && raw.DistanceKm.Value > 0 {
		t.DistanceKm = raw.DistanceKm.Value
	}

	// 时长始终以起止时间为准
	t.DurationSeconds = t.DeriveDuration()
	if raw.Duration.Valid && math.Abs(raw.Duration.Value-float64(t.DurationSeconds)) > 1 {
		s.logger.Debug("Overriding inconsistent vendor duration",
			zap.String("vendor_id", dev.VendorID),
			zap.String("trip_id", raw.TripID),
			zap.Float64("vendor_duration", raw.Duration.Value),
			zap.Int64("derived_duration", t.DurationSeconds))
	}

	if raw.MaxSpeed.Valid && raw.MaxSpeed.Value > 0 {
		t.MaxSpeedKmh = raw.MaxSpeed.Value
	}
	switch {
	case raw.AvgSpeed.Valid && raw.AvgSpeed.Value > 0:
		t.AvgSpeedKmh = raw.AvgSpeed.Value
	case t.DistanceKm > 0 && t.DurationSeconds > 0:
		t.AvgSpeedKmh = math.Round(t.DistanceKm/(float64(t.DurationSeconds)/3600)*10) / 10
	}

	// 厂商未给出生成时间时用结束时间，重复拉取同一数据结果稳定
	t.CreatedAt = end
	if !raw.CreatedAt.IsZero() {
		t.CreatedAt = raw.CreatedAt.UTC()
	}
	t.QualityScore = t.Score()
	return t, ""
}

// coordinatePair 坐标无效（含 0,0）时两者都置空
func coordinatePair(lat, lon vendor.FlexFloat) (*float64, *float64) {
	if !lat.Valid || !lon.Valid || !models.ValidCoordinate(lat.Value, lon.Value) {
		return nil, nil
	}
	la, lo := lat.Value, lon.Value
	return &la, &lo
}
