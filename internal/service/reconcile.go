package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/metrics"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
)

const maxUnresolvedListed = 100

// ReconcileRequest 坐标补全范围，零值表示默认回溯窗口内的全部设备
type ReconcileRequest struct {
	DeviceID *string   `json:"device_id,omitempty"` // 厂商设备 ID
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// ReconcileResult 坐标补全汇总
type ReconcileResult struct {
	TripsChecked    int     `json:"trips_checked"`
	TripsFixed      int     `json:"trips_fixed"`
	StartsFixed     int     `json:"starts_fixed"`
	EndsFixed       int     `json:"ends_fixed"`
	Unresolved      int     `json:"unresolved"`
	UnresolvedTrips []int64 `json:"unresolved_trips,omitempty"`
}

// ReconcileService 用历史位置补全行程缺失的起止坐标
type ReconcileService struct {
	cfg       *config.Config
	logger    *zap.Logger
	devices   DeviceStore
	positions PositionStore
	trips     TripStore

	now func() time.Time
}

// NewReconcileService 创建坐标补全服务
func NewReconcileService(cfg *config.Config, logger *zap.Logger, devices DeviceStore, positions PositionStore, trips TripStore) *ReconcileService {
	return &ReconcileService{
		cfg:       cfg,
		logger:    logger,
		devices:   devices,
		positions: positions,
		trips:     trips,
		now:       time.Now,
	}
}

// Reconcile 扫描起点或终点坐标无效的行程，在时间窗口内找最近的有效位置补全
// 只填补无效的一端，重复运行不会产生新的修改
func (s *ReconcileService) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	filter := repository.ReconcileFilter{
		From:  req.From,
		To:    req.To,
		Limit: s.cfg.ReconcileBatchSize,
	}
	if filter.To.IsZero() {
		filter.To = s.now().UTC()
	}
	if filter.From.IsZero() {
		filter.From = filter.To.Add(-s.cfg.ReconcileLookback)
	}
	if !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("invalid reconcile range: %s >= %s", filter.From, filter.To)
	}

	if req.DeviceID != nil {
		dev, err := s.devices.GetByVendorID(ctx, *req.DeviceID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, *req.DeviceID)
		}
		if err != nil {
			return nil, storeErr("get device", err)
		}
		filter.DeviceID = &dev.ID
	}

	res := &ReconcileResult{}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := s.trips.ListNeedingReconcile(ctx, filter)
		if err != nil {
			return res, storeErr("list trips needing reconcile", err)
		}
		for _, t := range page {
			if err := s.reconcileTrip(ctx, t, res); err != nil {
				return res, err
			}
			filter.AfterID = t.ID
		}
		if len(page) < filter.Limit {
			break
		}
	}

	s.logger.Info("Trip reconciliation finished",
		zap.Int("checked", res.TripsChecked),
		zap.Int("fixed", res.TripsFixed),
		zap.Int("unresolved", res.Unresolved))
	return res, nil
}

func (s *ReconcileService) reconcileTrip(ctx context.Context, t *models.Trip, res *ReconcileResult) error {
	res.TripsChecked++

	var fix repository.CoordinateFix
	if !t.HasValidStart() {
		p, err := s.nearest(ctx, t.DeviceID, t.StartTime)
		if err != nil {
			return err
		}
		if p != nil {
			fix.StartLat, fix.StartLon = p.Latitude, p.Longitude
		}
	}
	if !t.HasValidEnd() && t.EndTime != nil {
		p, err := s.nearest(ctx, t.DeviceID, *t.EndTime)
		if err != nil {
			return err
		}
		if p != nil {
			fix.EndLat, fix.EndLon = p.Latitude, p.Longitude
		}
	}

	after := t
	if fix.StartLat != nil || fix.EndLat != nil {
		updated, changed, err := s.trips.FillCoordinates(ctx, t.ID, fix)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return storeErr("fill trip coordinates", err)
		}
		after = updated
		if changed {
			res.TripsFixed++
			if !t.HasValidStart() && updated.HasValidStart() {
				res.StartsFixed++
			}
			if !t.HasValidEnd() && updated.HasValidEnd() {
				res.EndsFixed++
			}
			metrics.ReconcileFixes.WithLabelValues("fixed").Inc()
			s.logger.Debug("Trip coordinates filled",
				zap.Int64("trip_id", t.ID),
				zap.Int("quality_score", updated.QualityScore))
		}
	}

	if !after.HasValidStart() || !after.HasValidEnd() {
		res.Unresolved++
		if len(res.UnresolvedTrips) < maxUnresolvedListed {
			res.UnresolvedTrips = append(res.UnresolvedTrips, t.ID)
		}
		metrics.ReconcileFixes.WithLabelValues("unresolved").Inc()
	}
	return nil
}

// nearest 窗口内没有有效位置时返回 nil
func (s *ReconcileService) nearest(ctx context.Context, deviceID int64, at time.Time) (*models.PositionReading, error) {
	p, err := s.positions.NearestValid(ctx, deviceID, at, s.cfg.ReconcileWindow)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find nearest position", err)
	}
	if !models.ValidCoordinatePtr(p.Latitude, p.Longitude) {
		return nil, nil
	}
	return p, nil
}
