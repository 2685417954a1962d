package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
)

// DeviceSyncResult 设备同步汇总
type DeviceSyncResult struct {
	Listed      int   `json:"listed"`
	Upserted    int   `json:"upserted"`
	Disabled    int   `json:"disabled"`
	Rejected    int   `json:"rejected"`
	Deactivated int64 `json:"deactivated"`
}

// Partial 有设备写入被拒绝
func (r *DeviceSyncResult) Partial() bool {
	return r.Rejected > 0
}

// DeviceSyncService 同步厂商设备清单
type DeviceSyncService struct {
	logger   *zap.Logger
	upstream Upstream
	devices  DeviceStore
}

// NewDeviceSyncService 创建设备同步服务
func NewDeviceSyncService(logger *zap.Logger, upstream Upstream, devices DeviceStore) *DeviceSyncService {
	return &DeviceSyncService{
		logger:   logger,
		upstream: upstream,
		devices:  devices,
	}
}

// Sync 拉取设备清单并写入，清单中消失或被停用的设备软下线
func (s *DeviceSyncService) Sync(ctx context.Context) (*DeviceSyncResult, error) {
	list, err := s.upstream.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vendor devices: %w", err)
	}

	res := &DeviceSyncResult{Listed: len(list)}
	seen := make([]string, 0, len(list))
	for _, v := range list {
		id := strings.TrimSpace(v.DeviceID)
		if id == "" {
			res.Rejected++
			continue
		}
		if v.Enabled != nil && !*v.Enabled {
			res.Disabled++
			continue
		}

		d := &models.Device{
			VendorID:    id,
			Name:        v.Name,
			PlateNumber: v.PlateNumber,
			OwnerRef:    v.Account,
			Model:       v.Model,
		}
		if d.Name == "" {
			d.Name = id
		}
		if err := s.devices.Upsert(ctx, d); err != nil {
			if repository.IsIntegrityError(err) {
				res.Rejected++
				s.logger.Warn("Failed to upsert device", zap.String("vendor_id", id), zap.Error(err))
				continue
			}
			return res, storeErr("upsert device", err)
		}
		res.Upserted++
		seen = append(seen, id)
	}

	// 空清单通常是上游异常，不据此下线全部设备
	if len(seen) == 0 {
		s.logger.Warn("Vendor returned no enabled devices, skipping deactivation", zap.Int("listed", res.Listed))
		return res, nil
	}

	n, err := s.devices.DeactivateMissing(ctx, seen)
	if err != nil {
		return res, storeErr("deactivate missing devices", err)
	}
	res.Deactivated = n

	s.logger.Info("Device sync finished",
		zap.Int("listed", res.Listed),
		zap.Int("upserted", res.Upserted),
		zap.Int64("deactivated", res.Deactivated))
	return res, nil
}
