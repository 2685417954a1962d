package service

import (
	"context"

	"github.com/langchou/fleetgazer/internal/config"
)

// StandardJobs 四个周期任务的定义
func StandardJobs(cfg *config.Config, ingest *IngestionService, devices *DeviceSyncService, trips *TripSyncService, reconcile *ReconcileService) []Job {
	return []Job{
		{
			Name:     JobIngest,
			Interval: cfg.IngestInterval,
			Timeout:  cfg.IngestTimeout,
			Run: func(ctx context.Context, _ JobParams) (any, error) {
				return ingest.RunCycle(ctx)
			},
		},
		{
			Name:     JobSyncDevices,
			Interval: cfg.DeviceSyncInterval,
			Timeout:  cfg.DeviceSyncTimeout,
			Run: func(ctx context.Context, _ JobParams) (any, error) {
				return devices.Sync(ctx)
			},
		},
		{
			Name:     JobSyncTrips,
			Interval: cfg.TripSyncInterval,
			Timeout:  cfg.TripSyncTimeout,
			Run: func(ctx context.Context, p JobParams) (any, error) {
				mode := SyncIncremental
				if p.Full {
					mode = SyncFull
				}
				if p.DeviceID != nil {
					return trips.SyncDeviceByVendorID(ctx, *p.DeviceID, mode)
				}
				return trips.SyncAll(ctx, mode)
			},
		},
		{
			Name:     JobReconcile,
			Interval: cfg.ReconcileInterval,
			Timeout:  cfg.ReconcileTimeout,
			Run: func(ctx context.Context, p JobParams) (any, error) {
				return reconcile.Reconcile(ctx, ReconcileRequest{DeviceID: p.DeviceID, From: p.From, To: p.To})
			},
		},
	}
}
