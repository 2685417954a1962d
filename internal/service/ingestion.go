package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/metrics"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/normalize"
	"github.com/langchou/fleetgazer/internal/repository"
	"github.com/langchou/fleetgazer/internal/state"
)

// IngestResult 一轮位置采集的汇总
type IngestResult struct {
	Devices      int             `json:"devices"`
	Chunks       int             `json:"chunks"`
	ChunksFailed int             `json:"chunks_failed"`
	Fetched      int             `json:"fetched"`
	Inserted     int             `json:"inserted"`
	Duplicates   int             `json:"duplicates"`
	Stale        int             `json:"stale"`
	Unknown      int             `json:"unknown"`
	Rejected     int             `json:"rejected"`
	Events       int             `json:"events"`
	Suppressed   int             `json:"suppressed"`
	DerivedTrips int             `json:"derived_trips"`
	AuthExpired  bool            `json:"auth_expired,omitempty"`
	Failures     []DeviceFailure `json:"failures,omitempty"`
}

// Partial 有分块或设备失败
func (r *IngestResult) Partial() bool {
	return r.ChunksFailed > 0 || len(r.Failures) > 0
}

// IngestionService 周期性拉取最新位置，归一化后写入并驱动事件检测
type IngestionService struct {
	cfg       *config.Config
	logger    *zap.Logger
	upstream  Upstream
	devices   DeviceStore
	positions PositionStore
	trips     TripStore
	emitter   *EventEmitter
	detector  *state.Detector
	publisher Publisher

	// 同一进程内不允许两轮采集并发
	mu  sync.Mutex
	now func() time.Time
}

// NewIngestionService 创建采集服务，publisher 可为 nil
func NewIngestionService(
	cfg *config.Config,
	logger *zap.Logger,
	upstream Upstream,
	devices DeviceStore,
	positions PositionStore,
	trips TripStore,
	emitter *EventEmitter,
	detector *state.Detector,
	publisher Publisher,
) *IngestionService {
	return &IngestionService{
		cfg:       cfg,
		logger:    logger,
		upstream:  upstream,
		devices:   devices,
		positions: positions,
		trips:     trips,
		emitter:   emitter,
		detector:  detector,
		publisher: publisher,
		now:       time.Now,
	}
}

// RunCycle 执行一轮采集
// 单个分块的上游失败只跳过该分块的设备；存储不可用或令牌失效时中止
func (s *IngestionService) RunCycle(ctx context.Context) (*IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.devices.ListActive(ctx)
	if err != nil {
		return nil, storeErr("list active devices", err)
	}

	res := &IngestResult{Devices: len(devices)}
	if len(devices) == 0 {
		return res, nil
	}

	byVendor := make(map[string]*models.Device, len(devices))
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		byVendor[d.VendorID] = d
		ids = append(ids, d.VendorID)
	}

	chunks := chunkStrings(ids, s.cfg.VendorBatchSize)
	res.Chunks = len(chunks)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			part, err := s.ingestChunk(gctx, chunk, byVendor)
			mu.Lock()
			defer mu.Unlock()
			res.merge(part)
			return err
		})
	}
	err = g.Wait()

	s.logger.Info("Ingestion cycle finished",
		zap.Int("devices", res.Devices),
		zap.Int("fetched", res.Fetched),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("stale", res.Stale),
		zap.Int("events", res.Events),
		zap.Int("chunks_failed", res.ChunksFailed))

	if err != nil {
		return res, err
	}
	return res, nil
}

func (s *IngestionService) ingestChunk(ctx context.Context, chunk []string, byVendor map[string]*models.Device) (*IngestResult, error) {
	part := &IngestResult{}

	positions, err := s.upstream.LatestPositions(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			return part, ctx.Err()
		}
		part.ChunksFailed++
		for _, id := range chunk {
			part.Failures = append(part.Failures, DeviceFailure{DeviceID: id, Reason: err.Error()})
		}
		if errors.Is(err, vendor.ErrAuthExpired) {
			part.AuthExpired = true
			s.logger.Error("Vendor token expired, aborting ingestion", zap.Error(err))
			return part, fmt.Errorf("fetch latest positions: %w", err)
		}
		s.logger.Warn("Failed to fetch positions, skipping chunk",
			zap.Int("devices", len(chunk)),
			zap.Error(err))
		return part, nil
	}
	part.Fetched = len(positions)

	// 同一设备的多条读数按上报时间顺序处理
	sort.SliceStable(positions, func(i, j int) bool {
		if positions[i].DeviceID != positions[j].DeviceID {
			return positions[i].DeviceID < positions[j].DeviceID
		}
		return positions[i].GPSTime.Before(positions[j].GPSTime.Time)
	})

	for _, raw := range positions {
		dev, ok := byVendor[raw.DeviceID]
		if !ok {
			part.Unknown++
			s.logger.Debug("Position for unregistered device, skipping", zap.String("vendor_id", raw.DeviceID))
			continue
		}
		if err := s.processReading(ctx, dev, raw, part); err != nil {
			if errors.Is(err, ErrStoreUnavailable) || ctx.Err() != nil {
				return part, err
			}
			part.Failures = append(part.Failures, DeviceFailure{DeviceID: dev.VendorID, Reason: err.Error()})
			s.logger.Warn("Failed to process reading",
				zap.String("vendor_id", dev.VendorID),
				zap.Error(err))
		}
	}
	return part, nil
}

// processReading 归一化、写入、检测一条读数
func (s *IngestionService) processReading(ctx context.Context, dev *models.Device, raw vendor.RawPosition, part *IngestResult) error {
	prev, err := s.positions.GetCurrent(ctx, dev.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return storeErr("get current position", err)
	}

	opts := normalize.Options{
		MaxPlausibleSpeed:    s.cfg.MaxPlausibleSpeed,
		AlternateUnitDivisor: s.cfg.AlternateUnitDivisor,
		OfflineAfter:         s.cfg.OfflineAfter,
		Now:                  s.now(),
	}
	st := normalize.Normalize(raw, prev, opts)
	metrics.IgnitionDetections.WithLabelValues(string(st.DetectionMethod)).Inc()
	if st.SpeedUnitCorrected {
		metrics.SpeedUnitCorrections.Inc()
		s.logger.Debug("Speed unit corrected",
			zap.String("vendor_id", dev.VendorID),
			zap.Float64("speed_kmh", st.SpeedKmh))
	}

	saved, err := s.positions.SaveReading(ctx, dev.ID, st)
	if err != nil {
		if repository.IsIntegrityError(err) {
			part.Rejected++
			metrics.ReadingsIngested.WithLabelValues("rejected").Inc()
			return fmt.Errorf("save reading: %w", err)
		}
		return storeErr("save reading", err)
	}

	switch {
	case saved.Inserted && saved.Advanced:
		part.Inserted++
		metrics.ReadingsIngested.WithLabelValues("inserted").Inc()
	case saved.Inserted:
		part.Stale++
		metrics.ReadingsIngested.WithLabelValues("stale").Inc()
	default:
		part.Duplicates++
		metrics.ReadingsIngested.WithLabelValues("duplicate").Inc()
	}
	if !saved.Advanced {
		return nil
	}

	var snap models.DetectorSnapshot
	if prev != nil {
		snap = prev.DetectorSnapshot
	}
	eval := s.detector.Evaluate(ctx, dev.ID, snap, st)

	for i := range eval.Events {
		ev := &eval.Events[i]
		ok, err := s.emitter.Emit(ctx, ev, s.detector.Cooldown(ev.Type))
		if err != nil {
			return err
		}
		if ok {
			part.Events++
		} else {
			part.Suppressed++
		}
	}

	if eval.ClosedTrip != nil {
		outcome, err := s.trips.Upsert(ctx, eval.ClosedTrip)
		switch {
		case err == nil:
			part.DerivedTrips++
			metrics.TripsUpserted.WithLabelValues(string(models.TripSourceDerived), string(outcome)).Inc()
		case repository.IsIntegrityError(err):
			s.logger.Warn("Derived trip rejected", zap.Int64("device_id", dev.ID), zap.Error(err))
		default:
			return storeErr("upsert derived trip", err)
		}
	}

	ok, err := s.positions.SaveSnapshot(ctx, dev.ID, st.RecordedAt, eval.Snapshot)
	if err != nil {
		return storeErr("save detector snapshot", err)
	}
	if !ok {
		// 并发写入了更新的读数，快照由那一方负责
		s.logger.Debug("Snapshot superseded", zap.Int64("device_id", dev.ID))
		return nil
	}

	if s.publisher != nil {
		cp := &models.CurrentPosition{
			DeviceID:         dev.ID,
			UpdatedAt:        s.now(),
			CanonicalState:   st,
			DetectorSnapshot: eval.Snapshot,
		}
		if err := s.publisher.PublishState(ctx, cp); err != nil {
			s.logger.Warn("Failed to publish state", zap.Int64("device_id", dev.ID), zap.Error(err))
		}
	}
	return nil
}

func (r *IngestResult) merge(o *IngestResult) {
	if o == nil {
		return
	}
	r.ChunksFailed += o.ChunksFailed
	r.Fetched += o.Fetched
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Stale += o.Stale
	r.Unknown += o.Unknown
	r.Rejected += o.Rejected
	r.Events += o.Events
	r.Suppressed += o.Suppressed
	r.DerivedTrips += o.DerivedTrips
	r.AuthExpired = r.AuthExpired || o.AuthExpired
	r.Failures = append(r.Failures, o.Failures...)
}

// chunkStrings 按 size 切分，size < 1 时不切分
func chunkStrings(ids []string, size int) [][]string {
	if size < 1 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
