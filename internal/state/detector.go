package state

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/models"
)

// Config 事件检测参数
type Config struct {
	MinConfidence     float64       // 低于该置信度的点火翻转视为噪声
	OverspeedKmh      float64       // 超速阈值
	DefaultCooldown   time.Duration // 同类事件冷却期
	OverspeedCooldown time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MinConfidence:     0.3,
		OverspeedKmh:      120,
		DefaultCooldown:   10 * time.Minute,
		OverspeedCooldown: 5 * time.Minute,
	}
}

// Evaluation 一次读数的检测结果
type Evaluation struct {
	Snapshot    models.DetectorSnapshot
	Transitions []Transition
	// Events 候选事件，尚未经过冷却判定
	Events []models.Event
	// ClosedTrip 熄火时关闭的本地推导行程
	ClosedTrip *models.Trip
}

// Detector 根据读数驱动设备状态机并产生领域事件
// 自身无状态，跨轮询的信息全部在 DetectorSnapshot 中
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

// NewDetector 创建检测器
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger}
}

// Cooldown 事件类型对应的冷却期
func (d *Detector) Cooldown(t models.EventType) time.Duration {
	if t == models.EventOverspeed && d.cfg.OverspeedCooldown > 0 {
		return d.cfg.OverspeedCooldown
	}
	return d.cfg.DefaultCooldown
}

// Evaluate 以上次快照为起点处理一条新读数
func (d *Detector) Evaluate(ctx context.Context, deviceID int64, snap models.DetectorSnapshot, st models.CanonicalState) Evaluation {
	var ev Evaluation
	m := NewMachine(deviceID, snap.State, func(_ int64, t Transition) {
		ev.Transitions = append(ev.Transitions, t)
	})

	next := snap
	emit := func(t models.EventType) {
		ev.Events = append(ev.Events, d.newEvent(deviceID, t, st))
	}
	fire := func(event string) bool {
		if !m.Can(event) {
			return false
		}
		if err := m.Trigger(ctx, event); err != nil {
			d.logger.Warn("State transition failed",
				zap.Int64("device_id", deviceID),
				zap.String("event", event),
				zap.String("state", m.Current()),
				zap.Error(err))
			return false
		}
		return true
	}

	seen := st.RecordedAt
	next.LastSeenAt = &seen

	if !st.Online {
		if fire(EventGoOffline) {
			emit(models.EventOffline)
		}
		next.State = m.Current()
		ev.Snapshot = next
		return ev
	}

	if m.Current() == StateOffline && fire(EventComeOnline) {
		emit(models.EventOnline)
	}

	trusted := st.IgnitionConfidence >= d.cfg.MinConfidence && st.DetectionMethod != models.DetectionUnknown
	if trusted {
		switch cur := m.Current(); {
		case cur == StateUnknown:
			// 首次出现或刚恢复在线：静默采纳，只有与上次已知状态相反才算翻转
			flipped := snap.LastIgnition != nil && *snap.LastIgnition != st.Ignition
			if st.Ignition && fire(EventIgnitionOn) && flipped {
				emit(models.EventIgnitionOn)
				openTrip(&next, st)
			}
			if !st.Ignition && fire(EventIgnitionOff) && flipped {
				emit(models.EventIgnitionOff)
			}
		case cur == StateIgnitionOff && st.Ignition:
			if fire(EventIgnitionOn) {
				emit(models.EventIgnitionOn)
				openTrip(&next, st)
			}
		case (cur == StateIgnitionOn || cur == StateMoving) && !st.Ignition:
			if fire(EventIgnitionOff) {
				emit(models.EventIgnitionOff)
			}
		}
		ign := st.Ignition
		next.LastIgnition = &ign
	}

	switch m.Current() {
	case StateIgnitionOn:
		if st.SpeedKmh > 0 && fire(EventStartMoving) {
			emit(models.EventMoving)
		}
	case StateMoving:
		if st.SpeedKmh == 0 {
			fire(EventStopMoving)
		}
	}

	if m.Current() == StateMoving && d.cfg.OverspeedKmh > 0 && st.SpeedKmh > d.cfg.OverspeedKmh {
		emit(models.EventOverspeed)
	}

	accumulate(&next, st)
	if m.Current() == StateIgnitionOff && next.TripStartedAt != nil {
		ev.ClosedTrip = closeTrip(deviceID, &next, st)
	}

	if st.LocationValid {
		lat, lon, at := *st.Latitude, *st.Longitude, st.RecordedAt
		next.LastValidLat, next.LastValidLon, next.LastValidAt = &lat, &lon, &at
	}

	next.State = m.Current()
	ev.Snapshot = next
	return ev
}

func (d *Detector) newEvent(deviceID int64, t models.EventType, st models.CanonicalState) models.Event {
	e := models.Event{
		DeviceID:    deviceID,
		Type:        t,
		Severity:    SeverityFor(t),
		OccurredAt:  st.RecordedAt,
		CooldownKey: models.CooldownKeyFor(deviceID, t),
	}
	if t == models.EventMoving || t == models.EventOverspeed {
		speed := st.SpeedKmh
		e.SpeedKmh = &speed
	}
	if st.LocationValid {
		lat, lon := *st.Latitude, *st.Longitude
		e.Latitude, e.Longitude = &lat, &lon
	}
	return e
}

// SeverityFor 事件级别
func SeverityFor(t models.EventType) models.Severity {
	switch t {
	case models.EventOverspeed, models.EventOffline:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// openTrip 点火时开启推导行程累加器
func openTrip(s *models.DetectorSnapshot, st models.CanonicalState) {
	if s.TripStartedAt != nil {
		return
	}
	start := st.RecordedAt
	s.TripStartedAt = &start
	s.TripStartLat, s.TripStartLon = nil, nil
	if st.LocationValid {
		lat, lon := *st.Latitude, *st.Longitude
		s.TripStartLat, s.TripStartLon = &lat, &lon
	}
	s.TripDistanceKm = 0
	s.TripMaxSpeed = st.SpeedKmh
}

// accumulate 行程进行中累计距离和最高速度
func accumulate(s *models.DetectorSnapshot, st models.CanonicalState) {
	if s.TripStartedAt == nil || st.RecordedAt.Before(*s.TripStartedAt) {
		return
	}
	if st.SpeedKmh > s.TripMaxSpeed {
		s.TripMaxSpeed = st.SpeedKmh
	}
	if !st.LocationValid {
		return
	}
	if s.TripStartLat == nil {
		lat, lon := *st.Latitude, *st.Longitude
		s.TripStartLat, s.TripStartLon = &lat, &lon
	}
	if s.LastValidAt != nil && !s.LastValidAt.Before(*s.TripStartedAt) && models.ValidCoordinatePtr(s.LastValidLat, s.LastValidLon) {
		s.TripDistanceKm += models.HaversineKm(*s.LastValidLat, *s.LastValidLon, *st.Latitude, *st.Longitude)
	}
}

// closeTrip 熄火时生成本地推导行程并清空累加器
func closeTrip(deviceID int64, s *models.DetectorSnapshot, st models.CanonicalState) *models.Trip {
	end := st.RecordedAt
	t := &models.Trip{
		DeviceID:       deviceID,
		Source:         models.TripSourceDerived,
		StartTime:      *s.TripStartedAt,
		EndTime:        &end,
		StartLatitude:  s.TripStartLat,
		StartLongitude: s.TripStartLon,
		DistanceKm:     math.Round(s.TripDistanceKm*1000) / 1000,
		MaxSpeedKmh:    s.TripMaxSpeed,
		CreatedAt:      st.RecordedAt,
	}
	if st.LocationValid {
		lat, lon := *st.Latitude, *st.Longitude
		t.EndLatitude, t.EndLongitude = &lat, &lon
	}
	t.DurationSeconds = t.DeriveDuration()
	if t.DurationSeconds > 0 {
		t.AvgSpeedKmh = math.Round(t.DistanceKm/(float64(t.DurationSeconds)/3600)*10) / 10
	}
	t.QualityScore = t.Score()

	s.TripStartedAt = nil
	s.TripStartLat, s.TripStartLon = nil, nil
	s.TripDistanceKm = 0
	s.TripMaxSpeed = 0
	return t
}
