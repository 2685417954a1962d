package models

import (
	"math"
	"time"
)

// TripSource 行程来源，前端展示时不混用
type TripSource string

const (
	TripSourceVendor  TripSource = "vendor"  // 上游厂商提供
	TripSourceDerived TripSource = "derived" // 根据点火事件本地推导
)

// Trip 行程记录
// 自然键为 (device_id, start_time, end_time)
type Trip struct {
	ID              int64      `json:"id" db:"id"`
	DeviceID        int64      `json:"device_id" db:"device_id"`
	Source          TripSource `json:"source" db:"source"`
	VendorTripID    string     `json:"vendor_trip_id,omitempty" db:"vendor_trip_id"`
	StartTime       time.Time  `json:"start_time" db:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`
	StartLatitude   *float64   `json:"start_latitude,omitempty" db:"start_latitude"`
	StartLongitude  *float64   `json:"start_longitude,omitempty" db:"start_longitude"`
	EndLatitude     *float64   `json:"end_latitude,omitempty" db:"end_latitude"`
	EndLongitude    *float64   `json:"end_longitude,omitempty" db:"end_longitude"`
	DistanceKm      float64    `json:"distance_km" db:"distance_km"`
	DurationSeconds int64      `json:"duration_seconds" db:"duration_seconds"`
	AvgSpeedKmh     float64    `json:"avg_speed_kmh" db:"avg_speed_kmh"`
	MaxSpeedKmh     float64    `json:"max_speed_kmh" db:"max_speed_kmh"`
	QualityScore    int        `json:"quality_score" db:"quality_score"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"` // 数据产生时间，用于同分比较
	ReconciledAt    *time.Time `json:"reconciled_at,omitempty" db:"reconciled_at"`
	IngestedAt      time.Time  `json:"ingested_at" db:"ingested_at"`
}

// HasValidStart 起点坐标是否可用
func (t *Trip) HasValidStart() bool {
	return ValidCoordinatePtr(t.StartLatitude, t.StartLongitude)
}

// HasValidEnd 终点坐标是否可用
func (t *Trip) HasValidEnd() bool {
	return ValidCoordinatePtr(t.EndLatitude, t.EndLongitude)
}

// DeriveDuration 由起止时间计算时长（秒），进行中的行程返回 0
func (t *Trip) DeriveDuration() int64 {
	if t.EndTime == nil {
		return 0
	}
	d := t.EndTime.Sub(t.StartTime).Seconds()
	if d < 0 {
		return 0
	}
	return int64(math.Round(d))
}

// DurationConsistent 时长与起止时间差是否在 1 秒以内
func (t *Trip) DurationConsistent() bool {
	if t.EndTime == nil {
		return true
	}
	diff := float64(t.DurationSeconds) - t.EndTime.Sub(t.StartTime).Seconds()
	return math.Abs(diff) <= 1
}

// Score 数据质量分：起点坐标、终点坐标、距离、时长各 1 分
func (t *Trip) Score() int {
	score := 0
	if t.HasValidStart() {
		score++
	}
	if t.HasValidEnd() {
		score++
	}
	if t.DistanceKm > 0 {
		score++
	}
	if t.DurationSeconds > 0 {
		score++
	}
	return score
}

// ShouldReplace 同一自然键的新记录是否应覆盖已有记录
// 分数更高则覆盖；同分时仅更新的数据覆盖；来源不同永不覆盖
func ShouldReplace(existing, incoming *Trip) bool {
	if existing.Source != incoming.Source {
		return false
	}
	es, is := existing.Score(), incoming.Score()
	if is != es {
		return is > es
	}
	return incoming.CreatedAt.After(existing.CreatedAt)
}

// SameKey 自然键是否一致
func SameKey(a, b *Trip) bool {
	if a.DeviceID != b.DeviceID || !a.StartTime.Equal(b.StartTime) {
		return false
	}
	if a.EndTime == nil || b.EndTime == nil {
		return a.EndTime == nil && b.EndTime == nil
	}
	return a.EndTime.Equal(*b.EndTime)
}

// NearDuplicate 同一起点、终点相差不超过 1 秒但不相等，需要人工复核
func NearDuplicate(a, b *Trip) bool {
	if a.DeviceID != b.DeviceID || !a.StartTime.Equal(b.StartTime) {
		return false
	}
	if a.EndTime == nil || b.EndTime == nil || a.EndTime.Equal(*b.EndTime) {
		return false
	}
	diff := a.EndTime.Sub(*b.EndTime)
	return diff >= -time.Second && diff <= time.Second
}

// TripReviewFlag 疑似重复行程的人工复核标记
type TripReviewFlag struct {
	ID          int64     `json:"id" db:"id"`
	TripID      int64     `json:"trip_id" db:"trip_id"`
	DuplicateOf int64     `json:"duplicate_of" db:"duplicate_of"`
	Reason      string    `json:"reason" db:"reason"`
	Resolved    bool      `json:"resolved" db:"resolved"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// UpsertOutcome 行程 upsert 的结果
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
	UpsertSkipped UpsertOutcome = "skipped"
)
