package models

import "time"

// DetectionMethod 点火状态判定方式
type DetectionMethod string

const (
	DetectionStatusBit      DetectionMethod = "status_bit"
	DetectionStringParse    DetectionMethod = "string_parse"
	DetectionSpeedInference DetectionMethod = "speed_inference"
	DetectionMultiSignal    DetectionMethod = "multi_signal"
	DetectionUnknown        DetectionMethod = "unknown"
)

// CanonicalState 归一化后的设备状态，与厂商原始字段无关
type CanonicalState struct {
	VendorDeviceID     string          `json:"vendor_device_id"`
	RecordedAt         time.Time       `json:"recorded_at"` // 设备上报时间
	Latitude           *float64        `json:"latitude,omitempty"`
	Longitude          *float64        `json:"longitude,omitempty"`
	LocationValid      bool            `json:"location_valid"`
	SpeedKmh           float64         `json:"speed_kmh"`
	SpeedUnitCorrected bool            `json:"speed_unit_corrected"`
	Heading            *int            `json:"heading,omitempty"`
	Ignition           bool            `json:"ignition"`
	IgnitionConfidence float64         `json:"ignition_confidence"`
	DetectionMethod    DetectionMethod `json:"detection_method"`
	BatteryPercent     *int            `json:"battery_percent,omitempty"`
	Online             bool            `json:"online"`
}

// PositionReading 历史位置记录（只追加，不修改）
type PositionReading struct {
	ID         int64     `json:"id" db:"id"`
	DeviceID   int64     `json:"device_id" db:"device_id"`
	IngestedAt time.Time `json:"ingested_at" db:"ingested_at"`
	CanonicalState
}

// DetectorSnapshot 事件检测器需要跨轮询保留的状态，随 current_positions 一起持久化
type DetectorSnapshot struct {
	State        string     `json:"detector_state" db:"detector_state"`
	LastIgnition *bool      `json:"last_ignition,omitempty" db:"last_ignition"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`

	// 本地推导行程的累加器，点火时开启，熄火时关闭
	TripStartedAt  *time.Time `json:"trip_started_at,omitempty" db:"trip_started_at"`
	TripStartLat   *float64   `json:"trip_start_lat,omitempty" db:"trip_start_lat"`
	TripStartLon   *float64   `json:"trip_start_lon,omitempty" db:"trip_start_lon"`
	TripDistanceKm float64    `json:"trip_distance_km" db:"trip_distance_km"`
	TripMaxSpeed   float64    `json:"trip_max_speed" db:"trip_max_speed"`
	LastValidLat   *float64   `json:"last_valid_lat,omitempty" db:"last_valid_lat"`
	LastValidLon   *float64   `json:"last_valid_lon,omitempty" db:"last_valid_lon"`
	LastValidAt    *time.Time `json:"last_valid_at,omitempty" db:"last_valid_at"`
}

// CurrentPosition 每台设备一行的当前状态（upsert）
type CurrentPosition struct {
	DeviceID  int64     `json:"device_id" db:"device_id"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	CanonicalState
	DetectorSnapshot
}

// SaveResult 写入一条读数的结果
type SaveResult struct {
	Inserted bool // 历史表新增了一行（非重复投递）
	Advanced bool // 当前状态被推进（读数不早于已有当前行）
}
