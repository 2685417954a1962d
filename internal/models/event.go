package models

import (
	"fmt"
	"time"
)

// EventType 领域事件类型
type EventType string

const (
	EventIgnitionOn  EventType = "ignition_on"
	EventIgnitionOff EventType = "ignition_off"
	EventMoving      EventType = "moving"
	EventOverspeed   EventType = "overspeed"
	EventOnline      EventType = "online"
	EventOffline     EventType = "offline"
)

// Severity 事件级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event 领域事件，创建后只允许设置一次 notified
type Event struct {
	ID          int64      `json:"id" db:"id"`
	DeviceID    int64      `json:"device_id" db:"device_id"`
	Type        EventType  `json:"type" db:"event_type"`
	Severity    Severity   `json:"severity" db:"severity"`
	OccurredAt  time.Time  `json:"occurred_at" db:"occurred_at"`
	SpeedKmh    *float64   `json:"speed_kmh,omitempty" db:"speed_kmh"`
	Latitude    *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude   *float64   `json:"longitude,omitempty" db:"longitude"`
	CooldownKey string     `json:"cooldown_key" db:"cooldown_key"`
	Notified    bool       `json:"notified" db:"notified"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty" db:"notified_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// CooldownKeyFor 同一设备同一类型事件共享的冷却键
func CooldownKeyFor(deviceID int64, t EventType) string {
	return fmt.Sprintf("%d:%s", deviceID, t)
}

// RateLimitState 跨进程共享的限流协调记录
type RateLimitState struct {
	BackoffUntil time.Time `json:"backoff_until" db:"backoff_until"`
	LastCallAt   time.Time `json:"last_call_at" db:"last_call_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// SyncCursor 每台设备行程增量同步的水位
type SyncCursor struct {
	DeviceID  int64     `json:"device_id" db:"device_id"`
	Cursor    time.Time `json:"cursor" db:"cursor"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
