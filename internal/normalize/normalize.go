// Package normalize 把厂商原始上报转换为统一的设备状态
// 纯函数，不做任何 I/O
package normalize

import (
	"math"
	"time"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/models"
)

// Options 归一化参数
type Options struct {
	// MaxPlausibleSpeed 超过该值认为上报单位错误（km/h）
	MaxPlausibleSpeed float64
	// AlternateUnitDivisor 单位错误时的换算除数
	AlternateUnitDivisor float64
	// OfflineAfter 厂商未给出在线标记时，读数超过该时长视为离线
	OfflineAfter time.Duration
	// Now 当前时间，由调用方传入以保持确定性
	Now time.Time
}

// DefaultOptions 默认参数
func DefaultOptions(now time.Time) Options {
	return Options{
		MaxPlausibleSpeed:    200,
		AlternateUnitDivisor: 1000,
		OfflineAfter:         10 * time.Minute,
		Now:                  now,
	}
}

// Normalize 将一条原始位置转换为 CanonicalState
// prev 为该设备当前状态，首次上报时为 nil
func Normalize(raw vendor.RawPosition, prev *models.CurrentPosition, opts Options) models.CanonicalState {
	st := models.CanonicalState{
		VendorDeviceID: raw.DeviceID,
		RecordedAt:     raw.GPSTime.UTC(),
	}
	if raw.GPSTime.IsZero() {
		st.RecordedAt = opts.Now.UTC()
	}

	if raw.Lat.Valid && raw.Lng.Valid && models.ValidCoordinate(raw.Lat.Value, raw.Lng.Value) {
		lat, lon := raw.Lat.Value, raw.Lng.Value
		st.Latitude, st.Longitude = &lat, &lon
		st.LocationValid = true
	}

	st.SpeedKmh, st.SpeedUnitCorrected = NormalizeSpeed(raw.Speed, opts)
	st.Heading = normalizeHeading(raw.Course)
	st.BatteryPercent = normalizeBattery(raw.Battery)

	det := DetectIgnition(raw, st, prev)
	st.Ignition = det.Ignition
	st.IgnitionConfidence = det.Confidence
	st.DetectionMethod = det.Method

	if raw.Online != nil {
		st.Online = raw.Online.Value
	} else {
		st.Online = opts.OfflineAfter <= 0 || opts.Now.Sub(st.RecordedAt) <= opts.OfflineAfter
	}

	return st
}

// NormalizeSpeed 速度归一化，返回 km/h 以及是否做过单位换算
// 负数、NaN、缺失按 0 处理
func NormalizeSpeed(raw vendor.FlexFloat, opts Options) (float64, bool) {
	if !raw.Valid || math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) || raw.Value < 0 {
		return 0, false
	}
	v := raw.Value
	if opts.MaxPlausibleSpeed > 0 && opts.AlternateUnitDivisor > 0 && v > opts.MaxPlausibleSpeed {
		return v / opts.AlternateUnitDivisor, true
	}
	return v, false
}

func normalizeHeading(raw vendor.FlexFloat) *int {
	if !raw.Valid || math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
		return nil
	}
	h := int(math.Round(raw.Value)) % 360
	if h < 0 {
		h += 360
	}
	return &h
}

func normalizeBattery(raw vendor.FlexFloat) *int {
	if !raw.Valid || math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
		return nil
	}
	b := int(math.Round(math.Max(0, math.Min(100, raw.Value))))
	return &b
}
