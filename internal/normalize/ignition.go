package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/models"
)

// 各判定方式的置信度
const (
	ConfidenceStatusBit   = 1.0
	ConfidenceStringParse = 0.9
	ConfidenceFusedTwo    = 0.6
	ConfidenceFusedThree  = 0.7
	ConfidenceUnknown     = 0.0
)

// 弱信号阈值
const (
	speedLikelyOn   = 5.0
	speedMaybeOn    = 3.0
	voltageRunning  = 13.2 // 发动机运转时发电机充电电压
	voltageResting  = 12.6
	displacementMin = 50.0 // 米
	displacementAge = 5 * time.Minute
)

var (
	ignitionPattern = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])(?:acc|ign|ignition|engine|key)[\s:_=-]*(on|off|1|0|true|false)(?:$|[^a-z0-9])`)
	ignitionOnCN    = regexp.MustCompile(`(?i)acc\s*开|点火`)
	ignitionOffCN   = regexp.MustCompile(`(?i)acc\s*关|熄火`)
)

// Detection 点火判定结果
type Detection struct {
	Ignition   bool
	Confidence float64
	Method     models.DetectionMethod
}

// signal 一个弱信号的判定
type signal struct {
	name       string
	ignition   bool
	confidence float64
}

// DetectIgnition 按置信度从高到低依次尝试，命中第一个即返回
func DetectIgnition(raw vendor.RawPosition, st models.CanonicalState, prev *models.CurrentPosition) Detection {
	if raw.ACC != nil {
		return Detection{Ignition: raw.ACC.Value, Confidence: ConfidenceStatusBit, Method: models.DetectionStatusBit}
	}

	if on, ok := ParseIgnitionText(raw.Status); ok {
		return Detection{Ignition: on, Confidence: ConfidenceStringParse, Method: models.DetectionStringParse}
	}

	known := previousIgnition(prev)
	speedSig, hasSpeed := speedSignal(st.SpeedKmh, known)

	weak := make([]signal, 0, 3)
	if hasSpeed {
		weak = append(weak, speedSig)
	}
	if s, ok := voltageSignal(raw.Voltage); ok {
		weak = append(weak, s)
	}
	if s, ok := displacementSignal(st, prev); ok {
		weak = append(weak, s)
	}
	if d, ok := fuse(weak); ok {
		return d
	}

	if hasSpeed {
		return Detection{Ignition: speedSig.ignition, Confidence: speedSig.confidence, Method: models.DetectionSpeedInference}
	}

	d := Detection{Confidence: ConfidenceUnknown, Method: models.DetectionUnknown}
	if known != nil {
		d.Ignition = *known
	}
	return d
}

// ParseIgnitionText 解析自由文本状态中的点火信息
func ParseIgnitionText(status string) (bool, bool) {
	status = strings.TrimSpace(status)
	if status == "" {
		return false, false
	}
	if m := ignitionPattern.FindStringSubmatch(status); m != nil {
		switch strings.ToLower(m[1]) {
		case "on", "1", "true":
			return true, true
		default:
			return false, true
		}
	}
	if ignitionOnCN.MatchString(status) {
		return true, true
	}
	if ignitionOffCN.MatchString(status) {
		return false, true
	}
	return false, false
}

// speedSignal 速度推断
// >5 点火 0.4；>3 点火 0.3；<=3 且此前为熄火则熄火 0.5
func speedSignal(speed float64, known *bool) (signal, bool) {
	switch {
	case speed > speedLikelyOn:
		return signal{name: "speed", ignition: true, confidence: 0.4}, true
	case speed > speedMaybeOn:
		return signal{name: "speed", ignition: true, confidence: 0.3}, true
	case known != nil && !*known:
		return signal{name: "speed", ignition: false, confidence: 0.5}, true
	}
	return signal{}, false
}

func voltageSignal(v vendor.FlexFloat) (signal, bool) {
	if !v.Valid || v.Value <= 0 {
		return signal{}, false
	}
	switch {
	case v.Value >= voltageRunning:
		return signal{name: "voltage", ignition: true}, true
	case v.Value <= voltageResting:
		return signal{name: "voltage", ignition: false}, true
	}
	return signal{}, false
}

// displacementSignal 与上一个有效位置相比短时间内明显位移
func displacementSignal(st models.CanonicalState, prev *models.CurrentPosition) (signal, bool) {
	if prev == nil || !st.LocationValid {
		return signal{}, false
	}
	lat, lon, at := prev.Latitude, prev.Longitude, prev.RecordedAt
	if !prev.LocationValid {
		if prev.LastValidAt == nil {
			return signal{}, false
		}
		lat, lon, at = prev.LastValidLat, prev.LastValidLon, *prev.LastValidAt
	}
	if !models.ValidCoordinatePtr(lat, lon) {
		return signal{}, false
	}
	dt := st.RecordedAt.Sub(at)
	if dt <= 0 || dt > displacementAge {
		return signal{}, false
	}
	meters := models.HaversineKm(*lat, *lon, *st.Latitude, *st.Longitude) * 1000
	if meters < displacementMin {
		return signal{}, false
	}
	return signal{name: "displacement", ignition: true}, true
}

// fuse 两个及以上弱信号一致且无矛盾时提升置信度
func fuse(weak []signal) (Detection, bool) {
	if len(weak) < 2 {
		return Detection{}, false
	}
	for _, s := range weak[1:] {
		if s.ignition != weak[0].ignition {
			return Detection{}, false
		}
	}
	conf := ConfidenceFusedTwo
	if len(weak) >= 3 {
		conf = ConfidenceFusedThree
	}
	return Detection{Ignition: weak[0].ignition, Confidence: conf, Method: models.DetectionMultiSignal}, true
}

// previousIgnition 此前已知的点火状态，未知时返回 nil
func previousIgnition(prev *models.CurrentPosition) *bool {
	if prev == nil {
		return nil
	}
	if prev.IgnitionConfidence > 0 {
		v := prev.Ignition
		return &v
	}
	return prev.LastIgnition
}
