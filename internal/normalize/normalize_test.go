package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/models"
)

var now = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func fptr(v float64) *float64 { return &v }

func bptr(v bool) *bool { return &v }

func TestNormalizeSpeed(t *testing.T) {
	opts := DefaultOptions(now)
	tests := []struct {
		name          string
		raw           vendor.FlexFloat
		want          float64
		wantCorrected bool
	}{
		{"alternate unit", vendor.Float(300000), 300, true},
		{"plausible", vendor.Float(120), 120, false},
		{"at threshold", vendor.Float(200), 200, false},
		{"negative", vendor.Float(-5), 0, false},
		{"nan", vendor.Float(math.NaN()), 0, false},
		{"missing", vendor.FlexFloat{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, corrected := NormalizeSpeed(tt.raw, opts)
			if got != tt.want || corrected != tt.wantCorrected {
				t.Errorf("NormalizeSpeed = (%v, %v), want (%v, %v)", got, corrected, tt.want, tt.wantCorrected)
			}
		})
	}
}

func TestNormalizeSpeedThresholdConfigurable(t *testing.T) {
	opts := DefaultOptions(now)
	opts.MaxPlausibleSpeed = 300
	if got, corrected := NormalizeSpeed(vendor.Float(250), opts); got != 250 || corrected {
		t.Errorf("Expected 250 unchanged with raised threshold, got %v %v", got, corrected)
	}
}

func TestCoordinatesValidated(t *testing.T) {
	tests := []struct {
		lat, lon float64
		valid    bool
	}{
		{0, 0, false},
		{91, 0, false},
		{0, 181, false},
		{6.5, 3.3, true},
	}
	for _, tt := range tests {
		raw := vendor.RawPosition{DeviceID: "d1", GPSTime: vendor.At(now), Lat: vendor.Float(tt.lat), Lng: vendor.Float(tt.lon)}
		st := Normalize(raw, nil, DefaultOptions(now))
		if st.LocationValid != tt.valid {
			t.Errorf("(%v, %v): LocationValid = %v, want %v", tt.lat, tt.lon, st.LocationValid, tt.valid)
		}
		if !tt.valid && (st.Latitude != nil || st.Longitude != nil) {
			t.Errorf("(%v, %v): invalid coordinates must not be stored", tt.lat, tt.lon)
		}
	}
}

func TestDetectionTiers(t *testing.T) {
	prevOff := &models.CurrentPosition{CanonicalState: models.CanonicalState{
		RecordedAt: now.Add(-time.Minute), Ignition: false, IgnitionConfidence: 1, DetectionMethod: models.DetectionStatusBit,
	}}
	prevMoved := &models.CurrentPosition{CanonicalState: models.CanonicalState{
		RecordedAt: now.Add(-time.Minute), Latitude: fptr(6.5), Longitude: fptr(3.3), LocationValid: true,
	}}

	tests := []struct {
		name     string
		raw      vendor.RawPosition
		prev     *models.CurrentPosition
		method   models.DetectionMethod
		ignition bool
		conf     float64
	}{
		{
			name:   "status bit wins over text",
			raw:    vendor.RawPosition{ACC: vendor.Bool(true), Status: "ACC:OFF"},
			method: models.DetectionStatusBit, ignition: true, conf: 1.0,
		},
		{
			name:   "string parse colon",
			raw:    vendor.RawPosition{Status: "ACC:ON,GPS fixed", Speed: vendor.Float(0)},
			method: models.DetectionStringParse, ignition: true, conf: 0.9,
		},
		{
			name:   "string parse underscore",
			raw:    vendor.RawPosition{Status: "acc_off", Speed: vendor.Float(60)},
			method: models.DetectionStringParse, ignition: false, conf: 0.9,
		},
		{
			name:   "string parse equals",
			raw:    vendor.RawPosition{Status: "Ignition=1"},
			method: models.DetectionStringParse, ignition: true, conf: 0.9,
		},
		{
			name:   "speed above five",
			raw:    vendor.RawPosition{Speed: vendor.Float(42)},
			method: models.DetectionSpeedInference, ignition: true, conf: 0.4,
		},
		{
			name:   "speed above three",
			raw:    vendor.RawPosition{Speed: vendor.Float(4)},
			method: models.DetectionSpeedInference, ignition: true, conf: 0.3,
		},
		{
			name:   "slow and previously off",
			raw:    vendor.RawPosition{Speed: vendor.Float(1)},
			prev:   prevOff,
			method: models.DetectionSpeedInference, ignition: false, conf: 0.5,
		},
		{
			name:   "speed and voltage agree",
			raw:    vendor.RawPosition{Speed: vendor.Float(30), Voltage: vendor.Float(13.8)},
			method: models.DetectionMultiSignal, ignition: true, conf: 0.6,
		},
		{
			name: "three signals agree",
			raw: vendor.RawPosition{
				GPSTime: vendor.At(now), Speed: vendor.Float(30), Voltage: vendor.Float(13.8),
				Lat: vendor.Float(6.51), Lng: vendor.Float(3.3),
			},
			prev:   prevMoved,
			method: models.DetectionMultiSignal, ignition: true, conf: 0.7,
		},
		{
			name:   "conflicting weak signals fall back to speed",
			raw:    vendor.RawPosition{Speed: vendor.Float(30), Voltage: vendor.Float(12.1)},
			method: models.DetectionSpeedInference, ignition: true, conf: 0.4,
		},
		{
			name:   "voltage alone is not enough",
			raw:    vendor.RawPosition{Voltage: vendor.Float(14)},
			method: models.DetectionUnknown, ignition: false, conf: 0,
		},
		{
			name:   "unknown keeps previous value",
			raw:    vendor.RawPosition{Status: "GPS fixed"},
			prev:   &models.CurrentPosition{CanonicalState: models.CanonicalState{Ignition: true, IgnitionConfidence: 0.9}},
			method: models.DetectionUnknown, ignition: true, conf: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.raw.GPSTime.IsZero() {
				tt.raw.GPSTime = vendor.At(now)
			}
			st := Normalize(tt.raw, tt.prev, DefaultOptions(now))
			if st.DetectionMethod != tt.method || st.Ignition != tt.ignition || st.IgnitionConfidence != tt.conf {
				t.Errorf("got (%s, %v, %v), want (%s, %v, %v)",
					st.DetectionMethod, st.Ignition, st.IgnitionConfidence, tt.method, tt.ignition, tt.conf)
			}
		})
	}
}

func TestSpeedInferenceConfidenceBounded(t *testing.T) {
	for _, speed := range []float64{0, 1, 3, 3.1, 5, 5.1, 80, 199} {
		for _, prev := range []*bool{nil, bptr(true), bptr(false)} {
			var cp *models.CurrentPosition
			if prev != nil {
				cp = &models.CurrentPosition{DetectorSnapshot: models.DetectorSnapshot{LastIgnition: prev}}
			}
			st := Normalize(vendor.RawPosition{GPSTime: vendor.At(now), Speed: vendor.Float(speed)}, cp, DefaultOptions(now))
			if st.DetectionMethod == models.DetectionSpeedInference && (st.IgnitionConfidence < 0.3 || st.IgnitionConfidence > 0.5) {
				t.Errorf("speed %v: confidence %v out of range", speed, st.IgnitionConfidence)
			}
		}
	}
}

func TestParseIgnitionText(t *testing.T) {
	tests := []struct {
		in     string
		on, ok bool
	}{
		{"ACC:ON", true, true},
		{"acc off", false, true},
		{"ACC_OFF", false, true},
		{"gps_acc_on_fix", true, true},
		{"engine=0", false, true},
		{"KEY-ON", true, true},
		{"ACC开", true, true},
		{"已熄火", false, true},
		{"account locked", false, false},
		{"GPS fixed", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		on, ok := ParseIgnitionText(tt.in)
		if on != tt.on || ok != tt.ok {
			t.Errorf("ParseIgnitionText(%q) = (%v, %v), want (%v, %v)", tt.in, on, ok, tt.on, tt.ok)
		}
	}
}

func TestBatteryAndOnline(t *testing.T) {
	opts := DefaultOptions(now)

	st := Normalize(vendor.RawPosition{GPSTime: vendor.At(now.Add(-time.Minute)), Battery: vendor.Float(130)}, nil, opts)
	if st.BatteryPercent == nil || *st.BatteryPercent != 100 {
		t.Errorf("Expected battery clamped to 100, got %v", st.BatteryPercent)
	}
	if !st.Online {
		t.Error("Recent reading should be online")
	}

	st = Normalize(vendor.RawPosition{GPSTime: vendor.At(now.Add(-time.Hour))}, nil, opts)
	if st.BatteryPercent != nil {
		t.Error("Missing battery should stay nil")
	}
	if st.Online {
		t.Error("Stale reading should be offline")
	}

	st = Normalize(vendor.RawPosition{GPSTime: vendor.At(now.Add(-time.Hour)), Online: vendor.Bool(true)}, nil, opts)
	if !st.Online {
		t.Error("Vendor online flag should win")
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := vendor.RawPosition{
		DeviceID: "d1", GPSTime: vendor.At(now), Lat: vendor.Float(6.5), Lng: vendor.Float(3.3),
		Speed: vendor.Float(300000), Status: "ACC:ON", Course: vendor.Float(-90),
	}
	a := Normalize(raw, nil, DefaultOptions(now))
	b := Normalize(raw, nil, DefaultOptions(now))
	if a.SpeedKmh != b.SpeedKmh || a.DetectionMethod != b.DetectionMethod || *a.Heading != *b.Heading {
		t.Error("Normalize must be deterministic")
	}
	if a.SpeedKmh != 300 || !a.SpeedUnitCorrected {
		t.Errorf("Expected 300 km/h corrected, got %v %v", a.SpeedKmh, a.SpeedUnitCorrected)
	}
	if *a.Heading != 270 {
		t.Errorf("Expected heading 270, got %d", *a.Heading)
	}
}
