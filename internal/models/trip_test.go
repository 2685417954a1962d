package models

import (
	"testing"
	"time"
)

func fptr(v float64) *float64 { return &v }

func tptr(t time.Time) *time.Time { return &t }

func TestValidCoordinate(t *testing.T) {
	tests := []struct {
		lat, lon float64
		want     bool
	}{
		{0, 0, false},
		{91, 0, false},
		{0, 181, false},
		{-90.1, 10, false},
		{6.5, 3.3, true},
		{-90, -180, true},
		{0, 12.5, true},
	}
	for _, tt := range tests {
		if got := ValidCoordinate(tt.lat, tt.lon); got != tt.want {
			t.Errorf("ValidCoordinate(%v, %v) = %v, want %v", tt.lat, tt.lon, got, tt.want)
		}
	}
}

func TestHaversineKm(t *testing.T) {
	// 赤道上经度相差 1 度约 111.2km
	d := HaversineKm(0, 10, 0, 11)
	if d < 111 || d > 111.4 {
		t.Errorf("Expected ~111.2km, got %v", d)
	}
	if HaversineKm(6.5, 3.3, 6.5, 3.3) != 0 {
		t.Error("Expected zero distance for identical points")
	}
}

func TestTripScore(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	trip := &Trip{StartTime: start, EndTime: tptr(start.Add(10 * time.Minute))}
	if trip.Score() != 0 {
		t.Errorf("Expected score 0, got %d", trip.Score())
	}

	trip.StartLatitude, trip.StartLongitude = fptr(6.5), fptr(3.3)
	trip.EndLatitude, trip.EndLongitude = fptr(0), fptr(0)
	trip.DistanceKm = 4.2
	trip.DurationSeconds = trip.DeriveDuration()
	if trip.Score() != 3 {
		t.Errorf("Expected score 3 (null-island end ignored), got %d", trip.Score())
	}
}

func TestShouldReplace(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	bare := &Trip{Source: TripSourceVendor, StartTime: start, EndTime: tptr(end), DurationSeconds: 1800, CreatedAt: created}
	rich := &Trip{
		Source: TripSourceVendor, StartTime: start, EndTime: tptr(end), DurationSeconds: 1800, DistanceKm: 12,
		StartLatitude: fptr(6.5), StartLongitude: fptr(3.3), EndLatitude: fptr(6.6), EndLongitude: fptr(3.4),
		CreatedAt: created,
	}
	olderBare := *bare
	olderBare.CreatedAt = created.Add(-time.Hour)
	newerBare := *bare
	newerBare.CreatedAt = created.Add(time.Hour)
	derived := *rich
	derived.Source = TripSourceDerived
	derived.CreatedAt = created.Add(time.Hour)

	tests := []struct {
		name     string
		existing *Trip
		incoming *Trip
		want     bool
	}{
		{"better quality replaces", bare, rich, true},
		{"worse quality is a no-op", rich, &olderBare, false},
		{"worse quality even if newer", rich, &newerBare, false},
		{"identical data is a no-op", bare, bare, false},
		{"equal score newer replaces", bare, &newerBare, true},
		{"equal score older is a no-op", bare, &olderBare, false},
		{"different source never replaces", bare, &derived, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldReplace(tt.existing, tt.incoming); got != tt.want {
				t.Errorf("ShouldReplace = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNearDuplicate(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	a := &Trip{DeviceID: 1, StartTime: start, EndTime: tptr(end)}
	b := &Trip{DeviceID: 1, StartTime: start, EndTime: tptr(end.Add(time.Second))}
	c := &Trip{DeviceID: 1, StartTime: start, EndTime: tptr(end.Add(3 * time.Second))}

	if !NearDuplicate(a, b) {
		t.Error("Expected trips 1s apart to be near-duplicates")
	}
	if NearDuplicate(a, a) {
		t.Error("Same key is not a near-duplicate")
	}
	if NearDuplicate(a, c) {
		t.Error("Trips 3s apart are distinct")
	}
	if !SameKey(a, &Trip{DeviceID: 1, StartTime: start, EndTime: tptr(end)}) {
		t.Error("Expected same natural key")
	}
}

func TestDurationConsistent(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	trip := &Trip{StartTime: start, EndTime: tptr(start.Add(90*time.Second + 400*time.Millisecond))}
	trip.DurationSeconds = trip.DeriveDuration()
	if trip.DurationSeconds != 90 || !trip.DurationConsistent() {
		t.Errorf("Expected consistent 90s duration, got %d", trip.DurationSeconds)
	}
	trip.DurationSeconds = 95
	if trip.DurationConsistent() {
		t.Error("Expected 5s disagreement to be inconsistent")
	}
}
