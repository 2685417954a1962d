package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/models"
)

type tripFixture struct {
	svc     *TripSyncService
	up      *fakeUpstream
	devices *fakeDevices
	trips   *fakeTrips
	now     time.Time
}

func newTripFixture(t *testing.T, vendorIDs ...string) *tripFixture {
	t.Helper()
	f := &tripFixture{
		up:      newFakeUpstream(),
		devices: newFakeDevices(vendorIDs...),
		trips:   newFakeTrips(),
		now:     t0.Add(48 * time.Hour),
	}
	f.svc = NewTripSyncService(testConfig(), zaptest.NewLogger(t), f.up, f.devices, f.trips)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *tripFixture) device(t *testing.T, id string) *models.Device {
	t.Helper()
	d, err := f.devices.GetByVendorID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func rawTrip(id string, start time.Time, minutes int, withCoords bool, createdAt time.Time) vendor.RawTrip {
	rt := vendor.RawTrip{
		TripID:     id,
		StartTime:  vendor.At(start),
		EndTime:    vendor.At(start.Add(time.Duration(minutes) * time.Minute)),
		DistanceKm: vendor.Float(12.5),
		CreatedAt:  vendor.At(createdAt),
	}
	if withCoords {
		rt.StartLat, rt.StartLng = vendor.Float(6.45), vendor.Float(3.39)
		rt.EndLat, rt.EndLng = vendor.Float(6.60), vendor.Float(3.35)
	} else {
		rt.StartLat, rt.StartLng = vendor.Float(0), vendor.Float(0)
	}
	return rt
}

func TestUpsertPrefersHigherQuality(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")
	ctx := context.Background()

	// A：无坐标
	f.up.trips["D1"] = []vendor.RawTrip{rawTrip("A", t0, 30, false, t0.Add(time.Hour))}
	res, err := f.svc.SyncDevice(ctx, dev, SyncFull)
	if err != nil || res.Created != 1 {
		t.Fatalf("Expected created, got %+v err=%v", res, err)
	}

	// A′：同一自然键，带坐标
	f.up.trips["D1"] = []vendor.RawTrip{rawTrip("A", t0, 30, true, t0.Add(2*time.Hour))}
	res, err = f.svc.SyncDevice(ctx, dev, SyncFull)
	if err != nil || res.Updated != 1 {
		t.Fatalf("Expected updated, got %+v err=%v", res, err)
	}

	// A″：无坐标且更旧
	f.up.trips["D1"] = []vendor.RawTrip{rawTrip("A", t0, 30, false, t0.Add(30*time.Minute))}
	res, err = f.svc.SyncDevice(ctx, dev, SyncFull)
	if err != nil || res.Skipped != 1 {
		t.Fatalf("Expected skipped, got %+v err=%v", res, err)
	}

	if f.trips.count() != 1 {
		t.Fatalf("Expected a single row, got %d", f.trips.count())
	}
	row := f.trips.rows[0]
	if !row.HasValidStart() || !row.HasValidEnd() || row.QualityScore != 4 {
		t.Errorf("Expected coordinates kept, got %+v", row)
	}
}

func TestIdenticalTripTwiceIsOneRow(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")
	f.up.trips["D1"] = []vendor.RawTrip{rawTrip("A", t0, 30, true, t0.Add(time.Hour))}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.SyncDevice(context.Background(), dev, SyncFull); err != nil {
			t.Fatal(err)
		}
	}
	if f.trips.count() != 1 {
		t.Errorf("Expected one row, got %d", f.trips.count())
	}
}

func TestMissingCreatedAtIsStableAcrossFetches(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")
	rt := rawTrip("A", t0, 30, true, time.Time{})
	rt.CreatedAt = vendor.FlexTime{}
	f.up.trips["D1"] = []vendor.RawTrip{rt}

	f.svc.SyncDevice(context.Background(), dev, SyncFull)
	res, err := f.svc.SyncDevice(context.Background(), dev, SyncFull)
	if err != nil || res.Skipped != 1 {
		t.Errorf("Expected refetch to be a no-op, got %+v err=%v", res, err)
	}
}

func TestNearDuplicatesFlaggedNotMerged(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")

	a := rawTrip("A", t0, 30, true, t0.Add(time.Hour))
	b := a
	b.TripID = "B"
	b.EndTime = vendor.At(a.EndTime.Add(time.Second))
	f.up.trips["D1"] = []vendor.RawTrip{a, b}

	res, err := f.svc.SyncDevice(context.Background(), dev, SyncFull)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 2 || res.Flagged != 1 {
		t.Errorf("Expected both trips kept and one flag, got %+v", res)
	}
	if len(f.trips.flags) != 1 {
		t.Errorf("Expected one review flag, got %d", len(f.trips.flags))
	}

	// 再同步一次不会重复标记
	res, _ = f.svc.SyncDevice(context.Background(), dev, SyncFull)
	if res.Flagged != 0 || len(f.trips.flags) != 1 {
		t.Errorf("Expected no new flags, got %+v", res)
	}
}

func TestCursorAdvancesAndResumes(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")
	ctx := context.Background()

	later := t0.Add(3 * time.Hour)
	f.up.trips["D1"] = []vendor.RawTrip{
		rawTrip("B", later, 20, true, later.Add(time.Hour)),
		rawTrip("A", t0, 30, true, t0.Add(time.Hour)),
	}
	res, err := f.svc.SyncDevice(ctx, dev, SyncIncremental)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cursor == nil || !res.Cursor.Equal(later) {
		t.Fatalf("Expected cursor at last written start %s, got %v", later, res.Cursor)
	}
	if first := f.up.tripCalls[0]; !first.from.Equal(f.now.Add(-30 * 24 * time.Hour)) {
		t.Errorf("Expected default lookback without cursor, got %s", first.from)
	}

	if _, err := f.svc.SyncDevice(ctx, dev, SyncIncremental); err != nil {
		t.Fatal(err)
	}
	if second := f.up.tripCalls[1]; !second.from.Equal(later) {
		t.Errorf("Expected incremental fetch from cursor, got %s", second.from)
	}

	if _, err := f.svc.SyncDevice(ctx, dev, SyncFull); err != nil {
		t.Fatal(err)
	}
	if third := f.up.tripCalls[2]; !third.from.Equal(f.now.Add(-30 * 24 * time.Hour)) {
		t.Errorf("Expected full mode to ignore cursor, got %s", third.from)
	}
}

func TestInProgressSkippedAndDurationDerived(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")

	open := rawTrip("OPEN", t0.Add(time.Hour), 0, true, t0)
	open.EndTime = vendor.FlexTime{}
	bad := rawTrip("BAD", t0, 30, true, t0.Add(time.Hour))
	bad.Duration = vendor.Float(999)
	f.up.trips["D1"] = []vendor.RawTrip{open, bad}

	res, err := f.svc.SyncDevice(context.Background(), dev, SyncFull)
	if err != nil {
		t.Fatal(err)
	}
	if res.InProgress != 1 || res.Created != 1 {
		t.Errorf("Unexpected result %+v", res)
	}
	row := f.trips.rows[0]
	if row.DurationSeconds != 1800 || !row.DurationConsistent() {
		t.Errorf("Expected derived duration 1800, got %d", row.DurationSeconds)
	}
	if row.Source != models.TripSourceVendor {
		t.Errorf("Expected vendor source, got %s", row.Source)
	}
}

func TestSyncAllIsolatesDeviceFailures(t *testing.T) {
	f := newTripFixture(t, "D1", "D2", "D3")
	f.up.trips["D1"] = []vendor.RawTrip{rawTrip("A", t0, 30, true, t0)}
	f.up.trips["D3"] = []vendor.RawTrip{rawTrip("C", t0, 10, true, t0)}
	f.up.tripErrs["D2"] = &vendor.APIError{Endpoint: vendor.EndpointTrips, Status: 503, Class: vendor.ClassOther}

	batch, err := f.svc.SyncAll(context.Background(), SyncIncremental)
	if err != nil {
		t.Fatalf("Expected batch to succeed, got %v", err)
	}
	if batch.Succeeded != 2 || len(batch.Failures) != 1 || batch.Failures[0].DeviceID != "D2" {
		t.Errorf("Unexpected batch %+v", batch)
	}
	if batch.Created != 2 || !batch.Partial() {
		t.Errorf("Expected 2 created and partial status, got %+v", batch)
	}
}

func TestSyncAllAbortsOnAuthExpired(t *testing.T) {
	f := newTripFixture(t, "D1")
	f.up.tripErrs["D1"] = &vendor.APIError{Endpoint: vendor.EndpointTrips, Status: 401, Class: vendor.ClassAuthExpired}

	_, err := f.svc.SyncAll(context.Background(), SyncIncremental)
	if !errors.Is(err, vendor.ErrAuthExpired) {
		t.Errorf("Expected auth expired, got %v", err)
	}
}

func TestStoreFailureLeavesCursor(t *testing.T) {
	f := newTripFixture(t, "D1")
	dev := f.device(t, "D1")
	f.up.trips["D1"] = []vendor.RawTrip{rawTrip("A", t0, 30, true, t0)}
	f.trips.upsertErr = errDown

	_, err := f.svc.SyncDevice(context.Background(), dev, SyncIncremental)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Expected store unavailable, got %v", err)
	}
	if c, _ := f.trips.GetCursor(context.Background(), dev.ID); c != nil {
		t.Errorf("Cursor must not advance, got %s", c)
	}
}

func TestSyncUnknownDevice(t *testing.T) {
	f := newTripFixture(t)
	if _, err := f.svc.SyncDeviceByVendorID(context.Background(), "NOPE", SyncFull); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected unknown device, got %v", err)
	}
}
