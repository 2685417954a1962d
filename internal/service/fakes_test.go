package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/langchou/fleetgazer/internal/api/vendor"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/repository"
)

var errDown = errors.New("connection refused")

func testConfig() *config.Config {
	return &config.Config{
		VendorBatchSize:       50,
		MaxPlausibleSpeed:     200,
		AlternateUnitDivisor:  1000,
		OfflineAfter:          10 * time.Minute,
		IgnitionMinConfidence: 0.3,
		OverspeedKmh:          120,
		EventCooldown:         10 * time.Minute,
		OverspeedCooldown:     5 * time.Minute,
		TripLookback:          30 * 24 * time.Hour,
		TripSyncConcurrency:   2,
		ReconcileWindow:       15 * time.Minute,
		ReconcileLookback:     7 * 24 * time.Hour,
		ReconcileBatchSize:    200,
	}
}

// fakeUpstream 内存版厂商接口
type fakeUpstream struct {
	mu           sync.Mutex
	devices      []vendor.Device
	listErr      error
	positions    map[string][]vendor.RawPosition
	positionErrs map[string]error // 分块内含该设备时返回错误
	trips        map[string][]vendor.RawTrip
	tripErrs     map[string]error
	tripCalls    []tripCall
}

type tripCall struct {
	deviceID string
	from, to time.Time
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		positions:    map[string][]vendor.RawPosition{},
		positionErrs: map[string]error{},
		trips:        map[string][]vendor.RawTrip{},
		tripErrs:     map[string]error{},
	}
}

func (f *fakeUpstream) ListDevices(ctx context.Context) ([]vendor.Device, error) {
	return f.devices, f.listErr
}

func (f *fakeUpstream) LatestPositions(ctx context.Context, ids []string) ([]vendor.RawPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vendor.RawPosition
	for _, id := range ids {
		if err := f.positionErrs[id]; err != nil {
			return nil, err
		}
		out = append(out, f.positions[id]...)
	}
	return out, nil
}

func (f *fakeUpstream) Trips(ctx context.Context, id string, from, to time.Time) ([]vendor.RawTrip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripCalls = append(f.tripCalls, tripCall{deviceID: id, from: from, to: to})
	if err := f.tripErrs[id]; err != nil {
		return nil, err
	}
	return f.trips[id], nil
}

// fakeDevices 内存版设备存储
type fakeDevices struct {
	mu     sync.Mutex
	nextID int64
	byVID  map[string]*models.Device
	err    error
}

func newFakeDevices(vendorIDs ...string) *fakeDevices {
	f := &fakeDevices{byVID: map[string]*models.Device{}}
	for _, id := range vendorIDs {
		_ = f.Upsert(context.Background(), &models.Device{VendorID: id, Name: id})
	}
	return f
}

func (f *fakeDevices) Upsert(ctx context.Context, d *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if cur, ok := f.byVID[d.VendorID]; ok {
		d.ID = cur.ID
	} else {
		f.nextID++
		d.ID = f.nextID
	}
	d.Active = true
	d.DeactivatedAt = nil
	cp := *d
	f.byVID[d.VendorID] = &cp
	return nil
}

func (f *fakeDevices) DeactivateMissing(ctx context.Context, seen []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := map[string]bool{}
	for _, id := range seen {
		keep[id] = true
	}
	var n int64
	now := time.Now()
	for id, d := range f.byVID {
		if d.Active && !keep[id] {
			d.Active = false
			d.DeactivatedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeDevices) ListActive(ctx context.Context) ([]*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Device
	for _, d := range f.byVID {
		if d.Active {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDevices) GetByVendorID(ctx context.Context, id string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byVID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// fakePositions 内存版位置存储，语义与 PositionRepository 一致
type fakePositions struct {
	mu      sync.Mutex
	nextID  int64
	history map[int64][]*models.PositionReading
	current map[int64]*models.CurrentPosition
	saveErr error
}

func newFakePositions() *fakePositions {
	return &fakePositions{
		history: map[int64][]*models.PositionReading{},
		current: map[int64]*models.CurrentPosition{},
	}
}

func (f *fakePositions) SaveReading(ctx context.Context, deviceID int64, st models.CanonicalState) (models.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return models.SaveResult{}, f.saveErr
	}
	var res models.SaveResult
	dup := false
	for _, p := range f.history[deviceID] {
		if p.RecordedAt.Equal(st.RecordedAt) {
			dup = true
			break
		}
	}
	if !dup {
		f.nextID++
		f.history[deviceID] = append(f.history[deviceID], &models.PositionReading{ID: f.nextID, DeviceID: deviceID, CanonicalState: st})
		res.Inserted = true
	}
	cur, ok := f.current[deviceID]
	if !ok {
		f.current[deviceID] = &models.CurrentPosition{DeviceID: deviceID, CanonicalState: st}
		res.Advanced = true
	} else if cur.RecordedAt.Before(st.RecordedAt) {
		cur.CanonicalState = st
		res.Advanced = true
	}
	return res, nil
}

func (f *fakePositions) GetCurrent(ctx context.Context, deviceID int64) (*models.CurrentPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.current[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (f *fakePositions) SaveSnapshot(ctx context.Context, deviceID int64, basedOn time.Time, s models.DetectorSnapshot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.current[deviceID]
	if !ok || !cur.RecordedAt.Equal(basedOn) {
		return false, nil
	}
	cur.DetectorSnapshot = s
	return true, nil
}

func (f *fakePositions) NearestValid(ctx context.Context, deviceID int64, at time.Time, window time.Duration) (*models.PositionReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		best     *models.PositionReading
		bestDiff time.Duration
	)
	for _, p := range f.history[deviceID] {
		if !p.LocationValid {
			continue
		}
		diff := p.RecordedAt.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff > window {
			continue
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = p, diff
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (f *fakePositions) addHistory(deviceID int64, at time.Time, lat, lon float64) {
	st := models.CanonicalState{RecordedAt: at, Latitude: &lat, Longitude: &lon, LocationValid: models.ValidCoordinate(lat, lon)}
	_, _ = f.SaveReading(context.Background(), deviceID, st)
}

// fakeTrips 内存版行程存储，upsert 判定与 SQL 条件一致
type fakeTrips struct {
	mu        sync.Mutex
	nextID    int64
	rows      []*models.Trip
	flags     map[[2]int64]string
	cursors   map[int64]time.Time
	upsertErr error
}

func newFakeTrips() *fakeTrips {
	return &fakeTrips{flags: map[[2]int64]string{}, cursors: map[int64]time.Time{}}
}

func (f *fakeTrips) Upsert(ctx context.Context, t *models.Trip) (models.UpsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return "", f.upsertErr
	}
	t.QualityScore = t.Score()
	for i, row := range f.rows {
		if !models.SameKey(row, t) {
			continue
		}
		if !models.ShouldReplace(row, t) {
			return models.UpsertSkipped, nil
		}
		cp := *t
		cp.ID = row.ID
		cp.Source = row.Source
		f.rows[i] = &cp
		t.ID = row.ID
		return models.UpsertUpdated, nil
	}
	f.nextID++
	t.ID = f.nextID
	cp := *t
	f.rows = append(f.rows, &cp)
	return models.UpsertCreated, nil
}

func (f *fakeTrips) FindNearDuplicates(ctx context.Context, t *models.Trip) ([]*models.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Trip
	for _, row := range f.rows {
		if models.NearDuplicate(row, t) {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTrips) FlagForReview(ctx context.Context, tripID, dupOf int64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tripID > dupOf {
		tripID, dupOf = dupOf, tripID
	}
	key := [2]int64{tripID, dupOf}
	if _, ok := f.flags[key]; ok {
		return false, nil
	}
	f.flags[key] = reason
	return true, nil
}

func (f *fakeTrips) GetCursor(ctx context.Context, deviceID int64) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[deviceID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeTrips) AdvanceCursor(ctx context.Context, deviceID int64, to time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cursors[deviceID]; !ok || c.Before(to) {
		f.cursors[deviceID] = to
	}
	return nil
}

func (f *fakeTrips) ListNeedingReconcile(ctx context.Context, filter repository.ReconcileFilter) ([]*models.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Trip
	for _, row := range f.rows {
		switch {
		case row.ID <= filter.AfterID, row.EndTime == nil:
			continue
		case filter.DeviceID != nil && row.DeviceID != *filter.DeviceID:
			continue
		case row.StartTime.Before(filter.From) || !row.StartTime.Before(filter.To):
			continue
		case row.HasValidStart() && row.HasValidEnd():
			continue
		}
		cp := *row
		out = append(out, &cp)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTrips) FillCoordinates(ctx context.Context, id int64, fix repository.CoordinateFix) (*models.Trip, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		changed := false
		if !row.HasValidStart() && models.ValidCoordinatePtr(fix.StartLat, fix.StartLon) {
			row.StartLatitude, row.StartLongitude = fix.StartLat, fix.StartLon
			changed = true
		}
		if !row.HasValidEnd() && models.ValidCoordinatePtr(fix.EndLat, fix.EndLon) {
			row.EndLatitude, row.EndLongitude = fix.EndLat, fix.EndLon
			changed = true
		}
		if changed {
			row.QualityScore = row.Score()
			now := time.Now()
			row.ReconciledAt = &now
		}
		cp := *row
		return &cp, changed, nil
	}
	return nil, false, repository.ErrNotFound
}

func (f *fakeTrips) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// fakeEvents 内存版事件存储，冷却窗口为开区间 (t-cd, t+cd)
type fakeEvents struct {
	mu     sync.Mutex
	nextID int64
	rows   []*models.Event
	err    error
}

func (f *fakeEvents) Insert(ctx context.Context, e *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(e)
}

func (f *fakeEvents) insertLocked(e *models.Event) error {
	if f.err != nil {
		return f.err
	}
	f.nextID++
	e.ID = f.nextID
	cp := *e
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeEvents) InsertWithCooldown(ctx context.Context, e *models.Event, cooldown time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.CooldownKey != e.CooldownKey {
			continue
		}
		if row.OccurredAt.After(e.OccurredAt.Add(-cooldown)) && row.OccurredAt.Before(e.OccurredAt.Add(cooldown)) {
			return false, nil
		}
	}
	if err := f.insertLocked(e); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeEvents) types() []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EventType, 0, len(f.rows))
	for _, e := range f.rows {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeEvents) countOf(t models.EventType) int {
	n := 0
	for _, got := range f.types() {
		if got == t {
			n++
		}
	}
	return n
}

// fakeGate 与 Redis 冷却脚本相同的判定
type fakeGate struct {
	mu       sync.Mutex
	last     map[string]int64
	err      error
	released []string
}

func newFakeGate() *fakeGate {
	return &fakeGate{last: map[string]int64{}}
}

func (g *fakeGate) AcquireCooldown(ctx context.Context, key string, at time.Time, cd time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	ms := at.UnixMilli()
	if prev, ok := g.last[key]; ok {
		diff := ms - prev
		if diff < 0 {
			diff = -diff
		}
		if diff < cd.Milliseconds() {
			return false, nil
		}
		if ms < prev {
			return true, nil
		}
	}
	g.last[key] = ms
	return true, nil
}

func (g *fakeGate) ReleaseCooldown(ctx context.Context, key string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last[key] == at.UnixMilli() {
		delete(g.last, key)
	}
	g.released = append(g.released, key)
	return nil
}

// fakePublisher 记录推送内容
type fakePublisher struct {
	mu     sync.Mutex
	states []*models.CurrentPosition
	events []*models.Event
}

func (p *fakePublisher) PublishState(ctx context.Context, cp *models.CurrentPosition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, cp)
	return nil
}

func (p *fakePublisher) PublishEvent(ctx context.Context, e *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// fakeRecorder 记录任务运行
type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	finished map[string]models.JobStatus
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{finished: map[string]models.JobStatus{}}
}

func (r *fakeRecorder) Start(ctx context.Context, runID, job string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
	return nil
}

func (r *fakeRecorder) Finish(ctx context.Context, runID string, status models.JobStatus, summary any, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[runID] = status
	return nil
}

func (r *fakeRecorder) status(runID string) models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[runID]
}
