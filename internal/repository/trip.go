package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fleetgazer/internal/models"
)

const tripColumns = `id, device_id, source, vendor_trip_id, start_time, end_time,
	start_latitude, start_longitude, end_latitude, end_longitude,
	distance_km, duration_seconds, avg_speed_kmh, max_speed_kmh, quality_score,
	created_at, reconciled_at, ingested_at`

// TripFilter 行程查询条件
type TripFilter struct {
	DeviceID int64
	Source   models.TripSource // 为空时不过滤
	From     time.Time
	To       time.Time
	Limit    int
}

// ReconcileFilter 待补坐标行程的分页条件，按 id 做 keyset 分页
type ReconcileFilter struct {
	DeviceID *int64
	From     time.Time
	To       time.Time
	AfterID  int64
	Limit    int
}

// CoordinateFix 候选坐标，nil 表示该端没有候选
type CoordinateFix struct {
	StartLat, StartLon *float64
	EndLat, EndLon     *float64
}

// TripRepository 行程数据仓库
type TripRepository struct {
	db *DB
}

// NewTripRepository 创建行程仓库
func NewTripRepository(db *DB) *TripRepository {
	return &TripRepository{db: db}
}

// Upsert 按自然键 (device_id, start_time, end_time) 写入行程
// 冲突时只有来源相同且质量分更高，或同分但数据更新时才覆盖，整个判断在一条语句内完成
func (r *TripRepository) Upsert(ctx context.Context, t *models.Trip) (models.UpsertOutcome, error) {
	t.QualityScore = t.Score()
	query := `
		INSERT INTO trips (device_id, source, vendor_trip_id, start_time, end_time,
			start_latitude, start_longitude, end_latitude, end_longitude,
			distance_km, duration_seconds, avg_speed_kmh, max_speed_kmh, quality_score, created_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT ON CONSTRAINT trips_natural_key DO UPDATE SET
			vendor_trip_id = EXCLUDED.vendor_trip_id,
			start_latitude = EXCLUDED.start_latitude,
			start_longitude = EXCLUDED.start_longitude,
			end_latitude = EXCLUDED.end_latitude,
			end_longitude = EXCLUDED.end_longitude,
			distance_km = EXCLUDED.distance_km,
			duration_seconds = EXCLUDED.duration_seconds,
			avg_speed_kmh = EXCLUDED.avg_speed_kmh,
			max_speed_kmh = EXCLUDED.max_speed_kmh,
			quality_score = EXCLUDED.quality_score,
			created_at = EXCLUDED.created_at,
			ingested_at = NOW()
		WHERE trips.source = EXCLUDED.source
			AND (EXCLUDED.quality_score > trips.quality_score
				OR (EXCLUDED.quality_score = trips.quality_score AND EXCLUDED.created_at > trips.created_at))
		RETURNING id, (xmax = 0) AS inserted
	`
	var inserted bool
	err := r.db.Pool.QueryRow(ctx, query,
		t.DeviceID,
		string(t.Source),
		t.VendorTripID,
		t.StartTime,
		t.EndTime,
		t.StartLatitude,
		t.StartLongitude,
		t.EndLatitude,
		t.EndLongitude,
		t.DistanceKm,
		t.DurationSeconds,
		t.AvgSpeedKmh,
		t.MaxSpeedKmh,
		t.QualityScore,
		t.CreatedAt,
	).Scan(&t.ID, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UpsertSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("upsert trip: %w", err)
	}
	if inserted {
		return models.UpsertCreated, nil
	}
	return models.UpsertUpdated, nil
}

// FindByKey 按自然键查找
func (r *TripRepository) FindByKey(ctx context.Context, deviceID int64, start time.Time, end *time.Time) (*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips
		WHERE device_id = $1 AND start_time = $2 AND end_time IS NOT DISTINCT FROM $3`
	t := &models.Trip{}
	if err := scanTrip(r.db.Pool.QueryRow(ctx, query, deviceID, start, end), t); err != nil {
		return nil, fmt.Errorf("find trip by key: %w", notFound(err))
	}
	return t, nil
}

// FindNearDuplicates 同一起点、终点相差 1 秒以内但不相等的行程
func (r *TripRepository) FindNearDuplicates(ctx context.Context, t *models.Trip) ([]*models.Trip, error) {
	if t.EndTime == nil {
		return nil, nil
	}
	query := `SELECT ` + tripColumns + ` FROM trips
		WHERE device_id = $1 AND start_time = $2
			AND end_time IS NOT NULL AND end_time <> $3
			AND end_time >= $4 AND end_time <= $5
		ORDER BY id`
	rows, err := r.db.Pool.Query(ctx, query, t.DeviceID, t.StartTime, *t.EndTime,
		t.EndTime.Add(-time.Second), t.EndTime.Add(time.Second))
	if err != nil {
		return nil, fmt.Errorf("find near duplicate trips: %w", err)
	}
	return collectTrips(rows)
}

// FlagForReview 记录疑似重复，同一对行程只记录一次
func (r *TripRepository) FlagForReview(ctx context.Context, tripID, duplicateOf int64, reason string) (bool, error) {
	a, b := tripID, duplicateOf
	if a > b {
		a, b = b, a
	}
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trip_review_flags (trip_id, duplicate_of, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT trip_review_flags_pair DO NOTHING
	`, a, b, reason)
	if err != nil {
		return false, fmt.Errorf("flag trip for review: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListReviewFlags 列出待复核的疑似重复
func (r *TripRepository) ListReviewFlags(ctx context.Context, includeResolved bool, limit int) ([]*models.TripReviewFlag, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, trip_id, duplicate_of, reason, resolved, created_at
		FROM trip_review_flags
		WHERE ($1 OR NOT resolved)
		ORDER BY created_at DESC
		LIMIT $2
	`, includeResolved, limit)
	if err != nil {
		return nil, fmt.Errorf("list review flags: %w", err)
	}
	defer rows.Close()

	var flags []*models.TripReviewFlag
	for rows.Next() {
		f := &models.TripReviewFlag{}
		if err := rows.Scan(&f.ID, &f.TripID, &f.DuplicateOf, &f.Reason, &f.Resolved, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// ResolveReviewFlag 标记复核完成
func (r *TripRepository) ResolveReviewFlag(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE trip_review_flags SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolve review flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID 通过 ID 获取行程
func (r *TripRepository) GetByID(ctx context.Context, id int64) (*models.Trip, error) {
	t := &models.Trip{}
	if err := scanTrip(r.db.Pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id), t); err != nil {
		return nil, fmt.Errorf("get trip by id: %w", notFound(err))
	}
	return t, nil
}

// List 按设备和时间范围查询行程
func (r *TripRepository) List(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + tripColumns + ` FROM trips
		WHERE device_id = $1 AND start_time >= $2 AND start_time < $3
			AND ($4 = '' OR source = $4)
		ORDER BY start_time DESC
		LIMIT $5`
	rows, err := r.db.Pool.Query(ctx, query, f.DeviceID, f.From, f.To, string(f.Source), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	return collectTrips(rows)
}

// ListNeedingReconcile 查找起点或终点坐标无效的已结束行程
func (r *TripRepository) ListNeedingReconcile(ctx context.Context, f ReconcileFilter) ([]*models.Trip, error) {
	if f.Limit <= 0 {
		f.Limit = 200
	}
	query := `SELECT ` + tripColumns + ` FROM trips
		WHERE start_time >= $1 AND start_time < $2
			AND ($3::bigint IS NULL OR device_id = $3)
			AND id > $4
			AND end_time IS NOT NULL
			AND (NOT ` + validCoordinateSQL("start") + ` OR NOT ` + validCoordinateSQL("end") + `)
		ORDER BY id
		LIMIT $5`
	rows, err := r.db.Pool.Query(ctx, query, f.From, f.To, f.DeviceID, f.AfterID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list trips needing reconcile: %w", err)
	}
	return collectTrips(rows)
}

// FillCoordinates 用候选坐标补全仍然无效的一端，并重新计算质量分
// 已有效的一端不会被覆盖，重复执行是空操作
func (r *TripRepository) FillCoordinates(ctx context.Context, id int64, fix CoordinateFix) (*models.Trip, bool, error) {
	var (
		trip    = &models.Trip{}
		changed bool
	)
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if err := scanTrip(tx.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, id), trip); err != nil {
			return notFound(err)
		}

		if !trip.HasValidStart() && models.ValidCoordinatePtr(fix.StartLat, fix.StartLon) {
			trip.StartLatitude, trip.StartLongitude = fix.StartLat, fix.StartLon
			changed = true
		}
		if !trip.HasValidEnd() && models.ValidCoordinatePtr(fix.EndLat, fix.EndLon) {
			trip.EndLatitude, trip.EndLongitude = fix.EndLat, fix.EndLon
			changed = true
		}
		if !changed {
			return nil
		}

		trip.QualityScore = trip.Score()
		now := time.Now()
		trip.ReconciledAt = &now
		_, err := tx.Exec(ctx, `
			UPDATE trips SET
				start_latitude = $2,
				start_longitude = $3,
				end_latitude = $4,
				end_longitude = $5,
				quality_score = $6,
				reconciled_at = $7
			WHERE id = $1
		`, id, trip.StartLatitude, trip.StartLongitude, trip.EndLatitude, trip.EndLongitude, trip.QualityScore, now)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("fill trip coordinates: %w", err)
	}
	return trip, changed, nil
}

// GetCursor 获取设备同步水位，不存在时返回 nil
func (r *TripRepository) GetCursor(ctx context.Context, deviceID int64) (*time.Time, error) {
	var cursor time.Time
	err := r.db.Pool.QueryRow(ctx, `SELECT cursor FROM sync_cursors WHERE device_id = $1`, deviceID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync cursor: %w", err)
	}
	return &cursor, nil
}

// AdvanceCursor 推进同步水位，只前进不后退
func (r *TripRepository) AdvanceCursor(ctx context.Context, deviceID int64, to time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sync_cursors (device_id, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			cursor = GREATEST(sync_cursors.cursor, EXCLUDED.cursor),
			updated_at = NOW()
	`, deviceID, to)
	if err != nil {
		return fmt.Errorf("advance sync cursor: %w", err)
	}
	return nil
}

// validCoordinateSQL 与 models.ValidCoordinate 等价的 SQL 条件
func validCoordinateSQL(prefix string) string {
	lat, lon := prefix+"_latitude", prefix+"_longitude"
	return strings.NewReplacer("LAT", lat, "LON", lon).Replace(
		`(LAT IS NOT NULL AND LON IS NOT NULL AND LAT BETWEEN -90 AND 90 AND LON BETWEEN -180 AND 180 AND NOT (LAT = 0 AND LON = 0))`)
}

func collectTrips(rows pgx.Rows) ([]*models.Trip, error) {
	defer rows.Close()
	var trips []*models.Trip
	for rows.Next() {
		t := &models.Trip{}
		if err := scanTrip(rows, t); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func scanTrip(row pgx.Row, t *models.Trip) error {
	var source string
	err := row.Scan(
		&t.ID,
		&t.DeviceID,
		&source,
		&t.VendorTripID,
		&t.StartTime,
		&t.EndTime,
		&t.StartLatitude,
		&t.StartLongitude,
		&t.EndLatitude,
		&t.EndLongitude,
		&t.DistanceKm,
		&t.DurationSeconds,
		&t.AvgSpeedKmh,
		&t.MaxSpeedKmh,
		&t.QualityScore,
		&t.CreatedAt,
		&t.ReconciledAt,
		&t.IngestedAt,
	)
	t.Source = models.TripSource(source)
	return err
}
