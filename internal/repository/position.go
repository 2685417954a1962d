package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fleetgazer/internal/models"
)

const stateColumns = `vendor_device_id, recorded_at, latitude, longitude, location_valid, speed_kmh, speed_unit_corrected,
	heading, ignition, ignition_confidence, detection_method, battery_percent, online`

const snapshotColumns = `detector_state, last_ignition, last_seen_at, trip_started_at, trip_start_lat, trip_start_lon,
	trip_distance_km, trip_max_speed, last_valid_lat, last_valid_lon, last_valid_at`

// PositionRepository 位置数据仓库：当前状态 + 只追加的历史
type PositionRepository struct {
	db *DB
}

// NewPositionRepository 创建位置仓库
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// SaveReading 在一个短事务内写入历史并推进当前状态
// 历史按 (device_id, recorded_at) 去重；当前行只接受更新的读数
func (r *PositionRepository) SaveReading(ctx context.Context, deviceID int64, st models.CanonicalState) (models.SaveResult, error) {
	var res models.SaveResult

	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		insertHistory := `
			INSERT INTO position_history (device_id, ` + stateColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT ON CONSTRAINT position_history_device_time DO NOTHING
			RETURNING id
		`
		var id int64
		err := tx.QueryRow(ctx, insertHistory, deviceID,
			st.VendorDeviceID,
			st.RecordedAt,
			st.Latitude,
			st.Longitude,
			st.LocationValid,
			st.SpeedKmh,
			st.SpeedUnitCorrected,
			st.Heading,
			st.Ignition,
			st.IgnitionConfidence,
			string(st.DetectionMethod),
			st.BatteryPercent,
			st.Online,
		).Scan(&id)
		switch {
		case err == nil:
			res.Inserted = true
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("insert position history: %w", err)
		}

		upsertCurrent := `
			INSERT INTO current_positions (device_id, ` + stateColumns + `, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
			ON CONFLICT (device_id) DO UPDATE SET
				vendor_device_id = EXCLUDED.vendor_device_id,
				recorded_at = EXCLUDED.recorded_at,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				location_valid = EXCLUDED.location_valid,
				speed_kmh = EXCLUDED.speed_kmh,
				speed_unit_corrected = EXCLUDED.speed_unit_corrected,
				heading = EXCLUDED.heading,
				ignition = EXCLUDED.ignition,
				ignition_confidence = EXCLUDED.ignition_confidence,
				detection_method = EXCLUDED.detection_method,
				battery_percent = EXCLUDED.battery_percent,
				online = EXCLUDED.online,
				updated_at = NOW()
			WHERE current_positions.recorded_at < EXCLUDED.recorded_at
			RETURNING device_id
		`
		var advanced int64
		err = tx.QueryRow(ctx, upsertCurrent, deviceID,
			st.VendorDeviceID,
			st.RecordedAt,
			st.Latitude,
			st.Longitude,
			st.LocationValid,
			st.SpeedKmh,
			st.SpeedUnitCorrected,
			st.Heading,
			st.Ignition,
			st.IgnitionConfidence,
			string(st.DetectionMethod),
			st.BatteryPercent,
			st.Online,
		).Scan(&advanced)
		switch {
		case err == nil:
			res.Advanced = true
		case errors.Is(err, pgx.ErrNoRows):
			return nil
		default:
			return fmt.Errorf("upsert current position: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE devices SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2) WHERE id = $1`,
			deviceID, st.RecordedAt)
		if err != nil {
			return fmt.Errorf("update device last_seen_at: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.SaveResult{}, err
	}
	return res, nil
}

// GetCurrent 获取设备当前状态（含检测器快照）
func (r *PositionRepository) GetCurrent(ctx context.Context, deviceID int64) (*models.CurrentPosition, error) {
	query := `SELECT device_id, updated_at, ` + stateColumns + `, ` + snapshotColumns + `
		FROM current_positions WHERE device_id = $1`
	cp := &models.CurrentPosition{}
	if err := scanCurrent(r.db.Pool.QueryRow(ctx, query, deviceID), cp); err != nil {
		return nil, fmt.Errorf("get current position: %w", notFound(err))
	}
	return cp, nil
}

// ListCurrent 获取全部设备的当前状态
func (r *PositionRepository) ListCurrent(ctx context.Context) ([]*models.CurrentPosition, error) {
	query := `SELECT device_id, updated_at, ` + stateColumns + `, ` + snapshotColumns + `
		FROM current_positions ORDER BY device_id`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list current positions: %w", err)
	}
	defer rows.Close()

	var list []*models.CurrentPosition
	for rows.Next() {
		cp := &models.CurrentPosition{}
		if err := scanCurrent(rows, cp); err != nil {
			return nil, fmt.Errorf("scan current position: %w", err)
		}
		list = append(list, cp)
	}
	return list, rows.Err()
}

// SaveSnapshot 持久化检测器快照
// 只有快照所基于的读数仍是当前读数时才写入，避免并发实例用旧快照覆盖新状态
func (r *PositionRepository) SaveSnapshot(ctx context.Context, deviceID int64, basedOn time.Time, s models.DetectorSnapshot) (bool, error) {
	query := `
		UPDATE current_positions SET
			detector_state = $3,
			last_ignition = $4,
			last_seen_at = $5,
			trip_started_at = $6,
			trip_start_lat = $7,
			trip_start_lon = $8,
			trip_distance_km = $9,
			trip_max_speed = $10,
			last_valid_lat = $11,
			last_valid_lon = $12,
			last_valid_at = $13
		WHERE device_id = $1 AND recorded_at = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, deviceID, basedOn,
		s.State,
		s.LastIgnition,
		s.LastSeenAt,
		s.TripStartedAt,
		s.TripStartLat,
		s.TripStartLon,
		s.TripDistanceKm,
		s.TripMaxSpeed,
		s.LastValidLat,
		s.LastValidLon,
		s.LastValidAt,
	)
	if err != nil {
		return false, fmt.Errorf("save detector snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// History 按时间范围查询历史，必须带时间条件
func (r *PositionRepository) History(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]*models.PositionReading, error) {
	if limit <= 0 {
		limit = 5000
	}
	query := `
		SELECT id, device_id, ingested_at, ` + stateColumns + `
		FROM position_history
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, query, deviceID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query position history: %w", err)
	}
	defer rows.Close()

	var readings []*models.PositionReading
	for rows.Next() {
		p := &models.PositionReading{}
		if err := scanReading(rows, p); err != nil {
			return nil, fmt.Errorf("scan position history: %w", err)
		}
		readings = append(readings, p)
	}
	return readings, rows.Err()
}

// NearestValid 查找 at 前后 window 内距离最近的有效定位
func (r *PositionRepository) NearestValid(ctx context.Context, deviceID int64, at time.Time, window time.Duration) (*models.PositionReading, error) {
	query := `
		SELECT id, device_id, ingested_at, ` + stateColumns + `
		FROM position_history
		WHERE device_id = $1 AND location_valid
			AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY abs(extract(epoch FROM recorded_at - $4::timestamptz)), recorded_at, id
		LIMIT 1
	`
	p := &models.PositionReading{}
	err := scanReading(r.db.Pool.QueryRow(ctx, query, deviceID, at.Add(-window), at.Add(window), at), p)
	if err != nil {
		return nil, fmt.Errorf("nearest valid position: %w", notFound(err))
	}
	return p, nil
}

// CountHistory 统计时间范围内的历史条数
func (r *PositionRepository) CountHistory(ctx context.Context, deviceID int64, from, to time.Time) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM position_history WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		deviceID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count position history: %w", err)
	}
	return n, nil
}

func scanReading(row pgx.Row, p *models.PositionReading) error {
	var method string
	err := row.Scan(
		&p.ID,
		&p.DeviceID,
		&p.IngestedAt,
		&p.VendorDeviceID,
		&p.RecordedAt,
		&p.Latitude,
		&p.Longitude,
		&p.LocationValid,
		&p.SpeedKmh,
		&p.SpeedUnitCorrected,
		&p.Heading,
		&p.Ignition,
		&p.IgnitionConfidence,
		&method,
		&p.BatteryPercent,
		&p.Online,
	)
	p.DetectionMethod = models.DetectionMethod(method)
	return err
}

func scanCurrent(row pgx.Row, cp *models.CurrentPosition) error {
	var method string
	err := row.Scan(
		&cp.DeviceID,
		&cp.UpdatedAt,
		&cp.VendorDeviceID,
		&cp.RecordedAt,
		&cp.Latitude,
		&cp.Longitude,
		&cp.LocationValid,
		&cp.SpeedKmh,
		&cp.SpeedUnitCorrected,
		&cp.Heading,
		&cp.Ignition,
		&cp.IgnitionConfidence,
		&method,
		&cp.BatteryPercent,
		&cp.Online,
		&cp.State,
		&cp.LastIgnition,
		&cp.LastSeenAt,
		&cp.TripStartedAt,
		&cp.TripStartLat,
		&cp.TripStartLon,
		&cp.TripDistanceKm,
		&cp.TripMaxSpeed,
		&cp.LastValidLat,
		&cp.LastValidLon,
		&cp.LastValidAt,
	)
	cp.DetectionMethod = models.DetectionMethod(method)
	return err
}
