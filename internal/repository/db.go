package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// Options 连接池参数
type Options struct {
	MaxConns         int32
	MinConns         int32
	StatementTimeout time.Duration
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	// 服务端语句超时，历史表查询失控时由数据库中断
	if opts.StatementTimeout > 0 {
		config.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping 健康检查
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateDevices,
		migrationCreatePositionHistory,
		migrationCreateCurrentPositions,
		migrationCreateTrips,
		migrationCreateTripReviewFlags,
		migrationCreateSyncCursors,
		migrationCreateDomainEvents,
		migrationCreateRateLimitState,
		migrationCreateJobRuns,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration %d: %w", i+1, err)
		}
	}

	return nil
}

// IsIntegrityError 是否为单条记录的数据完整性错误（约束冲突、非法数据）
// 这类错误跳过该记录继续处理，其余数据库错误视为存储不可用
func IsIntegrityError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// 数据库迁移 SQL
const migrationCreateDevices = `
CREATE TABLE IF NOT EXISTS devices (
    id BIGSERIAL PRIMARY KEY,
    vendor_id VARCHAR(64) NOT NULL UNIQUE,
    name VARCHAR(255) NOT NULL DEFAULT '',
    plate_number VARCHAR(32) NOT NULL DEFAULT '',
    owner_ref VARCHAR(255) NOT NULL DEFAULT '',
    model VARCHAR(64) NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    last_seen_at TIMESTAMP WITH TIME ZONE,
    deactivated_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_devices_active ON devices(active);
`

const migrationCreatePositionHistory = `
CREATE TABLE IF NOT EXISTS position_history (
    id BIGSERIAL PRIMARY KEY,
    device_id BIGINT NOT NULL REFERENCES devices(id),
    vendor_device_id VARCHAR(64) NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    location_valid BOOLEAN NOT NULL DEFAULT FALSE,
    speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (speed_kmh >= 0),
    speed_unit_corrected BOOLEAN NOT NULL DEFAULT FALSE,
    heading INT,
    ignition BOOLEAN NOT NULL DEFAULT FALSE,
    ignition_confidence DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (ignition_confidence BETWEEN 0 AND 1),
    detection_method VARCHAR(20) NOT NULL,
    battery_percent INT CHECK (battery_percent BETWEEN 0 AND 100),
    online BOOLEAN NOT NULL DEFAULT FALSE,
    ingested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    CONSTRAINT position_history_device_time UNIQUE (device_id, recorded_at),
    CONSTRAINT position_history_location CHECK (NOT location_valid OR (latitude IS NOT NULL AND longitude IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_position_history_valid ON position_history(device_id, recorded_at) WHERE location_valid;
`

const migrationCreateCurrentPositions = `
CREATE TABLE IF NOT EXISTS current_positions (
    device_id BIGINT PRIMARY KEY REFERENCES devices(id),
    vendor_device_id VARCHAR(64) NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    location_valid BOOLEAN NOT NULL DEFAULT FALSE,
    speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
    speed_unit_corrected BOOLEAN NOT NULL DEFAULT FALSE,
    heading INT,
    ignition BOOLEAN NOT NULL DEFAULT FALSE,
    ignition_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    detection_method VARCHAR(20) NOT NULL,
    battery_percent INT,
    online BOOLEAN NOT NULL DEFAULT FALSE,
    detector_state VARCHAR(20) NOT NULL DEFAULT 'unknown',
    last_ignition BOOLEAN,
    last_seen_at TIMESTAMP WITH TIME ZONE,
    trip_started_at TIMESTAMP WITH TIME ZONE,
    trip_start_lat DOUBLE PRECISION,
    trip_start_lon DOUBLE PRECISION,
    trip_distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
    trip_max_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_valid_lat DOUBLE PRECISION,
    last_valid_lon DOUBLE PRECISION,
    last_valid_at TIMESTAMP WITH TIME ZONE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

const migrationCreateTrips = `
CREATE TABLE IF NOT EXISTS trips (
    id BIGSERIAL PRIMARY KEY,
    device_id BIGINT NOT NULL REFERENCES devices(id),
    source VARCHAR(16) NOT NULL CHECK (source IN ('vendor', 'derived')),
    vendor_trip_id VARCHAR(64) NOT NULL DEFAULT '',
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    start_latitude DOUBLE PRECISION,
    start_longitude DOUBLE PRECISION,
    end_latitude DOUBLE PRECISION,
    end_longitude DOUBLE PRECISION,
    distance_km DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (distance_km >= 0),
    duration_seconds BIGINT NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
    avg_speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_speed_kmh DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_score SMALLINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    reconciled_at TIMESTAMP WITH TIME ZONE,
    ingested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    CONSTRAINT trips_natural_key UNIQUE NULLS NOT DISTINCT (device_id, start_time, end_time),
    CONSTRAINT trips_duration_matches CHECK (
        end_time IS NULL OR abs(duration_seconds - extract(epoch FROM end_time - start_time)) <= 1
    )
);
CREATE INDEX IF NOT EXISTS idx_trips_device_start ON trips(device_id, start_time);
CREATE INDEX IF NOT EXISTS idx_trips_source ON trips(device_id, source, start_time);
`

const migrationCreateTripReviewFlags = `
CREATE TABLE IF NOT EXISTS trip_review_flags (
    id BIGSERIAL PRIMARY KEY,
    trip_id BIGINT NOT NULL REFERENCES trips(id),
    duplicate_of BIGINT NOT NULL REFERENCES trips(id),
    reason VARCHAR(64) NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    CONSTRAINT trip_review_flags_pair UNIQUE (trip_id, duplicate_of)
);
CREATE INDEX IF NOT EXISTS idx_trip_review_flags_open ON trip_review_flags(created_at) WHERE NOT resolved;
`

const migrationCreateSyncCursors = `
CREATE TABLE IF NOT EXISTS sync_cursors (
    device_id BIGINT PRIMARY KEY REFERENCES devices(id),
    cursor TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

const migrationCreateDomainEvents = `
CREATE TABLE IF NOT EXISTS domain_events (
    id BIGSERIAL PRIMARY KEY,
    device_id BIGINT NOT NULL REFERENCES devices(id),
    event_type VARCHAR(20) NOT NULL,
    severity VARCHAR(10) NOT NULL,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    speed_kmh DOUBLE PRECISION,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    cooldown_key VARCHAR(96) NOT NULL,
    notified BOOLEAN NOT NULL DEFAULT FALSE,
    notified_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_domain_events_cooldown ON domain_events(cooldown_key, occurred_at);
CREATE INDEX IF NOT EXISTS idx_domain_events_device ON domain_events(device_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_domain_events_created ON domain_events(created_at);
`

const migrationCreateRateLimitState = `
CREATE TABLE IF NOT EXISTS rate_limit_state (
    id SMALLINT PRIMARY KEY CHECK (id = 1),
    backoff_until TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT 'epoch',
    last_call_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT 'epoch',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
INSERT INTO rate_limit_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
`

const migrationCreateJobRuns = `
CREATE TABLE IF NOT EXISTS job_runs (
    id UUID PRIMARY KEY,
    job VARCHAR(32) NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    finished_at TIMESTAMP WITH TIME ZONE,
    status VARCHAR(16) NOT NULL DEFAULT 'running',
    summary JSONB,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job, started_at);
`
