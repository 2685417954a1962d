package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/fleetgazer/internal/models"
)

const eventColumns = `id, device_id, event_type, severity, occurred_at, speed_kmh, latitude, longitude,
	cooldown_key, notified, notified_at, created_at`

// EventRepository 领域事件仓库
type EventRepository struct {
	db *DB
}

// NewEventRepository 创建事件仓库
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert 直接写入事件（冷却已在外部判定）
func (r *EventRepository) Insert(ctx context.Context, e *models.Event) error {
	query := `
		INSERT INTO domain_events (device_id, event_type, severity, occurred_at, speed_kmh, latitude, longitude, cooldown_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		e.DeviceID, string(e.Type), string(e.Severity), e.OccurredAt,
		e.SpeedKmh, e.Latitude, e.Longitude, e.CooldownKey,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}

// InsertWithCooldown 冷却窗口内没有同 key 事件时才写入，返回是否写入
// 窗口按设备上报时间计算；同一 key 用事务级 advisory lock 串行化
func (r *EventRepository) InsertWithCooldown(ctx context.Context, e *models.Event, cooldown time.Duration) (bool, error) {
	var inserted bool
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.CooldownKey); err != nil {
			return fmt.Errorf("lock cooldown key: %w", err)
		}
		query := `
			INSERT INTO domain_events (device_id, event_type, severity, occurred_at, speed_kmh, latitude, longitude, cooldown_key)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8
			WHERE NOT EXISTS (
				SELECT 1 FROM domain_events
				WHERE cooldown_key = $8 AND occurred_at > $9 AND occurred_at < $10
			)
			RETURNING id, created_at
		`
		err := tx.QueryRow(ctx, query,
			e.DeviceID, string(e.Type), string(e.Severity), e.OccurredAt,
			e.SpeedKmh, e.Latitude, e.Longitude, e.CooldownKey,
			e.OccurredAt.Add(-cooldown), e.OccurredAt.Add(cooldown),
		).Scan(&e.ID, &e.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert domain event: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// MarkNotified 标记下游已投递，只能设置一次
// 已标记过返回 false；事件不存在返回 ErrNotFound
func (r *EventRepository) MarkNotified(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE domain_events SET notified = TRUE, notified_at = NOW() WHERE id = $1 AND NOT notified`, id)
	if err != nil {
		return false, fmt.Errorf("mark event notified: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM domain_events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event exists: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// GetByID 通过 ID 获取事件
func (r *EventRepository) GetByID(ctx context.Context, id int64) (*models.Event, error) {
	e := &models.Event{}
	if err := scanEvent(r.db.Pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE id = $1`, id), e); err != nil {
		return nil, fmt.Errorf("get event by id: %w", notFound(err))
	}
	return e, nil
}

// ListByDevice 按设备和时间范围查询事件
func (r *EventRepository) ListByDevice(ctx context.Context, deviceID int64, from, to time.Time, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `SELECT `+eventColumns+` FROM domain_events
		WHERE device_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at DESC
		LIMIT $4`, deviceID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list device events: %w", err)
	}
	return collectEvents(rows)
}

// ListSince 下游拉取新写入的事件
func (r *EventRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `SELECT `+eventColumns+` FROM domain_events
		WHERE created_at > $1
		ORDER BY created_at, id
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()
	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		if err := scanEvent(rows, e); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row, e *models.Event) error {
	var typ, severity string
	err := row.Scan(
		&e.ID,
		&e.DeviceID,
		&typ,
		&severity,
		&e.OccurredAt,
		&e.SpeedKmh,
		&e.Latitude,
		&e.Longitude,
		&e.CooldownKey,
		&e.Notified,
		&e.NotifiedAt,
		&e.CreatedAt,
	)
	e.Type = models.EventType(typ)
	e.Severity = models.Severity(severity)
	return err
}
