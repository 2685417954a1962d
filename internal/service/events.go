package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/metrics"
	"github.com/langchou/fleetgazer/internal/models"
)

// EventEmitter 冷却判定后写入并广播领域事件
// 配置了 Redis 闸门时先在 Redis 占位，数据库仍做最终判定
type EventEmitter struct {
	events    EventStore
	gate      CooldownGate
	publisher Publisher
	logger    *zap.Logger
}

// NewEventEmitter 创建事件发射器，gate 与 publisher 可为 nil
func NewEventEmitter(events EventStore, gate CooldownGate, publisher Publisher, logger *zap.Logger) *EventEmitter {
	return &EventEmitter{
		events:    events,
		gate:      gate,
		publisher: publisher,
		logger:    logger,
	}
}

// Emit 冷却期内已有同类事件时返回 false
func (e *EventEmitter) Emit(ctx context.Context, ev *models.Event, cooldown time.Duration) (bool, error) {
	if ev.CooldownKey == "" {
		ev.CooldownKey = models.CooldownKeyFor(ev.DeviceID, ev.Type)
	}

	held := false
	if e.gate != nil && cooldown > 0 {
		ok, err := e.gate.AcquireCooldown(ctx, ev.CooldownKey, ev.OccurredAt, cooldown)
		switch {
		case err != nil:
			e.logger.Warn("Cooldown gate unavailable, falling back to database",
				zap.String("key", ev.CooldownKey),
				zap.Error(err))
		case !ok:
			metrics.Events.WithLabelValues(string(ev.Type), "suppressed").Inc()
			return false, nil
		default:
			held = true
		}
	}

	var (
		inserted bool
		err      error
	)
	if cooldown > 0 {
		inserted, err = e.events.InsertWithCooldown(ctx, ev, cooldown)
	} else {
		err = e.events.Insert(ctx, ev)
		inserted = err == nil
	}
	if err != nil {
		if held {
			e.release(ctx, ev)
		}
		return false, storeErr("insert event", err)
	}
	if !inserted {
		// 数据库判定为冷却期内，闸门不能保留未写入事件的时间
		if held {
			e.release(ctx, ev)
		}
		metrics.Events.WithLabelValues(string(ev.Type), "suppressed").Inc()
		return false, nil
	}

	metrics.Events.WithLabelValues(string(ev.Type), "emitted").Inc()
	e.logger.Info("Domain event emitted",
		zap.Int64("event_id", ev.ID),
		zap.Int64("device_id", ev.DeviceID),
		zap.String("type", string(ev.Type)),
		zap.Time("occurred_at", ev.OccurredAt))

	if e.publisher != nil {
		if err := e.publisher.PublishEvent(ctx, ev); err != nil {
			e.logger.Warn("Failed to publish event", zap.Int64("event_id", ev.ID), zap.Error(err))
		}
	}
	return true, nil
}

func (e *EventEmitter) release(ctx context.Context, ev *models.Event) {
	if err := e.gate.ReleaseCooldown(ctx, ev.CooldownKey, ev.OccurredAt); err != nil {
		e.logger.Warn("Failed to release cooldown", zap.String("key", ev.CooldownKey), zap.Error(err))
	}
}
