package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/fleetgazer/internal/models"
)

// RateLimitRepository 共享限流协调记录（单行 id=1），实现 vendor.Coordinator
type RateLimitRepository struct {
	db *DB
}

// NewRateLimitRepository 创建限流协调仓库
func NewRateLimitRepository(db *DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Load 读取协调记录
func (r *RateLimitRepository) Load(ctx context.Context) (*models.RateLimitState, error) {
	s := &models.RateLimitState{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT backoff_until, last_call_at, updated_at FROM rate_limit_state WHERE id = 1`,
	).Scan(&s.BackoffUntil, &s.LastCallAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load rate limit state: %w", notFound(err))
	}
	return s, nil
}

// ExtendBackoff 并发写入时取较大值，backoff 只会延长
func (r *RateLimitRepository) ExtendBackoff(ctx context.Context, until time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO rate_limit_state (id, backoff_until, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			backoff_until = GREATEST(rate_limit_state.backoff_until, EXCLUDED.backoff_until),
			updated_at = NOW()
	`, until)
	if err != nil {
		return fmt.Errorf("extend backoff: %w", err)
	}
	return nil
}

// MarkCall 记录最近一次调用时间
func (r *RateLimitRepository) MarkCall(ctx context.Context, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE rate_limit_state SET last_call_at = GREATEST(last_call_at, $1), updated_at = NOW()
		WHERE id = 1
	`, at)
	if err != nil {
		return fmt.Errorf("mark call: %w", err)
	}
	return nil
}
