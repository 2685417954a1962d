package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/langchou/fleetgazer/internal/models"
)

// JobRunRepository 任务执行记录仓库
type JobRunRepository struct {
	db *DB
}

// NewJobRunRepository 创建任务记录仓库
func NewJobRunRepository(db *DB) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// Start 记录任务开始
func (r *JobRunRepository) Start(ctx context.Context, runID, job string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO job_runs (id, job, started_at, status) VALUES ($1::uuid, $2, $3, $4)`,
		runID, job, at, string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// Finish 记录任务结束及结果摘要
func (r *JobRunRepository) Finish(ctx context.Context, runID string, status models.JobStatus, summary any, runErr error) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode job summary: %w", err)
	}
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	_, err = r.db.Pool.Exec(ctx, `
		UPDATE job_runs SET finished_at = NOW(), status = $2, summary = $3::jsonb, error = $4
		WHERE id = $1::uuid
	`, runID, string(status), string(raw), msg)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	return nil
}

// ListRecent 最近的任务执行记录
func (r *JobRunRepository) ListRecent(ctx context.Context, job string, limit int) ([]*models.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id::text, job, started_at, finished_at, status, summary, error
		FROM job_runs
		WHERE ($1 = '' OR job = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.JobRun
	for rows.Next() {
		run := &models.JobRun{}
		var status string
		var summary []byte
		if err := rows.Scan(&run.ID, &run.Job, &run.StartedAt, &run.FinishedAt, &status, &summary, &run.Error); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		run.Status = models.JobStatus(status)
		run.Summary = summary
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
