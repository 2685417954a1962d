package models

import (
	"encoding/json"
	"time"
)

// JobStatus 任务执行状态
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobPartial  JobStatus = "partial" // 部分设备失败
	JobFailed   JobStatus = "failed"
	JobTimedOut JobStatus = "timed_out"
)

// JobRun 一次任务执行记录
type JobRun struct {
	ID         string          `json:"id" db:"id"`
	Job        string          `json:"job" db:"job"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Status     JobStatus       `json:"status" db:"status"`
	Summary    json.RawMessage `json:"summary,omitempty" db:"summary"`
	Error      *string         `json:"error,omitempty" db:"error"`
}
