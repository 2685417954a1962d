package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/metrics"
	"github.com/langchou/fleetgazer/internal/models"
)

// 任务名
const (
	JobIngest      = "ingest"
	JobSyncDevices = "sync-devices"
	JobSyncTrips   = "sync-trips"
	JobReconcile   = "reconcile"
)

var (
	ErrJobRunning = errors.New("job already running")
	ErrUnknownJob = errors.New("unknown job")
)

// JobParams 手动触发时的参数，定时执行使用零值
type JobParams struct {
	Full     bool      `json:"full"`
	DeviceID *string   `json:"device_id,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// JobFunc 任务实现，返回的 summary 写入运行记录
type JobFunc func(ctx context.Context, p JobParams) (any, error)

// Job 周期任务定义，Interval 为 0 时只能手动触发
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      JobFunc
}

// RunReport 一次任务运行的结果
type RunReport struct {
	RunID      string           `json:"run_id"`
	Job        string           `json:"job"`
	Status     models.JobStatus `json:"status"`
	Summary    any              `json:"summary,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

type partialer interface {
	Partial() bool
}

type jobEntry struct {
	Job
	busy atomic.Bool
}

// Scheduler 按固定间隔运行任务，同一任务不重叠执行
type Scheduler struct {
	logger   *zap.Logger
	recorder JobRecorder
	jobs     map[string]*jobEntry
	order    []string

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler 创建调度器，recorder 可为 nil
func NewScheduler(logger *zap.Logger, recorder JobRecorder, jobs ...Job) *Scheduler {
	s := &Scheduler{
		logger:   logger,
		recorder: recorder,
		jobs:     make(map[string]*jobEntry, len(jobs)),
	}
	for _, j := range jobs {
		if _, dup := s.jobs[j.Name]; !dup {
			s.order = append(s.order, j.Name)
		}
		s.jobs[j.Name] = &jobEntry{Job: j}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Jobs 已注册的任务名
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.order...)
}

// Start 启动所有带间隔的任务循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Info("Scheduler already running, skipping start")
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, name := range s.order {
		e := s.jobs[name]
		if e.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(s.ctx, e)
	}
	s.logger.Info("Scheduler started", zap.Strings("jobs", s.order))
}

// Stop 停止调度并等待进行中的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e *jobEntry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	s.tick(ctx, e)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *jobEntry) {
	if !e.busy.CompareAndSwap(false, true) {
		s.logger.Warn("Previous run still in progress, skipping", zap.String("job", e.Name))
		metrics.JobRuns.WithLabelValues(e.Name, "skipped").Inc()
		return
	}
	defer e.busy.Store(false)
	s.execute(ctx, e, uuid.NewString(), JobParams{})
}

// Run 同步执行一次任务
func (s *Scheduler) Run(ctx context.Context, name string, p JobParams) (*RunReport, error) {
	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer e.busy.Store(false)

	rep := s.execute(ctx, e, uuid.NewString(), p)
	if rep.Status == models.JobFailed || rep.Status == models.JobTimedOut {
		return rep, fmt.Errorf("job %s %s: %s", name, rep.Status, rep.Error)
	}
	return rep, nil
}

// Trigger 异步执行一次任务，返回运行 ID
func (s *Scheduler) Trigger(name string, p JobParams) (string, error) {
	e, ok := s.jobs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return "", fmt.Errorf("%w: %s", ErrJobRunning, name)
	}

	s.mu.Lock()
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	runID := uuid.NewString()
	go func() {
		defer s.wg.Done()
		defer e.busy.Store(false)
		s.execute(ctx, e, runID, p)
	}()
	return runID, nil
}

func (s *Scheduler) execute(ctx context.Context, e *jobEntry, runID string, p JobParams) *RunReport {
	logger := s.logger.With(zap.String("job", e.Name), zap.String("run_id", runID))
	rep := &RunReport{RunID: runID, Job: e.Name, StartedAt: time.Now()}

	jctx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if s.recorder != nil {
		if err := s.recorder.Start(jctx, runID, e.Name, rep.StartedAt); err != nil {
			logger.Warn("Failed to record job start", zap.Error(err))
		}
	}
	logger.Info("Job started")

	summary, err := s.safeRun(jctx, e, p)
	rep.Summary = summary
	rep.FinishedAt = time.Now()
	rep.Status = statusOf(jctx, summary, err)
	if err != nil {
		rep.Error = err.Error()
	}

	elapsed := rep.FinishedAt.Sub(rep.StartedAt)
	metrics.JobRuns.WithLabelValues(e.Name, string(rep.Status)).Inc()
	metrics.JobDuration.WithLabelValues(e.Name).Observe(elapsed.Seconds())

	if s.recorder != nil {
		// 任务上下文可能已超时，记录结果另起上下文
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if ferr := s.recorder.Finish(rctx, runID, rep.Status, summary, err); ferr != nil {
			logger.Warn("Failed to record job result", zap.Error(ferr))
		}
		cancel()
	}

	fields := []zap.Field{zap.String("status", string(rep.Status)), zap.Duration("elapsed", elapsed)}
	if err != nil {
		logger.Error("Job finished with error", append(fields, zap.Error(err))...)
	} else {
		logger.Info("Job finished", fields...)
	}
	return rep
}

// safeRun 任务 panic 时按失败处理，不影响调度循环
func (s *Scheduler) safeRun(ctx context.Context, e *jobEntry, p JobParams) (summary any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return e.Run(ctx, p)
}

func statusOf(ctx context.Context, summary any, err error) models.JobStatus {
	switch {
	case err == nil:
		if p, ok := summary.(partialer); ok && p.Partial() {
			return models.JobPartial
		}
		return models.JobSuccess
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.JobTimedOut
	default:
		return models.JobFailed
	}
}
