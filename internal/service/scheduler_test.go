package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/langchou/fleetgazer/internal/models"
)

type partialSummary struct{ failed int }

func (p partialSummary) Partial() bool { return p.failed > 0 }

func TestRunRecordsStatus(t *testing.T) {
	rec := newFakeRecorder()
	s := NewScheduler(zaptest.NewLogger(t), rec,
		Job{Name: "ok", Run: func(context.Context, JobParams) (any, error) { return partialSummary{}, nil }},
		Job{Name: "partial", Run: func(context.Context, JobParams) (any, error) { return partialSummary{failed: 1}, nil }},
		Job{Name: "failed", Run: func(context.Context, JobParams) (any, error) { return nil, errDown }},
		Job{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context, _ JobParams) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		Job{Name: "panics", Run: func(context.Context, JobParams) (any, error) { panic("boom") }},
	)

	for name, want := range map[string]models.JobStatus{
		"ok":      models.JobSuccess,
		"partial": models.JobPartial,
		"failed":  models.JobFailed,
		"slow":    models.JobTimedOut,
		"panics":  models.JobFailed,
	} {
		rep, err := s.Run(context.Background(), name, JobParams{})
		if rep == nil {
			t.Fatalf("%s: expected report, got err %v", name, err)
		}
		if rep.Status != want {
			t.Errorf("%s: expected %s, got %s", name, want, rep.Status)
		}
		if got := rec.status(rep.RunID); got != want {
			t.Errorf("%s: recorder saw %s", name, got)
		}
		if (err != nil) != (want == models.JobFailed || want == models.JobTimedOut) {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
}

func TestOverlappingRunsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := NewScheduler(zaptest.NewLogger(t), nil, Job{Name: "block", Run: func(ctx context.Context, _ JobParams) (any, error) {
		close(started)
		<-release
		return nil, nil
	}})

	runID, err := s.Trigger("block", JobParams{})
	if err != nil || runID == "" {
		t.Fatalf("Expected trigger to start, got %q %v", runID, err)
	}
	<-started

	if _, err := s.Trigger("block", JobParams{}); !errors.Is(err, ErrJobRunning) {
		t.Errorf("Expected overlap rejection, got %v", err)
	}
	if _, err := s.Run(context.Background(), "block", JobParams{}); !errors.Is(err, ErrJobRunning) {
		t.Errorf("Expected overlap rejection, got %v", err)
	}

	close(release)
	s.Stop()

	if _, err := s.Trigger("missing", JobParams{}); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected unknown job, got %v", err)
	}
}

func TestStartRunsIntervalJobs(t *testing.T) {
	ran := make(chan struct{}, 10)
	s := NewScheduler(zaptest.NewLogger(t), nil,
		Job{Name: "tick", Interval: 10 * time.Millisecond, Run: func(context.Context, JobParams) (any, error) {
			ran <- struct{}{}
			return nil, nil
		}},
		Job{Name: "manual", Run: func(context.Context, JobParams) (any, error) {
			t.Error("manual job must not be scheduled")
			return nil, nil
		}},
	)
	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("interval job did not run")
		}
	}
}
