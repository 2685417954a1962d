// worker 单次执行一个任务后退出，供 cron 或运维手动调用
//
//	worker -job sync-trips -full
//	worker -job reconcile -device IMEI123 -from 2024-05-01T00:00:00Z -to 2024-05-02T00:00:00Z
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/fleetgazer/internal/app"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/service"
)

// options 命令行参数
type options struct {
	job     string
	params  service.JobParams
	migrate bool
}

// parseArgs 解析参数并转换为任务参数
func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	job := fs.String("job", "", "job to run: ingest, sync-devices, sync-trips, reconcile")
	full := fs.Bool("full", false, "sync-trips: ignore cursors and refetch the lookback window")
	device := fs.String("device", "", "vendor device id to restrict the job to")
	from := fs.String("from", "", "reconcile range start (RFC3339)")
	to := fs.String("to", "", "reconcile range end (RFC3339)")
	migrate := fs.Bool("migrate", false, "apply schema migrations before running")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *job == "" {
		return nil, errors.New("-job is required")
	}
	opts := &options{job: *job, migrate: *migrate, params: service.JobParams{Full: *full}}
	if *device != "" {
		opts.params.DeviceID = device
	}
	var err error
	if opts.params.From, err = parseFlagTime(*from); err != nil {
		return nil, fmt.Errorf("invalid -from: %w", err)
	}
	if opts.params.To, err = parseFlagTime(*to); err != nil {
		return nil, fmt.Errorf("invalid -to: %w", err)
	}
	if !opts.params.From.IsZero() && !opts.params.To.IsZero() && !opts.params.From.Before(opts.params.To) {
		return nil, errors.New("-from must be before -to")
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Printf("%v\n", err)
		}
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	if opts.migrate {
		if err := a.DB.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	rep, runErr := a.Scheduler.Run(ctx, opts.job, opts.params)
	if rep != nil {
		out, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		logger.Error("Job failed", zap.String("job", opts.job), zap.Error(runErr))
		a.Close()
		os.Exit(1)
	}
}

func parseFlagTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}
