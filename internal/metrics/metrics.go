package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetgazer"

var (
	// VendorCalls 上游调用次数，按 endpoint 和结果分类
	VendorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vendor_calls_total",
		Help:      "Upstream vendor calls by endpoint and response class.",
	}, []string{"endpoint", "class"})

	// VendorBackoffSeconds 每次限流写入的 backoff 时长
	VendorBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vendor_backoff_seconds",
		Help:      "Backoff durations written to the shared coordination record.",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
	})

	VendorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vendor_call_duration_seconds",
		Help:      "Latency of upstream vendor calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	// ReadingsIngested 读数写入结果：new / duplicate / stale
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_ingested_total",
		Help:      "Normalized readings by write outcome.",
	}, []string{"outcome"})

	// IgnitionDetections 点火判定方式分布
	IgnitionDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ignition_detections_total",
		Help:      "Ignition detection method chosen per reading.",
	}, []string{"method"})

	SpeedUnitCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "speed_unit_corrections_total",
		Help:      "Readings whose speed was reinterpreted from the alternate unit.",
	})

	// TripsUpserted 行程 upsert 结果
	TripsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trips_upserted_total",
		Help:      "Trip upserts by source and outcome.",
	}, []string{"source", "outcome"})

	TripsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trips_flagged_total",
		Help:      "Near-duplicate trips flagged for review.",
	})

	// Events 领域事件：emitted / suppressed
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domain_events_total",
		Help:      "Domain events by type and gate outcome.",
	}, []string{"type", "outcome"})

	ReconcileFixes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_trips_total",
		Help:      "Trips inspected by reconciliation, by result.",
	}, []string{"result"})

	// JobRuns 任务执行结果
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Job invocations by job name and status.",
	}, []string{"job", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of job invocations.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"job"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Connected websocket subscribers.",
	})
)
