package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_requests_processed_total",
		Help: "Total number of content requests processed, by request type and status",
	}, []string{"request_type", "status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "content_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	TasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_tasks_created_total",
		Help: "Total number of task segments persisted",
	})

	FramesRetainedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_frames_retained_total",
		Help: "Total number of source frames written into task segments",
	})

	InferenceFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_inference_failures_total",
		Help: "Total number of frames whose detection call failed",
	})

	AugmentationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_augmentation_failures_total",
		Help: "Total number of skipped augmentation passes, by augmentation type",
	}, []string{"type"})

	DatasetTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_dataset_tasks_total",
		Help: "Total number of dataset task builds, by outcome",
	}, []string{"status"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "content_active_workers",
		Help: "Number of currently active workers processing requests",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_retry_total",
		Help: "Total number of message redeliveries",
	}, []string{"queue"})
)
