// Package metrics exposes Prometheus collectors for image creation runs.
package metrics

import (
	"context"
	"fmt"
	"time"

	"cloudimages/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Workflow results
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder holds the collectors of one process. Every recorder owns its
// registry so that runs never share state.
type Recorder struct {
	registry *prometheus.Registry

	workflowsTotal *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	lastSuccess    *prometheus.GaugeVec
	destroysTotal  *prometheus.CounterVec

	pushURL string
	job     string
}

// NewRecorder creates a recorder. When pushURL is set, Push sends the
// collected metrics to that Pushgateway under job.
func NewRecorder(pushURL, job string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		workflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cloud_images",
				Subsystem: "workflow",
				Name:      "runs_total",
				Help:      "Total number of image creation runs by provider, image type and result",
			},
			[]string{"provider", "image_type", "result"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cloud_images",
				Subsystem: "workflow",
				Name:      "phase_duration_seconds",
				Help:      "Duration of workflow phases in seconds",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~42min
			},
			[]string{"provider", "phase"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cloud_images",
				Subsystem: "workflow",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful image creation",
			},
			[]string{"provider", "image_type"},
		),
		destroysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cloud_images",
				Subsystem: "instances",
				Name:      "destroyed_total",
				Help:      "Total number of instance destructions by result",
			},
			[]string{"provider", "result"},
		),
		pushURL: pushURL,
		job:     job,
	}

	r.registry.MustRegister(r.workflowsTotal, r.stageDuration, r.lastSuccess, r.destroysTotal)
	return r
}

// Registry returns the registry holding the recorder's collectors
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordWorkflow counts a finished run
func (r *Recorder) RecordWorkflow(provider, imageType string, success bool, at time.Time) {
	result := ResultFailure
	if success {
		result = ResultSuccess
		r.lastSuccess.WithLabelValues(provider, imageType).Set(float64(at.Unix()))
	}
	r.workflowsTotal.WithLabelValues(provider, imageType, result).Inc()
}

// ObservePhase records how long a workflow phase took
func (r *Recorder) ObservePhase(provider, phase string, d time.Duration) {
	r.stageDuration.WithLabelValues(provider, phase).Observe(d.Seconds())
}

// RecordDestroy counts an instance destruction attempt
func (r *Recorder) RecordDestroy(provider string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	r.destroysTotal.WithLabelValues(provider, result).Inc()
}

// Push sends the metrics to the configured Pushgateway. Without a gateway
// it does nothing.
func (r *Recorder) Push(ctx context.Context) error {
	if r.pushURL == "" {
		return nil
	}

	job := r.job
	if job == "" {
		job = "cloud_images"
	}

	err := push.New(r.pushURL, job).Gatherer(r.registry).PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", r.pushURL, err)
	}

	logging.Logger().Debug("metrics pushed", zap.String("url", r.pushURL), zap.String("job", job))
	return nil
}
