// Package metrics records run outcomes in a dedicated Prometheus registry
// and writes them as a node-exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kidoz/esxi-patcher-go/internal/report"
)

const namespace = "esxi_patcher"

// Recorder collects phase, host and workload metrics for one process.
type Recorder struct {
	registry *prometheus.Registry

	phaseDuration *prometheus.HistogramVec
	phaseOutcomes *prometheus.CounterVec
	vmFailures    *prometheus.CounterVec
	hostSuccess   *prometheus.GaugeVec
	hostDuration  *prometheus.GaugeVec
	lastRun       prometheus.Gauge
	failedHosts   prometheus.Gauge
}

// NewRecorder builds a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of workflow phases.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"phase", "outcome"}),
		phaseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_outcomes_total",
			Help:      "Workflow phases by host and outcome.",
		}, []string{"host", "phase", "outcome"}),
		vmFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_shutdown_failures_total",
			Help:      "VMs that could not be powered off before maintenance.",
		}, []string{"host"}),
		hostSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_success",
			Help:      "1 if the last run of the host succeeded, 0 otherwise.",
		}, []string{"host"}),
		hostDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_duration_seconds",
			Help:      "Duration of the last run of the host.",
		}, []string{"host"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last fleet run finished.",
		}),
		failedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_hosts",
			Help:      "Hosts that failed in the last fleet run.",
		}),
	}
	r.registry.MustRegister(
		r.phaseDuration, r.phaseOutcomes, r.vmFailures,
		r.hostSuccess, r.hostDuration, r.lastRun, r.failedHosts,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObservePhase records one finished phase.
func (r *Recorder) ObservePhase(host, phase, outcome string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
	r.phaseOutcomes.WithLabelValues(host, phase, outcome).Inc()
}

// ObserveVMFailures adds VMs left running on host.
func (r *Recorder) ObserveVMFailures(host string, n int) {
	if n > 0 {
		r.vmFailures.WithLabelValues(host).Add(float64(n))
	}
}

// RecordReport sets the per-host gauges from a finished run.
func (r *Recorder) RecordReport(rep *report.Report) {
	for _, h := range rep.Hosts {
		v := 0.0
		if h.Success {
			v = 1
		}
		r.hostSuccess.WithLabelValues(h.Host).Set(v)
		r.hostDuration.WithLabelValues(h.Host).Set(h.Duration)
	}
	r.failedHosts.Set(float64(rep.Stats().FailedHosts))
	if !rep.FinishedAt.IsZero() {
		r.lastRun.Set(float64(rep.FinishedAt.Unix()))
	}
}

// WriteTextfile writes the registry in the text exposition format for the
// node-exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
