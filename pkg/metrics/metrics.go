// Package metrics exposes stage and reload counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poltergeist/sitegeist/pkg/types"
)

const namespace = "sitegeist"

// Result labels
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Recorder records stage runs and reload traffic on its own registry
type Recorder struct {
	registry       *prom.Registry
	stageDuration  *prom.HistogramVec
	stageRuns      *prom.CounterVec
	stageOutputs   *prom.GaugeVec
	reloadClients  prom.Gauge
	reloadMessages *prom.CounterVec
}

// NewRecorder creates a recorder with a fresh registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prom.NewRegistry(),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage runs",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageRuns: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage runs by result",
		}, []string{"stage", "result"}),
		stageOutputs: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_outputs",
			Help:      "Files written by the last successful run of a stage",
		}, []string{"stage"}),
		reloadClients: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "reload_clients",
			Help:      "Connected live reload clients",
		}),
		reloadMessages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reload_messages_total",
			Help:      "Reload messages broadcast by type",
		}, []string{"type"}),
	}
	r.registry.MustRegister(r.stageDuration, r.stageRuns, r.stageOutputs, r.reloadClients, r.reloadMessages)
	return r
}

// ObserveRun records one stage run
func (r *Recorder) ObserveRun(name types.StageName, duration time.Duration, outputs int, err error) {
	if r == nil {
		return
	}
	stage := string(name)
	r.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err != nil {
		r.stageRuns.WithLabelValues(stage, ResultFailed).Inc()
		return
	}
	r.stageRuns.WithLabelValues(stage, ResultSuccess).Inc()
	r.stageOutputs.WithLabelValues(stage).Set(float64(outputs))
}

// SetReloadClients records the number of connected browsers
func (r *Recorder) SetReloadClients(n int) {
	if r == nil {
		return
	}
	r.reloadClients.Set(float64(n))
}

// IncReloadMessage counts one broadcast message
func (r *Recorder) IncReloadMessage(kind string) {
	if r == nil {
		return
	}
	r.reloadMessages.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
