// Package metrics holds the Prometheus collectors exported by picovoice.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	synthesisTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picovoice_synthesis_total",
		Help: "Total number of synthesis requests",
	}, []string{"backend", "status"})

	synthesisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "picovoice_synthesis_seconds",
		Help:    "Synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"backend"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "picovoice_queue_depth",
		Help: "Clips waiting in a guild playback queue, including the one playing",
	}, []string{"guild"})

	drainLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picovoice_drain_loops_active",
		Help: "Number of guild drain loops currently running",
	})

	sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picovoice_sessions_active",
		Help: "Number of guilds with an active voice session",
	})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picovoice_presence_transitions_total",
		Help: "Voice presence transitions by kind",
	}, []string{"kind"})

	residentModels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picovoice_local_resident_models",
		Help: "Models currently loaded by the local engine",
	})

	localQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picovoice_local_queue_depth",
		Help: "Requests waiting for the local inference worker",
	})
)

// ObserveSynthesis records one backend call.
func ObserveSynthesis(backend string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	synthesisTotal.WithLabelValues(backend, status).Inc()
	synthesisLatency.WithLabelValues(backend).Observe(time.Since(started).Seconds())
}

func SetQueueDepth(guildID string, n int) {
	queueDepth.WithLabelValues(guildID).Set(float64(n))
}

func ForgetQueue(guildID string) {
	queueDepth.DeleteLabelValues(guildID)
}

func DrainStarted() { drainLoops.Inc() }
func DrainStopped() { drainLoops.Dec() }

func SetSessions(n int) { sessions.Set(float64(n)) }

func Transition(kind string) {
	transitions.WithLabelValues(kind).Inc()
}

func SetResidentModels(n int) { residentModels.Set(float64(n)) }

func SetLocalQueue(n int64) { localQueue.Set(float64(n)) }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
