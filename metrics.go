package realtime

import (
	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/shared"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "concierge"

// Metrics holds the session collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	framesTotal      *prometheus.CounterVec
	clientAudio      prometheus.Counter
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	resultsDiscarded prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently open or draining",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions started",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Total number of frames received per source",
		}, []string{"source"}),
		clientAudio: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "client_audio_seconds_total",
			Help:      "Seconds of PCM16 audio forwarded from clients to the model",
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls by outcome",
		}, []string{"tool", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"tool"}),
		resultsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tool_results_discarded_total",
			Help:      "Tool results that completed after their session stopped forwarding",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.sessionsActive, m.sessionsTotal, m.framesTotal, m.clientAudio,
			m.toolCallsTotal, m.toolCallDuration, m.resultsDiscarded,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) frame(src Source) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) audio(n int) {
	if m == nil {
		return
	}
	m.clientAudio.Add(shared.PCMDuration(n, shared.PCMSampleRate, shared.PCMChannels).Seconds())
}

func (m *Metrics) toolCall(res capability.Result) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(res.Tool, res.Outcome()).Inc()
	m.toolCallDuration.WithLabelValues(res.Tool).Observe(res.Duration.Seconds())
}

func (m *Metrics) discarded() {
	if m == nil {
		return
	}
	m.resultsDiscarded.Inc()
}
