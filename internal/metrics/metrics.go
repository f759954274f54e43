package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsTotal          *prometheus.CounterVec
	StreamFramesSkipped prometheus.Counter
	StreamEvents        prometheus.Counter
	UpstreamRequests    *prometheus.CounterVec
	UpstreamLatency     *prometheus.HistogramVec
	RateLimited         prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.TurnsTotal,
			global.StreamFramesSkipped,
			global.StreamEvents,
			global.UpstreamRequests,
			global.UpstreamLatency,
			global.RateLimited,
		)
	})
	return global
}

// New builds an unregistered set, for tests that assert on fresh counters.
func New() *Metrics {
	return &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome (completed, rejected, failed) and mode (sync, stream)",
		}, []string{"outcome", "mode"}),
		StreamFramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "stream_frames_skipped_total",
			Help:      "Upstream stream frames dropped because they did not decode",
		}),
		StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "stream_events_total",
			Help:      "Delta events relayed to clients",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "upstream_requests_total",
			Help:      "Upstream chat completion requests by provider and HTTP status",
		}, []string{"provider", "status"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chime",
			Name:      "upstream_request_seconds",
			Help:      "Time until upstream response headers arrive",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chime",
			Name:      "rate_limited_total",
			Help:      "Chat turns refused by the per-user hourly limit",
		}),
	}
}
