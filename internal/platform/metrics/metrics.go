package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webm-relay/internal/pushpull"
)

// Metrics holds Prometheus counters and gauges for the relay. It also
// satisfies pushpull.Recorder so every stream window reports into it.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	streamsEndedTotal prometheus.Counter
	segmentsTotal     *prometheus.CounterVec
	chunksBuilt       prometheus.Counter
	chunksDispatched  prometheus.Counter
	chunksDropped     prometheus.Counter
	pullsTotal        *prometheus.CounterVec
	fatalErrorsTotal  *prometheus.CounterVec
	activeStreams     prometheus.Gauge
	queueDepth        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webm_relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webm_relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		streamsEndedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webm_relay_streams_ended_total",
			Help: "Total number of streams ended",
		}),
		segmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webm_relay_segments_total",
			Help: "Segments accepted, by kind (init or media)",
		}, []string{"kind"}),
		chunksBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webm_relay_chunks_built_total",
			Help: "Chunk messages built from media segments",
		}),
		chunksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webm_relay_chunks_dispatched_total",
			Help: "Chunk messages emitted by the pacer",
		}),
		chunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webm_relay_chunks_dropped_total",
			Help: "Chunk messages dropped from a full dispatch queue",
		}),
		pullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webm_relay_pulls_total",
			Help: "Retransmission requests, by result (hit or miss)",
		}, []string{"result"}),
		fatalErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webm_relay_fatal_errors_total",
			Help: "Segments rejected for exceeding message capacity, by kind",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webm_relay_active_streams",
			Help: "Number of streams that are not ended",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webm_relay_queue_depth",
			Help: "Chunks waiting in dispatch queues across all streams",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamsEndedTotal,
		m.segmentsTotal,
		m.chunksBuilt,
		m.chunksDispatched,
		m.chunksDropped,
		m.pullsTotal,
		m.fatalErrorsTotal,
		m.activeStreams,
		m.queueDepth,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStreamsEnded increments the streams ended counter.
func (m *Metrics) IncStreamsEnded() {
	m.streamsEndedTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetQueueDepth sets the summed dispatch queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SegmentPushed(kind string, chunks int) {
	m.segmentsTotal.WithLabelValues(kind).Inc()
	if kind == pushpull.KindMedia {
		m.chunksBuilt.Add(float64(chunks))
	}
}

func (m *Metrics) ChunkDispatched() {
	m.chunksDispatched.Inc()
}

func (m *Metrics) ChunksDropped(n int) {
	m.chunksDropped.Add(float64(n))
}

func (m *Metrics) ChunkPulled(found bool) {
	result := "miss"
	if found {
		result = "hit"
	}
	m.pullsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) FatalError(kind string) {
	m.fatalErrorsTotal.WithLabelValues(kind).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

var _ pushpull.Recorder = (*Metrics)(nil)
