package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriber_active_sessions",
		Help: "Number of active bot sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_sessions_total",
		Help: "Total number of bot sessions by outcome",
	}, []string{"outcome"}) // outcome: started, handshake_invalid, upstream_open_failed

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_session_duration_seconds",
		Help:    "Duration of bot sessions in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})

	// Upstream metrics
	upstreamResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_upstream_results_total",
		Help: "Recognition results received from Deepgram",
	}, []string{"kind"}) // kind: interim, final, speech_final, empty

	upstreamOpenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_upstream_open_seconds",
		Help:    "Time to open a Deepgram live stream",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (float32 from bot) or "out" (int16 to Deepgram)

	audioInputLevel = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriber_audio_input_rms",
		Help:    "RMS level of converted audio frames",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
	})

	// Event log metrics
	publishedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_published_records_total",
		Help: "Records appended to the event log",
	}, []string{"type", "status"}) // status: success, error

	suppressedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_suppressed_records_total",
		Help: "Records not appended because they duplicate earlier ones",
	}, []string{"type"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single bot session
type SessionMetrics struct {
	startTime time.Time
}

// NewSessionMetrics starts tracking a session and marks it active
func NewSessionMetrics() *SessionMetrics {
	activeSessions.Inc()
	totalSessions.WithLabelValues("started").Inc()
	return &SessionMetrics{startTime: time.Now()}
}

// RecordSessionEnd marks the session inactive and observes its duration
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordRejectedSession counts a connection that never became a session
func RecordRejectedSession(outcome string) {
	totalSessions.WithLabelValues(outcome).Inc()
}

// RecordUpstreamResult counts a recognition result by kind
func RecordUpstreamResult(kind string) {
	upstreamResults.WithLabelValues(kind).Inc()
}

// RecordUpstreamOpen observes how long opening the upstream stream took
func RecordUpstreamOpen(d time.Duration) {
	upstreamOpenLatency.Observe(d.Seconds())
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordInputLevel observes the RMS level of a converted frame
func RecordInputLevel(rms float64) {
	audioInputLevel.Observe(rms)
}

// RecordPublish counts an append attempt for a record type
func RecordPublish(recordType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	publishedRecords.WithLabelValues(recordType, status).Inc()
}

// RecordSuppressed counts a deduplicated record
func RecordSuppressed(recordType string) {
	suppressedRecords.WithLabelValues(recordType).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
