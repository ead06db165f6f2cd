package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geminimind_active_sessions",
		Help: "Number of open chat widget sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geminimind_sessions_total",
		Help: "Total number of chat widget sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geminimind_session_duration_seconds",
		Help:    "Duration of chat widget sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// Submission outcomes: answered, failed, busy, ignored
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_submissions_total",
		Help: "Total number of user submissions by outcome",
	}, []string{"outcome"})

	// Model metrics
	modelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_model_requests_total",
		Help: "Total number of language model requests",
	}, []string{"status"})

	modelLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geminimind_model_latency_seconds",
		Help:    "Language model round-trip latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// STT metrics
	sttSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_stt_sessions_total",
		Help: "Total number of speech recognition sessions",
	}, []string{"status"})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geminimind_tts_latency_seconds",
		Help:    "Time from speak request to last audio frame in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geminimind_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geminimind_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single widget session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	modelStartTime time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSubmission records the outcome of a submit call
func (m *Metrics) RecordSubmission(outcome string) {
	submissions.WithLabelValues(outcome).Inc()
}

// RecordModelStart records the start of a model request
func (m *Metrics) RecordModelStart() {
	m.mu.Lock()
	m.modelStartTime = time.Now()
	m.mu.Unlock()
}

// RecordModelEnd records the end of a model request
func (m *Metrics) RecordModelEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.modelStartTime.IsZero() {
		modelLatency.Observe(time.Since(m.modelStartTime).Seconds())
	}
	modelRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordSTTSession records whether a recognition session started cleanly
func (m *Metrics) RecordSTTSession(success bool) {
	sttSessions.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTTS records a finished utterance
func (m *Metrics) RecordTTS(started time.Time, success bool) {
	ttsLatency.Observe(time.Since(started).Seconds())
	ttsRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
