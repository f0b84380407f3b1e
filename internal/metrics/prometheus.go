package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription pipeline
type Metrics struct {
	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Queue metrics
	ChunksEnqueued   prometheus.Counter
	ChunksDropped    prometheus.Counter
	ChunksRecognized prometheus.Counter
	QueueDepth       prometheus.Gauge

	// Recognition metrics
	ResultsEmitted *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	SourceErrors   *prometheus.CounterVec

	// VAD and segmentation metrics
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter
	UtterancesGenerated prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Transcription API metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
	WebsocketClients    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_sessions_stopped_total",
			Help: "Total number of transcription sessions stopped, by reason",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_sessions",
			Help: "Current number of running transcription sessions",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_session_duration_seconds",
			Help:    "Wall clock duration of transcription sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Queue metrics
		ChunksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_chunks_enqueued_total",
			Help: "Total number of audio chunks accepted by the queue",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_chunks_dropped_total",
			Help: "Total number of audio chunks dropped because the queue was full",
		}),
		ChunksRecognized: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_chunks_recognized_total",
			Help: "Total number of audio chunks fed to the recognizer",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_queue_depth",
			Help: "Current number of chunks waiting in the audio queue",
		}),

		// Recognition metrics
		ResultsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_results_emitted_total",
			Help: "Total number of recognition results delivered, by kind",
		}, []string{"kind"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_recognizer_decode_errors_total",
			Help: "Total number of recognizer outputs that could not be decoded",
		}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_source_errors_total",
			Help: "Total number of audio source failures, by source kind and stage",
		}, []string{"source", "stage"}),

		// VAD and segmentation metrics
		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_windows_processed_total",
			Help: "Total number of VAD windows processed",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_voice_detected_total",
			Help: "Total number of VAD windows with voice detected",
		}),
		UtterancesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_utterances_generated_total",
			Help: "Total number of speech utterances cut by the segmenter",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_utterance_duration_seconds",
			Help:    "Duration of generated utterances",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// Transcription API metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of transcription API requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcription API requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcription API requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Duration of transcription API requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_retries_total",
			Help: "Total number of transcription API request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_websocket_clients",
			Help: "Current number of connected transcript websocket clients",
		}),
	}
}

// RecordSessionStarted counts a new session and marks it active
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionStopped records the end of a session
func (m *Metrics) RecordSessionStopped(reason string, durationSeconds float64) {
	m.SessionsStopped.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordEnqueued counts an accepted chunk and updates the queue depth
func (m *Metrics) RecordEnqueued(depth int) {
	m.ChunksEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordDropped counts a chunk rejected by a full queue
func (m *Metrics) RecordDropped() {
	m.ChunksDropped.Inc()
}

// RecordRecognized counts a chunk fed to the recognizer
func (m *Metrics) RecordRecognized(depth int) {
	m.ChunksRecognized.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordResult counts a delivered result of the given kind
func (m *Metrics) RecordResult(kind string) {
	m.ResultsEmitted.WithLabelValues(kind).Inc()
}

// RecordDecodeError increments the recognizer decode error counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordSourceError counts a source failure at stage "init" or "read"
func (m *Metrics) RecordSourceError(source, stage string) {
	m.SourceErrors.WithLabelValues(source, stage).Inc()
}

// RecordVADWindow increments VAD windows processed and optionally voice detected
func (m *Metrics) RecordVADWindow(hasVoice bool) {
	m.VADWindowsProcessed.Inc()
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
}

// RecordUtterance records an utterance cut by the segmenter
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	m.UtterancesGenerated.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// SetWebsocketClients sets the number of connected websocket clients
func (m *Metrics) SetWebsocketClients(n int) {
	m.WebsocketClients.Set(float64(n))
}
