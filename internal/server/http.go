package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/stt-pipeline/internal/config"
	"github.com/skypro1111/stt-pipeline/internal/engine"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
	"github.com/skypro1111/stt-pipeline/internal/transcription"
)

const (
	serviceName    = "stt-pipeline"
	serviceVersion = "1.0.0"
)

// HTTPServer provides monitoring endpoints and the live transcript feed
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	engine   *engine.Engine
	hub      *Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. gatherer backs /metrics and
// must be the registry the metrics were registered with.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	eng *engine.Engine, hub *Hub, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    eng,
		hub:       hub,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     h.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the route table
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// websocket connections are long-lived and tracked by the hub gauge
	mux.Handle("/ws/transcripts", h.hub)

	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on the configured address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	engineStatus := "idle"
	if h.engine.Current() != nil {
		engineStatus = "running"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"engine":    map[string]any{"status": engineStatus},
			"websocket": map[string]any{"clients": h.hub.Clients()},
		},
	})
}

// pipelineReporter is implemented by recognizers with an inspectable
// detection pipeline
type pipelineReporter interface {
	GetStats() transcription.RecognizerStats
}

type sessionResponse struct {
	engine.SessionStats
	Recognizer *transcription.RecognizerStats `json:"recognizer,omitempty"`
}

// handleSession implements the /session endpoint: statistics of the running
// session, or of the last one when nothing runs. The HTTP backend adds its
// VAD, segmenter and client counters.
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess := h.engine.Last()
	if sess == nil {
		http.Error(w, "No session has run yet", http.StatusNotFound)
		return
	}

	resp := sessionResponse{SessionStats: sess.GetStats()}
	if reporter, ok := h.engine.Recognizer().(pipelineReporter); ok {
		stats := reporter.GetStats()
		resp.Recognizer = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleConfig implements the /config endpoint. The effective
// configuration is served as YAML with the API key masked.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := *h.config
	if sanitized.Recognizer.HTTP.APIKey != "" {
		sanitized.Recognizer.HTTP.APIKey = "redacted"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		http.Error(w, "Failed to encode configuration", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}
