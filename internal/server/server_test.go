package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-pipeline/internal/audio"
	"github.com/skypro1111/stt-pipeline/internal/config"
	"github.com/skypro1111/stt-pipeline/internal/engine"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
	"github.com/skypro1111/stt-pipeline/internal/recognizer"
	"github.com/skypro1111/stt-pipeline/internal/source"
	"github.com/skypro1111/stt-pipeline/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoRecognizer reports a boundary on every chunk
type echoRecognizer struct{}

func (echoRecognizer) AcceptWaveform([]byte) (bool, error) { return true, nil }
func (echoRecognizer) Result() string                      { return recognizer.FormatFinal("hello") }
func (echoRecognizer) PartialResult() string               { return recognizer.FormatPartial("") }
func (echoRecognizer) FinalResult() string                 { return recognizer.FormatFinal("") }

// clipSource yields a fixed number of silent chunks and then io.EOF
type clipSource struct {
	mu     sync.Mutex
	chunks int
	seq    uint64
}

func (s *clipSource) Kind() source.Kind                        { return source.KindLocalMedia }
func (s *clipSource) Mode() source.Mode                        { return source.ModePull }
func (s *clipSource) Start(context.Context, source.Sink) error { return nil }
func (s *clipSource) Stop() error                              { return nil }
func (s *clipSource) String() string                           { return "clip" }

func (s *clipSource) Read() (audio.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(s.seq) >= s.chunks {
		return audio.Chunk{}, io.EOF
	}
	s.seq++
	return audio.NewChunk(s.seq, make([]byte, 320))
}

type fixture struct {
	server      *httptest.Server
	engine      *engine.Engine
	broadcaster *engine.Broadcaster
	hub         *Hub
	metrics     *metrics.Metrics
	cancel      context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	eng, err := engine.NewEngine(echoRecognizer{}, engine.DefaultConfig(), testLogger(), m)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Recognizer.Backend = config.BackendHTTP
	cfg.Recognizer.HTTP.Endpoint = "http://asr.internal/transcribe"
	cfg.Recognizer.HTTP.APIKey = "super-secret"

	broadcaster := engine.NewBroadcaster()
	hub := NewHub(broadcaster, testLogger(), m)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := NewHTTPServer(cfg.HTTP, testLogger(), &cfg, eng, hub, m, reg)
	srv := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &fixture{server: srv, engine: eng, broadcaster: broadcaster, hub: hub, metrics: m, cancel: cancel}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := get(t, f.server.URL+"/health")
	require.Equal(t, http.StatusOK, status)

	var health map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "healthy", health["status"])

	components := health["components"].(map[string]any)
	assert.Equal(t, "idle", components["engine"].(map[string]any)["status"])

	resp, err := http.Post(f.server.URL+"/health", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPErrors.WithLabelValues("POST", "/health", "client_error")))
}

func TestSessionStats(t *testing.T) {
	f := newFixture(t)

	status, _ := get(t, f.server.URL+"/session")
	assert.Equal(t, http.StatusNotFound, status)

	require.NoError(t, f.engine.Transcribe(context.Background(), &clipSource{chunks: 3}, 0, nil))

	status, body := get(t, f.server.URL+"/session")
	require.Equal(t, http.StatusOK, status)

	var stats engine.SessionStats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, f.engine.Last().ID, stats.ID)
	assert.Equal(t, "stopped", stats.State)
	assert.Equal(t, engine.ReasonExhausted, stats.StopReason)
	assert.Equal(t, uint64(3), stats.ChunksRecognized)
	assert.Equal(t, uint64(3), stats.FinalResults)
	assert.NotContains(t, body, `"recognizer"`)
}

func TestSessionStatsIncludeRecognizerPipeline(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	// silence never reaches the API
	client, err := transcription.NewClient(transcription.Config{
		Endpoint: "http://127.0.0.1:1/transcribe",
		APIKey:   "unused",
	}, m)
	require.NoError(t, err)
	rec, err := transcription.NewRecognizer(client, transcription.RecognizerConfig{
		Format:        audio.PCM16Mono(16000),
		VADThreshold:  0.5,
		VADWindowSize: 160,
		Segment: audio.SegmentConfig{
			MinDuration:        200 * time.Millisecond,
			MaxDuration:        10 * time.Second,
			MinSpeechDuration:  200 * time.Millisecond,
			MinSilenceDuration: 300 * time.Millisecond,
		},
	}, testLogger(), m)
	require.NoError(t, err)

	eng, err := engine.NewEngine(rec, engine.DefaultConfig(), testLogger(), m)
	require.NoError(t, err)

	cfg := config.Default()
	hub := NewHub(engine.NewBroadcaster(), testLogger(), m)
	srv := httptest.NewServer(NewHTTPServer(cfg.HTTP, testLogger(), &cfg, eng, hub, m, reg).Handler())
	defer srv.Close()

	require.NoError(t, eng.Transcribe(context.Background(), &clipSource{chunks: 3}, 0, nil))

	status, body := get(t, srv.URL+"/session")
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		engine.SessionStats
		Recognizer *transcription.RecognizerStats `json:"recognizer"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, uint64(3), resp.ChunksRecognized)
	require.NotNil(t, resp.Recognizer)
	assert.Equal(t, uint64(3), resp.Recognizer.VAD.TotalWindows)
	assert.Zero(t, resp.Recognizer.VAD.VoiceWindows)
	assert.Zero(t, resp.Recognizer.Segmenter.Utterances)
	assert.Zero(t, resp.Recognizer.Client.TotalRequests)
}

func TestConfigMasksAPIKey(t *testing.T) {
	f := newFixture(t)

	status, body := get(t, f.server.URL+"/config")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "asr.internal/transcribe")
	assert.Contains(t, body, "api_key: redacted")
	assert.NotContains(t, body, "super-secret")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Transcribe(context.Background(), &clipSource{chunks: 1}, 0, nil))

	status, body := get(t, f.server.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "stt_sessions_started_total 1")
}

func dialTranscripts(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/transcripts"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketReceivesTranscripts(t *testing.T) {
	f := newFixture(t)

	first := dialTranscripts(t, f)
	second := dialTranscripts(t, f)
	require.Eventually(t, func() bool { return f.hub.Clients() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.WebsocketClients))

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Transcribe(context.Background(), &clipSource{chunks: 2}, 0, f.broadcaster)
	}()
	require.NoError(t, <-done)

	for _, conn := range []*websocket.Conn{first, second} {
		for seq := uint64(1); seq <= 2; seq++ {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)

			var msg map[string]any
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.Equal(t, "final", msg["kind"])
			assert.Equal(t, "hello", msg["text"])
			assert.Equal(t, float64(seq), msg["seq"])
		}
	}

	first.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubShutdownClosesClients(t *testing.T) {
	f := newFixture(t)

	conn := dialTranscripts(t, f)
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return f.broadcaster.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
