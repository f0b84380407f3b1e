package transcription

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stt-pipeline/internal/audio"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
	"github.com/skypro1111/stt-pipeline/internal/recognizer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// level returns d of constant-amplitude PCM at 16kHz
func level(amplitude int16, d time.Duration) []byte {
	n := int(16000 * d.Seconds())
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(amplitude))
	}
	return pcm
}

type apiServer struct {
	*httptest.Server
	requests atomic.Int32
	failures int32 // leading requests answered with 503
	text     string
	lastForm atomic.Value
}

func newAPIServer(t *testing.T, text string, failures int32) *apiServer {
	t.Helper()
	s := &apiServer{text: text, failures: failures}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)

		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.lastForm.Store(r.MultipartForm.Value)

		file, header, err := r.FormFile("file")
		if assert.NoError(t, err) {
			data, _ := io.ReadAll(file)
			info, err := audio.GetWAVInfo(data)
			assert.NoError(t, err)
			if info != nil {
				assert.Equal(t, 16000, info.Format.SampleRate)
			}
			assert.Contains(t, header.Filename, ".wav")
		}

		if n <= s.failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{Text: s.text, Confidence: 0.9})
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestClient(t *testing.T, endpoint string, m *metrics.Metrics) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:     endpoint,
		APIKey:       "secret",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
		Language:     "en",
	}, m)
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "http://localhost"}, nil)
	assert.Error(t, err)

	client, err := NewClient(Config{Endpoint: "http://localhost", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, client.config.Timeout)
	assert.Equal(t, 10, client.config.MaxConcurrent)
	assert.Equal(t, "json", client.config.OutputFormat)
}

func TestClientTranscribe(t *testing.T) {
	srv := newAPIServer(t, "hello there", 0)
	client := newTestClient(t, srv.URL, nil)

	wav, err := audio.EncodeWAV(level(1000, 100*time.Millisecond), audio.PCM16Mono(16000))
	require.NoError(t, err)

	resp, err := client.Transcribe(context.Background(), &Request{
		UtteranceID: "utt_1",
		Audio:       wav,
		SampleRate:  16000,
		Duration:    100 * time.Millisecond,
		RequestID:   "req-1",
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)

	form := srv.lastForm.Load().(map[string][]string)
	assert.Equal(t, []string{"utt_1"}, form["utterance_id"])
	assert.Equal(t, []string{"en"}, form["language"])
	assert.Equal(t, []string{"0.100"}, form["duration"])

	stats := client.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Zero(t, stats.ActiveRequests)
}

func TestClientRetriesServerErrors(t *testing.T) {
	srv := newAPIServer(t, "ok", 2)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	client := newTestClient(t, srv.URL, m)

	wav, _ := audio.EncodeWAV(level(1000, 10*time.Millisecond), audio.PCM16Mono(16000))
	resp, err := client.Transcribe(context.Background(), &Request{UtteranceID: "u", Audio: wav})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	assert.Equal(t, int32(3), srv.requests.Load())
	assert.Equal(t, uint64(2), client.GetStats().TotalRetries)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TranscriptionRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TranscriptionSuccesses))
}

func TestClientGivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	_, err := client.Transcribe(context.Background(), &Request{UtteranceID: "u"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
	assert.Equal(t, uint64(1), client.GetStats().FailedRequests)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(context.DeadlineExceeded))
	assert.True(t, isRetryableError(&StatusError{StatusCode: 429}))
	assert.True(t, isRetryableError(&StatusError{StatusCode: 502}))
	assert.False(t, isRetryableError(&StatusError{StatusCode: 401}))
	assert.False(t, isRetryableError(io.ErrUnexpectedEOF))
}

func newTestRecognizer(t *testing.T, endpoint string, m *metrics.Metrics) *Recognizer {
	t.Helper()
	rec, err := NewRecognizer(newTestClient(t, endpoint, m), RecognizerConfig{
		Format:        audio.PCM16Mono(16000),
		VADThreshold:  0.3,
		VADWindowSize: 1600, // 100ms
		Segment: audio.SegmentConfig{
			MinDuration:        200 * time.Millisecond,
			MaxDuration:        10 * time.Second,
			MinSpeechDuration:  200 * time.Millisecond,
			MinSilenceDuration: 300 * time.Millisecond,
		},
	}, testLogger(), m)
	require.NoError(t, err)
	return rec
}

func TestRecognizerReportsBoundaryAfterSilence(t *testing.T) {
	srv := newAPIServer(t, " hello world ", 0)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	rec := newTestRecognizer(t, srv.URL, m)

	// speech arrives in blocks that do not line up with VAD windows
	boundary, err := rec.AcceptWaveform(level(12000, 250*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, boundary)

	boundary, err = rec.AcceptWaveform(level(12000, 250*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, boundary)

	boundary, err = rec.AcceptWaveform(level(0, 500*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, boundary)

	result, err := recognizer.ParseFinal(rec.Result())
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)

	// the result is consumed
	result, err = recognizer.ParseFinal(rec.Result())
	require.NoError(t, err)
	assert.Empty(t, result.Text)

	assert.Equal(t, int32(1), srv.requests.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UtterancesGenerated))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.VADWindowsProcessed))

	stats := rec.GetStats()
	assert.Equal(t, uint64(10), stats.VAD.TotalWindows)
	assert.Equal(t, uint64(1), stats.Segmenter.Utterances)
	assert.Equal(t, audio.SegmentIdle.String(), stats.Segmenter.State)
	assert.Equal(t, uint64(1), stats.Client.SuccessRequests)
}

func TestRecognizerIgnoresSilence(t *testing.T) {
	srv := newAPIServer(t, "never", 0)
	rec := newTestRecognizer(t, srv.URL, nil)

	boundary, err := rec.AcceptWaveform(level(0, time.Second))
	require.NoError(t, err)
	assert.False(t, boundary)

	result, err := recognizer.ParseFinal(rec.FinalResult())
	require.NoError(t, err)
	assert.Empty(t, result.Text)
	assert.Zero(t, srv.requests.Load())

	partial, err := recognizer.ParsePartial(rec.PartialResult())
	require.NoError(t, err)
	assert.Empty(t, partial.Text)
}

func TestRecognizerFinalResultFlushesOpenUtterance(t *testing.T) {
	srv := newAPIServer(t, "trailing words", 0)
	rec := newTestRecognizer(t, srv.URL, nil)

	boundary, err := rec.AcceptWaveform(level(12000, 600*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, boundary)

	result, err := recognizer.ParseFinal(rec.FinalResult())
	require.NoError(t, err)
	assert.Equal(t, "trailing words", result.Text)
	assert.Equal(t, int32(1), srv.requests.Load())

	// detection state is reset for the next stream, counters are not
	stats := rec.GetStats()
	assert.Equal(t, uint64(6), stats.VAD.TotalWindows)
	assert.Equal(t, uint64(1), stats.Segmenter.Utterances)
	assert.Zero(t, stats.Segmenter.PendingBytes)
}

func TestRecognizerSurfacesTranscriptionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := newTestRecognizer(t, srv.URL, nil)
	_, err := rec.AcceptWaveform(level(12000, 500*time.Millisecond))
	require.NoError(t, err)

	boundary, err := rec.AcceptWaveform(level(0, 500*time.Millisecond))
	assert.False(t, boundary)
	assert.Error(t, err)
}
