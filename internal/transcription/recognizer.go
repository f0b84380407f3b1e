package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stt-pipeline/internal/audio"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
	"github.com/skypro1111/stt-pipeline/internal/recognizer"
	"github.com/skypro1111/stt-pipeline/internal/vad"
)

// RecognizerConfig configures utterance detection for the HTTP backend
type RecognizerConfig struct {
	Format         audio.Format
	VADThreshold   float32
	VADWindowSize  int // samples
	Segment        audio.SegmentConfig
	RequestTimeout time.Duration
}

// Recognizer implements recognizer.Recognizer on top of the transcription
// API. Audio is classified window by window with energy VAD, grouped into
// utterances, and each utterance is posted as a WAV file. An utterance
// boundary is reported when the API returns its text.
type Recognizer struct {
	client    *Client
	vad       *vad.Processor
	segmenter *audio.Segmenter
	format    audio.Format
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pending []byte
	result  []string
}

var _ recognizer.Recognizer = (*Recognizer)(nil)

// RecognizerStats reports the detection pipeline behind the recognizer.
// Counters cover the recognizer's lifetime, not a single session.
type RecognizerStats struct {
	VAD       vad.ProcessorStats   `json:"vad"`
	Segmenter audio.SegmenterStats `json:"segmenter"`
	Client    ClientStats          `json:"client"`
}

// NewRecognizer creates an HTTP-backed recognizer
func NewRecognizer(client *Client, config RecognizerConfig, logger *slog.Logger, m *metrics.Metrics) (*Recognizer, error) {
	processor, err := vad.NewProcessor(config.VADThreshold, config.VADWindowSize, config.Format.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	config.Segment.Format = config.Format
	segmenter, err := audio.NewSegmenter(config.Segment)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	return &Recognizer{
		client:    client,
		vad:       processor,
		segmenter: segmenter,
		format:    config.Format,
		timeout:   config.RequestTimeout,
		metrics:   m,
		logger:    logger,
	}, nil
}

// AcceptWaveform implements recognizer.Recognizer. It blocks while a
// completed utterance is being transcribed.
func (r *Recognizer) AcceptWaveform(pcm []byte) (bool, error) {
	r.pending = append(r.pending, pcm...)
	windowBytes := r.vad.WindowBytes()

	boundary := false
	var firstErr error
	for len(r.pending) >= windowBytes {
		window := r.pending[:windowBytes]

		res, err := r.vad.Process(audio.BytesToSamples(window))
		if err != nil {
			return boundary, err
		}
		if r.metrics != nil {
			r.metrics.RecordVADWindow(res.HasVoice)
		}

		utterance := r.segmenter.Push(window, res.HasVoice, res.Confidence)
		r.pending = r.pending[windowBytes:]

		if utterance == nil {
			continue
		}

		text, err := r.transcribe(utterance)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if text != "" {
			r.result = append(r.result, text)
		}
		boundary = true
	}

	// keep the sub-window remainder in a fresh slice so the buffer does not grow
	r.pending = append([]byte(nil), r.pending...)

	if boundary {
		return true, nil
	}
	return false, firstErr
}

// Result implements recognizer.Recognizer
func (r *Recognizer) Result() string {
	text := strings.Join(r.result, " ")
	r.result = r.result[:0]
	return recognizer.FormatFinal(text)
}

// PartialResult implements recognizer.Recognizer. Utterances are
// transcribed whole, so there is never a partial hypothesis.
func (r *Recognizer) PartialResult() string {
	return recognizer.FormatPartial("")
}

// FinalResult implements recognizer.Recognizer. It transcribes the
// utterance still being collected and resets detection state.
func (r *Recognizer) FinalResult() string {
	r.pending = nil
	r.vad.Reset()

	texts := r.result
	r.result = nil

	if utterance := r.segmenter.Flush(); utterance != nil {
		text, err := r.transcribe(utterance)
		if err != nil {
			r.logger.Warn("Final utterance transcription failed", slog.String("error", err.Error()))
		} else if text != "" {
			texts = append(texts, text)
		}
	}
	return recognizer.FormatFinal(strings.Join(texts, " "))
}

// GetStats returns pipeline statistics. Safe to call while a session runs.
func (r *Recognizer) GetStats() RecognizerStats {
	return RecognizerStats{
		VAD:       r.vad.GetStats(),
		Segmenter: r.segmenter.GetStats(),
		Client:    r.client.GetStats(),
	}
}

func (r *Recognizer) transcribe(utterance *audio.Utterance) (string, error) {
	if r.metrics != nil {
		r.metrics.RecordUtterance(utterance.Duration.Seconds())
	}

	wav, err := audio.EncodeWAV(utterance.Data, r.format)
	if err != nil {
		return "", fmt.Errorf("failed to encode utterance: %w", err)
	}

	id := fmt.Sprintf("utt_%d", utterance.Index)
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.client.Transcribe(ctx, &Request{
		UtteranceID: id,
		Audio:       wav,
		SampleRate:  r.format.SampleRate,
		Duration:    utterance.Duration,
		Confidence:  utterance.Confidence,
		RequestID:   uuid.NewString(),
		Timestamp:   time.Now(),
	})
	if err != nil {
		r.logger.Error("Utterance transcription failed",
			slog.String("utterance_id", id),
			slog.Float64("duration", utterance.Duration.Seconds()),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	r.logger.Info("Utterance transcribed",
		slog.String("utterance_id", id),
		slog.Float64("duration", utterance.Duration.Seconds()),
		slog.Bool("forced", utterance.Forced),
		slog.Float64("latency", time.Since(start).Seconds()),
		slog.Int("text_length", len(resp.Text)),
	)
	return strings.TrimSpace(resp.Text), nil
}
