package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/stt-pipeline/internal/audio"
	"github.com/skypro1111/stt-pipeline/internal/config"
	"github.com/skypro1111/stt-pipeline/internal/engine"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
	"github.com/skypro1111/stt-pipeline/internal/recognizer"
	"github.com/skypro1111/stt-pipeline/internal/server"
	"github.com/skypro1111/stt-pipeline/internal/source"
	"github.com/skypro1111/stt-pipeline/internal/transcription"
	"github.com/skypro1111/stt-pipeline/internal/youtube"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stt-pipeline"
	serviceVersion    = "1.0.0"
)

// Source flag values
const (
	sourceMic      = "mic"
	sourceMedia    = "media"
	sourceRemote   = "remote"
	sourceCaptions = "captions"
)

type options struct {
	source   string
	input    string
	duration time.Duration
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	sourceFlag := flag.String("source", sourceMic, "Audio source: mic, media, remote or captions")
	input := flag.String("input", "", "Media file path (media) or video URL/ID (remote, captions)")
	duration := flag.Duration("duration", 0, "Session length; 0 uses engine.default_duration from the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	opts := options{source: *sourceFlag, input: *input, duration: *duration}
	if opts.duration == 0 {
		opts.duration = cfg.Engine.GetDefaultDuration()
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
		slog.String("source", opts.source),
		slog.Duration("duration", opts.duration),
	)

	os.Exit(run(cfg, opts, logger))
}

func (o options) validate() error {
	switch o.source {
	case sourceMic:
		return nil
	case sourceMedia, sourceRemote, sourceCaptions:
		if o.input == "" {
			return fmt.Errorf("-input is required for -source %s", o.source)
		}
		return nil
	default:
		return fmt.Errorf("unknown -source %q", o.source)
	}
}

func run(cfg *config.Config, opts options, logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// watch signals before any slow setup so an early interrupt is not lost
	sd := &shutdown{cancel: cancel, logger: logger}
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go sd.watch(sigChan)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)

	broadcaster := engine.NewBroadcaster()
	defer broadcaster.Close()

	sink := engine.SinkFunc(func(t engine.Transcript) {
		logger.Info("Transcript",
			slog.String("session_id", t.SessionID),
			slog.Uint64("seq", t.Seq),
			slog.String("kind", t.Kind.String()),
			slog.String("text", t.Text),
		)
		broadcaster.Deliver(t)
	})

	if opts.source == sourceCaptions {
		return runCaptions(ctx, cfg, opts, sink, logger)
	}

	rec, closeRecognizer, err := buildRecognizer(cfg, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create recognizer",
			slog.String("backend", cfg.Recognizer.Backend),
			slog.String("error", err.Error()),
		)
		return 1
	}
	defer closeRecognizer()

	eng, err := engine.NewEngine(rec, engine.Config{
		QueueCapacity:  cfg.Queue.Capacity,
		DequeueTimeout: cfg.Queue.GetDequeueTimeout(),
		EmitPartials:   cfg.Engine.EmitPartials,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create engine", slog.String("error", err.Error()))
		return 1
	}
	sd.engine.Store(eng)

	if cfg.HTTP.Enabled {
		hub := server.NewHub(broadcaster, logger, appMetrics)
		go hub.Run(ctx)

		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, eng, hub, appMetrics, registry)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			return 1
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}()
	}

	src := buildSource(cfg, opts, logger)

	err = eng.Transcribe(ctx, src, opts.duration, sink)

	if sess := eng.Last(); sess != nil {
		stats := sess.GetStats()
		logger.Info("Final session statistics",
			slog.String("session_id", stats.ID),
			slog.String("stop_reason", string(stats.StopReason)),
			slog.Duration("elapsed", stats.Elapsed),
			slog.Uint64("chunks_enqueued", stats.Queue.Enqueued),
			slog.Uint64("chunks_dropped", stats.Queue.Dropped),
			slog.Uint64("chunks_recognized", stats.ChunksRecognized),
			slog.Uint64("final_results", stats.FinalResults),
			slog.Uint64("decode_errors", stats.DecodeErrors),
		)
	}

	var initErr *source.InitError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("Service stopped")
		return 0
	case errors.As(err, &initErr):
		logger.Error("Audio source failed to start",
			slog.String("source", initErr.Kind.String()),
			slog.String("error", initErr.Err.Error()),
		)
		return 1
	default:
		logger.Error("Transcription ended with error", slog.String("error", err.Error()))
		return 1
	}
}

func buildRecognizer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (recognizer.Recognizer, func(), error) {
	rc := cfg.Recognizer

	switch rc.Backend {
	case config.BackendHTTP:
		client, err := transcription.NewClient(transcription.Config{
			Endpoint:      rc.HTTP.Endpoint,
			APIKey:        rc.HTTP.APIKey,
			Timeout:       rc.HTTP.GetTimeoutDuration(),
			MaxRetries:    rc.HTTP.MaxRetries,
			MaxConcurrent: rc.HTTP.MaxConcurrent,
			OutputFormat:  rc.HTTP.OutputFormat,
			Language:      rc.HTTP.Language,
			Model:         rc.HTTP.Model,
		}, m)
		if err != nil {
			return nil, nil, err
		}

		rec, err := transcription.NewRecognizer(client, transcription.RecognizerConfig{
			Format:        audio.PCM16Mono(cfg.Audio.SampleRate),
			VADThreshold:  rc.VAD.Threshold,
			VADWindowSize: rc.VAD.WindowSize,
			Segment: audio.SegmentConfig{
				MinDuration:        rc.VAD.GetMinUtterance(),
				MaxDuration:        rc.VAD.GetMaxUtterance(),
				MinSpeechDuration:  rc.VAD.GetMinSpeechDuration(),
				MinSilenceDuration: rc.VAD.GetMinSilenceDuration(),
			},
			RequestTimeout: rc.HTTP.GetTimeoutDuration(),
		}, logger, m)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}

		logger.Info("HTTP recognizer initialized",
			slog.String("endpoint", rc.HTTP.Endpoint),
			slog.Float64("vad_threshold", float64(rc.VAD.Threshold)),
		)
		return rec, func() { _ = client.Close() }, nil

	default:
		rec, err := recognizer.NewVosk(rc.ModelPath, cfg.Audio.SampleRate)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Vosk recognizer initialized", slog.String("model_path", rc.ModelPath))
		return rec, func() { _ = rec.Close() }, nil
	}
}

func buildSource(cfg *config.Config, opts options, logger *slog.Logger) source.Source {
	srcOpts := source.Options{
		Format:      audio.PCM16Mono(cfg.Audio.SampleRate),
		BlockFrames: cfg.Audio.BlockSize,
		ReadTimeout: cfg.Sources.GetReadTimeout(),
		Realtime:    cfg.Sources.Realtime,
	}
	decoder := source.NewFFmpeg(cfg.Sources.FFmpegPath, srcOpts.Format, logger)

	switch opts.source {
	case sourceMedia:
		return source.NewLocalMedia(opts.input, decoder, srcOpts, logger)
	case sourceRemote:
		return source.NewRemoteMedia(opts.input, youtube.NewRetriever(nil, logger), decoder, srcOpts, logger)
	default:
		device := source.NewMalgoCapture(cfg.Sources.CaptureDevice, logger)
		return source.NewMicrophone(device, srcOpts, logger)
	}
}

// runCaptions publishes a video's existing captions instead of recognizing
// its audio
func runCaptions(ctx context.Context, cfg *config.Config, opts options, sink engine.Sink, logger *slog.Logger) int {
	fetcher := youtube.NewCaptionFetcher(youtube.NewRetriever(nil, logger), nil, logger)
	captions, err := fetcher.Fetch(ctx, opts.input, cfg.YouTube.CaptionLanguage)
	if err != nil {
		logger.Error("Failed to fetch captions",
			slog.String("video", opts.input),
			slog.String("language", cfg.YouTube.CaptionLanguage),
			slog.String("error", err.Error()),
		)
		return 1
	}

	n := youtube.Emit(ctx, captions, "captions-"+uuid.NewString(), sink)
	logger.Info("Captions delivered",
		slog.String("video", opts.input),
		slog.Int("captions", n),
	)
	return 0
}

// shutdown turns signals into a graceful stop. The first signal stops the
// running session after its queue drains, or cancels outright when no
// session has started yet; a second signal always cancels.
type shutdown struct {
	engine atomic.Pointer[engine.Engine]
	cancel context.CancelFunc
	logger *slog.Logger
}

func (s *shutdown) watch(signals <-chan os.Signal) {
	sig := <-signals

	eng := s.engine.Load()
	if eng == nil || eng.Current() == nil {
		s.logger.Info("Received shutdown signal before the session started, canceling",
			slog.String("signal", sig.String()),
		)
		s.cancel()
		return
	}

	s.logger.Info("Received shutdown signal, stopping session", slog.String("signal", sig.String()))
	eng.Stop()

	sig = <-signals
	s.logger.Warn("Received second signal, canceling session", slog.String("signal", sig.String()))
	s.cancel()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
