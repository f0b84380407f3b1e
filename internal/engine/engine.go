package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stt-pipeline/internal/audio"
	"github.com/skypro1111/stt-pipeline/internal/metrics"
	"github.com/skypro1111/stt-pipeline/internal/recognizer"
	"github.com/skypro1111/stt-pipeline/internal/source"
)

// dropLogEvery limits queue overflow warnings to one per this many drops
const dropLogEvery = 50

// ErrSessionActive is returned by Transcribe while another session runs
var ErrSessionActive = errors.New("a transcription session is already running")

// Config holds engine tuning parameters
type Config struct {
	QueueCapacity  int
	DequeueTimeout time.Duration
	EmitPartials   bool
}

// DefaultConfig returns a 50 chunk queue polled every second
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  50,
		DequeueTimeout: time.Second,
	}
}

// Engine runs transcription sessions against one recognizer, one session at
// a time. The recognizer is only touched from the session's consumer.
type Engine struct {
	recognizer recognizer.Recognizer
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	current *Session
	last    *Session
}

// NewEngine creates an engine. A nil metrics value registers a private set
// and a nil logger falls back to slog.Default().
func NewEngine(rec recognizer.Recognizer, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if rec == nil {
		return nil, errors.New("recognizer is required")
	}
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", cfg.QueueCapacity)
	}
	if cfg.DequeueTimeout <= 0 {
		return nil, fmt.Errorf("dequeue timeout must be positive, got %v", cfg.DequeueTimeout)
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		recognizer: rec,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Current returns the running session, or nil
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Last returns the most recently started session, running or not, or nil
func (e *Engine) Last() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Recognizer returns the recognizer sessions feed
func (e *Engine) Recognizer() recognizer.Recognizer {
	return e.recognizer
}

// Stop asks the running session to stop. Queued audio is still recognized
// before Transcribe returns. Stop is a no-op when nothing runs.
func (e *Engine) Stop() {
	if sess := e.Current(); sess != nil {
		sess.requestStop()
	}
}

// Transcribe runs one session: it starts src, feeds its audio through the
// queue into the recognizer and delivers results to sink until the duration
// elapses, Stop is called, ctx is canceled, or a pull source is exhausted.
// A zero duration means no deadline. Transcribe returns only after the
// source has been stopped exactly once and both goroutines have exited.
//
// Start failures are returned as *source.InitError and mid-stream failures
// as *source.ReadError. Deadline, Stop and exhaustion return nil; a canceled
// ctx returns ctx.Err().
func (e *Engine) Transcribe(ctx context.Context, src source.Source, duration time.Duration, sink Sink) error {
	if duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", duration)
	}
	if sink == nil {
		sink = SinkFunc(func(Transcript) {})
	}

	sess, err := e.begin(src, duration)
	if err != nil {
		return err
	}
	defer e.end(sess)

	logger := e.logger.With(slog.String("session_id", sess.ID), slog.String("source", sess.Source))

	stopSource := sync.OnceFunc(func() {
		if err := src.Stop(); err != nil {
			logger.Warn("Source stop failed", slog.String("error", err.Error()))
		}
	})
	// runs on panic paths; a no-op after the ordered teardown below
	defer stopSource()

	if err := src.Start(ctx, sess.enqueue(e.metrics)); err != nil {
		stopSource()
		sess.abort(ReasonInitFailed)
		e.metrics.RecordSourceError(src.Kind().String(), "init")

		var initErr *source.InitError
		if !errors.As(err, &initErr) {
			err = &source.InitError{Kind: src.Kind(), Err: err}
		}
		logger.Error("Source failed to start", slog.String("error", err.Error()))
		return err
	}

	sess.transition(StateIdle, StateRunning)
	e.metrics.RecordSessionStarted()

	logger.Info("Transcription session started",
		slog.String("mode", src.Mode().String()),
		slog.Duration("duration", duration),
		slog.Int("queue_capacity", e.cfg.QueueCapacity),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sess.beginStopping(ReasonPanic)
				err = fmt.Errorf("recognizer panic: %v", r)
			}
		}()
		e.consume(sess, sink, logger)
		return nil
	})

	var producerErr error
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sess.beginStopping(ReasonPanic)
				err = fmt.Errorf("producer panic: %v", r)
			}
			// the consumer drains whatever the source managed to enqueue
			stopSource()
			sess.queue.Close()
		}()

		reason, err := e.produce(gctx, sess, src, logger)
		sess.beginStopping(reason)
		producerErr = err
		return nil
	})

	groupErr := g.Wait()
	sess.finish()

	reason := sess.StopReason()
	stats := sess.GetStats()
	e.metrics.RecordSessionStopped(string(reason), stats.Elapsed.Seconds())

	logger.Info("Transcription session stopped",
		slog.String("reason", string(reason)),
		slog.Duration("elapsed", stats.Elapsed),
		slog.Uint64("chunks_enqueued", stats.Queue.Enqueued),
		slog.Uint64("chunks_dropped", stats.Queue.Dropped),
		slog.Uint64("chunks_recognized", stats.ChunksRecognized),
		slog.Uint64("final_results", stats.FinalResults),
		slog.Uint64("decode_errors", stats.DecodeErrors),
	)

	switch {
	case groupErr != nil:
		return groupErr
	case producerErr != nil:
		return producerErr
	case reason == ReasonCanceled:
		return ctx.Err()
	}
	return nil
}

func (e *Engine) begin(src source.Source, duration time.Duration) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return nil, ErrSessionActive
	}

	var sess *Session
	queue, err := audio.NewQueue(e.cfg.QueueCapacity, func(chunk audio.Chunk, total uint64) {
		e.metrics.RecordDropped()
		if total == 1 || total%dropLogEvery == 0 {
			e.logger.Warn("Audio queue full, dropping chunk",
				slog.String("session_id", sess.ID),
				slog.Uint64("seq", chunk.Seq),
				slog.Uint64("dropped_total", total),
			)
		}
	})
	if err != nil {
		return nil, err
	}

	sess = newSession(src.String(), duration, queue)
	e.current = sess
	e.last = sess
	return sess, nil
}

func (e *Engine) end(sess *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == sess {
		e.current = nil
	}
}

// enqueue returns the push sink handed to sources
func (s *Session) enqueue(m *metrics.Metrics) source.Sink {
	return func(chunk audio.Chunk) bool {
		if !s.queue.Enqueue(chunk) {
			return false
		}
		m.RecordEnqueued(s.queue.Len())
		return true
	}
}

// produce moves audio into the queue until a stop condition is met and
// reports which one
func (e *Engine) produce(ctx context.Context, sess *Session, src source.Source, logger *slog.Logger) (StopReason, error) {
	if src.Mode() == source.ModePush {
		return e.awaitPush(ctx, sess)
	}

	enqueue := sess.enqueue(e.metrics)
	for {
		if reason, done := checkStop(ctx, sess); done {
			return reason, nil
		}

		chunk, err := src.Read()
		switch {
		case err == nil:
			enqueue(chunk)
		case errors.Is(err, source.ErrNoData):
			// bounded wait expired; re-check the stop conditions
		case errors.Is(err, io.EOF):
			logger.Info("Source exhausted")
			return ReasonExhausted, nil
		default:
			var readErr *source.ReadError
			if !errors.As(err, &readErr) {
				err = &source.ReadError{Kind: src.Kind(), Err: err}
			}
			e.metrics.RecordSourceError(src.Kind().String(), "read")
			logger.Error("Source read failed", slog.String("error", err.Error()))
			return ReasonSourceError, err
		}
	}
}

// awaitPush waits while a push source enqueues from its own goroutine
func (e *Engine) awaitPush(ctx context.Context, sess *Session) (StopReason, error) {
	var deadline <-chan time.Time
	if !sess.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(sess.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-deadline:
		return ReasonDeadline, nil
	case <-sess.stopRequested():
		return ReasonStopRequested, nil
	case <-ctx.Done():
		return ReasonCanceled, nil
	}
}

func checkStop(ctx context.Context, sess *Session) (StopReason, bool) {
	select {
	case <-sess.stopRequested():
		return ReasonStopRequested, true
	case <-ctx.Done():
		return ReasonCanceled, true
	default:
	}
	if sess.deadlineExceeded(time.Now()) {
		return ReasonDeadline, true
	}
	return ReasonNone, false
}

// consume feeds queued chunks to the recognizer until the queue is closed
// and drained, then flushes the trailing utterance
func (e *Engine) consume(sess *Session, sink Sink, logger *slog.Logger) {
	var lastPartial string

	for {
		chunk, ok := sess.queue.Dequeue(e.cfg.DequeueTimeout)
		if !ok {
			if sess.queue.IsClosed() && sess.queue.Len() == 0 {
				break
			}
			continue
		}

		boundary, err := e.recognizer.AcceptWaveform(chunk.Data)
		sess.chunksRecognized.Add(1)
		e.metrics.RecordRecognized(sess.queue.Len())
		if err != nil {
			sess.decodeErrors.Add(1)
			e.metrics.RecordDecodeError()
			logger.Warn("Recognizer rejected chunk",
				slog.Uint64("seq", chunk.Seq),
				slog.String("error", err.Error()),
			)
			continue
		}

		if boundary {
			lastPartial = ""
			e.emitFinal(sess, sink, logger, e.recognizer.Result())
			continue
		}

		if e.cfg.EmitPartials {
			result, err := recognizer.ParsePartial(e.recognizer.PartialResult())
			if err != nil {
				e.decodeFailed(sess, logger, err)
				continue
			}
			if result.Text != "" && result.Text != lastPartial {
				lastPartial = result.Text
				e.deliver(sess, sink, result)
			}
		}
	}

	// flush the utterance still open when the session stopped
	e.emitFinal(sess, sink, logger, e.recognizer.FinalResult())
}

func (e *Engine) emitFinal(sess *Session, sink Sink, logger *slog.Logger, raw string) {
	result, err := recognizer.ParseFinal(raw)
	if err != nil {
		e.decodeFailed(sess, logger, err)
		return
	}
	if result.Text == "" {
		return
	}
	e.deliver(sess, sink, result)
}

func (e *Engine) decodeFailed(sess *Session, logger *slog.Logger, err error) {
	sess.decodeErrors.Add(1)
	e.metrics.RecordDecodeError()
	logger.Warn("Skipping undecodable recognizer output", slog.String("error", err.Error()))
}

func (e *Engine) deliver(sess *Session, sink Sink, result recognizer.Result) {
	if result.Kind == recognizer.Final {
		sess.finalResults.Add(1)
	} else {
		sess.partialResults.Add(1)
	}
	e.metrics.RecordResult(result.Kind.String())

	sink.Deliver(Transcript{
		SessionID: sess.ID,
		Seq:       sess.resultSeq.Add(1),
		Kind:      result.Kind,
		Text:      result.Text,
		At:        time.Now(),
	})
}
