package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

// pull holds the decode pipeline shared by LocalMedia and RemoteMedia
type pull struct {
	kind    Kind
	opts    Options
	decoder Decoder
	logger  *slog.Logger

	mu     sync.Mutex
	body   io.Closer
	stream Stream
	reader *blockReader
	pacer  *pacer
}

func (p *pull) init(kind Kind, decoder Decoder, opts Options, logger *slog.Logger) {
	p.kind = kind
	p.opts = opts.withDefaults()
	p.decoder = decoder
	p.logger = logger.With(slog.String("source", kind.String()))
}

// Mode implements Source
func (p *pull) Mode() Mode {
	return ModePull
}

// Kind implements Source
func (p *pull) Kind() Kind {
	return p.kind
}

func (p *pull) decode(ctx context.Context, in DecodeInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return fmt.Errorf("already started")
	}

	stream, err := p.decoder.Decode(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to start decoder: %w", err)
	}

	p.stream = stream
	p.reader = newBlockReader(stream, p.opts.Format.BlockBytes(p.opts.BlockFrames), p.opts.ReadTimeout)
	if p.opts.Realtime {
		p.pacer = &pacer{format: p.opts.Format, start: time.Now()}
	}
	return nil
}

// Read implements Source
func (p *pull) Read() (audio.Chunk, error) {
	p.mu.Lock()
	reader, pace := p.reader, p.pacer
	p.mu.Unlock()

	if reader == nil {
		return audio.Chunk{}, ErrNotStarted
	}
	if pace != nil && !pace.wait(p.opts.ReadTimeout) {
		return audio.Chunk{}, ErrNoData
	}

	chunk, err := reader.next()
	switch {
	case err == nil:
		if pace != nil {
			pace.advance(chunk)
		}
		return chunk, nil
	case errors.Is(err, ErrNoData), errors.Is(err, io.EOF):
		return audio.Chunk{}, err
	default:
		return audio.Chunk{}, &ReadError{Kind: p.kind, Err: err}
	}
}

// Stop implements Source. The retrieval body is closed before the decoder
// so a decoder still copying from it is not left blocked.
func (p *pull) Stop() error {
	p.mu.Lock()
	body, stream := p.body, p.stream
	p.body, p.stream, p.reader, p.pacer = nil, nil, nil, nil
	p.mu.Unlock()

	var errs []error
	if body != nil {
		if err := body.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close retrieval stream: %w", err))
		}
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close decoder: %w", err))
		}
		p.logger.Debug("Source stopped")
	}
	return errors.Join(errs...)
}

// pacer releases blocks no faster than the audio they carry plays back.
// Only the producer goroutine touches it.
type pacer struct {
	format  audio.Format
	start   time.Time
	emitted time.Duration
}

// wait sleeps until the next block is due, for at most limit, and reports
// whether it is due
func (p *pacer) wait(limit time.Duration) bool {
	ahead := time.Until(p.start.Add(p.emitted))
	if ahead <= 0 {
		return true
	}
	if limit > 0 && ahead > limit {
		time.Sleep(limit)
		return false
	}
	time.Sleep(ahead)
	return true
}

func (p *pacer) advance(chunk audio.Chunk) {
	p.emitted += p.format.Duration(chunk.Len())
}

// LocalMedia decodes a media file on disk
type LocalMedia struct {
	pull
	path string
}

// NewLocalMedia creates a pull source for the file at path
func NewLocalMedia(path string, decoder Decoder, opts Options, logger *slog.Logger) *LocalMedia {
	m := &LocalMedia{path: path}
	m.init(KindLocalMedia, decoder, opts, logger)
	return m
}

// Start implements Source
func (m *LocalMedia) Start(ctx context.Context, _ Sink) error {
	info, err := os.Stat(m.path)
	if err != nil {
		return &InitError{Kind: m.kind, Err: err}
	}
	if info.IsDir() {
		return &InitError{Kind: m.kind, Err: fmt.Errorf("%s is a directory", m.path)}
	}

	if err := m.decode(ctx, DecodeInput{Path: m.path}); err != nil {
		return &InitError{Kind: m.kind, Err: err}
	}

	m.logger.Info("Local media opened", slog.String("path", m.path))
	return nil
}

func (m *LocalMedia) String() string {
	return fmt.Sprintf("%s(%s)", m.kind, m.path)
}
