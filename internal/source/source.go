package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

// Kind enumerates the supported source variants
type Kind int

const (
	KindMicrophone Kind = iota
	KindLocalMedia
	KindRemoteMedia
)

func (k Kind) String() string {
	switch k {
	case KindMicrophone:
		return "microphone"
	case KindLocalMedia:
		return "local_media"
	case KindRemoteMedia:
		return "remote_media"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Mode tells the engine how audio leaves a source
type Mode int

const (
	// ModePull sources are polled with Read by the engine's producer loop.
	ModePull Mode = iota
	// ModePush sources deliver chunks to the Sink from their own goroutine.
	ModePush
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "pull"
}

// Sink receives chunks from push sources. It must not block; it reports
// whether the chunk was accepted.
type Sink func(chunk audio.Chunk) bool

// Source is an audio input. Start and Stop may be called again after Stop
// to reuse a source; Stop is idempotent and safe after a failed Start.
type Source interface {
	Kind() Kind
	Mode() Mode
	// Start opens the underlying device or decode pipeline. Push sources
	// begin calling sink before Start returns; pull sources ignore it.
	Start(ctx context.Context, sink Sink) error
	// Read returns the next block, ErrNoData when the bounded read wait
	// expired, or io.EOF at end of stream. Push sources return ErrPushOnly.
	Read() (audio.Chunk, error)
	Stop() error
	String() string
}

var (
	// ErrNoData means the read timeout elapsed before a full block arrived
	ErrNoData = errors.New("no audio data within read timeout")
	// ErrPushOnly is returned by Read on push sources
	ErrPushOnly = errors.New("source delivers audio by push")
	// ErrNotStarted is returned by Read before Start succeeded
	ErrNotStarted = errors.New("source not started")
)

// InitError reports a source that could not be started: missing device,
// invalid media path, failed retrieval or decoder launch.
type InitError struct {
	Kind Kind
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: init failed: %v", e.Kind, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// ReadError reports a failure while reading from a running source
type ReadError struct {
	Kind Kind
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: read failed: %v", e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Options holds the block and timing parameters shared by all sources
type Options struct {
	Format      audio.Format
	BlockFrames int
	ReadTimeout time.Duration
	// Realtime paces pull sources to the audio clock instead of decode speed
	Realtime    bool
}

// DefaultOptions returns 16kHz mono blocks of 0.5s with a 1s read timeout
func DefaultOptions() Options {
	return Options{
		Format:      audio.PCM16Mono(audio.DefaultSampleRate),
		BlockFrames: audio.DefaultBlockFrames,
		ReadTimeout: time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Format.SampleRate == 0 {
		o.Format = def.Format
	}
	if o.BlockFrames <= 0 {
		o.BlockFrames = def.BlockFrames
	}
	return o
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// blockReader cuts a byte stream into fixed-size chunks. A block that is
// only partially read when the deadline expires is kept for the next call.
type blockReader struct {
	r       io.Reader
	timeout time.Duration
	buf     []byte
	n       int
	seq     uint64
	eof     bool
}

func newBlockReader(r io.Reader, blockBytes int, timeout time.Duration) *blockReader {
	return &blockReader{
		r:       r,
		timeout: timeout,
		buf:     make([]byte, blockBytes),
	}
}

func (b *blockReader) next() (audio.Chunk, error) {
	if b.eof {
		return audio.Chunk{}, io.EOF
	}

	if d, ok := b.r.(readDeadliner); ok && b.timeout > 0 {
		// Streams that cannot take deadlines simply block
		_ = d.SetReadDeadline(time.Now().Add(b.timeout))
	}

	for b.n < len(b.buf) {
		m, err := b.r.Read(b.buf[b.n:])
		b.n += m

		switch {
		case err == nil && m > 0:
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			return audio.Chunk{}, ErrNoData
		case err == nil, errors.Is(err, io.EOF):
			// zero-length read ends the stream
			b.eof = true
			if b.n >= audio.BytesPerSample {
				return b.emit()
			}
			return audio.Chunk{}, io.EOF
		default:
			return audio.Chunk{}, err
		}
	}

	return b.emit()
}

func (b *blockReader) emit() (audio.Chunk, error) {
	n := b.n - b.n%audio.BytesPerSample
	b.seq++
	chunk, err := audio.NewChunk(b.seq, b.buf[:n])
	b.n = 0
	return chunk, err
}
