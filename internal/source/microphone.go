package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

// CaptureDevice is an input device delivering PCM-16 from its own thread.
// onData must not retain pcm after it returns.
type CaptureDevice interface {
	Open(format audio.Format, blockFrames int, onData func(pcm []byte)) error
	Start() error
	Close() error
}

// Microphone pushes captured audio to the sink in fixed-size blocks
type Microphone struct {
	device CaptureDevice
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	sink    Sink
	pending []byte
	seq     uint64
	invalid uint64
}

// NewMicrophone creates a push source over device
func NewMicrophone(device CaptureDevice, opts Options, logger *slog.Logger) *Microphone {
	return &Microphone{
		device: device,
		opts:   opts.withDefaults(),
		logger: logger.With(slog.String("source", KindMicrophone.String())),
	}
}

func (m *Microphone) Kind() Kind { return KindMicrophone }
func (m *Microphone) Mode() Mode { return ModePush }

// Start implements Source. Blocks reach sink from the device thread once
// Start returns nil.
func (m *Microphone) Start(_ context.Context, sink Sink) error {
	if sink == nil {
		return &InitError{Kind: KindMicrophone, Err: errors.New("push source needs a sink")}
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return &InitError{Kind: KindMicrophone, Err: errors.New("already started")}
	}
	m.sink = sink
	m.pending = make([]byte, 0, m.opts.Format.BlockBytes(m.opts.BlockFrames))
	m.running = true
	m.mu.Unlock()

	if err := m.device.Open(m.opts.Format, m.opts.BlockFrames, m.onData); err != nil {
		m.reset()
		return &InitError{Kind: KindMicrophone, Err: fmt.Errorf("open capture device: %w", err)}
	}

	if err := m.device.Start(); err != nil {
		m.reset()
		m.device.Close()
		return &InitError{Kind: KindMicrophone, Err: fmt.Errorf("start capture device: %w", err)}
	}

	m.logger.Info("Microphone capture started",
		slog.Int("sample_rate", m.opts.Format.SampleRate),
		slog.Int("block_frames", m.opts.BlockFrames),
	)
	return nil
}

func (m *Microphone) onData(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	blockBytes := cap(m.pending)
	for len(pcm) > 0 {
		n := min(blockBytes-len(m.pending), len(pcm))
		m.pending = append(m.pending, pcm[:n]...)
		pcm = pcm[n:]

		if len(m.pending) < blockBytes {
			break
		}

		m.seq++
		chunk, err := audio.NewChunk(m.seq, m.pending)
		m.pending = m.pending[:0]
		if err != nil {
			m.invalid++
			continue
		}
		// a false return is a queue drop, accounted for by the sink owner
		m.sink(chunk)
	}
}

// Read implements Source; microphones only push
func (m *Microphone) Read() (audio.Chunk, error) {
	return audio.Chunk{}, ErrPushOnly
}

// Stop implements Source. No sink call happens after Stop returns.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.reset()

	if err := m.device.Close(); err != nil {
		return fmt.Errorf("close capture device: %w", err)
	}

	m.logger.Info("Microphone capture stopped")
	return nil
}

func (m *Microphone) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.sink = nil
	m.pending = nil
}

func (m *Microphone) String() string {
	return fmt.Sprintf("%s(%dHz)", KindMicrophone, m.opts.Format.SampleRate)
}
