package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrNoAudioStream is returned by retrievers when the remote media has no
// audio-only stream
var ErrNoAudioStream = errors.New("no audio stream found")

// Retriever resolves a remote reference and opens its audio stream
type Retriever interface {
	Retrieve(ctx context.Context, ref string) (io.ReadCloser, error)
}

// RetrieverFunc adapts a function to Retriever
type RetrieverFunc func(ctx context.Context, ref string) (io.ReadCloser, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, ref string) (io.ReadCloser, error) {
	return f(ctx, ref)
}

// RemoteMedia retrieves a remote audio stream and decodes it like LocalMedia
type RemoteMedia struct {
	pull
	ref       string
	retriever Retriever
}

// NewRemoteMedia creates a pull source for the remote reference ref
func NewRemoteMedia(ref string, retriever Retriever, decoder Decoder, opts Options, logger *slog.Logger) *RemoteMedia {
	m := &RemoteMedia{ref: ref, retriever: retriever}
	m.init(KindRemoteMedia, decoder, opts, logger)
	return m
}

// Start implements Source. No decoder is launched unless retrieval succeeds.
func (m *RemoteMedia) Start(ctx context.Context, _ Sink) error {
	body, err := m.retriever.Retrieve(ctx, m.ref)
	if err != nil {
		return &InitError{Kind: m.kind, Err: fmt.Errorf("retrieve %s: %w", m.ref, err)}
	}

	if err := m.decode(ctx, DecodeInput{Reader: body}); err != nil {
		body.Close()
		return &InitError{Kind: m.kind, Err: err}
	}

	m.mu.Lock()
	m.body = body
	m.mu.Unlock()

	m.logger.Info("Remote media opened", slog.String("ref", m.ref))
	return nil
}

func (m *RemoteMedia) String() string {
	return fmt.Sprintf("%s(%s)", m.kind, m.ref)
}
