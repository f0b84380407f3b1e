package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/stt-pipeline/internal/recognizer"
)

// Transcript is one recognition result delivered by a session
type Transcript struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      recognizer.Kind `json:"kind"`
	Text      string          `json:"text"`
	At        time.Time       `json:"at"`
}

// Sink receives transcripts from the consumer goroutine. Deliver must not
// block for long; a slow sink stalls recognition and causes queue drops.
type Sink interface {
	Deliver(t Transcript)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(t Transcript)

// Deliver implements Sink
func (f SinkFunc) Deliver(t Transcript) {
	f(t)
}

// ChannelSink exposes transcripts as a buffered channel. When the buffer is
// full the transcript is dropped and counted.
type ChannelSink struct {
	ch      chan Transcript
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewChannelSink creates a sink with the given channel buffer
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Transcript, buffer)}
}

// C returns the receive side of the sink
func (s *ChannelSink) C() <-chan Transcript {
	return s.ch
}

// Deliver implements Sink
func (s *ChannelSink) Deliver(t Transcript) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.ch <- t:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of transcripts that did not fit the buffer
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the channel; later deliveries are dropped
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans transcripts out to any number of subscribers. Each
// subscriber has its own buffer, so one slow reader only loses its own
// transcripts.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*ChannelSink
	nextID uint64
	closed bool
}

// NewBroadcaster creates a broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*ChannelSink)}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes its channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Transcript, func()) {
	sub := NewChannelSink(buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return sub.C(), func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.Close()
		})
	}
	return sub.C(), cancel
}

// Deliver implements Sink
func (b *Broadcaster) Deliver(t Transcript) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		sub.Deliver(t)
	}
}

// Subscribers returns the number of active subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.Close()
		delete(b.subs, id)
	}
}
