package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

// State is the one-way lifecycle of a session
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records what moved a session out of Running
type StopReason string

const (
	ReasonNone          StopReason = ""
	ReasonDeadline      StopReason = "deadline"
	ReasonStopRequested StopReason = "stop_requested"
	ReasonCanceled      StopReason = "canceled"
	ReasonExhausted     StopReason = "source_exhausted"
	ReasonSourceError   StopReason = "source_error"
	ReasonInitFailed    StopReason = "init_failed"
	ReasonPanic         StopReason = "panic"
)

// Session is the state of one Transcribe call. It is created when the call
// starts and is fully torn down before the call returns.
type Session struct {
	ID        string
	Source    string
	StartedAt time.Time
	Deadline  time.Time

	queue *audio.Queue
	state atomic.Int32

	mu         sync.Mutex
	reason     StopReason
	finishedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once

	chunksRecognized atomic.Uint64
	finalResults     atomic.Uint64
	partialResults   atomic.Uint64
	decodeErrors     atomic.Uint64
	resultSeq        atomic.Uint64
}

// SessionStats represents session statistics for monitoring
type SessionStats struct {
	ID               string           `json:"id"`
	Source           string           `json:"source"`
	State            string           `json:"state"`
	StopReason       StopReason       `json:"stop_reason,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	Deadline         *time.Time       `json:"deadline,omitempty"`
	Elapsed          time.Duration    `json:"elapsed"`
	Queue            audio.QueueStats `json:"queue"`
	ChunksRecognized uint64           `json:"chunks_recognized"`
	FinalResults     uint64           `json:"final_results"`
	PartialResults   uint64           `json:"partial_results"`
	DecodeErrors     uint64           `json:"decode_errors"`
}

func newSession(src string, duration time.Duration, queue *audio.Queue) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Source:    src,
		StartedAt: now,
		queue:     queue,
		stop:      make(chan struct{}),
	}
	if duration > 0 {
		s.Deadline = now.Add(duration)
	}
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// StopReason returns why the session left Running, or ReasonNone
func (s *Session) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Queue returns the session's audio queue
func (s *Session) Queue() *audio.Queue {
	return s.queue
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// beginStopping moves Running to Stopping. Only the first caller wins and
// its reason is kept.
func (s *Session) beginStopping(reason StopReason) bool {
	if !s.transition(StateRunning, StateStopping) {
		return false
	}
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	return true
}

// abort moves an Idle session straight to Stopped after a failed start
func (s *Session) abort(reason StopReason) {
	if s.transition(StateIdle, StateStopped) {
		s.mu.Lock()
		s.reason = reason
		s.finishedAt = time.Now()
		s.mu.Unlock()
	}
}

func (s *Session) finish() {
	if s.transition(StateStopping, StateStopped) {
		s.mu.Lock()
		s.finishedAt = time.Now()
		s.mu.Unlock()
	}
}

// requestStop asks the producer to stop; safe from any goroutine
func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Session) stopRequested() <-chan struct{} {
	return s.stop
}

func (s *Session) deadlineExceeded(now time.Time) bool {
	return !s.Deadline.IsZero() && !now.Before(s.Deadline)
}

// GetStats returns current session statistics
func (s *Session) GetStats() SessionStats {
	s.mu.Lock()
	reason := s.reason
	finishedAt := s.finishedAt
	s.mu.Unlock()

	end := finishedAt
	if end.IsZero() {
		end = time.Now()
	}

	stats := SessionStats{
		ID:               s.ID,
		Source:           s.Source,
		State:            s.State().String(),
		StopReason:       reason,
		StartedAt:        s.StartedAt,
		Elapsed:          end.Sub(s.StartedAt),
		Queue:            s.queue.GetStats(),
		ChunksRecognized: s.chunksRecognized.Load(),
		FinalResults:     s.finalResults.Load(),
		PartialResults:   s.partialResults.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
	}
	if !s.Deadline.IsZero() {
		deadline := s.Deadline
		stats.Deadline = &deadline
	}
	return stats
}
