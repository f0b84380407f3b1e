package audio

import (
	"fmt"
	"sync"
	"time"
)

// SegmentState represents the current state of the utterance segmenter
type SegmentState int

const (
	SegmentIdle SegmentState = iota
	SegmentCollecting
)

func (s SegmentState) String() string {
	switch s {
	case SegmentIdle:
		return "idle"
	case SegmentCollecting:
		return "collecting"
	default:
		return fmt.Sprintf("SegmentState(%d)", int(s))
	}
}

// SegmentConfig contains the utterance boundary thresholds. All durations
// are measured in audio time, not wall-clock time.
type SegmentConfig struct {
	MinDuration        time.Duration
	MaxDuration        time.Duration
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	Format             Format
}

// Utterance is a completed stretch of speech ready for recognition
type Utterance struct {
	Index      uint64        `json:"index"`
	Data       []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
	Speech     time.Duration `json:"speech"`
	Confidence float32       `json:"confidence"`
	Forced     bool          `json:"forced"` // closed by max duration or flush, not silence
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State         string        `json:"state"`
	Utterances    uint64        `json:"utterances"`
	Discarded     uint64        `json:"discarded"`
	TotalDuration time.Duration `json:"total_duration"`
	PendingBytes  int           `json:"pending_bytes"`
}

// Segmenter groups voice-classified windows into utterances: it opens on the
// first voiced window and closes once trailing silence reaches
// MinSilenceDuration or the utterance reaches MaxDuration. Utterances with
// less than MinSpeechDuration of voice are discarded as noise.
type Segmenter struct {
	config SegmentConfig
	state  SegmentState

	pending         []byte
	total           time.Duration
	speech          time.Duration
	silence         time.Duration
	confidenceSum   float32
	confidenceCount int

	utterances    uint64
	discarded     uint64
	totalDuration time.Duration

	mu sync.Mutex
}

// NewSegmenter creates a new utterance segmenter
func NewSegmenter(config SegmentConfig) (*Segmenter, error) {
	if config.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.Format.SampleRate)
	}

	if config.MaxDuration <= config.MinDuration {
		return nil, fmt.Errorf("max duration (%v) must be greater than min duration (%v)",
			config.MaxDuration, config.MinDuration)
	}

	if config.MinSilenceDuration <= 0 {
		return nil, fmt.Errorf("min silence duration must be positive, got %v", config.MinSilenceDuration)
	}

	return &Segmenter{config: config, state: SegmentIdle}, nil
}

// Push feeds one classified window. It returns a completed utterance when
// this window closes one, nil otherwise.
func (s *Segmenter) Push(window []byte, hasVoice bool, confidence float32) *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.config.Format.Duration(len(window))

	if s.state == SegmentIdle {
		if !hasVoice {
			return nil
		}
		s.state = SegmentCollecting
	}

	s.pending = append(s.pending, window...)
	s.total += d
	s.confidenceSum += confidence
	s.confidenceCount++

	if hasVoice {
		s.speech += d
		s.silence = 0
	} else {
		s.silence += d
	}

	if s.total >= s.config.MaxDuration {
		return s.finalize(true)
	}

	if s.silence >= s.config.MinSilenceDuration {
		if s.speech >= s.config.MinSpeechDuration && s.total >= s.config.MinDuration {
			return s.finalize(false)
		}
		s.discarded++
		s.reset()
	}

	return nil
}

// Flush closes the utterance in progress, if it holds enough speech
func (s *Segmenter) Flush() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SegmentCollecting {
		return nil
	}

	if s.speech < s.config.MinSpeechDuration {
		s.discarded++
		s.reset()
		return nil
	}

	return s.finalize(true)
}

func (s *Segmenter) finalize(forced bool) *Utterance {
	s.utterances++
	s.totalDuration += s.total

	u := &Utterance{
		Index:    s.utterances,
		Data:     s.pending,
		Duration: s.total,
		Speech:   s.speech,
		Forced:   forced,
	}
	if s.confidenceCount > 0 {
		u.Confidence = s.confidenceSum / float32(s.confidenceCount)
	}

	s.pending = nil
	s.reset()

	return u
}

func (s *Segmenter) reset() {
	s.state = SegmentIdle
	s.pending = s.pending[:0]
	s.total = 0
	s.speech = 0
	s.silence = 0
	s.confidenceSum = 0
	s.confidenceCount = 0
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:         s.state.String(),
		Utterances:    s.utterances,
		Discarded:     s.discarded,
		TotalDuration: s.totalDuration,
		PendingBytes:  len(s.pending),
	}
}
