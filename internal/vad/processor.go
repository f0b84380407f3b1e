package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// rmsFullScale is the RMS level treated as certain speech
	rmsFullScale     = 10000.0
	defaultSmoothing = 0.5
)

// Processor classifies fixed-size windows of PCM-16 audio as voiced or
// silent from their smoothed RMS energy.
type Processor struct {
	threshold  float32
	windowSize int // samples per window
	sampleRate int
	smoothing  float32 // weight of the newest window

	lastResult float32
	primed     bool

	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the result of voice activity detection on one window
type Result struct {
	Probability float32 `json:"probability"`
	HasVoice    bool    `json:"has_voice"`
	Confidence  float32 `json:"confidence"`
	WindowIndex int     `json:"window_index"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32, windowSize int, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		smoothing:  defaultSmoothing,
	}, nil
}

// Process classifies one window of exactly windowSize samples
func (p *Processor) Process(samples []int16) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(samples) != p.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", p.windowSize, len(samples))
	}

	probability := energyProbability(samples)
	if p.primed {
		probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
	}
	p.lastResult = probability
	p.primed = true

	hasVoice := probability >= p.threshold

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	// Higher when the probability is far from the threshold
	confidence := float32(math.Abs(float64(probability - p.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return &Result{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
		WindowIndex: int(p.totalWindows - 1),
	}, nil
}

// WindowBytes returns the size in bytes of one PCM-16 window
func (p *Processor) WindowBytes() int {
	return p.windowSize * 2
}

func energyProbability(samples []int16) float32 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	probability := rms / rmsFullScale
	if probability > 1 {
		probability = 1
	}
	return float32(probability)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset clears the smoothing state between streams. Statistics are kept.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastResult = 0
	p.primed = false
}
