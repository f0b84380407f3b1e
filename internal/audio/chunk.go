package audio

import (
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the only rate the recognizers are fed with
	DefaultSampleRate = 16000
	// DefaultBlockFrames is the nominal chunk length (0.5s at 16kHz)
	DefaultBlockFrames = 8000
	// BytesPerSample for 16-bit signed PCM
	BytesPerSample = 2
)

// Format describes the fixed PCM encoding carried by every chunk
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
	BitDepth   int `json:"bit_depth" yaml:"bit_depth"`
}

// PCM16Mono returns the canonical 16-bit mono format at the given rate
func PCM16Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitDepth: 16}
}

// BlockBytes returns the size in bytes of a block of frames in this format
func (f Format) BlockBytes(frames int) int {
	return frames * f.Channels * f.BitDepth / 8
}

// Duration returns the playback duration of n bytes in this format
func (f Format) Duration(n int) time.Duration {
	bytesPerSecond := f.SampleRate * f.Channels * f.BitDepth / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

// Chunk is one immutable block of raw PCM audio produced by a source.
// Data must not be modified once the chunk has been handed to a queue.
type Chunk struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// NewChunk copies data into a new chunk so the caller may reuse its buffer
func NewChunk(seq uint64, data []byte) (Chunk, error) {
	if len(data)%BytesPerSample != 0 {
		return Chunk{}, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	return Chunk{
		Seq:        seq,
		Data:       owned,
		CapturedAt: time.Now(),
	}, nil
}

// Len returns the chunk size in bytes
func (c Chunk) Len() int {
	return len(c.Data)
}

// BytesToSamples converts little-endian PCM-16 bytes to samples
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}
