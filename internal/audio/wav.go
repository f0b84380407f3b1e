package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const wavHeaderSize = 44

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo returns basic information about a WAV payload
type WAVInfo struct {
	Format   Format        `json:"format"`
	DataSize uint32        `json:"data_size_bytes"`
	Duration time.Duration `json:"duration"`
}

// EncodeWAV wraps raw little-endian PCM bytes in a WAV container
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}

	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", format.SampleRate)
	}

	if format.BitDepth != 16 || format.Channels < 1 {
		return nil, fmt.Errorf("unsupported format: %d channels, %d bits", format.Channels, format.BitDepth)
	}

	blockAlign := uint16(format.Channels * format.BitDepth / 8)
	dataSize := uint32(len(pcm))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV returns the PCM payload and format of a mono 16-bit WAV file
func DecodeWAV(data []byte) ([]byte, Format, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, Format{}, err
	}

	if header.AudioFormat != 1 {
		return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 16 {
		return nil, Format{}, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	end := wavHeaderSize + int(header.Subchunk2Size)
	if header.Subchunk2Size == 0 || end > len(data) {
		return nil, Format{}, fmt.Errorf("invalid data chunk size %d for %d byte payload", header.Subchunk2Size, len(data))
	}

	pcm := make([]byte, header.Subchunk2Size)
	copy(pcm, data[wavHeaderSize:end])

	return pcm, Format{
		SampleRate: int(header.SampleRate),
		Channels:   int(header.NumChannels),
		BitDepth:   int(header.BitsPerSample),
	}, nil
}

// GetWAVInfo extracts metadata from a WAV payload without copying samples
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, err
	}

	format := Format{
		SampleRate: int(header.SampleRate),
		Channels:   int(header.NumChannels),
		BitDepth:   int(header.BitsPerSample),
	}

	return &WAVInfo{
		Format:   format,
		DataSize: header.Subchunk2Size,
		Duration: format.Duration(int(header.Subchunk2Size)),
	}, nil
}

func readWAVHeader(data []byte) (*WAVHeader, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt ":
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return &header, nil
}
