package recognizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Recognizer is an incremental speech recognizer. Implementations are not
// safe for concurrent use; the engine calls them from a single goroutine.
//
// Result, PartialResult and FinalResult return JSON documents in the Vosk
// shape: {"text": "..."} for results and {"partial": "..."} for partials.
type Recognizer interface {
	// AcceptWaveform feeds PCM-16 mono audio and reports whether an
	// utterance boundary was reached.
	AcceptWaveform(pcm []byte) (bool, error)
	// Result is valid immediately after AcceptWaveform returned true.
	Result() string
	// PartialResult reflects the in-progress hypothesis.
	PartialResult() string
	// FinalResult flushes buffered audio and returns the last result.
	FinalResult() string
}

// Kind tags a recognition result
type Kind int

const (
	Partial Kind = iota
	Final
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result is a decoded recognition result
type Result struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

// DecodeError reports malformed recognizer output
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64] + "..."
	}
	return fmt.Sprintf("malformed recognizer output %q: %v", raw, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errMissingField = errors.New("missing result field")

type finalPayload struct {
	Text *string `json:"text"`
}

type partialPayload struct {
	Partial *string `json:"partial"`
}

// ParseFinal decodes a {"text": ...} document
func ParseFinal(raw string) (Result, error) {
	var payload finalPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Result{}, &DecodeError{Raw: raw, Err: err}
	}
	if payload.Text == nil {
		return Result{}, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: text", errMissingField)}
	}
	return Result{Kind: Final, Text: strings.TrimSpace(*payload.Text)}, nil
}

// ParsePartial decodes a {"partial": ...} document
func ParsePartial(raw string) (Result, error) {
	var payload partialPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Result{}, &DecodeError{Raw: raw, Err: err}
	}
	if payload.Partial == nil {
		return Result{}, &DecodeError{Raw: raw, Err: fmt.Errorf("%w: partial", errMissingField)}
	}
	return Result{Kind: Partial, Text: strings.TrimSpace(*payload.Partial)}, nil
}

// FormatFinal renders text as a {"text": ...} document
func FormatFinal(text string) string {
	data, _ := json.Marshal(finalPayload{Text: &text})
	return string(data)
}

// FormatPartial renders text as a {"partial": ...} document
func FormatPartial(text string) string {
	data, _ := json.Marshal(partialPayload{Partial: &text})
	return string(data)
}

// CheckModel verifies that a model directory exists
func CheckModel(path string) error {
	if path == "" {
		return fmt.Errorf("model path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model not found at %s: %w", path, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("model path %s is not a directory", path)
	}

	return nil
}
