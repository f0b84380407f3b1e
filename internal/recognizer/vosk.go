//go:build vosk

package recognizer

import (
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
)

// Vosk wraps a Kaldi streaming recognizer. The model is owned by the
// recognizer and released by Close.
type Vosk struct {
	model      *vosk.VoskModel
	recognizer *vosk.VoskRecognizer
	closeOnce  sync.Once
}

// NewVosk loads the model directory and creates a recognizer at sampleRate
func NewVosk(modelPath string, sampleRate int) (*Vosk, error) {
	if err := CheckModel(modelPath); err != nil {
		return nil, err
	}

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load vosk model %s: %w", modelPath, err)
	}

	rec, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("failed to create vosk recognizer: %w", err)
	}

	return &Vosk{model: model, recognizer: rec}, nil
}

// AcceptWaveform implements Recognizer
func (v *Vosk) AcceptWaveform(pcm []byte) (bool, error) {
	switch v.recognizer.AcceptWaveform(pcm) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk rejected %d byte waveform", len(pcm))
	}
}

// Result implements Recognizer
func (v *Vosk) Result() string {
	return v.recognizer.Result()
}

// PartialResult implements Recognizer
func (v *Vosk) PartialResult() string {
	return v.recognizer.PartialResult()
}

// FinalResult implements Recognizer
func (v *Vosk) FinalResult() string {
	return v.recognizer.FinalResult()
}

// Close frees the recognizer and model
func (v *Vosk) Close() error {
	v.closeOnce.Do(func() {
		v.recognizer.Free()
		v.model.Free()
	})
	return nil
}
