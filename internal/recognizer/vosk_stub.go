//go:build !vosk

package recognizer

import "errors"

// ErrVoskUnavailable is returned when the binary was built without the vosk tag
var ErrVoskUnavailable = errors.New("vosk backend not compiled in (build with -tags vosk)")

// Vosk is a placeholder so callers compile without libvosk
type Vosk struct{}

// NewVosk checks the model path and reports that the backend is unavailable
func NewVosk(modelPath string, sampleRate int) (*Vosk, error) {
	if err := CheckModel(modelPath); err != nil {
		return nil, err
	}
	return nil, ErrVoskUnavailable
}

func (v *Vosk) AcceptWaveform(pcm []byte) (bool, error) { return false, ErrVoskUnavailable }
func (v *Vosk) Result() string                          { return FormatFinal("") }
func (v *Vosk) PartialResult() string                   { return FormatPartial("") }
func (v *Vosk) FinalResult() string                     { return FormatFinal("") }
func (v *Vosk) Close() error                            { return nil }
