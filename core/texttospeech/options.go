package texttospeech

import (
	"context"
	"errors"

	"github.com/koscakluka/ema-broadcast/core/audio"
)

// ErrSynthesisUnavailable wraps every error a [Synthesizer] returns when no
// audio could be produced. Callers degrade to text-only delivery.
var ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")

// VoiceProfile selects the voice and output encoding for one target language.
type VoiceProfile struct {
	// Voice is the provider specific voice or model name. Empty lets the
	// provider pick a voice for the language.
	Voice    string
	Encoding audio.EncodingInfo
}

type Synthesizer interface {
	// Synthesize renders text spoken in language. The returned audio must be
	// treated as read-only, it may be shared between callers.
	Synthesize(ctx context.Context, text, language string, voice VoiceProfile) ([]byte, error)
}

// SynthesizerFunc adapts a function to [Synthesizer].
type SynthesizerFunc func(ctx context.Context, text, language string, voice VoiceProfile) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text, language string, voice VoiceProfile) ([]byte, error) {
	return f(ctx, text, language, voice)
}
