package speechtotext

import (
	"context"
	"errors"
)

// ErrTranscriptionUnavailable wraps every error a [Transcriber] returns when no
// transcript could be produced.
var ErrTranscriptionUnavailable = errors.New("transcription unavailable")

type Transcript struct {
	Text     string
	Language string
	// Confidence is in [0, 1].
	Confidence float64
}

func (t Transcript) IsEmpty() bool { return t.Text == "" }

type Transcriber interface {
	// Transcribe turns one window of speaker audio into text. languageHint is
	// the session's declared source language.
	Transcribe(ctx context.Context, audio []byte, languageHint string) (Transcript, error)
}

// TranscriberFunc adapts a function to [Transcriber].
type TranscriberFunc func(ctx context.Context, audio []byte, languageHint string) (Transcript, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audio []byte, languageHint string) (Transcript, error) {
	return f(ctx, audio, languageHint)
}
