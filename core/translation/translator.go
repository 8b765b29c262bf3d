package translation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrTranslationUnavailable wraps every error a [Translator] returns when no
// translation could be produced.
var ErrTranslationUnavailable = errors.New("translation unavailable")

type Translator interface {
	Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)
}

// TranslatorFunc adapts a function to [Translator].
type TranslatorFunc func(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)

func (f TranslatorFunc) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	return f(ctx, text, sourceLanguage, targetLanguage)
}

// StatusError is a non-OK response from a translation provider.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-OK HTTP status: %s", e.Status)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Instructions is the system prompt shared by the LLM backed translators.
func Instructions(sourceLanguage, targetLanguage string) string {
	return fmt.Sprintf("You are a live interpreter. Translate the user's message from %s to %s. "+
		"Keep the meaning, tone and register. Do not add explanations, notes or quotes. "+
		"If the message is already in %s, return it unchanged.",
		languageName(sourceLanguage), languageName(targetLanguage), languageName(targetLanguage))
}

var languageNames = map[string]string{
	"ar": "Arabic",
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"hi": "Hindi",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"nl": "Dutch",
	"pl": "Polish",
	"pt": "Portuguese",
	"ru": "Russian",
	"tr": "Turkish",
	"uk": "Ukrainian",
	"ur": "Urdu",
	"zh": "Chinese",
}

func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}
