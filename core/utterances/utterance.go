// Package utterances holds the immutable record produced for every transcribed
// window of speaker audio.
package utterances

import "time"

// Utterance is one transcribed and translated unit of speech. It is assembled
// once by the pipeline and never mutated afterwards.
type Utterance struct {
	ID             string
	SessionID      string
	Sequence       uint64
	SourceText     string
	SourceLanguage string
	Confidence     float64
	// PerLanguage holds every target language that translated successfully.
	PerLanguage map[string]Rendition
	CreatedAt   time.Time
}

// Rendition is the per-language result of an utterance.
type Rendition struct {
	TranslatedText string
	// Audio is nil when synthesis failed and the language degraded to
	// text-only.
	Audio         *Audio
	SynthesizedAt time.Time
}

type Audio struct {
	Ref      string
	Data     []byte
	Encoding string
}

// Languages lists the languages the utterance carries a rendition for.
func (u Utterance) Languages() []string {
	languages := make([]string, 0, len(u.PerLanguage))
	for language := range u.PerLanguage {
		languages = append(languages, language)
	}
	return languages
}

func (u Utterance) Rendition(language string) (Rendition, bool) {
	rendition, ok := u.PerLanguage[language]
	return rendition, ok
}
