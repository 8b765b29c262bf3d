package sessions

import (
	"slices"
	"strings"
)

// Audience is the set of target languages a session had listeners for at one
// point in time, plus the membership epoch of that moment. Listeners that
// joined after the epoch are not part of the audience.
type Audience struct {
	Languages []string
	Epoch     uint64
}

func (a Audience) Contains(language string) bool {
	return slices.Contains(a.Languages, language)
}

func (a Audience) IsEmpty() bool { return len(a.Languages) == 0 }

// languageSet reference-counts target languages so the active set can be kept
// up to date on every join and leave without rescanning listeners.
type languageSet map[string]int

func (s languageSet) add(language string) {
	s[language]++
}

func (s languageSet) remove(language string) {
	if s[language] <= 1 {
		delete(s, language)
		return
	}
	s[language]--
}

func (s languageSet) list() []string {
	languages := make([]string, 0, len(s))
	for language := range s {
		languages = append(languages, language)
	}
	slices.Sort(languages)
	return languages
}

// NormalizeLanguage canonicalises a language tag so "EN" and " en" count as
// the same target.
func NormalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
