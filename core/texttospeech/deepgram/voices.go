package deepgram

type deepgramVoice string

// Aura voices per language. Languages without a voice cannot be synthesized
// and degrade to text-only.
var voicesByLanguage = map[string]deepgramVoice{
	"en": "aura-2-thalia-en",
	"es": "aura-2-celeste-es",
	"fr": "aura-2-agathe-fr",
	"de": "aura-2-viktoria-de",
	"it": "aura-2-livia-it",
	"nl": "aura-2-rhea-nl",
	"ja": "aura-2-fujin-ja",
}

func defaultVoices() map[string]deepgramVoice {
	voices := make(map[string]deepgramVoice, len(voicesByLanguage))
	for language, voice := range voicesByLanguage {
		voices[language] = voice
	}
	return voices
}

func GetAvailableVoices() []string {
	voices := make([]string, 0, len(voicesByLanguage))
	for _, voice := range voicesByLanguage {
		voices = append(voices, string(voice))
	}
	return voices
}
