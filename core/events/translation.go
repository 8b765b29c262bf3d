package events

import "time"

const KindTranslationBroadcast Kind = "translation.broadcast"

// TranslationBroadcast delivers one utterance to a listener in the listener's
// language.
type TranslationBroadcast struct {
	Base
	SessionID      string          `json:"sessionId"`
	UtteranceID    string          `json:"utteranceId"`
	Sequence       uint64          `json:"sequence"`
	SourceLanguage string          `json:"sourceLanguage"`
	SourceText     string          `json:"sourceText"`
	Language       string          `json:"language"`
	TranslatedText string          `json:"translatedText"`
	Audio          *BroadcastAudio `json:"audio"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type BroadcastAudio struct {
	Ref      string `json:"ref"`
	Encoding string `json:"encoding,omitempty"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

func NewTranslationBroadcast(sessionID, utteranceID string, sequence uint64, sourceLanguage, sourceText, language, translatedText string, audio *BroadcastAudio, createdAt time.Time) TranslationBroadcast {
	return TranslationBroadcast{
		Base:           newBase(KindTranslationBroadcast),
		SessionID:      sessionID,
		UtteranceID:    utteranceID,
		Sequence:       sequence,
		SourceLanguage: sourceLanguage,
		SourceText:     sourceText,
		Language:       language,
		TranslatedText: translatedText,
		Audio:          audio,
		CreatedAt:      createdAt,
	}
}
