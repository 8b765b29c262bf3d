package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-broadcast/core/utterances"
)

// Record is the persisted form of an utterance. Audio payloads are not
// persisted, only whether a language had audio.
type Record struct {
	ID             string              `json:"id"`
	SessionID      string              `json:"sessionId"`
	Sequence       uint64              `json:"sequence"`
	SourceText     string              `json:"sourceText"`
	SourceLanguage string              `json:"sourceLanguage"`
	Confidence     float64             `json:"confidence"`
	CreatedAt      time.Time           `json:"createdAt"`
	Translations   []TranslationRecord `json:"translations"`
}

type TranslationRecord struct {
	Language       string `json:"language"`
	TranslatedText string `json:"translatedText"`
	HasAudio       bool   `json:"hasAudio"`
	AudioRef       string `json:"audioRef,omitempty"`
}

func NewRecord(utterance utterances.Utterance) (Record, error) {
	record := Record{}
	if err := copier.Copy(&record, &utterance); err != nil {
		return Record{}, fmt.Errorf("failed to copy utterance: %w", err)
	}

	for language, rendition := range utterance.PerLanguage {
		translation := TranslationRecord{Language: language}
		if err := copier.Copy(&translation, &rendition); err != nil {
			return Record{}, fmt.Errorf("failed to copy %s rendition: %w", language, err)
		}
		if rendition.Audio != nil {
			translation.HasAudio = true
			translation.AudioRef = rendition.Audio.Ref
		}
		record.Translations = append(record.Translations, translation)
	}
	sort.Slice(record.Translations, func(i, j int) bool {
		return record.Translations[i].Language < record.Translations[j].Language
	})
	return record, nil
}

// JSONLinesAppender writes one JSON record per line.
type JSONLinesAppender struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func NewJSONLinesAppender(w io.Writer) *JSONLinesAppender {
	return &JSONLinesAppender{encoder: json.NewEncoder(w)}
}

func (a *JSONLinesAppender) AppendUtterance(_ context.Context, sessionID string, utterance utterances.Utterance) error {
	record, err := NewRecord(utterance)
	if err != nil {
		return err
	}
	record.SessionID = sessionID

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.encoder.Encode(record); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}
	return nil
}
