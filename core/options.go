package orchestration

import (
	"context"
	"log/slog"
	"time"

	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/broadcast"
	"github.com/koscakluka/ema-broadcast/core/metrics"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/speechtotext"
	"github.com/koscakluka/ema-broadcast/core/texttospeech"
	"github.com/koscakluka/ema-broadcast/core/translation"
	"github.com/koscakluka/ema-broadcast/core/utterances"
)

const (
	DefaultStageTimeout  = 10 * time.Second
	DefaultRetryBackoff  = 200 * time.Millisecond
	DefaultQueueCapacity = 16
)

type OrchestratorOption func(*Orchestrator)

// Registry is the part of the session registry the orchestrator drives.
type Registry interface {
	Session(id string) (sessions.Snapshot, error)
	StartSession(id string) error
	PauseSession(id string) error
	ResumeSession(id string) error
	EndSession(id string, reason sessions.EndReason) error
	TouchSpeaker(id string) error
	NextSequence(id string) (uint64, error)
	Audience(id string) (sessions.Audience, error)
	MarkDegraded(id, reason string) error
	OnEnded(hook func(sessions.Snapshot))
	OnEvicted(hook func(sessionID string))
}

type Gateway interface {
	Deliver(ctx context.Context, utterance utterances.Utterance, epoch uint64) (broadcast.DeliveryResult, error)
}

// HistoryRecorder receives every delivered utterance. Record must not block.
type HistoryRecorder interface {
	Record(sessionID string, utterance utterances.Utterance) error
}

type PipelineConfig struct {
	// MinConfidence drops transcripts below it before a sequence number is
	// assigned.
	MinConfidence float64
	// StageTimeout bounds one collaborator call including its retries.
	StageTimeout time.Duration
	// MaxRetries bounds retries of transient collaborator failures. Zero
	// disables retries.
	MaxRetries   int
	RetryBackoff time.Duration
	// QueueCapacity bounds the flushed windows waiting in one session's
	// pipeline. A flush into a full queue waits, holding back the speaker.
	QueueCapacity int
	// CacheCapacity is the size of the synthesis cache wrapped around the
	// configured synthesizer.
	CacheCapacity int
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = texttospeech.DefaultCacheCapacity
	}
	return c
}

func WithTranscriber(client speechtotext.Transcriber) OrchestratorOption {
	return func(o *Orchestrator) { o.transcriber = client }
}

func WithTranslator(client translation.Translator) OrchestratorOption {
	return func(o *Orchestrator) { o.translator = client }
}

// WithSynthesizer sets the speech synthesizer. Unless it already is a
// [texttospeech.Cache] it is wrapped in one shared by every session.
func WithSynthesizer(client texttospeech.Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) { o.synthesizer = client }
}

func WithHistory(recorder HistoryRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.history = recorder }
}

func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithPipelineConfig(config PipelineConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.config = config }
}

func WithWindowConfig(config audio.AggregatorConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.windowConfig = config }
}

// WithVoices selects the synthesis voice per target language. Languages
// without an entry use the synthesizer's default voice.
func WithVoices(voices map[string]texttospeech.VoiceProfile) OrchestratorOption {
	return func(o *Orchestrator) {
		for language, voice := range voices {
			o.voices[sessions.NormalizeLanguage(language)] = voice
		}
	}
}

// WithSynthesisEncoding sets the encoding of synthesized audio for voices
// that do not name their own. It defaults to [audio.GetDefaultEncodingInfo].
func WithSynthesisEncoding(encoding audio.EncodingInfo) OrchestratorOption {
	return func(o *Orchestrator) {
		if !encoding.IsZero() {
			o.synthesisEncoding = encoding
		}
	}
}
