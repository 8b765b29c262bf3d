package sessions

import (
	"sync"
	"time"
)

type State string

const (
	StateCreated State = "created"
	StateLive    State = "live"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

type EndReason string

const (
	EndReasonSpeaker        EndReason = "speaker"
	EndReasonSpeakerTimeout EndReason = "speaker_timeout"
	EndReasonShutdown       EndReason = "shutdown"
)

type ListenerState struct {
	ID             string
	TargetLanguage string
	JoinedAt       time.Time
	// ConnectionRef is an opaque handle set by the transport that owns the
	// listener's connection.
	ConnectionRef   string
	LastHeartbeatAt time.Time
	QualityScore    float64
	Degraded        bool

	joinEpoch uint64
}

// JoinEpoch is the membership epoch assigned when the listener joined or last
// changed language.
func (l ListenerState) JoinEpoch() uint64 { return l.joinEpoch }

// Snapshot is a point-in-time copy of a session, safe to hand out of the
// registry.
type Snapshot struct {
	ID             string
	SpeakerID      string
	SourceLanguage string
	State          State
	CreatedAt      time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	EndReason      EndReason
	HasPassword    bool
	Listeners      int
	Languages      []string
	Degraded       bool
	DegradedReason string
	LastSequence   uint64
}

// SessionStats is the aggregate view a speaker gets of their audience. It
// never identifies individual listeners.
type SessionStats struct {
	SessionID           string         `json:"sessionId"`
	State               State          `json:"state"`
	Listeners           int            `json:"listeners"`
	ListenersByLanguage map[string]int `json:"listenersByLanguage"`
	DegradedListeners   int            `json:"degradedListeners"`
	MeanQuality         float64        `json:"meanQuality"`
	Degraded            bool           `json:"degraded"`
	LastSequence        uint64         `json:"lastSequence"`
}

type session struct {
	mu sync.RWMutex

	id             string
	speakerID      string
	sourceLanguage string
	passwordHash   []byte

	state     State
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	endReason EndReason

	listeners map[string]*ListenerState
	languages languageSet
	epoch     uint64

	lastSequence        uint64
	lastSpeakerActivity time.Time

	degraded       bool
	degradedReason string
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:             s.id,
		SpeakerID:      s.speakerID,
		SourceLanguage: s.sourceLanguage,
		State:          s.state,
		CreatedAt:      s.createdAt,
		StartedAt:      s.startedAt,
		EndedAt:        s.endedAt,
		EndReason:      s.endReason,
		HasPassword:    len(s.passwordHash) > 0,
		Listeners:      len(s.listeners),
		Languages:      s.languages.list(),
		Degraded:       s.degraded,
		DegradedReason: s.degradedReason,
		LastSequence:   s.lastSequence,
	}
}

func (s *session) stats() SessionStats {
	stats := SessionStats{
		SessionID:           s.id,
		State:               s.state,
		Listeners:           len(s.listeners),
		ListenersByLanguage: make(map[string]int, len(s.languages)),
		Degraded:            s.degraded,
		LastSequence:        s.lastSequence,
	}
	for language, count := range s.languages {
		stats.ListenersByLanguage[language] = count
	}

	quality := 0.0
	for _, l := range s.listeners {
		quality += l.QualityScore
		if l.Degraded {
			stats.DegradedListeners++
		}
	}
	if len(s.listeners) > 0 {
		stats.MeanQuality = quality / float64(len(s.listeners))
	}
	return stats
}
