package events

import "time"

const (
	KindSessionCreated       Kind = "session.created"
	KindSessionJoined        Kind = "session.joined"
	KindSessionStatusChanged Kind = "session.statusChanged"
	KindSessionListenerStats Kind = "session.listenerStats"
	KindError                Kind = "error"
)

// SessionCreated confirms a new session to its speaker.
type SessionCreated struct {
	Base
	SessionID      string    `json:"sessionId"`
	SourceLanguage string    `json:"sourceLanguage"`
	State          string    `json:"state"`
	Protected      bool      `json:"protected"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewSessionCreated(sessionID, sourceLanguage, state string, protected bool, createdAt time.Time) SessionCreated {
	return SessionCreated{
		Base:           newBase(KindSessionCreated),
		SessionID:      sessionID,
		SourceLanguage: sourceLanguage,
		State:          state,
		Protected:      protected,
		CreatedAt:      createdAt,
	}
}

// SessionJoined confirms membership to a listener. It is also sent after a
// language change.
type SessionJoined struct {
	Base
	SessionID      string `json:"sessionId"`
	ListenerID     string `json:"listenerId"`
	TargetLanguage string `json:"targetLanguage"`
	State          string `json:"state"`
}

func NewSessionJoined(sessionID, listenerID, targetLanguage, state string) SessionJoined {
	return SessionJoined{
		Base:           newBase(KindSessionJoined),
		SessionID:      sessionID,
		ListenerID:     listenerID,
		TargetLanguage: targetLanguage,
		State:          state,
	}
}

type SessionStatusChanged struct {
	Base
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

func NewSessionStatusChanged(sessionID, state, reason string) SessionStatusChanged {
	return SessionStatusChanged{
		Base:      newBase(KindSessionStatusChanged),
		SessionID: sessionID,
		State:     state,
		Reason:    reason,
	}
}

// SessionListenerStats is the speaker's aggregate view of the audience.
type SessionListenerStats struct {
	Base
	SessionID           string         `json:"sessionId"`
	Listeners           int            `json:"listeners"`
	ListenersByLanguage map[string]int `json:"listenersByLanguage"`
	DegradedListeners   int            `json:"degradedListeners"`
	MeanQuality         float64        `json:"meanQuality"`
}

func NewSessionListenerStats(sessionID string, listeners int, byLanguage map[string]int, degraded int, meanQuality float64) SessionListenerStats {
	return SessionListenerStats{
		Base:                newBase(KindSessionListenerStats),
		SessionID:           sessionID,
		Listeners:           listeners,
		ListenersByLanguage: byLanguage,
		DegradedListeners:   degraded,
		MeanQuality:         meanQuality,
	}
}

type ErrorCode string

const (
	ErrorCodeNotFound      ErrorCode = "NotFound"
	ErrorCodeBadPassword   ErrorCode = "BadPassword"
	ErrorCodeSessionEnded  ErrorCode = "SessionEnded"
	ErrorCodeCapacity      ErrorCode = "CapacityError"
	ErrorCodeBadRequest    ErrorCode = "BadRequest"
	ErrorCodeInvalidState  ErrorCode = "InvalidState"
	ErrorCodeUnavailable   ErrorCode = "Unavailable"
	ErrorCodeNotAuthorized ErrorCode = "NotAuthorized"
)

type Error struct {
	Base
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewError(code ErrorCode, message string) Error {
	return Error{Base: newBase(KindError), Code: code, Message: message}
}
