package events

const (
	KindSessionCreate         Kind = "session.create"
	KindSessionStart          Kind = "session.start"
	KindSessionPause          Kind = "session.pause"
	KindSessionResume         Kind = "session.resume"
	KindSessionEnd            Kind = "session.end"
	KindSessionAudioChunk     Kind = "session.audioChunk"
	KindSessionJoin           Kind = "session.join"
	KindSessionLeave          Kind = "session.leave"
	KindSessionChangeLanguage Kind = "session.changeLanguage"
	KindHeartbeat             Kind = "heartbeat"
)

type CreateSession struct {
	SpeakerID      string `json:"speakerId"`
	SourceLanguage string `json:"sourceLanguage"`
	Password       string `json:"password,omitempty"`
}

// SessionCommand is the payload of start, pause, resume and end.
type SessionCommand struct {
	SessionID string `json:"sessionId"`
}

type AudioChunk struct {
	SessionID string `json:"sessionId"`
	// Audio is base64 in JSON.
	Audio []byte `json:"audio"`
}

type JoinSession struct {
	SessionID      string `json:"sessionId"`
	Password       string `json:"password,omitempty"`
	TargetLanguage string `json:"targetLanguage"`
}

type LeaveSession struct {
	SessionID  string `json:"sessionId"`
	ListenerID string `json:"listenerId"`
}

type ChangeLanguage struct {
	SessionID      string `json:"sessionId"`
	ListenerID     string `json:"listenerId"`
	TargetLanguage string `json:"targetLanguage"`
}

// Heartbeat is sent by both roles. ListenerID is empty for speakers.
type Heartbeat struct {
	SessionID  string `json:"sessionId"`
	ListenerID string `json:"listenerId,omitempty"`
}
