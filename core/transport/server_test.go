package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-broadcast/core"
	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/broadcast"
	"github.com/koscakluka/ema-broadcast/core/events"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/speechtotext"
	"github.com/koscakluka/ema-broadcast/core/translation"
	"golang.org/x/crypto/bcrypt"
)

type testService struct {
	registry *sessions.Registry
	url      string
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	registry := sessions.NewRegistry(sessions.Config{}, sessions.WithPasswordCost(bcrypt.MinCost))
	gateway := broadcast.NewGateway(registry, broadcast.Config{})
	t.Cleanup(gateway.Close)
	registry.OnStateChanged(gateway.PublishStatus)
	registry.OnMembershipChanged(gateway.PublishStats)

	pipeline, err := orchestration.NewOrchestrator(registry, gateway,
		orchestration.WithWindowConfig(audio.AggregatorConfig{MaxBytes: 4}),
		orchestration.WithTranscriber(speechtotext.TranscriberFunc(func(context.Context, []byte, string) (speechtotext.Transcript, error) {
			return speechtotext.Transcript{Text: "hello", Confidence: 1}, nil
		})),
		orchestration.WithTranslator(translation.TranslatorFunc(func(_ context.Context, text, _, target string) (string, error) {
			return "[" + target + "] " + text, nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected orchestrator error: %v", err)
	}
	t.Cleanup(pipeline.Close)

	server := httptest.NewServer(NewServer(registry, pipeline, gateway, Config{}))
	t.Cleanup(server.Close)

	return &testService{registry: registry, url: "ws" + strings.TrimPrefix(server.URL, "http")}
}

func (s *testService) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, kind events.Kind, requestID string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	data, _ := json.Marshal(events.Envelope{Type: kind, RequestID: requestID, Timestamp: time.Now(), Payload: raw})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
}

// expect reads until an envelope of the given kind arrives.
func expect(t *testing.T, conn *websocket.Conn, kind events.Kind) events.Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("expected %s, got read error %v", kind, err)
		}
		envelope, err := events.Decode(data)
		if err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		if envelope.Type == kind {
			return envelope
		}
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code events.ErrorCode) {
	t.Helper()

	payload, _ := events.DecodePayload[events.Error](expect(t, conn, events.KindError))
	if payload.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, payload.Code, payload.Message)
	}
}

func createSession(t *testing.T, conn *websocket.Conn, password string) string {
	t.Helper()

	send(t, conn, events.KindSessionCreate, "create-1", events.CreateSession{SpeakerID: "speaker", SourceLanguage: "en", Password: password})
	envelope := expect(t, conn, events.KindSessionCreated)
	if envelope.RequestID != "create-1" {
		t.Fatalf("expected request id to be echoed, got %q", envelope.RequestID)
	}
	payload, _ := events.DecodePayload[events.SessionCreated](envelope)
	if payload.Protected != (password != "") {
		t.Fatalf("expected protected to be %t", password != "")
	}
	return payload.SessionID
}

func TestSpeakerAudioReachesListener(t *testing.T) {
	service := newTestService(t)

	speaker := service.dial(t)
	sessionID := createSession(t, speaker, "secret")

	listener := service.dial(t)
	send(t, listener, events.KindSessionJoin, "", events.JoinSession{SessionID: sessionID, Password: "wrong", TargetLanguage: "fr"})
	expectError(t, listener, events.ErrorCodeBadPassword)

	send(t, listener, events.KindSessionJoin, "join-1", events.JoinSession{SessionID: sessionID, Password: "secret", TargetLanguage: "FR"})
	joined, _ := events.DecodePayload[events.SessionJoined](expect(t, listener, events.KindSessionJoined))
	if joined.TargetLanguage != "fr" || joined.ListenerID == "" {
		t.Fatalf("expected fr listener with an id, got %+v", joined)
	}

	stats, _ := events.DecodePayload[events.SessionListenerStats](expect(t, speaker, events.KindSessionListenerStats))
	if stats.ListenersByLanguage["fr"] != 1 {
		t.Fatalf("expected speaker to see one fr listener, got %+v", stats)
	}

	if err := speaker.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("failed to send audio: %v", err)
	}

	payload, _ := events.DecodePayload[events.TranslationBroadcast](expect(t, listener, events.KindTranslationBroadcast))
	if payload.Sequence != 1 || payload.TranslatedText != "[fr] hello" || payload.SourceText != "hello" {
		t.Fatalf("expected first french utterance, got %+v", payload)
	}
	if payload.Audio != nil {
		t.Fatalf("expected text-only payload, got %+v", payload.Audio)
	}
}

func TestCommandErrorsAreReportedWithCodes(t *testing.T) {
	service := newTestService(t)

	client := service.dial(t)
	send(t, client, events.KindSessionJoin, "", events.JoinSession{SessionID: "XYZ-999", TargetLanguage: "fr"})
	expectError(t, client, events.ErrorCodeNotFound)

	if err := client.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	expectError(t, client, events.ErrorCodeBadRequest)

	send(t, client, events.KindSessionEnd, "", events.SessionCommand{SessionID: "XYZ-999"})
	expectError(t, client, events.ErrorCodeNotAuthorized)

	speaker := service.dial(t)
	sessionID := createSession(t, speaker, "")
	send(t, speaker, events.KindSessionResume, "", events.SessionCommand{SessionID: sessionID})
	expectError(t, speaker, events.ErrorCodeInvalidState)
}

func TestEndedSessionNotifiesListenersAndRejectsJoins(t *testing.T) {
	service := newTestService(t)

	speaker := service.dial(t)
	sessionID := createSession(t, speaker, "")
	send(t, speaker, events.KindSessionStart, "", events.SessionCommand{SessionID: sessionID})

	listener := service.dial(t)
	send(t, listener, events.KindSessionJoin, "", events.JoinSession{SessionID: sessionID, TargetLanguage: "de"})
	expect(t, listener, events.KindSessionJoined)

	send(t, speaker, events.KindSessionEnd, "", events.SessionCommand{SessionID: sessionID})

	status, _ := events.DecodePayload[events.SessionStatusChanged](expect(t, listener, events.KindSessionStatusChanged))
	if status.State != string(sessions.StateEnded) || status.Reason != string(sessions.EndReasonSpeaker) {
		t.Fatalf("expected ended by speaker, got %+v", status)
	}

	late := service.dial(t)
	send(t, late, events.KindSessionJoin, "", events.JoinSession{SessionID: sessionID, TargetLanguage: "de"})
	expectError(t, late, events.ErrorCodeSessionEnded)
}

func TestDisconnectedListenerLeavesSession(t *testing.T) {
	service := newTestService(t)

	speaker := service.dial(t)
	sessionID := createSession(t, speaker, "")

	listener := service.dial(t)
	send(t, listener, events.KindSessionJoin, "", events.JoinSession{SessionID: sessionID, TargetLanguage: "es"})
	expect(t, listener, events.KindSessionJoined)
	_ = listener.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snapshot, _ := service.registry.Session(sessionID); snapshot.Listeners == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for listener to leave")
}
