package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-broadcast/core/events"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/utterances"
)

type connStub struct {
	block chan struct{}

	mu       sync.Mutex
	messages []events.Envelope
	closed   bool
}

func newConnStub() *connStub { return &connStub{} }

// newSlowConnStub blocks every send until release is called.
func newSlowConnStub() *connStub { return &connStub{block: make(chan struct{})} }

func (c *connStub) Send(ctx context.Context, data []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	envelope, err := events.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.messages = append(c.messages, envelope)
	c.mu.Unlock()
	return nil
}

func (c *connStub) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *connStub) release() { close(c.block) }

func (c *connStub) received(kind events.Kind) []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []events.Envelope{}
	for _, m := range c.messages {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *connStub) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", description)
}

func newSession(t *testing.T, registry *sessions.Registry) string {
	t.Helper()
	snapshot, err := registry.CreateSession("speaker", "en")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := registry.StartSession(snapshot.ID); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	return snapshot.ID
}

func join(t *testing.T, registry *sessions.Registry, gateway *Gateway, sessionID, language string, conn *connStub) string {
	t.Helper()
	listenerID, err := registry.JoinSession(sessionID, "", language)
	if err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if err := gateway.Attach(sessionID, listenerID, conn); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	return listenerID
}

func utterance(sessionID string, sequence uint64, languages ...string) utterances.Utterance {
	perLanguage := map[string]utterances.Rendition{}
	for _, language := range languages {
		perLanguage[language] = utterances.Rendition{TranslatedText: fmt.Sprintf("%s #%d", language, sequence)}
	}
	return utterances.Utterance{
		ID:             fmt.Sprintf("u%d", sequence),
		SessionID:      sessionID,
		Sequence:       sequence,
		SourceText:     fmt.Sprintf("source #%d", sequence),
		SourceLanguage: "en",
		PerLanguage:    perLanguage,
		CreatedAt:      time.Now(),
	}
}

func TestDeliverDoesNotWaitForSlowListener(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{QueueCapacity: 4})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	slow := newSlowConnStub()
	defer slow.release()
	join(t, registry, gateway, sessionID, "fr", slow)

	fast := make([]*connStub, 119)
	for i := range fast {
		fast[i] = newConnStub()
		join(t, registry, gateway, sessionID, "fr", fast[i])
	}
	audience, _ := registry.Audience(sessionID)

	const utteranceCount = 10
	start := time.Now()
	results := []DeliveryResult{}
	for seq := uint64(1); seq <= utteranceCount; seq++ {
		result, err := gateway.Deliver(context.Background(), utterance(sessionID, seq, "fr"), audience.Epoch)
		if err != nil {
			t.Fatalf("unexpected deliver error: %v", err)
		}
		results = append(results, result)
		time.Sleep(5 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected delivery not to wait on the slow listener, took %s", elapsed)
	}

	dropped := 0
	for _, result := range results {
		dropped += result.Dropped
		if result.Queued+result.Dropped != 120 {
			t.Fatalf("expected every listener to be accounted for, got %+v", result)
		}
	}
	// One send in flight plus a full queue of four.
	if dropped < utteranceCount-5 {
		t.Fatalf("expected the slow listener to drop at least %d utterances, got %d", utteranceCount-5, dropped)
	}

	waitForCondition(t, 2*time.Second, "fast listeners to receive every utterance", func() bool {
		for _, conn := range fast {
			if len(conn.received(events.KindTranslationBroadcast)) != utteranceCount {
				return false
			}
		}
		return true
	})

	for _, conn := range fast {
		for i, envelope := range conn.received(events.KindTranslationBroadcast) {
			payload, _ := events.DecodePayload[events.TranslationBroadcast](envelope)
			if payload.Sequence != uint64(i+1) {
				t.Fatalf("expected utterances in sequence order, got %d at %d", payload.Sequence, i)
			}
		}
	}
}

func TestDeliverOnlyReachesMembersAtEpochWithMatchingLanguage(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	english, french, german, late := newConnStub(), newConnStub(), newConnStub(), newConnStub()
	join(t, registry, gateway, sessionID, "en", english)
	join(t, registry, gateway, sessionID, "fr", french)
	join(t, registry, gateway, sessionID, "de", german)
	audience, _ := registry.Audience(sessionID)
	join(t, registry, gateway, sessionID, "ur", late)

	result, err := gateway.Deliver(context.Background(), utterance(sessionID, 1, "en", "fr"), audience.Epoch)
	if err != nil {
		t.Fatalf("unexpected deliver error: %v", err)
	}
	if result.Queued != 2 || result.Skipped != 1 {
		t.Fatalf("expected 2 queued and german skipped, got %+v", result)
	}

	waitForCondition(t, 2*time.Second, "en and fr deliveries", func() bool {
		return len(english.received(events.KindTranslationBroadcast)) == 1 &&
			len(french.received(events.KindTranslationBroadcast)) == 1
	})

	payload, _ := events.DecodePayload[events.TranslationBroadcast](french.received(events.KindTranslationBroadcast)[0])
	if payload.Language != "fr" || payload.TranslatedText != "fr #1" || payload.Audio != nil {
		t.Fatalf("expected text-only fr rendition, got %+v", payload)
	}
	if got := len(late.received(events.KindTranslationBroadcast)); got != 0 {
		t.Fatalf("expected late joiner to receive nothing, got %d", got)
	}
	if got := len(german.received(events.KindTranslationBroadcast)); got != 0 {
		t.Fatalf("expected german listener to receive nothing, got %d", got)
	}
}

func TestDeliverAfterEndDeliversNothing(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	conn := newConnStub()
	join(t, registry, gateway, sessionID, "fr", conn)
	audience, _ := registry.Audience(sessionID)

	_ = registry.EndSession(sessionID, sessions.EndReasonSpeaker)

	if _, err := gateway.Deliver(context.Background(), utterance(sessionID, 1, "fr"), audience.Epoch); !errors.Is(err, sessions.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(conn.received(events.KindTranslationBroadcast)); got != 0 {
		t.Fatalf("expected nothing delivered after end, got %d", got)
	}
}

func TestMissedHeartbeatsDegradeListenerUntilHeartbeat(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{HeartbeatInterval: 20 * time.Millisecond, MissedHeartbeats: 2, DetachAfter: time.Hour})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	listenerID := join(t, registry, gateway, sessionID, "fr", newConnStub())

	waitForCondition(t, 2*time.Second, "listener to be degraded", func() bool {
		listener, _ := registry.Listener(sessionID, listenerID)
		return listener.Degraded
	})

	if err := gateway.Heartbeat(sessionID, listenerID); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	listener, _ := registry.Listener(sessionID, listenerID)
	if listener.Degraded {
		t.Fatalf("expected heartbeat to clear the degraded flag")
	}

	snapshot, _ := registry.Session(sessionID)
	if snapshot.State != sessions.StateLive {
		t.Fatalf("expected session to stay live, got %q", snapshot.State)
	}
}

func TestDeliveriesDoNotStandInForHeartbeats(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{HeartbeatInterval: 20 * time.Millisecond, MissedHeartbeats: 2, DetachAfter: 150 * time.Millisecond})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	conn := newConnStub()
	listenerID := join(t, registry, gateway, sessionID, "fr", conn)
	audience, _ := registry.Audience(sessionID)

	degraded := false
	for seq := uint64(1); seq <= 15; seq++ {
		if _, err := gateway.Deliver(context.Background(), utterance(sessionID, seq, "fr"), audience.Epoch); err != nil {
			t.Fatalf("unexpected deliver error: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if listener, err := registry.Listener(sessionID, listenerID); err == nil && listener.Degraded {
			degraded = true
		}
	}

	if !degraded {
		t.Fatalf("expected listener without heartbeats to be degraded while receiving utterances")
	}
	if _, err := registry.Listener(sessionID, listenerID); err != nil {
		t.Fatalf("expected successful sends to keep the listener attached, got %v", err)
	}
	waitForCondition(t, 2*time.Second, "all 15 deliveries", func() bool {
		return len(conn.received(events.KindTranslationBroadcast)) == 15
	})
}

func TestSilentListenerIsDetachedWithoutEndingSession(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{HeartbeatInterval: time.Hour, DetachAfter: 50 * time.Millisecond})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	conn := newConnStub()
	listenerID := join(t, registry, gateway, sessionID, "fr", conn)

	waitForCondition(t, 2*time.Second, "silent listener to be removed", func() bool {
		_, err := registry.Listener(sessionID, listenerID)
		return errors.Is(err, sessions.ErrListenerNotFound)
	})
	waitForCondition(t, 2*time.Second, "connection to be closed", conn.isClosed)

	if gateway.Attached(sessionID) != 0 {
		t.Fatalf("expected listener to be detached")
	}
	if snapshot, _ := registry.Session(sessionID); snapshot.State != sessions.StateLive {
		t.Fatalf("expected session to continue, got %q", snapshot.State)
	}
}

func TestPublishStatusEndedNotifiesAndDetachesEveryone(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	speaker := newConnStub()
	if err := gateway.AttachSpeaker(sessionID, speaker); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	listener := newConnStub()
	join(t, registry, gateway, sessionID, "fr", listener)

	_ = registry.EndSession(sessionID, sessions.EndReasonSpeaker)
	snapshot, _ := registry.Session(sessionID)
	gateway.PublishStatus(snapshot)

	for name, conn := range map[string]*connStub{"speaker": speaker, "listener": listener} {
		waitForCondition(t, 2*time.Second, name+" to receive the ended status", func() bool {
			return len(conn.received(events.KindSessionStatusChanged)) == 1
		})
		payload, _ := events.DecodePayload[events.SessionStatusChanged](conn.received(events.KindSessionStatusChanged)[0])
		if payload.State != string(sessions.StateEnded) || payload.Reason != string(sessions.EndReasonSpeaker) {
			t.Fatalf("expected ended by speaker for %s, got %+v", name, payload)
		}
	}
	if gateway.Attached(sessionID) != 0 {
		t.Fatalf("expected listeners to be detached after end")
	}
}

func TestPublishStatsReachesSpeakerOnly(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	speaker := newConnStub()
	_ = gateway.AttachSpeaker(sessionID, speaker)
	listener := newConnStub()
	join(t, registry, gateway, sessionID, "fr", listener)
	join(t, registry, gateway, sessionID, "fr", newConnStub())

	gateway.PublishStats(sessionID)

	waitForCondition(t, 2*time.Second, "speaker stats", func() bool {
		return len(speaker.received(events.KindSessionListenerStats)) == 1
	})
	payload, _ := events.DecodePayload[events.SessionListenerStats](speaker.received(events.KindSessionListenerStats)[0])
	if payload.Listeners != 2 || payload.ListenersByLanguage["fr"] != 2 {
		t.Fatalf("expected 2 fr listeners, got %+v", payload)
	}
	if got := len(listener.received(events.KindSessionListenerStats)); got != 0 {
		t.Fatalf("expected listeners not to see aggregate stats, got %d", got)
	}
}

func TestAttachTwiceFails(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	gateway := NewGateway(registry, Config{})
	defer gateway.Close()
	sessionID := newSession(t, registry)

	listenerID := join(t, registry, gateway, sessionID, "fr", newConnStub())
	if err := gateway.Attach(sessionID, listenerID, newConnStub()); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected already attached error, got %v", err)
	}
}
