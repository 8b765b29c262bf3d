package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/broadcast"
	"github.com/koscakluka/ema-broadcast/core/events"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/speechtotext"
	"github.com/koscakluka/ema-broadcast/core/texttospeech"
	"github.com/koscakluka/ema-broadcast/core/translation"
)

var chunk = []byte{1, 2, 3, 4}

type scriptedTranscriber struct {
	// gate, when set, holds every call until a value is sent.
	gate chan struct{}

	mu          sync.Mutex
	transcripts []speechtotext.Transcript
	errs        []error
	calls       int
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, _ []byte, _ string) (speechtotext.Transcript, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return speechtotext.Transcript{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls
	s.calls++
	if call < len(s.errs) && s.errs[call] != nil {
		return speechtotext.Transcript{}, s.errs[call]
	}
	return s.transcripts[min(call, len(s.transcripts)-1)], nil
}

func (s *scriptedTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func said(text string) speechtotext.Transcript {
	return speechtotext.Transcript{Text: text, Language: "en", Confidence: 0.95}
}

type translatorStub struct {
	gate    chan struct{}
	failing map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (s *translatorStub) Translate(ctx context.Context, text, _, targetLanguage string) (string, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[targetLanguage]++
	s.mu.Unlock()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.failing[targetLanguage] {
		return "", fmt.Errorf("%w: %s", translation.ErrTranslationUnavailable, targetLanguage)
	}
	return fmt.Sprintf("[%s] %s", targetLanguage, text), nil
}

func (s *translatorStub) callsFor(language string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[language]
}

func (s *translatorStub) languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	languages := []string{}
	for language := range s.calls {
		languages = append(languages, language)
	}
	return languages
}

type synthesizerStub struct {
	hanging map[string]bool

	mu    sync.Mutex
	calls int
}

func (s *synthesizerStub) Synthesize(ctx context.Context, text, language string, _ texttospeech.VoiceProfile) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.hanging[language] {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", texttospeech.ErrSynthesisUnavailable, ctx.Err())
	}
	return []byte(language + ":" + text), nil
}

func (s *synthesizerStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type connStub struct {
	mu         sync.Mutex
	broadcasts []events.TranslationBroadcast
}

func (c *connStub) Send(_ context.Context, data []byte) error {
	envelope, err := events.Decode(data)
	if err != nil {
		return err
	}
	if envelope.Type != events.KindTranslationBroadcast {
		return nil
	}
	payload, err := events.DecodePayload[events.TranslationBroadcast](envelope)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.broadcasts = append(c.broadcasts, payload)
	c.mu.Unlock()
	return nil
}

func (c *connStub) Close() error { return nil }

func (c *connStub) received() []events.TranslationBroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.TranslationBroadcast(nil), c.broadcasts...)
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

type harness struct {
	t            *testing.T
	registry     *sessions.Registry
	gateway      *broadcast.Gateway
	orchestrator *Orchestrator
	sessionID    string
}

func newHarness(t *testing.T, opts ...OrchestratorOption) *harness {
	t.Helper()

	registry := sessions.NewRegistry(sessions.Config{}, sessions.WithIDGenerator(func() string { return "ABC-123" }))
	return newHarnessWithRegistry(t, registry, registry, opts...)
}

func newHarnessWithRegistry(t *testing.T, registry *sessions.Registry, driven Registry, opts ...OrchestratorOption) *harness {
	t.Helper()

	gateway := broadcast.NewGateway(registry, broadcast.Config{})
	t.Cleanup(gateway.Close)

	opts = append([]OrchestratorOption{WithWindowConfig(audio.AggregatorConfig{MaxBytes: len(chunk)})}, opts...)
	o, err := NewOrchestrator(driven, gateway, opts...)
	if err != nil {
		t.Fatalf("unexpected orchestrator error: %v", err)
	}
	t.Cleanup(o.Close)

	snapshot, err := registry.CreateSession("speaker", "en")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	return &harness{t: t, registry: registry, gateway: gateway, orchestrator: o, sessionID: snapshot.ID}
}

func (h *harness) join(language string) *connStub {
	h.t.Helper()

	listenerID, err := h.registry.JoinSession(h.sessionID, "", language)
	if err != nil {
		h.t.Fatalf("unexpected join error: %v", err)
	}
	conn := &connStub{}
	if err := h.gateway.Attach(h.sessionID, listenerID, conn); err != nil {
		h.t.Fatalf("unexpected attach error: %v", err)
	}
	return conn
}

func (h *harness) speak() {
	h.t.Helper()
	if err := h.orchestrator.HandleAudio(h.sessionID, chunk); err != nil {
		h.t.Fatalf("unexpected audio error: %v", err)
	}
}

func (h *harness) stats() SessionStats {
	stats, _ := h.orchestrator.SessionStats(h.sessionID)
	return stats
}

func TestListenerJoiningAfterFlushSkipsThatUtterance(t *testing.T) {
	transcriber := &scriptedTranscriber{
		gate:        make(chan struct{}),
		transcripts: []speechtotext.Transcript{said("Peace be upon you"), said("Welcome")},
	}
	h := newHarness(t,
		WithTranscriber(transcriber),
		WithTranslator(&translatorStub{}),
		WithSynthesizer(&synthesizerStub{}),
	)
	if h.sessionID != "ABC-123" {
		t.Fatalf("expected session ABC-123, got %s", h.sessionID)
	}

	english := h.join("en")
	french := h.join("fr")

	h.speak()
	urdu := h.join("ur")
	transcriber.gate <- struct{}{}

	waitForCondition(t, 2*time.Second, "sequence 1 for en and fr", func() bool {
		return len(english.received()) == 1 && len(french.received()) == 1
	})

	en := english.received()[0]
	if en.Sequence != 1 || en.TranslatedText != "Peace be upon you" || en.Audio == nil {
		t.Fatalf("expected sequence 1 in source language with audio, got %+v", en)
	}
	fr := french.received()[0]
	if fr.Sequence != 1 || fr.TranslatedText != "[fr] Peace be upon you" || fr.SourceText != "Peace be upon you" || fr.Audio == nil {
		t.Fatalf("expected french sequence 1 with audio, got %+v", fr)
	}
	if string(fr.Audio.Data) != "fr:[fr] Peace be upon you" {
		t.Fatalf("expected french audio, got %q", fr.Audio.Data)
	}

	h.speak()
	transcriber.gate <- struct{}{}

	waitForCondition(t, 2*time.Second, "sequence 2 for every listener", func() bool {
		return len(urdu.received()) == 1 && len(english.received()) == 2 && len(french.received()) == 2
	})
	ur := urdu.received()[0]
	if ur.Sequence != 2 || ur.TranslatedText != "[ur] Welcome" {
		t.Fatalf("expected urdu listener to start at sequence 2, got %+v", ur)
	}
}

func TestSynthesisTimeoutDeliversTextOnly(t *testing.T) {
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{transcripts: []speechtotext.Transcript{said("Good morning")}}),
		WithTranslator(&translatorStub{}),
		WithSynthesizer(&synthesizerStub{hanging: map[string]bool{"fr": true}}),
		WithPipelineConfig(PipelineConfig{StageTimeout: 100 * time.Millisecond}),
	)
	english := h.join("en")
	french := h.join("fr")

	h.speak()

	waitForCondition(t, 2*time.Second, "both listeners to receive sequence 1", func() bool {
		return len(english.received()) == 1 && len(french.received()) == 1
	})

	fr := french.received()[0]
	if fr.Audio != nil {
		t.Fatalf("expected text-only french payload, got audio %+v", fr.Audio)
	}
	if fr.TranslatedText != "[fr] Good morning" {
		t.Fatalf("expected french text, got %q", fr.TranslatedText)
	}
	if en := english.received()[0]; en.Audio == nil {
		t.Fatalf("expected english audio to be unaffected")
	}
	if got := h.stats().SynthesisFailures; got != 1 {
		t.Fatalf("expected 1 synthesis failure, got %d", got)
	}
}

func TestOnlyListenedLanguagesAreTranslatedAndFailuresStayIsolated(t *testing.T) {
	translator := &translatorStub{failing: map[string]bool{"de": true}}
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{transcripts: []speechtotext.Transcript{said("Hello")}}),
		WithTranslator(translator),
	)
	french := h.join("fr")
	german := h.join("de")

	h.speak()

	waitForCondition(t, 2*time.Second, "french delivery", func() bool {
		return len(french.received()) == 1
	})
	if got := len(german.received()); got != 0 {
		t.Fatalf("expected failed language to receive nothing, got %d", got)
	}
	if fr := french.received()[0]; fr.Audio != nil {
		t.Fatalf("expected text-only payload without a synthesizer, got %+v", fr.Audio)
	}

	languages := translator.languages()
	if len(languages) != 2 {
		t.Fatalf("expected translation only for fr and de, got %v", languages)
	}
	if translator.callsFor("en") != 0 {
		t.Fatalf("expected source language not to be translated")
	}
	if got := h.stats().TranslationFailures; got != 1 {
		t.Fatalf("expected 1 translation failure, got %d", got)
	}
}

func TestRepeatedPhraseIsSynthesizedOnce(t *testing.T) {
	synthesizer := &synthesizerStub{}
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{transcripts: []speechtotext.Transcript{said("Thank you")}}),
		WithTranslator(&translatorStub{}),
		WithSynthesizer(synthesizer),
	)
	french := h.join("fr")

	for range 4 {
		h.speak()
	}

	waitForCondition(t, 2*time.Second, "four deliveries", func() bool {
		return len(french.received()) == 4
	})

	if got := synthesizer.callCount(); got != 1 {
		t.Fatalf("expected 1 synthesis, got %d", got)
	}
	stats := h.orchestrator.SynthesisCacheStats()
	if stats.Hits < 3 {
		t.Fatalf("expected at least 3 cache hits, got %d", stats.Hits)
	}
}

func TestUtterancesAreDeliveredInSequenceOrder(t *testing.T) {
	transcripts := []speechtotext.Transcript{}
	for i := 1; i <= 10; i++ {
		transcripts = append(transcripts, said(fmt.Sprintf("utterance %d", i)))
	}
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{transcripts: transcripts}),
		WithTranslator(&translatorStub{}),
		WithSynthesizer(&synthesizerStub{}),
	)
	french := h.join("fr")

	for range 10 {
		h.speak()
	}

	waitForCondition(t, 2*time.Second, "ten deliveries", func() bool {
		return len(french.received()) == 10
	})
	for i, payload := range french.received() {
		if payload.Sequence != uint64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, payload.Sequence)
		}
		if want := fmt.Sprintf("[fr] utterance %d", i+1); payload.TranslatedText != want {
			t.Fatalf("expected %q, got %q", want, payload.TranslatedText)
		}
	}
}

func TestUnusableTranscriptsDoNotConsumeSequence(t *testing.T) {
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{
			transcripts: []speechtotext.Transcript{
				{Text: "mumble", Confidence: 0.2},
				{},
				{},
				said("Hello"),
			},
			errs: []error{nil, nil, speechtotext.ErrTranscriptionUnavailable},
		}),
		WithTranslator(&translatorStub{}),
		WithPipelineConfig(PipelineConfig{MinConfidence: 0.5}),
	)
	french := h.join("fr")

	for range 4 {
		h.speak()
	}

	waitForCondition(t, 2*time.Second, "the usable transcript to be delivered", func() bool {
		return len(french.received()) == 1
	})
	if got := french.received()[0]; got.Sequence != 1 || got.TranslatedText != "[fr] Hello" {
		t.Fatalf("expected sequence 1 for the first usable transcript, got %+v", got)
	}

	stats := h.stats()
	if stats.DroppedWindows != 3 || stats.TranscriptionFailures != 1 {
		t.Fatalf("expected 3 dropped windows and 1 transcription failure, got %+v", stats)
	}
}

func TestFullQueueHoldsSpeakerInsteadOfDroppingWindows(t *testing.T) {
	transcriber := &scriptedTranscriber{
		gate:        make(chan struct{}),
		transcripts: []speechtotext.Transcript{said("Hello")},
	}
	h := newHarness(t,
		WithTranscriber(transcriber),
		WithTranslator(&translatorStub{}),
		WithPipelineConfig(PipelineConfig{QueueCapacity: 2}),
	)
	french := h.join("fr")

	const windows = 6
	spoken := make(chan error, 1)
	go func() {
		for range windows {
			if err := h.orchestrator.HandleAudio(h.sessionID, chunk); err != nil {
				spoken <- err
				return
			}
		}
		spoken <- nil
	}()

	waitForCondition(t, 2*time.Second, "the queue to fill", func() bool {
		return h.stats().QueuedWindows == 2
	})
	select {
	case err := <-spoken:
		t.Fatalf("expected the speaker to be held while the queue is full, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(transcriber.gate)

	select {
	case err := <-spoken:
		if err != nil {
			t.Fatalf("unexpected audio error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the speaker to be released")
	}
	waitForCondition(t, 2*time.Second, "every window to be delivered", func() bool {
		return len(french.received()) == windows
	})

	if got := transcriber.callCount(); got != windows {
		t.Fatalf("expected one transcription per window, got %d calls", got)
	}
	if stats := h.stats(); stats.DroppedWindows != 0 {
		t.Fatalf("expected no dropped windows, got %+v", stats)
	}
}

func TestEndSessionReleasesSpeakerHeldByFullQueue(t *testing.T) {
	transcriber := &scriptedTranscriber{
		gate:        make(chan struct{}),
		transcripts: []speechtotext.Transcript{said("Hello")},
	}
	h := newHarness(t,
		WithTranscriber(transcriber),
		WithTranslator(&translatorStub{}),
		WithPipelineConfig(PipelineConfig{QueueCapacity: 1}),
	)
	defer close(transcriber.gate)

	spoken := make(chan error, 1)
	go func() {
		for range 4 {
			if err := h.orchestrator.HandleAudio(h.sessionID, chunk); err != nil {
				spoken <- err
				return
			}
		}
		spoken <- nil
	}()

	waitForCondition(t, 2*time.Second, "the queue to fill", func() bool {
		return h.stats().QueuedWindows == 1
	})
	if err := h.orchestrator.EndSession(h.sessionID, sessions.EndReasonSpeaker); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}

	select {
	case <-spoken:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ending the session to release the speaker")
	}
}

func TestEndSessionDiscardsResultsInFlight(t *testing.T) {
	translator := &translatorStub{gate: make(chan struct{})}
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{transcripts: []speechtotext.Transcript{said("Goodbye")}}),
		WithTranslator(translator),
	)
	french := h.join("fr")

	h.speak()
	waitForCondition(t, 2*time.Second, "translation to start", func() bool {
		return translator.callsFor("fr") == 1
	})

	if err := h.orchestrator.EndSession(h.sessionID, sessions.EndReasonSpeaker); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	close(translator.gate)

	waitForCondition(t, 2*time.Second, "utterance to be discarded", func() bool {
		return h.stats().Discarded == 1
	})
	if got := len(french.received()); got != 0 {
		t.Fatalf("expected nothing delivered after end, got %d", got)
	}
	if err := h.orchestrator.HandleAudio(h.sessionID, chunk); !errors.Is(err, sessions.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestEndSessionDropsBufferedAudio(t *testing.T) {
	transcriber := &scriptedTranscriber{transcripts: []speechtotext.Transcript{said("unused")}}
	h := newHarness(t, WithTranscriber(transcriber), WithWindowConfig(audio.AggregatorConfig{MaxBytes: 1024, MaxDuration: 50 * time.Millisecond}))

	h.speak()
	_ = h.orchestrator.EndSession(h.sessionID, sessions.EndReasonSpeaker)

	time.Sleep(150 * time.Millisecond)
	if got := transcriber.callCount(); got != 0 {
		t.Fatalf("expected buffered audio to be discarded, got %d transcriptions", got)
	}
}

func TestFirstAudioStartsSessionAndPauseFlushesPartialWindow(t *testing.T) {
	h := newHarness(t,
		WithTranscriber(&scriptedTranscriber{transcripts: []speechtotext.Transcript{said("Before the break")}}),
		WithTranslator(&translatorStub{}),
		WithWindowConfig(audio.AggregatorConfig{MaxBytes: 1024, MaxDuration: time.Hour}),
	)
	french := h.join("fr")

	h.speak()
	if snapshot, _ := h.registry.Session(h.sessionID); snapshot.State != sessions.StateLive {
		t.Fatalf("expected first audio to start the session, got %q", snapshot.State)
	}

	if err := h.orchestrator.PauseSession(h.sessionID); err != nil {
		t.Fatalf("unexpected pause error: %v", err)
	}
	waitForCondition(t, 2*time.Second, "partial window to be delivered", func() bool {
		return len(french.received()) == 1
	})

	if err := h.orchestrator.HandleAudio(h.sessionID, chunk); !errors.Is(err, sessions.ErrInvalidTransition) {
		t.Fatalf("expected paused session to reject audio, got %v", err)
	}
	if err := h.orchestrator.ResumeSession(h.sessionID); err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}
	h.speak()
}

type repeatingSequenceRegistry struct {
	*sessions.Registry
}

func (repeatingSequenceRegistry) NextSequence(string) (uint64, error) { return 1, nil }

func TestSequenceRegressionHaltsPipelineWithoutEndingSession(t *testing.T) {
	registry := sessions.NewRegistry(sessions.Config{})
	h := newHarnessWithRegistry(t, registry, repeatingSequenceRegistry{registry},
		WithTranscriber(&scriptedTranscriber{transcripts: []speechtotext.Transcript{said("again")}}),
		WithTranslator(&translatorStub{}),
	)
	french := h.join("fr")

	h.speak()
	h.speak()

	waitForCondition(t, 2*time.Second, "pipeline to halt", func() bool {
		return h.stats().Halted
	})
	waitForCondition(t, 2*time.Second, "first utterance", func() bool {
		return len(french.received()) == 1
	})

	snapshot, _ := h.registry.Session(h.sessionID)
	if snapshot.State != sessions.StateLive {
		t.Fatalf("expected session to stay live, got %q", snapshot.State)
	}
	if !snapshot.Degraded {
		t.Fatalf("expected session to be marked degraded")
	}
	if got := len(french.received()); got != 1 {
		t.Fatalf("expected only the first utterance, got %d", got)
	}
	if err := h.orchestrator.HandleAudio(h.sessionID, chunk); !errors.Is(err, ErrPipelineHalted) {
		t.Fatalf("expected ErrPipelineHalted, got %v", err)
	}
}

func TestSessionsRunConcurrently(t *testing.T) {
	transcriber := speechtotext.TranscriberFunc(func(ctx context.Context, _ []byte, _ string) (speechtotext.Transcript, error) {
		return said("hi"), nil
	})
	blocking := &translatorStub{gate: make(chan struct{})}

	registry := sessions.NewRegistry(sessions.Config{})
	gateway := broadcast.NewGateway(registry, broadcast.Config{})
	defer gateway.Close()

	// The first session is stuck in translation, the second must not wait.
	slow, err := NewOrchestrator(registry, gateway, WithTranscriber(transcriber), WithTranslator(blocking), WithWindowConfig(audio.AggregatorConfig{MaxBytes: len(chunk)}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer slow.Close()
	defer close(blocking.gate)

	first, _ := registry.CreateSession("a", "en")
	second, _ := registry.CreateSession("b", "en")
	_, _ = registry.JoinSession(first.ID, "", "fr")
	listenerID, _ := registry.JoinSession(second.ID, "", "en")
	conn := &connStub{}
	_ = gateway.Attach(second.ID, listenerID, conn)

	if err := slow.HandleAudio(first.ID, chunk); err != nil {
		t.Fatalf("unexpected audio error: %v", err)
	}
	if err := slow.HandleAudio(second.ID, chunk); err != nil {
		t.Fatalf("unexpected audio error: %v", err)
	}

	waitForCondition(t, 2*time.Second, "second session delivery", func() bool {
		return len(conn.received()) == 1
	})
}
