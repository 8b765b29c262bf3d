package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/metrics"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/speechtotext"
	"github.com/koscakluka/ema-broadcast/core/texttospeech"
	"github.com/koscakluka/ema-broadcast/core/translation"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrIntegrityViolation stops a session's pipeline when its utterance
	// order can no longer be guaranteed. The session is marked degraded but
	// keeps running.
	ErrIntegrityViolation = errors.New("utterance sequence integrity violated")
	ErrOrchestratorClosed = errors.New("orchestrator closed")
	ErrPipelineHalted     = errors.New("session pipeline halted")
)

// Orchestrator turns each session's speaker audio into ordered utterances and
// hands them to the gateway. Every session has its own runtime, sessions run
// fully concurrently.
type Orchestrator struct {
	registry Registry
	gateway  Gateway

	transcriber speechtotext.Transcriber
	translator  translation.Translator
	synthesizer texttospeech.Synthesizer
	cache       *texttospeech.Cache
	history     HistoryRecorder
	metrics     *metrics.Metrics
	logger      *slog.Logger

	config       PipelineConfig
	windowConfig audio.AggregatorConfig
	voices       map[string]texttospeech.VoiceProfile
	// synthesisEncoding fills in voices without an encoding.
	synthesisEncoding audio.EncodingInfo

	aggregator *audio.Aggregator

	mu          sync.Mutex
	runtimes    map[string]*sessionRuntime
	closed      bool
	closeOnce   sync.Once
	baseContext context.Context
}

func NewOrchestrator(registry Registry, gateway Gateway, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		registry:          registry,
		gateway:           gateway,
		logger:            logger,
		voices:            make(map[string]texttospeech.VoiceProfile),
		synthesisEncoding: audio.GetDefaultEncodingInfo(),
		runtimes:          make(map[string]*sessionRuntime),
		baseContext:       context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.config = o.config.withDefaults()

	if o.synthesizer != nil {
		if cache, ok := o.synthesizer.(*texttospeech.Cache); ok {
			o.cache = cache
		} else {
			cache, err := texttospeech.NewCache(o.synthesizer,
				texttospeech.WithCapacity(o.config.CacheCapacity),
				texttospeech.WithFlightTimeout(o.config.StageTimeout),
				texttospeech.WithLookupObserver(func(_ string, hit bool) { o.metrics.RecordCacheLookup(hit) }),
			)
			if err != nil {
				return nil, err
			}
			o.cache = cache
		}
	}

	o.aggregator = audio.NewAggregator(o.windowConfig, audio.WithFlushHandler(o.onWindowFlushed))

	registry.OnEnded(func(snapshot sessions.Snapshot) { o.sessionEnded(snapshot.ID) })
	registry.OnEvicted(o.forget)

	return o, nil
}

// Orchestrate binds the base context of every pipeline. Pipelines stop when
// ctx is done.
func (o *Orchestrator) Orchestrate(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn("orchestrator already closed, skipping Orchestrate")
		return
	}
	o.baseContext = ctx
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.Close()
	}()
}

// Close stops every session pipeline and waits for in-flight windows to
// finish.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		runtimes := make([]*sessionRuntime, 0, len(o.runtimes))
		for _, rt := range o.runtimes {
			runtimes = append(runtimes, rt)
		}
		o.mu.Unlock()

		// Runtimes end first so windows held back by a full queue are released
		// before their window locks are needed.
		for _, rt := range runtimes {
			rt.end()
			o.aggregator.Discard(rt.sessionID)
		}
		for _, rt := range runtimes {
			rt.waitUntilEnded()
		}
	})
}

// HandleAudio appends one chunk of speaker audio to the session's window. The
// first chunk starts a created session. Audio of paused sessions is rejected.
func (o *Orchestrator) HandleAudio(sessionID string, chunk []byte) error {
	if o.isClosed() {
		return ErrOrchestratorClosed
	}

	snapshot, err := o.registry.Session(sessionID)
	if err != nil {
		return err
	}
	switch snapshot.State {
	case sessions.StateEnded:
		return sessions.ErrSessionEnded
	case sessions.StatePaused:
		return fmt.Errorf("%w: session %s is paused", sessions.ErrInvalidTransition, sessionID)
	case sessions.StateCreated:
		if err := o.registry.StartSession(sessionID); err != nil {
			return err
		}
	}

	if err := o.registry.TouchSpeaker(sessionID); err != nil {
		return err
	}

	rt := o.ensureRuntime(sessionID, snapshot.SourceLanguage)
	if rt.halted.Load() {
		return fmt.Errorf("session %s: %w", sessionID, ErrPipelineHalted)
	}

	if _, err := o.aggregator.Append(sessionID, chunk); err != nil {
		if errors.Is(err, audio.ErrWindowDiscarded) {
			return sessions.ErrSessionEnded
		}
		return err
	}
	return nil
}

func (o *Orchestrator) StartSession(sessionID string) error {
	snapshot, err := o.registry.Session(sessionID)
	if err != nil {
		return err
	}
	if err := o.registry.StartSession(sessionID); err != nil {
		return err
	}
	o.ensureRuntime(sessionID, snapshot.SourceLanguage)
	return nil
}

// PauseSession pauses the session and flushes the partial window, so speech
// before the pause is still processed.
func (o *Orchestrator) PauseSession(sessionID string) error {
	if err := o.registry.PauseSession(sessionID); err != nil {
		return err
	}
	o.aggregator.Flush(sessionID)
	return nil
}

func (o *Orchestrator) ResumeSession(sessionID string) error {
	return o.registry.ResumeSession(sessionID)
}

// EndSession ends the session. Audio still buffered is discarded and results
// of windows in flight are dropped instead of delivered.
func (o *Orchestrator) EndSession(sessionID string, reason sessions.EndReason) error {
	return o.registry.EndSession(sessionID, reason)
}

// SessionStats reports the pipeline counters of a session that produced at
// least one runtime.
func (o *Orchestrator) SessionStats(sessionID string) (SessionStats, error) {
	o.mu.Lock()
	rt, ok := o.runtimes[sessionID]
	o.mu.Unlock()
	if !ok {
		return SessionStats{}, sessions.ErrNotFound
	}
	return rt.snapshot(), nil
}

// SynthesisCacheStats reports the shared synthesis cache counters.
func (o *Orchestrator) SynthesisCacheStats() texttospeech.CacheStats {
	if o.cache == nil {
		return texttospeech.CacheStats{}
	}
	return o.cache.Stats()
}

// onWindowFlushed runs under the session's window lock, in flush order. It
// captures the audience at flush time so listeners joining later do not get
// this window's utterance. A full queue blocks it, which holds back the
// speaker's next chunk until the pipeline catches up.
func (o *Orchestrator) onWindowFlushed(window audio.Window) {
	o.metrics.RecordWindowFlushed(string(window.Reason), window.Bytes, window.FlushedAt.Sub(window.StartedAt).Seconds())

	audience, err := o.registry.Audience(window.SessionID)
	if err != nil {
		o.metrics.RecordWindowDropped("session_ended")
		if sessions.IsTerminal(err) {
			go o.aggregator.Discard(window.SessionID)
		}
		return
	}

	o.mu.Lock()
	rt, ok := o.runtimes[window.SessionID]
	o.mu.Unlock()
	if !ok {
		o.metrics.RecordWindowDropped("no_pipeline")
		return
	}

	queued, waited := rt.enqueue(windowJob{window: window, audience: audience, queuedAt: time.Now()})
	if waited > 0 {
		o.logger.Warn("pipeline queue full, held speaker audio", "session_id", window.SessionID, "waited", waited)
	}
	if !queued {
		rt.stats.droppedWindows.Add(1)
		o.metrics.RecordWindowDropped("pipeline_closed")
		o.logger.Debug("dropping audio window", "session_id", window.SessionID, "reason", "pipeline_closed", "bytes", window.Bytes)
	}
}

func (o *Orchestrator) ensureRuntime(sessionID, sourceLanguage string) *sessionRuntime {
	o.mu.Lock()
	defer o.mu.Unlock()

	if rt, ok := o.runtimes[sessionID]; ok {
		return rt
	}

	rt := newSessionRuntime(sessionID, sourceLanguage, o.config.QueueCapacity)
	o.runtimes[sessionID] = rt
	if o.closed {
		rt.end()
		return rt
	}

	rt.start(func(rt *sessionRuntime, job windowJob) {
		o.processWindow(o.context(), rt, job)
	})
	return rt
}

func (o *Orchestrator) sessionEnded(sessionID string) {
	o.mu.Lock()
	rt, ok := o.runtimes[sessionID]
	o.mu.Unlock()
	if ok {
		rt.end()
	}
	o.aggregator.Discard(sessionID)
	o.logger.Debug("session pipeline stopped", "session_id", sessionID)
}

// forget drops everything kept for an evicted session.
func (o *Orchestrator) forget(sessionID string) {
	o.mu.Lock()
	rt, ok := o.runtimes[sessionID]
	delete(o.runtimes, sessionID)
	o.mu.Unlock()
	if ok {
		rt.end()
	}
	o.aggregator.Discard(sessionID)
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseContext
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// haltSession stops a session's pipeline after an integrity violation. The
// session stays in its state and is only marked degraded.
func (o *Orchestrator) haltSession(ctx context.Context, rt *sessionRuntime, violation error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(violation)
	span.SetStatus(codes.Error, violation.Error())

	o.logger.Error("halting session pipeline", "session_id", rt.sessionID, "error", violation)
	o.metrics.RecordIntegrityViolation()
	if err := o.registry.MarkDegraded(rt.sessionID, violation.Error()); err != nil && !sessions.IsTerminal(err) {
		o.logger.Warn("failed to mark session degraded", "session_id", rt.sessionID, "error", err)
	}
	rt.halt()
}
