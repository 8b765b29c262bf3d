package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-broadcast/core/metrics"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/speechtotext"
	"github.com/koscakluka/ema-broadcast/core/utterances"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// processWindow runs one flushed window through transcription, translation,
// synthesis and delivery. It only runs on the session's runtime goroutine.
func (o *Orchestrator) processWindow(baseContext context.Context, rt *sessionRuntime, job windowJob) {
	ctx, span := tracer.Start(baseContext, "process window",
		trace.WithAttributes(
			attribute.String("session_id", rt.sessionID),
			attribute.Int("window.bytes", job.window.Bytes),
			attribute.String("window.flush_reason", string(job.window.Reason)),
		))
	defer span.End()

	queuedTime := time.Since(job.queuedAt).Seconds()
	span.AddEvent("taken out of queue", trace.WithAttributes(attribute.Float64("window.queued_time", queuedTime)))
	rt.stats.windows.Add(1)

	transcript, err := o.transcribe(ctx, rt, job)
	if err != nil {
		rt.stats.transcriptionFailures.Add(1)
		rt.stats.droppedWindows.Add(1)
		span.RecordError(err)
		o.logger.Warn("dropping window, transcription failed", "session_id", rt.sessionID, "error", err)
		return
	}
	if transcript.IsEmpty() || transcript.Confidence < o.config.MinConfidence {
		rt.stats.droppedWindows.Add(1)
		span.AddEvent("transcript dropped", trace.WithAttributes(attribute.Float64("transcript.confidence", transcript.Confidence)))
		o.logger.Debug("dropping window, no usable transcript", "session_id", rt.sessionID, "confidence", transcript.Confidence)
		return
	}

	if rt.isClosed() {
		return
	}
	sequence, err := o.registry.NextSequence(rt.sessionID)
	if err != nil {
		if !sessions.IsTerminal(err) {
			o.logger.Error("failed to assign sequence", "session_id", rt.sessionID, "error", err)
		}
		return
	}
	rt.stats.lastSequence.Store(sequence)
	span.SetAttributes(attribute.Int64("utterance.sequence", int64(sequence)))

	if sequence <= rt.lastDelivered {
		o.haltSession(ctx, rt, fmt.Errorf("%w: session %s assigned %d after %d", ErrIntegrityViolation, rt.sessionID, sequence, rt.lastDelivered))
		return
	}
	rt.lastDelivered = sequence

	utterance := utterances.Utterance{
		ID:             uuid.NewString(),
		SessionID:      rt.sessionID,
		Sequence:       sequence,
		SourceText:     transcript.Text,
		SourceLanguage: rt.sourceLanguage,
		Confidence:     transcript.Confidence,
		PerLanguage:    o.render(ctx, rt, transcript.Text, job.audience.Languages),
		CreatedAt:      time.Now(),
	}

	if len(utterance.PerLanguage) == 0 {
		rt.stats.discarded.Add(1)
		o.logger.Info("utterance dropped, no language rendered", "session_id", rt.sessionID, "sequence", sequence)
		return
	}
	if rt.isClosed() {
		rt.stats.discarded.Add(1)
		return
	}

	o.deliver(ctx, rt, utterance, job.audience.Epoch)
}

func (o *Orchestrator) transcribe(ctx context.Context, rt *sessionRuntime, job windowJob) (speechtotext.Transcript, error) {
	ctx, span := tracer.Start(ctx, "transcribe window")
	defer span.End()

	if o.transcriber == nil {
		return speechtotext.Transcript{}, fmt.Errorf("%w: no transcriber configured", speechtotext.ErrTranscriptionUnavailable)
	}

	start := time.Now()
	var transcript speechtotext.Transcript
	audioBytes := job.window.Audio()
	err := o.retryStage(ctx, metrics.StageTranscription, func(ctx context.Context) error {
		var err error
		transcript, err = o.transcriber.Transcribe(ctx, audioBytes, rt.sourceLanguage)
		return err
	})
	o.metrics.RecordStage(metrics.StageTranscription, stageOutcome(err), secondsSince(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speechtotext.Transcript{}, err
	}

	span.SetAttributes(attribute.Float64("transcript.confidence", transcript.Confidence))
	return transcript, nil
}

// render translates and synthesizes text for every language in parallel.
// Languages that fail translation are left out, languages that fail synthesis
// are kept text-only.
func (o *Orchestrator) render(ctx context.Context, rt *sessionRuntime, text string, languages []string) map[string]utterances.Rendition {
	renditions := make(map[string]utterances.Rendition, len(languages))
	mu := sync.Mutex{}

	wg := &sync.WaitGroup{}
	for _, language := range languages {
		wg.Add(1)
		go func() {
			defer wg.Done()

			run := panicSafeNamedWorker("render "+language, func(ctx context.Context) error {
				rendition, err := o.renderLanguage(ctx, rt, text, language)
				if err != nil {
					return err
				}
				mu.Lock()
				renditions[language] = rendition
				mu.Unlock()
				return nil
			})
			if err := run(ctx); err != nil {
				o.logger.Warn("language left out of utterance", "session_id", rt.sessionID, "language", language, "error", err)
			}
		}()
	}
	wg.Wait()

	return renditions
}

func (o *Orchestrator) renderLanguage(ctx context.Context, rt *sessionRuntime, text, language string) (utterances.Rendition, error) {
	ctx, span := tracer.Start(ctx, "render language", trace.WithAttributes(attribute.String("language", language)))
	defer span.End()

	translated, err := o.translate(ctx, rt, text, language)
	if err != nil {
		rt.stats.translationFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return utterances.Rendition{}, err
	}

	rendition := utterances.Rendition{TranslatedText: translated}
	if audio := o.synthesize(ctx, rt, translated, language); audio != nil {
		rendition.Audio = audio
		rendition.SynthesizedAt = time.Now()
	}
	return rendition, nil
}

// translate passes the source language through untouched.
func (o *Orchestrator) translate(ctx context.Context, rt *sessionRuntime, text, language string) (string, error) {
	if language == rt.sourceLanguage {
		return text, nil
	}
	if o.translator == nil {
		return "", fmt.Errorf("no translator configured for %s", language)
	}

	start := time.Now()
	var translated string
	err := o.retryStage(ctx, metrics.StageTranslation, func(ctx context.Context) error {
		var err error
		translated, err = o.translator.Translate(ctx, text, rt.sourceLanguage, language)
		return err
	})
	if err == nil && translated == "" {
		err = fmt.Errorf("empty translation to %s", language)
	}
	o.metrics.RecordStage(metrics.StageTranslation, stageOutcome(err), secondsSince(start))
	return translated, err
}

// synthesize returns nil when the language has to degrade to text-only.
func (o *Orchestrator) synthesize(ctx context.Context, rt *sessionRuntime, text, language string) *utterances.Audio {
	if o.cache == nil {
		return nil
	}

	voice := o.voices[language]
	if voice.Encoding.IsZero() {
		voice.Encoding = o.synthesisEncoding
	}
	start := time.Now()
	var (
		data []byte
		hit  bool
	)
	err := o.retryStage(ctx, metrics.StageSynthesis, func(ctx context.Context) error {
		var err error
		data, hit, err = o.cache.Lookup(ctx, text, language, voice)
		return err
	})
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("synthesis.cache_hit", hit))
	if err != nil {
		rt.stats.synthesisFailures.Add(1)
		o.metrics.RecordStage(metrics.StageSynthesis, metrics.OutcomeDegraded, secondsSince(start))
		o.logger.Warn("synthesis failed, delivering text only", "session_id", rt.sessionID, "language", language, "error", err)
		return nil
	}
	o.metrics.RecordStage(metrics.StageSynthesis, metrics.OutcomeSuccess, secondsSince(start))

	return &utterances.Audio{
		Ref:      uuid.NewString(),
		Data:     data,
		Encoding: voice.Encoding.Format.Name(),
	}
}

// deliver hands the utterance to the gateway. The gateway refuses delivery
// once the session ended, so results finished after the end are discarded.
func (o *Orchestrator) deliver(ctx context.Context, rt *sessionRuntime, utterance utterances.Utterance, epoch uint64) {
	ctx, span := tracer.Start(ctx, "deliver utterance")
	defer span.End()

	start := time.Now()
	result, err := o.gateway.Deliver(ctx, utterance, epoch)
	o.metrics.RecordStage(metrics.StageDelivery, stageOutcome(err), secondsSince(start))
	if err != nil {
		rt.stats.discarded.Add(1)
		if sessions.IsTerminal(err) {
			span.AddEvent("discarded after session end")
			o.logger.Debug("discarding utterance of ended session", "session_id", rt.sessionID, "sequence", utterance.Sequence)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("failed to deliver utterance", "session_id", rt.sessionID, "sequence", utterance.Sequence, "error", err)
		return
	}

	rt.stats.utterances.Add(1)
	o.metrics.RecordDelivery(result.Queued, result.Dropped, result.Skipped)
	span.SetAttributes(
		attribute.Int("delivery.queued", result.Queued),
		attribute.Int("delivery.dropped", result.Dropped),
	)

	if o.history != nil {
		if err := o.history.Record(rt.sessionID, utterance); err != nil {
			o.logger.Warn("failed to record utterance history", "session_id", rt.sessionID, "sequence", utterance.Sequence, "error", err)
		}
	}
}
