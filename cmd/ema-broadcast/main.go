package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	orchestration "github.com/koscakluka/ema-broadcast/core"
	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/broadcast"
	"github.com/koscakluka/ema-broadcast/core/history"
	"github.com/koscakluka/ema-broadcast/core/metrics"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	stt "github.com/koscakluka/ema-broadcast/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-broadcast/core/texttospeech"
	tts "github.com/koscakluka/ema-broadcast/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-broadcast/core/translation"
	"github.com/koscakluka/ema-broadcast/core/translation/groq"
	"github.com/koscakluka/ema-broadcast/core/translation/openai"
	"github.com/koscakluka/ema-broadcast/core/transport"
	"github.com/koscakluka/ema-broadcast/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file, defaults are used when empty")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Starting ema-broadcast",
		slog.String("config_file", *configPath),
		slog.String("address", cfg.Server.Address),
		slog.String("ws_path", cfg.Server.WSPath),
		slog.String("translation_provider", cfg.Providers.Translation.Provider),
		slog.Bool("synthesis", cfg.Providers.Deepgram.Synthesis),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := initTracing(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("Error flushing traces", slog.String("error", err.Error()))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(promRegistry)

	registry := sessions.NewRegistry(sessions.Config{
		MaxSessions:            cfg.Sessions.MaxSessions,
		MaxListenersPerSession: cfg.Sessions.MaxListeners,
		EndedRetention:         cfg.Sessions.GetEndedRetention(),
		SpeakerTimeout:         cfg.Sessions.GetSpeakerTimeout(),
		SweepInterval:          cfg.Sessions.GetSweepInterval(),
	}, sessions.WithLogger(logger))

	gateway := broadcast.NewGateway(registry, broadcast.Config{
		QueueCapacity:     cfg.Broadcast.QueueCapacity,
		HeartbeatInterval: cfg.Broadcast.GetHeartbeatInterval(),
		MissedHeartbeats:  cfg.Broadcast.MissedHeartbeats,
		DetachAfter:       cfg.Broadcast.GetDetachAfter(),
		SendTimeout:       cfg.Broadcast.GetSendTimeout(),
	}, broadcast.WithLogger(logger))

	updateActive := func() { m.SetActive(registry.Counts()) }
	registry.OnCreated(func(sessions.Snapshot) {
		m.RecordSessionCreated()
		updateActive()
	})
	registry.OnStateChanged(gateway.PublishStatus)
	registry.OnEnded(func(snapshot sessions.Snapshot) {
		m.RecordSessionEnded(string(snapshot.EndReason))
		updateActive()
	})
	registry.OnMembershipChanged(func(sessionID string) {
		gateway.PublishStats(sessionID)
		updateActive()
	})

	encoding, err := encodingInfo(cfg.Audio)
	if err != nil {
		return err
	}

	opts, recorder, err := pipelineOptions(cfg, encoding, m, logger)
	if err != nil {
		return err
	}

	pipeline, err := orchestration.NewOrchestrator(registry, gateway, opts...)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	pipeline.Orchestrate(ctx)
	go registry.Run(ctx)

	transportOpts := []transport.ServerOption{transport.WithLogger(logger)}
	if len(cfg.Server.AllowedOrigins) > 0 {
		transportOpts = append(transportOpts, transport.WithCheckOrigin(checkOrigin(cfg.Server.AllowedOrigins)))
	}
	wsServer := transport.NewServer(registry, pipeline, gateway, transport.Config{
		ReadLimit:    cfg.Server.ReadLimit,
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}, transportOpts...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WSPath, wsServer)
	newHTTPAPI(registry, pipeline, m, logger).routes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           otelhttp.NewHandler(mux, cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	logger.Info("Starting graceful shutdown...")

	// Listeners are told the session ended before their connections close.
	for _, id := range registry.LiveSessions() {
		if err := pipeline.EndSession(id, sessions.EndReasonShutdown); err != nil && !sessions.IsTerminal(err) {
			logger.Warn("Failed to end session", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	pipeline.Close()
	gateway.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			logger.Error("Error flushing history", slog.String("error", err.Error()))
		}
		dropped, failed := recorder.Stats()
		logger.Info("History closed", slog.Uint64("dropped", dropped), slog.Uint64("failed", failed))
	}

	cache := pipeline.SynthesisCacheStats()
	logger.Info("Final synthesis cache statistics",
		slog.Uint64("hits", cache.Hits),
		slog.Uint64("misses", cache.Misses),
		slog.Int("entries", cache.Entries),
	)

	return runErr
}

func encodingInfo(cfg config.AudioConfig) (audio.EncodingInfo, error) {
	format, ok := audio.ParseEncodingFormat(cfg.Format)
	if !ok {
		return audio.EncodingInfo{}, fmt.Errorf("unsupported audio format %q", cfg.Format)
	}
	return audio.EncodingInfo{SampleRate: cfg.SampleRate, Format: format}, nil
}

// pipelineOptions builds the collaborators from the provider configuration.
// The returned recorder is nil when history is disabled.
func pipelineOptions(cfg config.Config, encoding audio.EncodingInfo, m *metrics.Metrics, logger *slog.Logger) ([]orchestration.OrchestratorOption, *history.Recorder, error) {
	transcriber, err := stt.NewTranscriptionClient(
		stt.WithAPIKey(cfg.Providers.Deepgram.APIKey),
		stt.WithModel(cfg.Providers.Deepgram.Model),
		stt.WithEncodingInfo(encoding),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transcriber: %w", err)
	}

	translator, err := newTranslator(cfg.Providers.Translation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create translator: %w", err)
	}

	opts := []orchestration.OrchestratorOption{
		orchestration.WithLogger(logger),
		orchestration.WithMetrics(m),
		orchestration.WithTranscriber(transcriber),
		orchestration.WithTranslator(translator),
		orchestration.WithWindowConfig(audio.AggregatorConfig{
			MaxDuration: cfg.Audio.GetWindowDuration(),
			MaxBytes:    cfg.Audio.WindowBytes,
		}),
		orchestration.WithPipelineConfig(orchestration.PipelineConfig{
			MinConfidence: cfg.Pipeline.MinConfidence,
			StageTimeout:  cfg.Pipeline.GetStageTimeout(),
			MaxRetries:    cfg.Pipeline.MaxRetries,
			RetryBackoff:  cfg.Pipeline.GetRetryBackoff(),
			QueueCapacity: cfg.Pipeline.QueueCapacity,
			CacheCapacity: cfg.Pipeline.CacheCapacity,
		}),
	}

	if cfg.Providers.Deepgram.Synthesis {
		synthesisEncoding := audio.GetDefaultEncodingInfo()
		ttsOpts := []tts.TextToSpeechOption{
			tts.WithAPIKey(cfg.Providers.Deepgram.APIKey),
			tts.WithEncodingInfo(synthesisEncoding),
		}
		voices := make(map[string]texttospeech.VoiceProfile, len(cfg.Providers.Voices))
		for language, voice := range cfg.Providers.Voices {
			language = sessions.NormalizeLanguage(language)
			ttsOpts = append(ttsOpts, tts.WithVoice(language, voice))
			voices[language] = texttospeech.VoiceProfile{Voice: voice, Encoding: synthesisEncoding}
		}

		synthesizer, err := tts.NewTextToSpeechClient(ttsOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create synthesizer: %w", err)
		}
		opts = append(opts,
			orchestration.WithSynthesizer(synthesizer),
			orchestration.WithSynthesisEncoding(synthesisEncoding),
			orchestration.WithVoices(voices),
		)
	}

	var recorder *history.Recorder
	if cfg.History.Path != "" {
		file, err := os.OpenFile(cfg.History.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open history file %s: %w", cfg.History.Path, err)
		}
		recorder = history.NewRecorder(history.NewJSONLinesAppender(file),
			history.WithQueueCapacity(cfg.History.QueueCapacity),
			history.WithLogger(logger),
		)
		opts = append(opts, orchestration.WithHistory(recorder))
	}

	return opts, recorder, nil
}

func newTranslator(cfg config.TranslationConfig) (translation.Translator, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewTranslator(openai.WithAPIKey(cfg.APIKey), openai.WithModel(cfg.Model))
	case "groq":
		return groq.NewTranslator(groq.WithAPIKey(cfg.APIKey), groq.WithModel(cfg.Model))
	}
	return nil, fmt.Errorf("unknown translation provider %q", cfg.Provider)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// initTracing installs a tracer provider when tracing is enabled. The returned
// function flushes pending spans.
func initTracing(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if cfg.Tracing != "stdout" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// initLogger creates the structured logger described by the configuration.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
