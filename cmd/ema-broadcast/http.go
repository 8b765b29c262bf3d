package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	orchestration "github.com/koscakluka/ema-broadcast/core"
	"github.com/koscakluka/ema-broadcast/core/metrics"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/texttospeech"
)

type sessionDirectory interface {
	Stats(id string) (sessions.SessionStats, error)
	Counts() (sessions int, listeners int)
}

type pipelineStats interface {
	SessionStats(sessionID string) (orchestration.SessionStats, error)
	SynthesisCacheStats() texttospeech.CacheStats
}

// httpAPI serves the monitoring endpoints next to the websocket transport.
type httpAPI struct {
	sessions  sessionDirectory
	pipeline  pipelineStats
	metrics   *metrics.Metrics
	logger    *slog.Logger
	startTime time.Time
}

func newHTTPAPI(directory sessionDirectory, pipeline pipelineStats, m *metrics.Metrics, logger *slog.Logger) *httpAPI {
	return &httpAPI{
		sessions:  directory,
		pipeline:  pipeline,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
	}
}

// routes registers the monitoring endpoints. The websocket handler is mounted
// separately since the metrics wrapper cannot hijack connections.
func (h *httpAPI) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSession))
	mux.Handle("GET /metrics", h.metrics.Handler())
}

func (h *httpAPI) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), time.Since(startTime).Seconds())
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Sessions  int                     `json:"sessions"`
	Listeners int                     `json:"listeners"`
	Synthesis texttospeech.CacheStats `json:"synthesisCache"`
}

func (h *httpAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, listeners := h.sessions.Counts()
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Sessions:  active,
		Listeners: listeners,
		Synthesis: h.pipeline.SynthesisCacheStats(),
	})
}

type sessionResponse struct {
	sessions.SessionStats
	Pipeline *orchestration.SessionStats `json:"pipeline,omitempty"`
}

func (h *httpAPI) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	stats, err := h.sessions.Stats(id)
	if errors.Is(err, sessions.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	} else if err != nil {
		h.logger.Error("failed to read session stats", slog.String("session_id", id), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	response := sessionResponse{SessionStats: stats}
	if pipeline, err := h.pipeline.SessionStats(id); err == nil {
		response.Pipeline = &pipeline
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *httpAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
