package audio

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultWindowDuration = 3 * time.Second
	DefaultWindowBytes    = 64 * 1024
)

var ErrWindowDiscarded = errors.New("audio window discarded")

type FlushReason string

const (
	FlushReasonDuration FlushReason = "duration"
	FlushReasonSize     FlushReason = "size"
	FlushReasonManual   FlushReason = "manual"
)

// Window is one flushed slice of a session's speaker audio. Chunks are kept in
// arrival order and are owned by the window.
type Window struct {
	SessionID string
	Chunks    [][]byte
	Bytes     int
	StartedAt time.Time
	FlushedAt time.Time
	Reason    FlushReason
}

// Audio concatenates the window's chunks.
func (w Window) Audio() []byte {
	audio := make([]byte, 0, w.Bytes)
	for _, chunk := range w.Chunks {
		audio = append(audio, chunk...)
	}
	return audio
}

type AggregatorConfig struct {
	// MaxDuration flushes a window once this much time passed since its first
	// chunk.
	MaxDuration time.Duration
	// MaxBytes flushes a window once it holds at least this many bytes.
	MaxBytes int
}

type AggregatorOption func(*Aggregator)

// WithFlushHandler registers a handler that receives every flushed window,
// including windows flushed by the duration timer. The handler runs while the
// session's window is locked, so windows of one session reach it in flush
// order. It must not block and must not call back into the aggregator for the
// same session.
func WithFlushHandler(handler func(Window)) AggregatorOption {
	return func(a *Aggregator) { a.onFlush = handler }
}

func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator keeps one rolling window per session and flushes it on whichever
// of the duration or size thresholds is reached first.
type Aggregator struct {
	config  AggregatorConfig
	now     func() time.Time
	onFlush func(Window)

	mu      sync.RWMutex
	windows map[string]*sessionWindow
}

type sessionWindow struct {
	mu sync.Mutex

	sessionID string
	chunks    [][]byte
	bytes     int
	startedAt time.Time

	timer *time.Timer
	// generation invalidates timers armed for windows that were already
	// flushed.
	generation uint64
	discarded  bool
}

func NewAggregator(config AggregatorConfig, opts ...AggregatorOption) *Aggregator {
	if config.MaxDuration <= 0 {
		config.MaxDuration = DefaultWindowDuration
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultWindowBytes
	}

	a := &Aggregator{
		config:  config,
		now:     time.Now,
		windows: make(map[string]*sessionWindow),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append adds a chunk to the session's window and returns the flushed window if
// this chunk completed it.
func (a *Aggregator) Append(sessionID string, chunk []byte) (*Window, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	w := a.window(sessionID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.discarded {
		return nil, ErrWindowDiscarded
	}

	now := a.now()
	if len(w.chunks) == 0 {
		w.startedAt = now
		a.armTimerLocked(w)
	}

	w.chunks = append(w.chunks, append([]byte(nil), chunk...))
	w.bytes += len(chunk)

	var reason FlushReason
	switch {
	case w.bytes >= a.config.MaxBytes:
		reason = FlushReasonSize
	case now.Sub(w.startedAt) >= a.config.MaxDuration:
		reason = FlushReasonDuration
	default:
		return nil, nil
	}

	flushed := a.flushLocked(w, now, reason)
	return &flushed, nil
}

// Flush flushes whatever the session's window currently holds. It returns nil
// when the window is empty.
func (a *Aggregator) Flush(sessionID string) *Window {
	a.mu.RLock()
	w, ok := a.windows[sessionID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.discarded || len(w.chunks) == 0 {
		return nil
	}

	flushed := a.flushLocked(w, a.now(), FlushReasonManual)
	return &flushed
}

// Discard drops the session's window without flushing it.
func (a *Aggregator) Discard(sessionID string) {
	a.mu.Lock()
	w, ok := a.windows[sessionID]
	delete(a.windows, sessionID)
	a.mu.Unlock()
	if !ok {
		return
	}

	w.mu.Lock()
	w.discarded = true
	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.chunks = nil
	w.bytes = 0
	w.mu.Unlock()
}

// Pending reports how many bytes and chunks the session's window holds.
func (a *Aggregator) Pending(sessionID string) (bytes int, chunks int) {
	a.mu.RLock()
	w, ok := a.windows[sessionID]
	a.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes, len(w.chunks)
}

func (a *Aggregator) window(sessionID string) *sessionWindow {
	a.mu.RLock()
	w, ok := a.windows[sessionID]
	a.mu.RUnlock()
	if ok {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.windows[sessionID]; ok {
		return w
	}
	w = &sessionWindow{sessionID: sessionID}
	a.windows[sessionID] = w
	return w
}

// armTimerLocked schedules a duration flush for a window that just received
// its first chunk, so a speaker going quiet still gets their last words
// flushed. Without a flush handler there is nobody to hand the window to.
func (a *Aggregator) armTimerLocked(w *sessionWindow) {
	if a.onFlush == nil {
		return
	}

	generation := w.generation
	w.timer = time.AfterFunc(a.config.MaxDuration, func() {
		a.flushExpired(w, generation)
	})
}

func (a *Aggregator) flushExpired(w *sessionWindow, generation uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.discarded || w.generation != generation || len(w.chunks) == 0 {
		return
	}

	a.flushLocked(w, a.now(), FlushReasonDuration)
}

// flushLocked resets the window before handing the flushed copy on, so chunks
// arriving right after belong to the next window.
func (a *Aggregator) flushLocked(w *sessionWindow, now time.Time, reason FlushReason) Window {
	flushed := Window{
		SessionID: w.sessionID,
		Chunks:    w.chunks,
		Bytes:     w.bytes,
		StartedAt: w.startedAt,
		FlushedAt: now,
		Reason:    reason,
	}

	w.generation++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.chunks = nil
	w.bytes = 0
	w.startedAt = time.Time{}

	if a.onFlush != nil {
		a.onFlush(flushed)
	}
	return flushed
}
