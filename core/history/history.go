// Package history persists delivered utterances. Persistence never blocks or
// fails the live pipeline.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/koscakluka/ema-broadcast/core/utterances"
)

var ErrRecorderClosed = errors.New("history recorder closed")

type Appender interface {
	AppendUtterance(ctx context.Context, sessionID string, utterance utterances.Utterance) error
}

const DefaultQueueCapacity = 256

type RecorderOption func(*Recorder)

func WithQueueCapacity(capacity int) RecorderOption {
	return func(r *Recorder) {
		if capacity > 0 {
			r.capacity = capacity
		}
	}
}

func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// Recorder hands utterances to an Appender from a single background worker.
// Record never blocks: when the queue is full the utterance is dropped and
// counted.
type Recorder struct {
	appender Appender
	capacity int
	logger   *slog.Logger

	queue chan record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
}

type record struct {
	sessionID string
	utterance utterances.Utterance
}

func NewRecorder(appender Appender, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		appender: appender,
		capacity: DefaultQueueCapacity,
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan record, r.capacity)

	go r.run()
	return r
}

func (r *Recorder) Record(sessionID string, utterance utterances.Utterance) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}

	select {
	case r.queue <- record{sessionID: sessionID, utterance: utterance}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, dropping utterance", "session_id", sessionID, "sequence", utterance.Sequence)
	}
	return nil
}

// Close stops accepting utterances and waits until queued ones are appended
// or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports how many utterances were dropped on a full queue and how many
// appends failed.
func (r *Recorder) Stats() (dropped, failed uint64) {
	return r.dropped.Load(), r.failed.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		if err := r.appender.AppendUtterance(context.Background(), rec.sessionID, rec.utterance); err != nil {
			r.failed.Add(1)
			r.logger.Error("failed to append utterance to history", "session_id", rec.sessionID, "sequence", rec.utterance.Sequence, "error", err)
		}
	}
}
