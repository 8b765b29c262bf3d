package orchestration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-broadcast/core/audio"
	"github.com/koscakluka/ema-broadcast/core/sessions"
)

type windowJob struct {
	window   audio.Window
	audience sessions.Audience
	queuedAt time.Time
}

// sessionRuntime is the single writer of one session's pipeline. Windows are
// processed one at a time in flush order, which keeps sequence numbers
// ordered.
type sessionRuntime struct {
	sessionID      string
	sourceLanguage string

	queue   chan windowJob
	closeCh chan struct{}
	done    chan struct{}

	startOnce sync.Once
	endOnce   sync.Once
	started   atomic.Bool

	// halted is set when the pipeline stopped on an integrity violation
	// rather than on session end.
	halted atomic.Bool
	// lastDelivered is only touched by the runtime goroutine.
	lastDelivered uint64

	stats runtimeStats
}

type runtimeStats struct {
	windows               atomic.Uint64
	droppedWindows        atomic.Uint64
	utterances            atomic.Uint64
	discarded             atomic.Uint64
	transcriptionFailures atomic.Uint64
	translationFailures   atomic.Uint64
	synthesisFailures     atomic.Uint64
	lastSequence          atomic.Uint64
}

func newSessionRuntime(sessionID, sourceLanguage string, capacity int) *sessionRuntime {
	return &sessionRuntime{
		sessionID:      sessionID,
		sourceLanguage: sourceLanguage,
		queue:          make(chan windowJob, capacity),
		closeCh:        make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (rt *sessionRuntime) start(process func(*sessionRuntime, windowJob)) {
	rt.startOnce.Do(func() {
		if rt.isClosed() {
			return
		}

		rt.started.Store(true)
		go func() {
			defer close(rt.done)

			for {
				select {
				case <-rt.closeCh:
					return
				case job := <-rt.queue:
					if rt.isClosed() {
						return
					}
					process(rt, job)
				}
			}
		}()
	})
}

// enqueue waits for room in the queue and reports false only when the runtime
// is closed. waited is zero when the queue had room.
func (rt *sessionRuntime) enqueue(job windowJob) (queued bool, waited time.Duration) {
	if rt.isClosed() {
		return false, 0
	}

	select {
	case rt.queue <- job:
		return true, 0
	default:
	}

	start := time.Now()
	select {
	case rt.queue <- job:
		return true, time.Since(start)
	case <-rt.closeCh:
		return false, time.Since(start)
	}
}

func (rt *sessionRuntime) end() {
	rt.endOnce.Do(func() {
		close(rt.closeCh)
	})
}

func (rt *sessionRuntime) halt() {
	rt.halted.Store(true)
	rt.end()
}

func (rt *sessionRuntime) waitUntilEnded() {
	if rt.started.Load() {
		<-rt.done
	}
}

func (rt *sessionRuntime) isClosed() bool {
	select {
	case <-rt.closeCh:
		return true
	default:
		return false
	}
}

func (rt *sessionRuntime) queuedWindowCount() int {
	return len(rt.queue)
}

// SessionStats are the pipeline counters of one session.
type SessionStats struct {
	SessionID string `json:"sessionId"`
	// Windows counts flushed windows that entered the pipeline.
	Windows uint64 `json:"windows"`
	// DroppedWindows were flushed but never produced an utterance: pipeline
	// closed, transcription failed, empty or low confidence.
	DroppedWindows uint64 `json:"droppedWindows"`
	Utterances     uint64 `json:"utterances"`
	// Discarded utterances had a sequence number but were not delivered
	// because the session ended or no language could be rendered.
	Discarded             uint64 `json:"discarded"`
	TranscriptionFailures uint64 `json:"transcriptionFailures"`
	TranslationFailures   uint64 `json:"translationFailures"`
	SynthesisFailures     uint64 `json:"synthesisFailures"`
	LastSequence          uint64 `json:"lastSequence"`
	QueuedWindows         int    `json:"queuedWindows"`
	Halted                bool   `json:"halted"`
}

func (rt *sessionRuntime) snapshot() SessionStats {
	return SessionStats{
		SessionID:             rt.sessionID,
		Windows:               rt.stats.windows.Load(),
		DroppedWindows:        rt.stats.droppedWindows.Load(),
		Utterances:            rt.stats.utterances.Load(),
		Discarded:             rt.stats.discarded.Load(),
		TranscriptionFailures: rt.stats.transcriptionFailures.Load(),
		TranslationFailures:   rt.stats.translationFailures.Load(),
		SynthesisFailures:     rt.stats.synthesisFailures.Load(),
		LastSequence:          rt.stats.lastSequence.Load(),
		QueuedWindows:         rt.queuedWindowCount(),
		Halted:                rt.halted.Load(),
	}
}
