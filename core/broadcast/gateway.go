package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koscakluka/ema-broadcast/core/events"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"github.com/koscakluka/ema-broadcast/core/utterances"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultQueueCapacity     = 32
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultDetachAfter       = time.Minute
	DefaultSendTimeout       = 5 * time.Second
	DefaultDegradedQuality   = 0.5

	dropPenalty = 0.8
	sendReward  = 0.05
)

var (
	ErrNotAttached     = errors.New("connection not attached")
	ErrAlreadyAttached = errors.New("connection already attached")
)

// Connection is the outbound side of a client connection. Send may be slow,
// the gateway never calls it from a delivering goroutine.
type Connection interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Registry is the part of the session registry the gateway needs.
type Registry interface {
	ForEachDeliverable(id string, epoch uint64, fn func(sessions.ListenerState)) error
	LeaveSession(id, listenerID string) error
	RecordHeartbeat(id, listenerID string) error
	SetListenerHealth(id, listenerID string, quality float64, degraded bool) error
	Stats(id string) (sessions.SessionStats, error)
}

type Config struct {
	// QueueCapacity bounds the number of pending messages per connection.
	QueueCapacity     int
	HeartbeatInterval time.Duration
	// MissedHeartbeats marks a listener degraded after this many heartbeat
	// intervals without a heartbeat. Successful sends only postpone
	// DetachAfter.
	MissedHeartbeats int
	// DetachAfter removes a silent listener from its session.
	DetachAfter     time.Duration
	SendTimeout     time.Duration
	DegradedQuality float64
}

type GatewayOption func(*Gateway)

func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// DeliveryResult counts what happened to one utterance per listener.
type DeliveryResult struct {
	// Queued listeners had the utterance put on their send queue.
	Queued int
	// Dropped listeners had a full queue.
	Dropped int
	// Skipped listeners had no rendition in their language or no attached
	// connection.
	Skipped int
}

// Gateway pushes events to connected speakers and listeners. Delivery only
// enqueues, so a slow listener never delays the others.
type Gateway struct {
	registry Registry
	config   Config
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners map[string]*peer
	bySession map[string]map[string]*peer
	speakers  map[string]*peer
}

func NewGateway(registry Registry, config Config, opts ...GatewayOption) *Gateway {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.MissedHeartbeats <= 0 {
		config.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if config.DetachAfter <= 0 {
		config.DetachAfter = DefaultDetachAfter
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if config.DegradedQuality <= 0 {
		config.DegradedQuality = DefaultDegradedQuality
	}

	g := &Gateway{
		registry:  registry,
		config:    config,
		logger:    logger,
		listeners: make(map[string]*peer),
		bySession: make(map[string]map[string]*peer),
		speakers:  make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attach registers a listener's connection. The listener must already be a
// member of the session.
func (g *Gateway) Attach(sessionID, listenerID string, conn Connection) error {
	p := newPeer(g, sessionID, listenerID, conn)

	g.mu.Lock()
	if _, ok := g.listeners[listenerID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("listener %s: %w", listenerID, ErrAlreadyAttached)
	}
	g.listeners[listenerID] = p
	if g.bySession[sessionID] == nil {
		g.bySession[sessionID] = make(map[string]*peer)
	}
	g.bySession[sessionID][listenerID] = p
	g.mu.Unlock()

	p.start()
	p.armLiveness()
	g.logger.Debug("listener attached", "session_id", sessionID, "listener_id", listenerID)
	return nil
}

// Detach stops delivering to a listener. Messages already queued are still
// sent.
func (g *Gateway) Detach(listenerID string) {
	g.mu.Lock()
	p, ok := g.listeners[listenerID]
	if ok {
		delete(g.listeners, listenerID)
		if session := g.bySession[p.sessionID]; session != nil {
			delete(session, listenerID)
			if len(session) == 0 {
				delete(g.bySession, p.sessionID)
			}
		}
	}
	g.mu.Unlock()

	if ok {
		p.stop()
		g.logger.Debug("listener detached", "session_id", p.sessionID, "listener_id", listenerID)
	}
}

func (g *Gateway) AttachSpeaker(sessionID string, conn Connection) error {
	p := newPeer(g, sessionID, "", conn)

	g.mu.Lock()
	if _, ok := g.speakers[sessionID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("speaker of %s: %w", sessionID, ErrAlreadyAttached)
	}
	g.speakers[sessionID] = p
	g.mu.Unlock()

	p.start()
	return nil
}

func (g *Gateway) DetachSpeaker(sessionID string) {
	g.mu.Lock()
	p, ok := g.speakers[sessionID]
	delete(g.speakers, sessionID)
	g.mu.Unlock()

	if ok {
		p.stop()
	}
}

// Heartbeat records that a listener is alive and clears a degraded state
// caused by missed heartbeats.
func (g *Gateway) Heartbeat(sessionID, listenerID string) error {
	if err := g.registry.RecordHeartbeat(sessionID, listenerID); err != nil {
		return err
	}

	g.mu.RLock()
	p, ok := g.listeners[listenerID]
	g.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}
	p.alive()
	return nil
}

// Deliver enqueues the utterance for every listener that was a member at
// epoch and has a rendition in its language. It fails with
// sessions.ErrSessionEnded once the session ended, and nothing is enqueued in
// that case.
func (g *Gateway) Deliver(ctx context.Context, utterance utterances.Utterance, epoch uint64) (DeliveryResult, error) {
	_, span := tracer.Start(ctx, "deliver utterance",
		trace.WithAttributes(
			attribute.String("session_id", utterance.SessionID),
			attribute.Int64("sequence", int64(utterance.Sequence)),
		))
	defer span.End()

	encoded := make(map[string][]byte, len(utterance.PerLanguage))
	var encodeErr error
	result := DeliveryResult{}
	dropped := []*peer{}

	err := g.registry.ForEachDeliverable(utterance.SessionID, epoch, func(listener sessions.ListenerState) {
		rendition, ok := utterance.PerLanguage[listener.TargetLanguage]
		if !ok {
			result.Skipped++
			return
		}

		g.mu.RLock()
		p, attached := g.listeners[listener.ID]
		g.mu.RUnlock()
		if !attached {
			result.Skipped++
			return
		}

		data, ok := encoded[listener.TargetLanguage]
		if !ok {
			var err error
			data, err = events.Encode(translationBroadcast(utterance, listener.TargetLanguage, rendition), "")
			if err != nil {
				encodeErr = errors.Join(encodeErr, err)
				result.Skipped++
				return
			}
			encoded[listener.TargetLanguage] = data
		}

		if p.enqueue(data) {
			result.Queued++
		} else {
			result.Dropped++
			dropped = append(dropped, p)
		}
	})
	if err != nil {
		span.RecordError(err)
		return DeliveryResult{}, err
	}

	for _, p := range dropped {
		p.recordDrop()
	}

	span.SetAttributes(
		attribute.Int("queued", result.Queued),
		attribute.Int("dropped", result.Dropped),
		attribute.Int("skipped", result.Skipped),
	)
	if encodeErr != nil {
		g.logger.Error("failed to encode broadcast", "session_id", utterance.SessionID, "error", encodeErr)
	}
	return result, nil
}

// PublishStatus tells the speaker and every attached listener of the session
// about a state change. Listeners of an ended session are detached afterwards.
func (g *Gateway) PublishStatus(snapshot sessions.Snapshot) {
	reason := ""
	if snapshot.State == sessions.StateEnded {
		reason = string(snapshot.EndReason)
	}
	data, err := events.Encode(events.NewSessionStatusChanged(snapshot.ID, string(snapshot.State), reason), "")
	if err != nil {
		g.logger.Error("failed to encode status change", "session_id", snapshot.ID, "error", err)
		return
	}

	g.mu.RLock()
	peers := make([]*peer, 0, len(g.bySession[snapshot.ID])+1)
	for _, p := range g.bySession[snapshot.ID] {
		peers = append(peers, p)
	}
	if speaker, ok := g.speakers[snapshot.ID]; ok {
		peers = append(peers, speaker)
	}
	g.mu.RUnlock()

	for _, p := range peers {
		p.enqueue(data)
	}

	if snapshot.State == sessions.StateEnded {
		for _, p := range peers {
			if p.listenerID != "" {
				g.Detach(p.listenerID)
			}
		}
		g.DetachSpeaker(snapshot.ID)
	}
}

// PublishStats sends the aggregate audience view to the session's speaker.
func (g *Gateway) PublishStats(sessionID string) {
	g.mu.RLock()
	speaker, ok := g.speakers[sessionID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	stats, err := g.registry.Stats(sessionID)
	if err != nil {
		return
	}
	data, err := events.Encode(events.NewSessionListenerStats(
		sessionID,
		stats.Listeners,
		stats.ListenersByLanguage,
		stats.DegradedListeners,
		stats.MeanQuality,
	), "")
	if err != nil {
		g.logger.Error("failed to encode listener stats", "session_id", sessionID, "error", err)
		return
	}
	speaker.enqueue(data)
}

// Attached reports how many listener connections a session has.
func (g *Gateway) Attached(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bySession[sessionID])
}

// Close detaches every connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	peers := make([]*peer, 0, len(g.listeners)+len(g.speakers))
	for _, p := range g.listeners {
		peers = append(peers, p)
	}
	for _, p := range g.speakers {
		peers = append(peers, p)
	}
	g.listeners = make(map[string]*peer)
	g.bySession = make(map[string]map[string]*peer)
	g.speakers = make(map[string]*peer)
	g.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
}

// autoDetach removes a listener that stopped responding and closes its
// connection. The session itself continues.
func (g *Gateway) autoDetach(p *peer) {
	g.logger.Info("detaching silent listener", "session_id", p.sessionID, "listener_id", p.listenerID)
	g.Detach(p.listenerID)
	if err := g.registry.LeaveSession(p.sessionID, p.listenerID); err != nil && !sessions.IsTerminal(err) {
		g.logger.Warn("failed to remove silent listener", "session_id", p.sessionID, "listener_id", p.listenerID, "error", err)
	}
	_ = p.conn.Close()
}

func (g *Gateway) reportHealth(p *peer, quality float64, degraded bool) {
	if p.listenerID == "" {
		return
	}
	if err := g.registry.SetListenerHealth(p.sessionID, p.listenerID, quality, degraded); err != nil && !errors.Is(err, sessions.ErrListenerNotFound) && !sessions.IsTerminal(err) {
		g.logger.Warn("failed to report listener health", "session_id", p.sessionID, "listener_id", p.listenerID, "error", err)
	}
}

func translationBroadcast(u utterances.Utterance, language string, rendition utterances.Rendition) events.TranslationBroadcast {
	var audio *events.BroadcastAudio
	if rendition.Audio != nil {
		audio = &events.BroadcastAudio{
			Ref:      rendition.Audio.Ref,
			Encoding: rendition.Audio.Encoding,
			Data:     rendition.Audio.Data,
		}
	}
	return events.NewTranslationBroadcast(
		u.SessionID,
		u.ID,
		u.Sequence,
		u.SourceLanguage,
		u.SourceText,
		language,
		rendition.TranslatedText,
		audio,
		u.CreatedAt,
	)
}
