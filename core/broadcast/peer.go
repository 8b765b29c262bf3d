package broadcast

import (
	"context"
	"sync"
	"time"
)

// peer is one attached connection with its own send queue and writer
// goroutine. Speakers are peers without a listener id and without liveness
// timers.
type peer struct {
	gateway    *Gateway
	sessionID  string
	listenerID string
	conn       Connection

	queue chan []byte
	done  chan struct{}

	mu      sync.RWMutex
	stopped bool

	healthMu      sync.Mutex
	quality       float64
	missed        bool
	degradedTimer *time.Timer
	detachTimer   *time.Timer
}

func newPeer(g *Gateway, sessionID, listenerID string, conn Connection) *peer {
	return &peer{
		gateway:    g,
		sessionID:  sessionID,
		listenerID: listenerID,
		conn:       conn,
		queue:      make(chan []byte, g.config.QueueCapacity),
		done:       make(chan struct{}),
		quality:    1,
	}
}

func (p *peer) start() {
	go p.writeLoop()
}

func (p *peer) writeLoop() {
	defer close(p.done)
	for data := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.gateway.config.SendTimeout)
		err := p.conn.Send(ctx, data)
		cancel()
		if err != nil {
			p.gateway.logger.Debug("failed to send to peer", "session_id", p.sessionID, "listener_id", p.listenerID, "error", err)
			p.recordDrop()
			continue
		}
		p.recordSend()
	}
}

// enqueue never blocks. It reports false when the queue is full or the peer
// was stopped.
func (p *peer) enqueue(data []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- data:
		return true
	default:
		return false
	}
}

func (p *peer) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.healthMu.Lock()
	if p.degradedTimer != nil {
		p.degradedTimer.Stop()
	}
	if p.detachTimer != nil {
		p.detachTimer.Stop()
	}
	p.healthMu.Unlock()
}

func (p *peer) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

func (p *peer) armLiveness() {
	config := p.gateway.config
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	p.degradedTimer = time.AfterFunc(time.Duration(config.MissedHeartbeats)*config.HeartbeatInterval, p.heartbeatMissed)
	p.detachTimer = time.AfterFunc(config.DetachAfter, func() {
		if !p.isStopped() {
			p.gateway.autoDetach(p)
		}
	})
}

// alive restarts the liveness timers.
func (p *peer) alive() {
	if p.listenerID == "" || p.isStopped() {
		return
	}
	config := p.gateway.config

	p.healthMu.Lock()
	if p.degradedTimer != nil {
		p.degradedTimer.Reset(time.Duration(config.MissedHeartbeats) * config.HeartbeatInterval)
	}
	if p.detachTimer != nil {
		p.detachTimer.Reset(config.DetachAfter)
	}
	recovered := p.missed
	p.missed = false
	quality, degraded := p.quality, p.degradedLocked()
	p.healthMu.Unlock()

	if recovered {
		p.gateway.reportHealth(p, quality, degraded)
	}
}

func (p *peer) heartbeatMissed() {
	if p.isStopped() {
		return
	}
	p.healthMu.Lock()
	p.missed = true
	quality := p.quality
	p.healthMu.Unlock()

	p.gateway.logger.Debug("listener missed heartbeats", "session_id", p.sessionID, "listener_id", p.listenerID)
	p.gateway.reportHealth(p, quality, true)
}

func (p *peer) recordDrop() {
	p.healthMu.Lock()
	p.quality *= dropPenalty
	quality, degraded := p.quality, p.degradedLocked()
	p.healthMu.Unlock()

	p.gateway.reportHealth(p, quality, degraded)
}

func (p *peer) recordSend() {
	p.healthMu.Lock()
	improved := p.quality < 1
	p.quality = min(1, p.quality+sendReward)
	quality, degraded := p.quality, p.degradedLocked()
	p.healthMu.Unlock()

	if improved {
		p.gateway.reportHealth(p, quality, degraded)
	}
	p.reachable()
}

// reachable restarts only the detach timer. A working socket keeps the
// listener attached but does not stand in for a heartbeat.
func (p *peer) reachable() {
	if p.listenerID == "" || p.isStopped() {
		return
	}
	p.healthMu.Lock()
	if p.detachTimer != nil {
		p.detachTimer.Reset(p.gateway.config.DetachAfter)
	}
	p.healthMu.Unlock()
}

func (p *peer) degradedLocked() bool {
	return p.missed || p.quality < p.gateway.config.DegradedQuality
}
