package sessions

import (
	"context"
	"time"
)

type SweepReport struct {
	TimedOut []string
	Evicted  []string
}

// Run sweeps the registry every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := r.Sweep()
			if len(report.TimedOut) > 0 || len(report.Evicted) > 0 {
				r.logger.Debug("session sweep", "timed_out", len(report.TimedOut), "evicted", len(report.Evicted))
			}
		}
	}
}

// Sweep ends sessions whose speaker went silent for longer than
// SpeakerTimeout and evicts ended sessions older than EndedRetention.
func (r *Registry) Sweep() SweepReport {
	now := r.now()
	report := SweepReport{}

	if r.config.SpeakerTimeout > 0 {
		for _, id := range r.collect(func(s *session) bool {
			return s.state != StateEnded && now.Sub(s.lastSpeakerActivity) >= r.config.SpeakerTimeout
		}) {
			if err := r.EndSession(id, EndReasonSpeakerTimeout); err == nil {
				report.TimedOut = append(report.TimedOut, id)
			}
		}
	}

	r.mu.Lock()
	for slot, s := range r.slots {
		if s == nil {
			continue
		}
		s.mu.RLock()
		expired := s.state == StateEnded && now.Sub(s.endedAt) >= r.config.EndedRetention
		s.mu.RUnlock()
		if !expired {
			continue
		}
		delete(r.index, s.id)
		r.slots[slot] = nil
		r.free = append(r.free, slot)
		report.Evicted = append(report.Evicted, s.id)
	}
	r.mu.Unlock()

	if len(report.Evicted) > 0 {
		r.hooksMu.RLock()
		hooks := r.onEvicted
		r.hooksMu.RUnlock()
		for _, id := range report.Evicted {
			for _, hook := range hooks {
				hook(id)
			}
		}
	}
	return report
}

func (r *Registry) collect(match func(s *session) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []string{}
	for _, s := range r.slots {
		if s == nil {
			continue
		}
		s.mu.RLock()
		if match(s) {
			ids = append(ids, s.id)
		}
		s.mu.RUnlock()
	}
	return ids
}
