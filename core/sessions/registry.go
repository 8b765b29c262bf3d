package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultMaxSessions            = 1024
	DefaultMaxListenersPerSession = 500
	DefaultEndedRetention         = 5 * time.Minute
	DefaultSpeakerTimeout         = 10 * time.Minute
	DefaultSweepInterval          = 30 * time.Second

	maxIDAttempts = 32
)

type Config struct {
	MaxSessions            int
	MaxListenersPerSession int
	// EndedRetention is how long an ended session stays queryable before the
	// sweep evicts it.
	EndedRetention time.Duration
	// SpeakerTimeout ends sessions whose speaker sent nothing for this long.
	// Zero disables the timeout.
	SpeakerTimeout time.Duration
	SweepInterval  time.Duration
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithIDGenerator(generate func() string) RegistryOption {
	return func(r *Registry) {
		if generate != nil {
			r.newID = generate
		}
	}
}

// WithPasswordCost sets the bcrypt cost used for session passwords.
func WithPasswordCost(cost int) RegistryOption {
	return func(r *Registry) { r.passwordCost = cost }
}

type CreateOption func(*createOptions)

type createOptions struct {
	password string
}

func WithPassword(password string) CreateOption {
	return func(o *createOptions) { o.password = password }
}

type JoinOption func(*joinOptions)

type joinOptions struct {
	connectionRef string
}

func WithConnectionRef(ref string) JoinOption {
	return func(o *joinOptions) { o.connectionRef = ref }
}

// Registry is the authoritative store of sessions and their listeners.
//
// Sessions live in a fixed-capacity arena of slots addressed through an id
// index. Freed slots are recycled through a free list. The registry lock
// guards the arena and the index, each session has its own lock for its state
// and listeners. When both are needed the registry lock is taken first.
type Registry struct {
	config       Config
	now          func() time.Time
	newID        func() string
	passwordCost int
	logger       *slog.Logger

	mu    sync.RWMutex
	slots []*session
	free  []int
	index map[string]int

	hooksMu             sync.RWMutex
	onCreated           []func(Snapshot)
	onEnded             []func(Snapshot)
	onStateChanged      []func(Snapshot)
	onMembershipChanged []func(sessionID string)
	onEvicted           []func(sessionID string)
}

func NewRegistry(config Config, opts ...RegistryOption) *Registry {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.MaxListenersPerSession <= 0 {
		config.MaxListenersPerSession = DefaultMaxListenersPerSession
	}
	if config.EndedRetention <= 0 {
		config.EndedRetention = DefaultEndedRetention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		config:       config,
		now:          time.Now,
		newID:        newSessionID,
		passwordCost: bcrypt.DefaultCost,
		logger:       logger,
		slots:        make([]*session, 0, config.MaxSessions),
		index:        make(map[string]int, config.MaxSessions),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) OnCreated(hook func(Snapshot)) {
	r.hooksMu.Lock()
	r.onCreated = append(r.onCreated, hook)
	r.hooksMu.Unlock()
}

// OnEnded registers a hook called once for every session that ends, after the
// session is marked Ended.
func (r *Registry) OnEnded(hook func(Snapshot)) {
	r.hooksMu.Lock()
	r.onEnded = append(r.onEnded, hook)
	r.hooksMu.Unlock()
}

// OnStateChanged registers a hook called on every state transition, including
// the transition to Ended.
func (r *Registry) OnStateChanged(hook func(Snapshot)) {
	r.hooksMu.Lock()
	r.onStateChanged = append(r.onStateChanged, hook)
	r.hooksMu.Unlock()
}

// OnMembershipChanged registers a hook called after listeners join, leave,
// change language or change health.
func (r *Registry) OnMembershipChanged(hook func(sessionID string)) {
	r.hooksMu.Lock()
	r.onMembershipChanged = append(r.onMembershipChanged, hook)
	r.hooksMu.Unlock()
}

// OnEvicted registers a hook called when an ended session is removed from the
// registry.
func (r *Registry) OnEvicted(hook func(sessionID string)) {
	r.hooksMu.Lock()
	r.onEvicted = append(r.onEvicted, hook)
	r.hooksMu.Unlock()
}

func (r *Registry) CreateSession(speakerID, sourceLanguage string, opts ...CreateOption) (*Snapshot, error) {
	sourceLanguage = NormalizeLanguage(sourceLanguage)
	if sourceLanguage == "" {
		return nil, fmt.Errorf("source language: %w", ErrInvalidLanguage)
	}

	options := createOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var passwordHash []byte
	if options.password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(options.password), r.passwordCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash session password: %w", err)
		}
		passwordHash = hash
	}

	now := r.now()
	s := &session{
		speakerID:           speakerID,
		sourceLanguage:      sourceLanguage,
		passwordHash:        passwordHash,
		state:               StateCreated,
		createdAt:           now,
		listeners:           make(map[string]*ListenerState),
		languages:           make(languageSet),
		lastSpeakerActivity: now,
	}

	r.mu.Lock()
	if len(r.free) == 0 && len(r.slots) >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("session limit %d reached: %w", r.config.MaxSessions, ErrCapacity)
	}

	id := ""
	for range maxIDAttempts {
		candidate := NormalizeSessionID(r.newID())
		if _, taken := r.index[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("no free session id after %d attempts: %w", maxIDAttempts, ErrCapacity)
	}
	s.id = id

	slot := len(r.slots)
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[slot] = s
	} else {
		r.slots = append(r.slots, s)
	}
	r.index[id] = slot
	snapshot := s.snapshot()
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", id, "source_language", sourceLanguage, "protected", len(passwordHash) > 0)

	r.hooksMu.RLock()
	hooks := r.onCreated
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(snapshot)
	}
	return &snapshot, nil
}

func (r *Registry) Session(id string) (Snapshot, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(), nil
}

// StartSession moves a Created session to Live. Starting a Live session is a
// no-op.
func (r *Registry) StartSession(id string) error {
	return r.transition(id, func(s *session) (bool, error) {
		switch s.state {
		case StateCreated:
			s.state = StateLive
			s.startedAt = r.now()
			return true, nil
		case StateLive:
			return false, nil
		}
		return false, fmt.Errorf("start from %s: %w", s.state, ErrInvalidTransition)
	})
}

func (r *Registry) PauseSession(id string) error {
	return r.transition(id, func(s *session) (bool, error) {
		switch s.state {
		case StateLive:
			s.state = StatePaused
			return true, nil
		case StatePaused:
			return false, nil
		}
		return false, fmt.Errorf("pause from %s: %w", s.state, ErrInvalidTransition)
	})
}

func (r *Registry) ResumeSession(id string) error {
	return r.transition(id, func(s *session) (bool, error) {
		switch s.state {
		case StatePaused:
			s.state = StateLive
			return true, nil
		case StateLive:
			return false, nil
		}
		return false, fmt.Errorf("resume from %s: %w", s.state, ErrInvalidTransition)
	})
}

func (r *Registry) transition(id string, apply func(s *session) (bool, error)) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	from := s.state
	changed, err := apply(s)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	r.logger.Info("session state changed", "session_id", id, "from", from, "to", snapshot.State)
	r.fireStateChanged(snapshot)
	return nil
}

// EndSession moves the session to Ended. Ending an ended session is a no-op.
func (r *Registry) EndSession(id string, reason EndReason) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnded
	s.endedAt = r.now()
	s.endReason = reason
	snapshot := s.snapshot()
	s.mu.Unlock()

	r.logger.Info("session ended", "session_id", id, "reason", reason, "listeners", snapshot.Listeners)
	r.fireStateChanged(snapshot)
	r.hooksMu.RLock()
	hooks := r.onEnded
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(snapshot)
	}
	return nil
}

// JoinSession adds a listener and returns its id. The session's language set
// includes targetLanguage by the time JoinSession returns.
func (r *Registry) JoinSession(id, password, targetLanguage string, opts ...JoinOption) (string, error) {
	targetLanguage = NormalizeLanguage(targetLanguage)
	if targetLanguage == "" {
		return "", fmt.Errorf("target language: %w", ErrInvalidLanguage)
	}

	options := joinOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	s, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return "", ErrSessionEnded
	}
	if len(s.passwordHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
			s.mu.Unlock()
			return "", ErrBadPassword
		}
	}
	if len(s.listeners) >= r.config.MaxListenersPerSession {
		s.mu.Unlock()
		return "", fmt.Errorf("listener limit %d reached: %w", r.config.MaxListenersPerSession, ErrCapacity)
	}

	now := r.now()
	s.epoch++
	listener := &ListenerState{
		ID:              uuid.NewString(),
		TargetLanguage:  targetLanguage,
		JoinedAt:        now,
		ConnectionRef:   options.connectionRef,
		LastHeartbeatAt: now,
		QualityScore:    1,
		joinEpoch:       s.epoch,
	}
	s.listeners[listener.ID] = listener
	s.languages.add(targetLanguage)
	s.mu.Unlock()

	r.logger.Debug("listener joined", "session_id", id, "listener_id", listener.ID, "language", targetLanguage)
	r.fireMembershipChanged(s.id)
	return listener.ID, nil
}

// LeaveSession removes a listener. Removing an unknown listener is a no-op.
func (r *Registry) LeaveSession(id, listenerID string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	listener, ok := s.listeners[listenerID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.listeners, listenerID)
	s.languages.remove(listener.TargetLanguage)
	s.mu.Unlock()

	r.logger.Debug("listener left", "session_id", id, "listener_id", listenerID)
	r.fireMembershipChanged(s.id)
	return nil
}

// ChangeLanguage is a leave followed by a join under one lock. The listener
// keeps its id and connection but gets a new join epoch, so utterances flushed
// before the change are not delivered to it.
func (r *Registry) ChangeLanguage(id, listenerID, targetLanguage string) error {
	targetLanguage = NormalizeLanguage(targetLanguage)
	if targetLanguage == "" {
		return fmt.Errorf("target language: %w", ErrInvalidLanguage)
	}

	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	current, ok := s.listeners[listenerID]
	if !ok {
		s.mu.Unlock()
		return ErrListenerNotFound
	}
	if current.TargetLanguage == targetLanguage {
		s.mu.Unlock()
		return nil
	}

	s.languages.remove(current.TargetLanguage)
	s.epoch++
	now := r.now()
	s.listeners[listenerID] = &ListenerState{
		ID:              listenerID,
		TargetLanguage:  targetLanguage,
		JoinedAt:        now,
		ConnectionRef:   current.ConnectionRef,
		LastHeartbeatAt: now,
		QualityScore:    current.QualityScore,
		Degraded:        current.Degraded,
		joinEpoch:       s.epoch,
	}
	s.languages.add(targetLanguage)
	s.mu.Unlock()

	r.logger.Debug("listener changed language", "session_id", id, "listener_id", listenerID, "language", targetLanguage)
	r.fireMembershipChanged(s.id)
	return nil
}

func (r *Registry) Listener(id, listenerID string) (ListenerState, error) {
	s, err := r.lookup(id)
	if err != nil {
		return ListenerState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	listener, ok := s.listeners[listenerID]
	if !ok {
		return ListenerState{}, ErrListenerNotFound
	}
	return *listener, nil
}

// NextSequence reserves the next sequence number of the session. Sequences
// start at 1.
func (r *Registry) NextSequence(id string) (uint64, error) {
	s, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return 0, ErrSessionEnded
	}
	s.lastSequence++
	return s.lastSequence, nil
}

// Audience captures the session's current target languages and membership
// epoch.
func (r *Registry) Audience(id string) (Audience, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Audience{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateEnded {
		return Audience{}, ErrSessionEnded
	}
	return Audience{Languages: s.languages.list(), Epoch: s.epoch}, nil
}

// ForEachDeliverable calls fn for every listener that was a member at epoch.
// It holds the session's read lock for the whole iteration, so a concurrent
// EndSession either completes before (and nothing is visited) or waits until
// the iteration is done. fn must not call back into the registry.
func (r *Registry) ForEachDeliverable(id string, epoch uint64, fn func(ListenerState)) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	for _, listener := range s.listeners {
		if listener.joinEpoch > epoch {
			continue
		}
		fn(*listener)
	}
	return nil
}

// TouchSpeaker records speaker activity, which keeps the session from timing
// out.
func (r *Registry) TouchSpeaker(id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return ErrSessionEnded
	}
	s.lastSpeakerActivity = r.now()
	return nil
}

func (r *Registry) RecordHeartbeat(id, listenerID string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	listener, ok := s.listeners[listenerID]
	if !ok {
		s.mu.Unlock()
		return ErrListenerNotFound
	}
	listener.LastHeartbeatAt = r.now()
	s.mu.Unlock()
	return nil
}

// SetListenerHealth updates a listener's delivery quality. Membership hooks
// fire only when the degraded flag flips.
func (r *Registry) SetListenerHealth(id, listenerID string, quality float64, degraded bool) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	quality = min(max(quality, 0), 1)

	s.mu.Lock()
	listener, ok := s.listeners[listenerID]
	if !ok {
		s.mu.Unlock()
		return ErrListenerNotFound
	}
	flipped := listener.Degraded != degraded
	listener.QualityScore = quality
	listener.Degraded = degraded
	s.mu.Unlock()

	if flipped {
		r.logger.Debug("listener health changed", "session_id", id, "listener_id", listenerID, "degraded", degraded)
		r.fireMembershipChanged(s.id)
	}
	return nil
}

// MarkDegraded flags a session whose pipeline can no longer be trusted. The
// session stays in its current state.
func (r *Registry) MarkDegraded(id, reason string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.degraded = true
	s.degradedReason = reason
	s.mu.Unlock()

	r.logger.Warn("session degraded", "session_id", id, "reason", reason)
	return nil
}

func (r *Registry) Stats(id string) (SessionStats, error) {
	s, err := r.lookup(id)
	if err != nil {
		return SessionStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats(), nil
}

// Counts reports the number of non-ended sessions and their listeners.
func (r *Registry) Counts() (sessions int, listeners int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.slots {
		if s == nil {
			continue
		}
		s.mu.RLock()
		if s.state != StateEnded {
			sessions++
			listeners += len(s.listeners)
		}
		s.mu.RUnlock()
	}
	return sessions, listeners
}

// LiveSessions lists the ids of sessions that have not ended.
func (r *Registry) LiveSessions() []string {
	return r.collect(func(s *session) bool { return s.state != StateEnded })
}

func (r *Registry) lookup(id string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.index[NormalizeSessionID(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.slots[slot], nil
}

func (r *Registry) fireStateChanged(snapshot Snapshot) {
	r.hooksMu.RLock()
	hooks := r.onStateChanged
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(snapshot)
	}
}

func (r *Registry) fireMembershipChanged(id string) {
	r.hooksMu.RLock()
	hooks := r.onMembershipChanged
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(id)
	}
}

// IsTerminal reports whether err means the session will never accept work
// again.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrNotFound)
}
