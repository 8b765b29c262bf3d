package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-broadcast/core/broadcast"
	"github.com/koscakluka/ema-broadcast/core/events"
	"github.com/koscakluka/ema-broadcast/core/sessions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 5 * time.Second
)

var (
	errNotSpeaker = errors.New("only the session's speaker may do this")
	errHasRole    = errors.New("connection already speaks or listens")
	errNoRole     = errors.New("connection neither speaks nor listens")
)

type Registry interface {
	CreateSession(speakerID, sourceLanguage string, opts ...sessions.CreateOption) (*sessions.Snapshot, error)
	Session(id string) (sessions.Snapshot, error)
	JoinSession(id, password, targetLanguage string, opts ...sessions.JoinOption) (string, error)
	LeaveSession(id, listenerID string) error
	ChangeLanguage(id, listenerID, targetLanguage string) error
	TouchSpeaker(id string) error
}

// Pipeline is the speaker side of the orchestrator.
type Pipeline interface {
	HandleAudio(sessionID string, chunk []byte) error
	StartSession(sessionID string) error
	PauseSession(sessionID string) error
	ResumeSession(sessionID string) error
	EndSession(sessionID string, reason sessions.EndReason) error
}

type Gateway interface {
	Attach(sessionID, listenerID string, conn broadcast.Connection) error
	Detach(listenerID string)
	AttachSpeaker(sessionID string, conn broadcast.Connection) error
	DetachSpeaker(sessionID string)
	Heartbeat(sessionID, listenerID string) error
}

type Config struct {
	// ReadLimit bounds the size of one incoming frame.
	ReadLimit    int64
	WriteTimeout time.Duration
}

type ServerOption func(*Server)

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCheckOrigin replaces the upgrader's same-origin check.
func WithCheckOrigin(check func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// Server speaks the JSON envelope protocol over websockets. Speakers and
// listeners share the endpoint, the first command decides the role.
type Server struct {
	registry Registry
	pipeline Pipeline
	gateway  Gateway
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(registry Registry, pipeline Pipeline, gateway Gateway, config Config, opts ...ServerOption) *Server {
	if config.ReadLimit <= 0 {
		config.ReadLimit = DefaultReadLimit
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	s := &Server{
		registry: registry,
		pipeline: pipeline,
		gateway:  gateway,
		config:   config,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, writeTimeout: s.config.WriteTimeout}
	conn.SetReadLimit(s.config.ReadLimit)
	s.logger.Debug("client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	defer s.disconnect(c)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("client read failed", "client_id", c.id, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.handleBinaryAudio(c, data)
		case websocket.TextMessage:
			s.handleEnvelope(r.Context(), c, data)
		}
	}
}

// handleBinaryAudio treats binary frames as raw audio of the speaker's
// session.
func (s *Server) handleBinaryAudio(c *client, data []byte) {
	if c.role != roleSpeaker {
		s.replyError(c, "", errNotSpeaker)
		return
	}
	if err := s.pipeline.HandleAudio(c.sessionID, data); err != nil {
		s.replyError(c, "", err)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, c *client, data []byte) {
	envelope, err := events.Decode(data)
	if err != nil {
		s.replyError(c, "", err)
		return
	}

	_, span := tracer.Start(ctx, "handle command", trace.WithAttributes(
		attribute.String("command", string(envelope.Type)),
		attribute.String("namespace", envelope.Type.Namespace()),
		attribute.String("client_id", c.id),
	))
	defer span.End()

	if err := s.dispatch(c, envelope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.replyError(c, envelope.RequestID, err)
	}
}

func (s *Server) dispatch(c *client, envelope events.Envelope) error {
	switch envelope.Type {
	case events.KindSessionCreate:
		payload, err := events.DecodePayload[events.CreateSession](envelope)
		if err != nil {
			return err
		}
		return s.createSession(c, envelope.RequestID, payload)

	case events.KindSessionStart, events.KindSessionPause, events.KindSessionResume, events.KindSessionEnd:
		payload, err := events.DecodePayload[events.SessionCommand](envelope)
		if err != nil {
			return err
		}
		return s.controlSession(c, envelope.Type, payload.SessionID)

	case events.KindSessionAudioChunk:
		payload, err := events.DecodePayload[events.AudioChunk](envelope)
		if err != nil {
			return err
		}
		if err := s.ownSession(c, payload.SessionID); err != nil {
			return err
		}
		return s.pipeline.HandleAudio(c.sessionID, payload.Audio)

	case events.KindSessionJoin:
		payload, err := events.DecodePayload[events.JoinSession](envelope)
		if err != nil {
			return err
		}
		return s.joinSession(c, envelope.RequestID, payload)

	case events.KindSessionLeave:
		if c.role != roleListener {
			return errNoRole
		}
		s.leave(c)
		return nil

	case events.KindSessionChangeLanguage:
		payload, err := events.DecodePayload[events.ChangeLanguage](envelope)
		if err != nil {
			return err
		}
		return s.changeLanguage(c, envelope.RequestID, payload)

	case events.KindHeartbeat:
		return s.heartbeat(c)
	}

	return fmt.Errorf("%w: unknown type %q", events.ErrMalformedEnvelope, envelope.Type)
}

func (s *Server) createSession(c *client, requestID string, payload events.CreateSession) error {
	if c.role != roleNone {
		return errHasRole
	}

	opts := []sessions.CreateOption{}
	if payload.Password != "" {
		opts = append(opts, sessions.WithPassword(payload.Password))
	}
	snapshot, err := s.registry.CreateSession(payload.SpeakerID, payload.SourceLanguage, opts...)
	if err != nil {
		return err
	}

	c.role = roleSpeaker
	c.sessionID = snapshot.ID
	if err := c.reply(events.NewSessionCreated(snapshot.ID, snapshot.SourceLanguage, string(snapshot.State), snapshot.HasPassword, snapshot.CreatedAt), requestID); err != nil {
		return err
	}
	return s.gateway.AttachSpeaker(snapshot.ID, c)
}

func (s *Server) controlSession(c *client, kind events.Kind, sessionID string) error {
	if err := s.ownSession(c, sessionID); err != nil {
		return err
	}

	switch kind {
	case events.KindSessionStart:
		return s.pipeline.StartSession(c.sessionID)
	case events.KindSessionPause:
		return s.pipeline.PauseSession(c.sessionID)
	case events.KindSessionResume:
		return s.pipeline.ResumeSession(c.sessionID)
	default:
		return s.pipeline.EndSession(c.sessionID, sessions.EndReasonSpeaker)
	}
}

// ownSession accepts an empty session id as the connection's own session.
func (s *Server) ownSession(c *client, sessionID string) error {
	if c.role != roleSpeaker || (sessionID != "" && sessions.NormalizeSessionID(sessionID) != c.sessionID) {
		return errNotSpeaker
	}
	return nil
}

func (s *Server) joinSession(c *client, requestID string, payload events.JoinSession) error {
	if c.role != roleNone {
		return errHasRole
	}

	listenerID, err := s.registry.JoinSession(payload.SessionID, payload.Password, payload.TargetLanguage, sessions.WithConnectionRef(c.id))
	if err != nil {
		return err
	}
	snapshot, err := s.registry.Session(payload.SessionID)
	if err != nil {
		_ = s.registry.LeaveSession(payload.SessionID, listenerID)
		return err
	}

	c.role = roleListener
	c.sessionID = snapshot.ID
	c.listenerID = listenerID
	if err := c.reply(events.NewSessionJoined(c.sessionID, listenerID, sessions.NormalizeLanguage(payload.TargetLanguage), string(snapshot.State)), requestID); err != nil {
		s.leave(c)
		return err
	}
	if err := s.gateway.Attach(c.sessionID, listenerID, c); err != nil {
		s.leave(c)
		return err
	}
	return nil
}

func (s *Server) changeLanguage(c *client, requestID string, payload events.ChangeLanguage) error {
	if c.role != roleListener {
		return errNoRole
	}
	if (payload.SessionID != "" && sessions.NormalizeSessionID(payload.SessionID) != c.sessionID) || (payload.ListenerID != "" && payload.ListenerID != c.listenerID) {
		return sessions.ErrListenerNotFound
	}

	if err := s.registry.ChangeLanguage(c.sessionID, c.listenerID, payload.TargetLanguage); err != nil {
		return err
	}
	snapshot, err := s.registry.Session(c.sessionID)
	if err != nil {
		return err
	}
	return c.reply(events.NewSessionJoined(c.sessionID, c.listenerID, sessions.NormalizeLanguage(payload.TargetLanguage), string(snapshot.State)), requestID)
}

func (s *Server) heartbeat(c *client) error {
	switch c.role {
	case roleSpeaker:
		return s.registry.TouchSpeaker(c.sessionID)
	case roleListener:
		return s.gateway.Heartbeat(c.sessionID, c.listenerID)
	}
	return errNoRole
}

func (s *Server) leave(c *client) {
	s.gateway.Detach(c.listenerID)
	if err := s.registry.LeaveSession(c.sessionID, c.listenerID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		s.logger.Warn("failed to leave session", "session_id", c.sessionID, "listener_id", c.listenerID, "error", err)
	}
	c.role = roleNone
	c.sessionID = ""
	c.listenerID = ""
}

// disconnect releases the connection's role. A speaker dropping does not end
// the session, the speaker timeout does.
func (s *Server) disconnect(c *client) {
	switch c.role {
	case roleSpeaker:
		s.gateway.DetachSpeaker(c.sessionID)
	case roleListener:
		s.leave(c)
	}
	_ = c.Close()
	s.logger.Debug("client disconnected", "client_id", c.id)
}

func (s *Server) replyError(c *client, requestID string, err error) {
	code := errorCode(err)
	if sendErr := c.reply(events.NewError(code, err.Error()), requestID); sendErr != nil {
		s.logger.Debug("failed to send error", "client_id", c.id, "error", sendErr)
	}
}

func errorCode(err error) events.ErrorCode {
	if code := sessions.ErrorCode(err); code != "" {
		return events.ErrorCode(code)
	}

	switch {
	case errors.Is(err, events.ErrMalformedEnvelope), errors.Is(err, errHasRole), errors.Is(err, errNoRole):
		return events.ErrorCodeBadRequest
	case errors.Is(err, errNotSpeaker):
		return events.ErrorCodeNotAuthorized
	}
	return events.ErrorCodeUnavailable
}
