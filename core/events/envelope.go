package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the frame every message travels in.
type Envelope struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps event into an envelope. requestID echoes the id of the command
// the event answers, if any.
func Encode(event Event, requestID string) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event.Kind(), err)
	}

	envelope := Envelope{
		Type:      event.Kind(),
		RequestID: requestID,
		Timestamp: event.Timestamp(),
		Payload:   payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", event.Kind(), err)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// DecodePayload unmarshals the envelope's payload into T.
func DecodePayload[T any](envelope Envelope) (T, error) {
	var payload T
	if len(envelope.Payload) == 0 {
		return payload, fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s payload: %w", ErrMalformedEnvelope, envelope.Type, err)
	}
	return payload, nil
}
