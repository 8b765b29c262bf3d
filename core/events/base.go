package events

import (
	"strings"
	"time"
)

// Kind is the envelope type of a message, e.g. "session.join".
type Kind string

// Namespace is the part of the kind before the first dot. Namespace free
// kinds like heartbeat return an empty string.
func (k Kind) Namespace() string {
	namespace, _, found := strings.Cut(string(k), ".")
	if !found {
		return ""
	}
	return namespace
}

// Event is a server message. Its exported fields form the envelope payload.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// Base carries the envelope metadata of an event. It is not part of the
// payload.
type Base struct {
	kind      Kind
	createdAt time.Time
}

func newBase(kind Kind) Base {
	return Base{kind: kind, createdAt: time.Now()}
}

func (b Base) Kind() Kind           { return b.kind }
func (b Base) Timestamp() time.Time { return b.createdAt }
