package sessions

import "errors"

var (
	ErrNotFound          = errors.New("session not found")
	ErrBadPassword       = errors.New("bad session password")
	ErrSessionEnded      = errors.New("session ended")
	ErrCapacity          = errors.New("capacity exceeded")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrListenerNotFound  = errors.New("listener not found")
	ErrInvalidLanguage   = errors.New("invalid language")
)

// ErrorCode maps registry errors onto the codes reported to clients. Unknown
// errors map to an empty code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrListenerNotFound):
		return "NotFound"
	case errors.Is(err, ErrBadPassword):
		return "BadPassword"
	case errors.Is(err, ErrSessionEnded):
		return "SessionEnded"
	case errors.Is(err, ErrCapacity):
		return "CapacityError"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidState"
	case errors.Is(err, ErrInvalidLanguage):
		return "BadRequest"
	}
	return ""
}
