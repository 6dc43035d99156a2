package api

import "errors"

// Kind classifies an API failure into the conditions the coordinators
// react to. Expected conditions (pending, gated, expired) are values, not
// panics; nothing here should ever crash the process.
type Kind int

const (
	// KindTransient covers network failures and 5xx responses. The caller
	// may retry; optimistic mutations are rolled back and submission
	// latches released.
	KindTransient Kind = iota
	// KindAuthExpired covers 401/403: the local session is torn down
	// (forced logout) rather than retried.
	KindAuthExpired
	// KindRevealGate is a 403 carrying code REVEAL_ACK_REQUIRED: the user
	// must be routed to the reveal acknowledgment step, not to a retry.
	KindRevealGate
	// KindMissingContext means the operation has no session or match to
	// act on; terminal, no retry loop.
	KindMissingContext
)

// Error is a classified API failure.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status, 0 for transport-level failures
	Code    string // server error code when present
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindAuthExpired:
		return "api: session expired"
	case KindRevealGate:
		return "api: reveal acknowledgment required"
	case KindMissingContext:
		return "api: missing context"
	default:
		return "api: request failed"
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match against the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthExpired:
		return e.Kind == KindAuthExpired
	case ErrRevealAckRequired:
		return e.Kind == KindRevealGate
	case ErrMissingContext:
		return e.Kind == KindMissingContext
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// Sentinels for errors.Is checks across package boundaries.
var (
	ErrAuthExpired       = errors.New("session expired")
	ErrRevealAckRequired = errors.New("reveal acknowledgment required")
	ErrMissingContext    = errors.New("missing session or match context")
	ErrTransient         = errors.New("transient request failure")
)

// RevealAckRequiredCode is the server error code behind the chat gate.
const RevealAckRequiredCode = "REVEAL_ACK_REQUIRED"
