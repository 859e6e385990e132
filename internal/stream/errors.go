package stream

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("stream not found")
	ErrNotLive           = errors.New("stream is not live")
	ErrCredentialMissing = errors.New("platform credential not found")
	ErrPermanentAuth     = errors.New("platform credential permanently invalid")
	ErrQuotaExceeded     = errors.New("platform quota exceeded")
	ErrBroadcastNotFound = errors.New("broadcast not found")
)

// Kind classifies an error by how the scheduler reacts to it.
type Kind int

const (
	// TransientIO is retried on the next tick and never surfaced.
	TransientIO Kind = iota
	// PermanentAuth cancels monitoring for the affected subject.
	PermanentAuth
	// QuotaExceeded pauses all platform polling for a cooldown.
	QuotaExceeded
	// NotFoundTransient starts a grace period before being treated as real.
	NotFoundTransient
	// Exhausted is terminal after a retry ceiling.
	Exhausted
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case PermanentAuth:
		return "permanent_auth"
	case QuotaExceeded:
		return "quota_exceeded"
	case NotFoundTransient:
		return "not_found"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ExhaustedError reports that a retry ceiling was reached.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Classify maps err onto the error taxonomy. Unknown errors are transient.
func Classify(err error) Kind {
	var ex *ExhaustedError
	switch {
	case err == nil:
		return TransientIO
	case errors.As(err, &ex):
		return Exhausted
	case errors.Is(err, ErrPermanentAuth), errors.Is(err, ErrCredentialMissing):
		return PermanentAuth
	case errors.Is(err, ErrQuotaExceeded):
		return QuotaExceeded
	case errors.Is(err, ErrBroadcastNotFound), errors.Is(err, ErrNotFound):
		return NotFoundTransient
	default:
		return TransientIO
	}
}
