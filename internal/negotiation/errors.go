package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyActive      = errors.New("negotiation: call already active")
	ErrTrackAfterOffer    = errors.New("negotiation: track attached after local description")
	ErrMediaUnavailable   = errors.New("negotiation: local media unavailable")
	ErrNegotiationTimeout = errors.New("negotiation: timed out before connecting")
	ErrTransportFailed    = errors.New("negotiation: transport failed")
	ErrNotResettable      = errors.New("negotiation: reset requires closed or failed state")
)

// OpError records which step failed and the coordinator state at the time.
type OpError struct {
	Op    string
	State State
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("negotiation %s (state %s): %v", e.Op, e.State, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
