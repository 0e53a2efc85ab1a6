package card

import (
	"errors"
	"fmt"

	"tvcard/pkg/types"
)

var (
	// ErrInvalidState matches every StateError.
	ErrInvalidState = errors.New("invalid graph state transition")
	ErrNotTuned     = errors.New("card is not tuned to a channel")
	// ErrNoService is returned when the tuned channel is a bare transponder
	// without network, transport and service ids.
	ErrNoService  = errors.New("tuned channel has no service ids")
	ErrWrongKind  = errors.New("channel does not match the card's delivery system")
	ErrNoAnalyzer = errors.New("pipeline has no analyzer")
)

// StateError is an operation requested in a state that does not allow it.
type StateError struct {
	Op    string
	State types.GraphState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
