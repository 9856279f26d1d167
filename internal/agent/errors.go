package agent

import (
	"errors"
	"fmt"
)

// ErrMaxTurns is reported when a turn exhausts the configured turn ceiling.
var ErrMaxTurns = errors.New("max turns reached")

// TurnError wraps a failure inside the turn loop with the phase it occurred
// in (stream, dispatch, persist) and the turn index.
type TurnError struct {
	Phase string
	Turn  int
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %d %s: %v", e.Turn, e.Phase, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}
