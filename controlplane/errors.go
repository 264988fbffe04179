package controlplane

import (
	"fmt"

	"github.com/choirhq/choir/model"
	"github.com/choirhq/choir/persistence"
)

// TerminalStateError rejects mutation of a state document that already
// reached done/failed/cancelled without an administrative override.
type TerminalStateError struct {
	State  string
	Status model.StateStatus
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("state %s already terminal with status %s", e.State, e.Status)
}

func (e TerminalStateError) Unwrap() error {
	return persistence.ErrAbortUpdate
}

// LeaseMismatchError is the consistency-violation rejection: a terminal
// status write arrived without the currently held valid lease token.
type LeaseMismatchError struct {
	State string
}

func (e LeaseMismatchError) Error() string {
	return fmt.Sprintf("lease token does not match current lease on state %s", e.State)
}

func (e LeaseMismatchError) Unwrap() error {
	return persistence.ErrAbortUpdate
}
