package coordinator

import (
	"fmt"
)

// State is the coordinator lifecycle state.
type State int32

const (
	// Idle means no session is active and no bus is held by the session.
	Idle State = iota

	// Starting means storage, capture and display are being brought up.
	Starting

	// Running means frames flow from capture to storage.
	Running

	// Stopping means the session is being torn down.
	Stopping

	// Faulted means a fault was seen. While a recovery pass runs the session
	// is still alive; after a fatal fault everything is halted and only Start
	// leaves this state.
	Faulted
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Faulted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("coordinator: unknown state %q", b)
}
