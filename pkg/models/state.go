package models

import "fmt"

// RateState is the lifecycle state of a configured rate name
type RateState int

const (
	StateUnknown RateState = iota
	StateAvailable
	StateUpdated // transient, collapses back to StateAvailable after propagation
	StateError
)

func (s RateState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateAvailable:
		return "AVAILABLE"
	case StateUpdated:
		return "UPDATED"
	case StateError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// RateView is what a reader observes for a rate name.
// A rate in StateError still carries its last good value when HasValue is set.
type RateView struct {
	Rate     Rate      `json:"rate"`
	State    RateState `json:"state"`
	HasValue bool      `json:"hasValue"`
	Err      string    `json:"error,omitempty"`
}

func (s RateState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RateState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "UNKNOWN":
		*s = StateUnknown
	case "AVAILABLE":
		*s = StateAvailable
	case "UPDATED":
		*s = StateUpdated
	case "ERROR":
		*s = StateError
	default:
		return fmt.Errorf("unknown rate state %q", text)
	}
	return nil
}
