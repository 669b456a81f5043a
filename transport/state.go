package transport

import "time"

// State is the connection lifecycle state of a Channel.
type State string

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected State = "disconnected"
	// StateConnecting means a dial is in flight.
	StateConnecting State = "connecting"
	// StateConnected means the duplex stream is up.
	StateConnected State = "connected"
	// StateError means the last dial or the live connection failed. A
	// reconnect may be pending; when Status.Exhausted is also set, it is not.
	StateError State = "error"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known lifecycle state.
func (s State) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateError:
		return true
	default:
		return false
	}
}

// Status is a point-in-time snapshot of a Channel's connection health.
type Status struct {
	State State `json:"state"`

	// Attempts counts automatic reconnects scheduled since the last
	// successful connection. Reset to zero on connect.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// Exhausted is set once the reconnect ceiling is reached. The channel
	// stays down until Connect is called again.
	Exhausted bool `json:"exhausted"`

	// LastError is the most recent transport fault, empty when healthy.
	LastError string `json:"last_error,omitempty"`

	// ConnectedAt is when the current connection was established; zero when
	// not connected.
	ConnectedAt time.Time `json:"connected_at,omitempty"`

	// DroppedCommands counts outbound commands discarded because the
	// channel was not connected.
	DroppedCommands uint64 `json:"dropped_commands"`
}
