package sechat

// ConnectionState represents the lifecycle state of a joined room's feed.
type ConnectionState int

const (
	// StateJoining means the room is negotiating its first feed connection.
	StateJoining ConnectionState = iota

	// StateConnected means the websocket feed is open and being read.
	StateConnected

	// StateReconnectPending means the feed dropped and a new ticket is
	// being requested.
	StateReconnectPending

	// StateClosed means the room has been left. It is terminal.
	StateClosed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change event.
type StateEvent struct {
	RoomID   uint64
	OldState ConnectionState
	NewState ConnectionState
	Error    error // Optional error that caused the state change
}
