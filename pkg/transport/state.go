package transport

// State is the lifecycle state of a Conn.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Disconnect describes the end of a session.
type Disconnect struct {
	// Session is the id of the session that ended.
	Session string

	// Requested is true when the disconnect was asked for by the caller.
	// Unrequested disconnects are followed by automatic reconnection.
	Requested bool

	// Err is the cause of an unrequested disconnect.
	Err error
}
