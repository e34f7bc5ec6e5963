package transport

// State is the lifecycle state of a broker Connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateErrored
)

var allStates = []string{
	StateConnecting.String(),
	StateConnected.String(),
	StateDisconnected.String(),
	StateErrored.String(),
}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is what view clients see of the connection.
type Status struct {
	State    State  `json:"state"`
	Pending  int    `json:"pending"`
	ClientID string `json:"clientId"`
}

// Delivery tells how Publish handled a payload.
type Delivery int

const (
	Published Delivery = iota
	Queued
	Dropped
)

func (d Delivery) String() string {
	switch d {
	case Published:
		return "published"
	case Queued:
		return "queued"
	default:
		return "dropped"
	}
}
