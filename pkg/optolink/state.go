package optolink

// State is the connection state of a Session
type State byte

const (
	Disconnected State = iota
	Connecting
	Connected
	Handshaking // P300 only
	Initialized
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Handshaking:
		return "Handshaking"
	case Initialized:
		return "Initialized"
	}
	return "State(?)"
}
