package call

// State of one peer-pair call machine. The two sides own independent
// machines and can transiently disagree.
type State int32

const (
	StateIdle State = iota
	StateCalling
	StateOfferSent
	StateNegotiating
	StateConnected
	StateRenegotiating
	StateDisconnected
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "IDLE",
	StateCalling:       "CALLING",
	StateOfferSent:     "OFFER_SENT",
	StateNegotiating:   "NEGOTIATING",
	StateConnected:     "CONNECTED",
	StateRenegotiating: "RENEGOTIATING",
	StateDisconnected:  "DISCONNECTED",
	StateFailed:        "FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// ConnectStatus is the coarse view exposed to application code.
type ConnectStatus string

const (
	NotConnected ConnectStatus = "NOT_CONNECTED"
	Connecting   ConnectStatus = "CONNECTING"
	IsConnected  ConnectStatus = "IS_CONNECTED"
)

func (s State) ConnectStatus() ConnectStatus {
	switch s {
	case StateCalling, StateOfferSent, StateNegotiating:
		return Connecting
	case StateConnected, StateRenegotiating:
		// An ICE restart keeps the established call's identity and
		// media, so it still counts as connected.
		return IsConnected
	default:
		return NotConnected
	}
}
