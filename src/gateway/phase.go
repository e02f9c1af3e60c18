package gateway

// Phase is the connection lifecycle state. Exactly one phase is active at a
// time; only the session's run loop moves it.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAwaitingHello
	PhaseIdentifying
	PhaseResuming
	PhaseReady
	PhaseReconnecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingHello:
		return "awaiting_hello"
	case PhaseIdentifying:
		return "identifying"
	case PhaseResuming:
		return "resuming"
	case PhaseReady:
		return "ready"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}
