package push

// ConnectionState is the reported health of the push subscription.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Degraded means the subscription is alive but reported a transient error and is being retried.
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}
