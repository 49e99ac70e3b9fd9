package realtime

// State is the lifecycle state of one job's push channel.
type State int

const (
	// StateIdle means the job is not watched.
	StateIdle State = iota
	StateConnecting
	StateOpen
	// StateReconnecting means the channel dropped and one retry is scheduled.
	StateReconnecting
	// StateClosed is terminal: the job finished or the channel was torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
