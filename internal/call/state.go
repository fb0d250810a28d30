package call

// State is a turn state of one call.
type State int

const (
	// StateListening waits for the caller. It is the initial state.
	StateListening State = iota
	// StateUserSpeaking means the caller is talking.
	StateUserSpeaking
	// StateProcessing means a reply is being prepared.
	StateProcessing
	// StateAgentSpeaking means reply audio is being played.
	StateAgentSpeaking
	// StateEnded is terminal.
	StateEnded
)

// String returns the upper-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateUserSpeaking:
		return "USER_SPEAKING"
	case StateProcessing:
		return "PROCESSING"
	case StateAgentSpeaking:
		return "AGENT_SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}
