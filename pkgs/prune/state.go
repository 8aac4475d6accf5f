package prune

// State is a state of the per-session protocol machine.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateListing
	StateFetchingHeader
	StateDeciding
	StateDeleting
	StateQuitting
	StateReconnecting
	StateTerminated
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnected:      "connected",
	StateAuthenticated:  "authenticated",
	StateListing:        "listing",
	StateFetchingHeader: "fetching_header",
	StateDeciding:       "deciding",
	StateDeleting:       "deleting",
	StateQuitting:       "quitting",
	StateReconnecting:   "reconnecting",
	StateTerminated:     "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// final reports whether the session loop stops at s.
func (s State) final() bool {
	return s == StateReconnecting || s == StateTerminated
}
