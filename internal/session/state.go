package session

// State is a session's lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Ready
	Busy
	Finishing
	Stopped
	Failed
)

var stateNames = [...]string{
	Idle:      "idle",
	Starting:  "starting",
	Ready:     "ready",
	Busy:      "busy",
	Finishing: "finishing",
	Stopped:   "stopped",
	Failed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// canStart reports whether a corpus run may begin from s.
func (s State) canStart() bool {
	return s == Idle || s == Stopped || s == Failed
}
