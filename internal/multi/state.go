package multi

// State is Multi's global state, per §3.4: Init → Running ⇄ Paused, any
// state → Finished.
type State int32

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}
