package updatemanager

import "fmt"

// State is the step the update engine is in
type State int

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateStaged
	StateInstalling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateChecking:
		return "Checking"
	case StateDownloading:
		return "Downloading"
	case StateStaged:
		return "Staged"
	case StateInstalling:
		return "Installing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func allStates() []string {
	return []string{
		StateIdle.String(),
		StateChecking.String(),
		StateDownloading.String(),
		StateStaged.String(),
		StateInstalling.String(),
	}
}
