package app

// Phase is the bridge lifecycle position, used for guards and logging.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseInstalling
	PhaseExecuting
	PhaseRendered
	PhasePatching
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseInstalling:
		return "installing"
	case PhaseExecuting:
		return "executing"
	case PhaseRendered:
		return "rendered"
	case PhasePatching:
		return "patching"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (p Phase) rendered() bool {
	return p == PhaseRendered || p == PhasePatching
}
