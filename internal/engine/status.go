package engine

// Status is the engine lifecycle state. Transitions listed in
// validTransitions are the only legal mutation path; in particular
// Running never jumps straight to Stopped without passing Stopping.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

var validTransitions = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning, StatusError},
	StatusRunning:  {StatusPaused, StatusStopping, StatusError},
	StatusPaused:   {StatusRunning, StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusStopped:  {StatusStarting},
	StatusError:    {StatusStarting}, // recovery requires an explicit Start
}

// CanTransitionTo reports whether moving to the given state is legal.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Active reports whether the engine holds a live run (pollers exist).
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusPaused || s == StatusStopping
}
