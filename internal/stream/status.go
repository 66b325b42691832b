package stream

// State is the lifecycle state of a stream.
type State int

const (
	Active State = iota
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "error"
	}
	return "unknown"
}

// Status is a State plus the failure message for Failed.
type Status struct {
	State   State
	Message string
}

var (
	StatusActive    = Status{State: Active}
	StatusCompleted = Status{State: Completed}
	StatusCancelled = Status{State: Cancelled}
)

// StatusError builds a Failed status.
func StatusError(msg string) Status {
	return Status{State: Failed, Message: msg}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s.State != Active
}

func (s Status) String() string {
	if s.State == Failed && s.Message != "" {
		return "error: " + s.Message
	}
	return s.State.String()
}
