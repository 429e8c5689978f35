package migration

// State is the lifecycle phase of one entity migration.
type State uint8

const (
	StateNone State = iota
	StatePreparing
	StateTransferring
	StateCompleted
	StateFailed
	StateTimeout
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePreparing:
		return "preparing"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimeout:
		return "timeout"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the migration has reached an end state. Terminal
// records are drained from the manager on the next Update.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

type event uint8

const (
	eventInitiate event = iota
	eventSnapshotSent
	eventConfirmed
	eventWriteFailed
	eventDeadline
	eventCancel
)

func (e event) String() string {
	switch e {
	case eventInitiate:
		return "initiate"
	case eventSnapshotSent:
		return "snapshot-sent"
	case eventConfirmed:
		return "confirmed"
	case eventWriteFailed:
		return "write-failed"
	case eventDeadline:
		return "deadline"
	case eventCancel:
		return "cancel"
	}
	return "unknown"
}

// transition maps every (state, event) pair to a successor state. Events that
// are not legal in the current state leave it unchanged and report false, so
// a stray confirmation or a double cancel can never corrupt a record.
func transition(s State, ev event) (State, bool) {
	switch s {
	case StateNone:
		if ev == eventInitiate {
			return StatePreparing, true
		}
	case StatePreparing:
		switch ev {
		case eventSnapshotSent:
			return StateTransferring, true
		case eventWriteFailed:
			return StateFailed, true
		case eventDeadline:
			return StateTimeout, true
		case eventCancel:
			return StateCancelled, true
		}
	case StateTransferring:
		switch ev {
		case eventConfirmed:
			return StateCompleted, true
		case eventWriteFailed:
			return StateFailed, true
		case eventDeadline:
			return StateTimeout, true
		case eventCancel:
			return StateCancelled, true
		}
	}
	return s, false
}
