package model

import "time"

// State is a lifecycle state of a task's execution record.
type State string

// Task lifecycle states.
const (
	StateNew        State = "NEW"
	StateSubmitted  State = "SUBMITTED"
	StateRunning    State = "RUNNING"
	StateStopped    State = "STOPPED"
	StateTerminated State = "TERMINATED"
	StateUnknown    State = "UNKNOWN"
)

// Signal values recorded on abnormal termination.
const (
	SignalNone      = ""
	SignalCancelled = "Cancelled"
)

// validTransitions maps each state to the set of states it may transition to.
// TERMINATED is terminal and has no outgoing edges; an explicit Redo resets
// the whole record instead of transitioning out of it.
var validTransitions = map[State]map[State]bool{
	StateNew: {
		StateSubmitted:  true,
		StateTerminated: true,
	},
	StateSubmitted: {
		StateRunning:    true,
		StateStopped:    true,
		StateTerminated: true,
		StateUnknown:    true,
	},
	StateRunning: {
		StateStopped:    true,
		StateTerminated: true,
		StateUnknown:    true,
	},
	StateStopped: {
		StateSubmitted:  true,
		StateRunning:    true,
		StateTerminated: true,
		StateUnknown:    true,
	},
	StateUnknown: {
		StateSubmitted:  true,
		StateRunning:    true,
		StateStopped:    true,
		StateTerminated: true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a state that is never left automatically.
func Terminal(s State) bool {
	return s == StateTerminated
}

// Event is one append-only history entry on an execution record.
type Event struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Record is the state-machine data held per task. It is pure data: every
// mutation goes through SetState, SetInfo or Log so that timestamps and
// history stay consistent.
type Record struct {
	State        State               `json:"state"`
	ResourceName string              `json:"resource_name,omitempty"`
	RemoteID     string              `json:"remote_id,omitempty"`
	Timestamps   map[State]time.Time `json:"timestamps,omitempty"`
	Returncode   *int                `json:"returncode,omitempty"`
	Signal       string              `json:"signal,omitempty"`
	Info         string              `json:"info,omitempty"`
	History      []Event             `json:"history,omitempty"`

	// FinalOutputRetrieved is set once the task's output has been
	// downloaded after termination; postprocess hooks run exactly once.
	FinalOutputRetrieved bool `json:"final_output_retrieved,omitempty"`
}

// NewRecord returns a Record in the NEW state with its creation timestamp set.
func NewRecord() *Record {
	r := &Record{
		State:      StateNew,
		Timestamps: make(map[State]time.Time),
	}
	r.Timestamps[StateNew] = time.Now().UTC()
	return r
}

// SetState moves the record to the given state, recording the timestamp of
// the first entry into that state. It returns false (and leaves the record
// untouched) if the record is already TERMINATED or the transition is not
// allowed.
func (r *Record) SetState(to State) bool {
	if r.State == to {
		return true
	}
	if Terminal(r.State) {
		return false
	}
	if !ValidTransition(r.State, to) {
		return false
	}
	r.State = to
	if r.Timestamps == nil {
		r.Timestamps = make(map[State]time.Time)
	}
	if _, seen := r.Timestamps[to]; !seen {
		r.Timestamps[to] = time.Now().UTC()
	}
	return true
}

// ForceState moves the record to the given state without consulting the
// transition table, still refusing to leave TERMINATED and still recording
// first-entry timestamps. Collections use it to apply their derived state,
// which may jump edges a leaf task never would.
func (r *Record) ForceState(to State) bool {
	if r.State == to {
		return true
	}
	if Terminal(r.State) {
		return false
	}
	r.State = to
	if r.Timestamps == nil {
		r.Timestamps = make(map[State]time.Time)
	}
	if _, seen := r.Timestamps[to]; !seen {
		r.Timestamps[to] = time.Now().UTC()
	}
	return true
}

// MarkTerminated forces the record into TERMINATED with the given returncode
// and signal. Unlike SetState it succeeds from any non-terminal state; it is
// a no-op if the record is already TERMINATED.
func (r *Record) MarkTerminated(returncode int, signal string) {
	if Terminal(r.State) {
		return
	}
	r.State = StateTerminated
	r.Returncode = &returncode
	r.Signal = signal
	if r.Timestamps == nil {
		r.Timestamps = make(map[State]time.Time)
	}
	if _, seen := r.Timestamps[StateTerminated]; !seen {
		r.Timestamps[StateTerminated] = time.Now().UTC()
	}
}

// Reset returns the record to NEW, clearing the binding to its previous
// execution. This is the explicit escape from the terminal state used by
// redo; history is kept so operators can still see the previous run.
func (r *Record) Reset() {
	r.State = StateNew
	r.ResourceName = ""
	r.RemoteID = ""
	r.Returncode = nil
	r.Signal = SignalNone
	r.FinalOutputRetrieved = false
	r.Log("execution reset to NEW")
}

// SetInfo replaces the record's human-readable status line and appends it to
// the history.
func (r *Record) SetInfo(info string) {
	r.Info = info
	r.Log(info)
}

// Log appends a timestamped entry to the record's history.
func (r *Record) Log(message string) {
	r.History = append(r.History, Event{Time: time.Now().UTC(), Message: message})
}

// Succeeded reports whether the record terminated with returncode zero and
// no signal.
func (r *Record) Succeeded() bool {
	return r.State == StateTerminated &&
		r.Returncode != nil && *r.Returncode == 0 &&
		r.Signal == SignalNone
}
