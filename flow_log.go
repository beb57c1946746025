package crosschain

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StepEvent is an entry in the flow log.
type StepEvent struct {
	FlowID    string        `json:"flowId"`
	Step      int           `json:"step"`
	EventType StepEventType `json:"event"`
}

// String implements the fmt.Stringer interface for StepEvent.
func (e StepEvent) String() string {
	return fmt.Sprintf("S%03d %s", e.Step, e.EventType.String())
}

// StepEventType defines the events that can occur for a flow step.
type StepEventType int

const (
	EventStarted StepEventType = iota
	EventSucceeded
	EventFailed
	EventUndoStarted
	EventUndoFinished
	EventUndoFailed
)

// String returns the string representation of the StepEventType.
func (s StepEventType) String() string {
	switch s {
	case EventStarted:
		return "started"
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventUndoStarted:
		return "undo_started"
	case EventUndoFinished:
		return "undo_finished"
	case EventUndoFailed:
		return "undo_failed"
	default:
		return fmt.Sprintf("Unknown StepEventType: %d", s)
	}
}

// MarshalJSON implements the json.Marshaler interface for StepEventType.
func (s StepEventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepEventType.
func (s *StepEventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for t := EventStarted; t <= EventUndoFailed; t++ {
		if t.String() == str {
			*s = t
			return nil
		}
	}
	return fmt.Errorf("invalid StepEventType: %s", str)
}

// StepStatus is the status of one step, derived from its events.
type StepStatus int

const (
	StepNeverStarted StepStatus = iota
	StepStarted
	StepSucceeded
	StepFailed
	StepUndoStarted
	StepUndoFinished
	StepUndoFailed
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepNeverStarted:
		return "NeverStarted"
	case StepStarted:
		return "Started"
	case StepSucceeded:
		return "Succeeded"
	case StepFailed:
		return "Failed"
	case StepUndoStarted:
		return "UndoStarted"
	case StepUndoFinished:
		return "UndoFinished"
	case StepUndoFailed:
		return "UndoFailed"
	default:
		return fmt.Sprintf("Unknown StepStatus: %d", s)
	}
}

// nextStatus returns the status of a step after recording eventType. Undo
// is only legal for a step that succeeded, and only once.
func (s StepStatus) nextStatus(eventType StepEventType) (StepStatus, error) {
	switch s {
	case StepNeverStarted:
		if eventType == EventStarted {
			return StepStarted, nil
		}
	case StepStarted:
		switch eventType {
		case EventSucceeded:
			return StepSucceeded, nil
		case EventFailed:
			return StepFailed, nil
		}
	case StepSucceeded:
		if eventType == EventUndoStarted {
			return StepUndoStarted, nil
		}
	case StepUndoStarted:
		switch eventType {
		case EventUndoFinished:
			return StepUndoFinished, nil
		case EventUndoFailed:
			return StepUndoFailed, nil
		}
	}
	return StepNeverStarted, fmt.Errorf("%w: %s in status %v", ErrFlowLogTransition, eventType, s)
}

// FlowLog is the event log of one flow execution.
type FlowLog struct {
	mu         sync.Mutex
	flowID     string
	unwinding  bool
	events     []StepEvent
	stepStatus map[int]StepStatus
	state      string
}

// NewFlowLog creates an empty FlowLog.
func NewFlowLog(flowID string) *FlowLog {
	return &FlowLog{
		flowID:     flowID,
		stepStatus: make(map[int]StepStatus),
		state:      FlowRunning,
	}
}

// ReplayFlowLog rebuilds a FlowLog from recorded events.
func ReplayFlowLog(flowID string, events []StepEvent) (*FlowLog, error) {
	log := NewFlowLog(flowID)
	for _, event := range events {
		if event.FlowID != flowID {
			return nil, fmt.Errorf(
				"event in log for different flow (%s) than requested (%s)",
				event.FlowID, flowID,
			)
		}
		if err := log.record(event.Step, event.EventType); err != nil {
			return nil, fmt.Errorf("error replaying flow log: %w", err)
		}
	}
	return log, nil
}

// FlowID returns the id of the flow.
func (l *FlowLog) FlowID() string { return l.flowID }

// Record appends an event for step.
func (l *FlowLog) Record(step int, eventType StepEventType) error {
	return l.record(step, eventType)
}

func (l *FlowLog) record(step int, eventType StepEventType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := l.statusLocked(step).nextStatus(eventType)
	if err != nil {
		return fmt.Errorf("step %d: %w", step, err)
	}

	switch next {
	case StepFailed, StepUndoStarted, StepUndoFinished, StepUndoFailed:
		l.unwinding = true
	}

	l.stepStatus[step] = next
	l.events = append(l.events, StepEvent{FlowID: l.flowID, Step: step, EventType: eventType})
	return nil
}

func (l *FlowLog) statusLocked(step int) StepStatus {
	status, ok := l.stepStatus[step]
	if !ok {
		return StepNeverStarted
	}
	return status
}

// Status returns the status of step.
func (l *FlowLog) Status(step int) StepStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(step)
}

// Unwinding reports whether the flow has started failing.
func (l *FlowLog) Unwinding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unwinding
}

// Events returns a copy of the recorded events.
func (l *FlowLog) Events() []StepEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StepEvent(nil), l.events...)
}

// State returns the lifecycle state of the flow.
func (l *FlowLog) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *FlowLog) setState(state string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

// String renders the log for humans.
func (l *FlowLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("FLOW LOG:\n")
	fmt.Fprintf(&sb, "flow id:   %s\n", l.flowID)
	fmt.Fprintf(&sb, "state:     %s\n", l.state)
	direction := "forward"
	if l.unwinding {
		direction = "unwinding"
	}
	fmt.Fprintf(&sb, "direction: %s\n", direction)
	fmt.Fprintf(&sb, "events (%d total):\n\n", len(l.events))
	for i, event := range l.events {
		fmt.Fprintf(&sb, "%03d %s\n", i+1, event.String())
	}
	return sb.String()
}
