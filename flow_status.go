package crosschain

import (
	"log/slog"

	"github.com/robbyt/go-fsm"

	"github.com/fortressi/crosschain/publish"
)

// Flow lifecycle states.
const (
	FlowRunning   = "running"
	FlowDone      = "done"
	FlowFailing   = "failing"
	FlowUnwinding = "unwinding"
	FlowFailed    = "failed"
)

// FlowTransitions are the legal lifecycle transitions of a flow.
var FlowTransitions = map[string][]string{
	FlowRunning:   {FlowDone, FlowFailing},
	FlowDone:      {},
	FlowFailing:   {FlowUnwinding},
	FlowUnwinding: {FlowFailed},
	FlowFailed:    {},
}

func newFlowMachine(handler slog.Handler) (*fsm.Machine, error) {
	return fsm.New(handler, FlowRunning, FlowTransitions)
}

// FlowState tags a published status record.
type FlowState string

const (
	StateRun  FlowState = "run"
	StateUndo FlowState = "undo"
	StateFail FlowState = "fail"
	StateDone FlowState = "done"
)

// FlowStatus is one record of a flow's status trail.
type FlowStatus struct {
	State FlowState `json:"state"`
	Step  int       `json:"step,omitempty"`
	How   string    `json:"how,omitempty"`
	Error string    `json:"error,omitempty"`
	// Where is the last known location of the funds of a step whose
	// recovery failed.
	Where PlaceRef `json:"where,omitempty"`
}

// Reporter receives the status trail of a flow.
type Reporter interface {
	Report(status FlowStatus)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(FlowStatus)

func (f ReporterFunc) Report(status FlowStatus) { f(status) }

// PublishReporter publishes every status record at Path.
type PublishReporter struct {
	Publisher publish.Publisher
	Path      string
}

func (r PublishReporter) Report(status FlowStatus) {
	r.Publisher.Publish(r.Path, status)
}
