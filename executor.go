package crosschain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robbyt/go-fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fortressi/crosschain"

// Tracker executes flows: movements applied one at a time in order, and on
// the first failure the applied ones recovered in reverse order.
type Tracker struct {
	logger *zap.Logger
	tracer trace.Tracer
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger.
func WithTrackerLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithTracer sets the tracer spans are started from.
func WithTracer(tr trace.Tracer) TrackerOption {
	return func(t *Tracker) { t.tracer = tr }
}

// NewTracker creates a Tracker. Spans go to the global tracer provider
// unless WithTracer is given.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	if t.tracer == nil {
		t.tracer = otel.Tracer(tracerName)
	}
	return t
}

// TrackFlow runs moves with a default Tracker.
func TrackFlow(ctx context.Context, reporter Reporter, moves []*AssetMovement) error {
	_, err := NewTracker().Track(ctx, "flow", reporter, moves)
	return err
}

type flowRun struct {
	*Tracker
	flowID   string
	reporter Reporter
	moves    []*AssetMovement
	log      *FlowLog
	machine  *fsm.Machine
	span     trace.Span
}

// Track runs moves and reports every step to reporter.
//
// Each step is reported before it is applied; once applied, the positions it
// touches are credited. When step k fails, the failure is reported and
// steps k-1 down to 1 are reported and recovered. Recovery runs even if ctx
// has been cancelled. A recover that fails ends the flow immediately with a
// *CompensationError naming where the funds were left; no further step is
// recovered. Otherwise the result of a failed flow is a *StepApplyError
// wrapping the original error.
//
// The returned FlowLog holds the step events and the final lifecycle state.
func (t *Tracker) Track(ctx context.Context, flowID string, reporter Reporter, moves []*AssetMovement) (*FlowLog, error) {
	ctx, span := t.tracer.Start(ctx, "TrackFlow", trace.WithAttributes(
		attribute.String("flow.id", flowID),
		attribute.Int("flow.steps", len(moves)),
	))
	defer span.End()

	log := NewFlowLog(flowID)
	machine, err := newFlowMachine(slog.DiscardHandler)
	if err != nil {
		return log, fmt.Errorf("failed to create flow state machine: %w", err)
	}
	if reporter == nil {
		reporter = ReporterFunc(func(FlowStatus) {})
	}

	order, err := NewFlowGraph(flowID, moves).Order()
	if err != nil {
		return log, fmt.Errorf("failed to get execution order: %w", err)
	}

	run := &flowRun{
		Tracker:  t,
		flowID:   flowID,
		reporter: reporter,
		moves:    moves,
		log:      log,
		machine:  machine,
		span:     span,
	}
	return log, run.execute(ctx, order)
}

func (r *flowRun) execute(ctx context.Context, order []int) error {
	applied := make([]int, 0, len(order))
	for _, step := range order {
		m := r.moves[step-1]
		r.reporter.Report(FlowStatus{State: StateRun, Step: step, How: m.How})
		if err := r.log.Record(step, EventStarted); err != nil {
			return err
		}

		if err := r.run(ctx, "apply", step, m, m.Apply); err != nil {
			if logErr := r.log.Record(step, EventFailed); logErr != nil {
				r.logger.Error("failed to record step failure", zap.Error(logErr))
			}
			return r.unwind(ctx, step, err, applied)
		}
		if err := r.log.Record(step, EventSucceeded); err != nil {
			return err
		}
		applied = append(applied, step)
		r.commit(ctx, step, m, true)
	}

	r.transition(FlowDone)
	r.reporter.Report(FlowStatus{State: StateDone})
	r.logger.Info("flow done", zap.String("flow", r.flowID), zap.Int("steps", len(order)))
	return nil
}

func (r *flowRun) unwind(ctx context.Context, failedStep int, cause error, applied []int) error {
	failed := r.moves[failedStep-1]
	r.transition(FlowFailing)
	r.reporter.Report(FlowStatus{State: StateFail, Step: failedStep, How: failed.How, Error: cause.Error()})
	r.logger.Warn("flow step failed, unwinding",
		zap.String("flow", r.flowID),
		zap.Int("step", failedStep),
		zap.String("how", failed.How),
		zap.Error(cause))
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, cause.Error())

	ctx = context.WithoutCancel(ctx)
	r.transition(FlowUnwinding)
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		m := r.moves[step-1]
		r.reporter.Report(FlowStatus{State: StateUndo, Step: step, How: m.How})
		if err := r.log.Record(step, EventUndoStarted); err != nil {
			r.logger.Error("refusing to recover step", zap.Int("step", step), zap.Error(err))
			continue
		}

		if err := r.run(ctx, "recover", step, m, m.Recover); err != nil {
			if logErr := r.log.Record(step, EventUndoFailed); logErr != nil {
				r.logger.Error("failed to record recover failure", zap.Error(logErr))
			}
			where := m.Dest.Ref()
			r.reporter.Report(FlowStatus{State: StateFail, Step: step, How: m.How, Error: err.Error(), Where: where})
			r.logger.Error("recover failed, manual intervention required",
				zap.String("flow", r.flowID),
				zap.Int("step", step),
				zap.String("how", m.How),
				zap.String("where", string(where)),
				zap.Error(err))
			r.transition(FlowFailed)
			return compensationFailed(step, m.How, where, err, cause)
		}
		if err := r.log.Record(step, EventUndoFinished); err != nil {
			r.logger.Error("failed to record recover", zap.Error(err))
		}
		r.commit(ctx, step, m, false)
	}

	r.transition(FlowFailed)
	return stepFailed(failedStep, failed.How, cause)
}

// run performs one direction of a movement inside its own span.
func (r *flowRun) run(ctx context.Context, phase string, step int, m *AssetMovement, fn MoveFunc) error {
	ctx, span := r.tracer.Start(ctx, phase+" "+m.How, trace.WithAttributes(
		attribute.Int("flow.step", step),
		attribute.String("flow.src", string(m.Src.Ref())),
		attribute.String("flow.dest", string(m.Dest.Ref())),
		attribute.String("flow.amount", m.Amount.String()),
	))
	defer span.End()

	r.logger.Debug("flow step "+phase,
		zap.String("flow", r.flowID),
		zap.Int("step", step),
		zap.Stringer("move", m))
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// commit updates the running totals of the positions a movement touched.
// forward is false for a recovered movement, whose funds went back from
// dest to src.
func (r *flowRun) commit(ctx context.Context, step int, m *AssetMovement, forward bool) {
	record := func(pos *Position, in bool) {
		var err error
		if in {
			err = pos.RecordTransferIn(ctx, m.Amount)
		} else {
			err = pos.RecordTransferOut(ctx, m.Amount)
		}
		if err != nil {
			r.logger.Error("failed to record position transfer",
				zap.String("flow", r.flowID),
				zap.Int("step", step),
				zap.String("position", string(pos.Ref())),
				zap.Error(err))
		}
	}
	if pos, ok := m.Src.(*Position); ok {
		record(pos, !forward)
	}
	if pos, ok := m.Dest.(*Position); ok {
		record(pos, forward)
	}
}

func (r *flowRun) transition(state string) {
	if err := r.machine.Transition(state); err != nil {
		r.logger.Error("invalid flow transition", zap.String("flow", r.flowID), zap.String("to", state), zap.Error(err))
		return
	}
	r.log.setState(r.machine.GetState())
}
