package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/sim"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	RunID string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan against the simulated network",
		Long: `Execute a plan as one flow. A relayer completes cross-chain
operations while the flow runs. When a step fails the applied steps are
undone in reverse order and the trail shows where the funds ended up.

Example:
  flowctl run plan.yaml
  flowctl run --format json plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "id attached to every log line (generated if empty)")
	return cmd
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID     string                      `json:"runId"`
	FlowID    string                      `json:"flowId,omitempty"`
	State     string                      `json:"state"`
	Trail     []crosschain.FlowStatus     `json:"trail"`
	Positions []crosschain.PositionStatus `json:"positions"`
	Error     string                      `json:"error,omitempty"`
}

func runFlow(ctx context.Context, opts *RunOptions, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pf, err := loadPlanFile(path)
	if err != nil {
		return err
	}
	steps, err := pf.movements()
	if err != nil {
		return err
	}
	give, err := pf.give()
	if err != nil {
		return err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := opts.Logger.With(zap.String("run", runID))

	s, err := openSession(ctx, opts.Config, logger, opts.Verbose)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()
	for _, f := range pf.Faults {
		s.net.FailWhen(f.matcher(), f.Times)
	}
	escrow := s.net.NewEscrow(give)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	relayer := sim.NewRelayer(s.net, s.resolver, logger.Named("relayer"))
	g.Go(func() error {
		if err := relayer.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var (
		log     *crosschain.FlowLog
		flowErr error
	)
	g.Go(func() error {
		defer cancel()
		log, flowErr = s.portfolio.Rebalance(gctx, escrow, steps)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	result := RunResult{RunID: runID, Positions: s.portfolio.Positions(), State: "rejected"}
	if log != nil {
		result.FlowID = log.FlowID()
		result.State = log.State()
		for _, v := range s.trail.History(flowPath(opts.Config.Portfolio, log.FlowID())) {
			if status, ok := v.(crosschain.FlowStatus); ok {
				result.Trail = append(result.Trail, status)
			}
		}
	}
	if flowErr != nil {
		result.Error = flowErr.Error()
	}

	if err := writeRunResult(out, opts.Format, result); err != nil {
		return err
	}
	return flowErr
}

func writeRunResult(out io.Writer, format string, r RunResult) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(out, "run %s\n", r.RunID)
	if r.FlowID != "" {
		fmt.Fprintf(out, "flow %s: %s\n", r.FlowID, r.State)
	}
	for _, s := range r.Trail {
		line := fmt.Sprintf("  %-4s", s.State)
		if s.Step > 0 {
			line += fmt.Sprintf(" step %d %s", s.Step, s.How)
		}
		if s.Error != "" {
			line += ": " + s.Error
		}
		if s.Where != "" {
			line += fmt.Sprintf(" (funds at %s)", s.Where)
		}
		fmt.Fprintln(out, line)
	}
	for _, p := range r.Positions {
		fmt.Fprintf(out, "position %s: in %s, out %s, net %s\n", p.PoolKey, p.TotalIn, p.TotalOut, p.NetTransfers)
	}
	if r.Error != "" {
		fmt.Fprintf(out, "error: %s\n", r.Error)
	}
	return nil
}
