package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fortressi/crosschain"
	"github.com/fortressi/crosschain/config"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	DOT bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <plan.yaml>",
		Short: "Validate a plan and list its movements",
		Long: `Validate a plan without running it. Every place is resolved and every
route checked; the plan is rejected as a whole if one step is invalid.
Nothing is written to the configured store.

Example:
  flowctl plan plan.yaml
  flowctl plan --dot plan.yaml | dot -Tsvg > flow.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return planFlow(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.DOT, "dot", false, "print the flow graph in Graphviz format")
	return cmd
}

// PlannedMove is one validated movement.
type PlannedMove struct {
	Step   int                 `json:"step"`
	How    string              `json:"how"`
	Src    crosschain.PlaceRef `json:"src"`
	Dest   crosschain.PlaceRef `json:"dest"`
	Amount string              `json:"amount"`
}

func planFlow(ctx context.Context, opts *PlanOptions, path string, out io.Writer) error {
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

	// Planning opens positions, so it runs against a scratch store.
	cfg := opts.Config
	cfg.Store = config.StoreConfig{Driver: config.DriverMemory}
	s, err := openSession(ctx, cfg, opts.Logger, false)
	if err != nil {
		return err
	}
	defer s.close()

	moves, err := s.portfolio.Plan(ctx, s.net.NewEscrow(give), steps)
	if err != nil {
		return err
	}

	if opts.DOT {
		dot, err := crosschain.NewFlowGraph("flow", moves).DOT()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, dot)
		return err
	}

	planned := make([]PlannedMove, len(moves))
	for i, m := range moves {
		planned[i] = PlannedMove{Step: i + 1, How: m.How, Src: m.Src.Ref(), Dest: m.Dest.Ref(), Amount: m.Amount.String()}
	}
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(planned)
	}
	for _, m := range planned {
		fmt.Fprintf(out, "%d. %-14s %s -> %s  %s\n", m.Step, m.How, m.Src, m.Dest, m.Amount)
	}
	return nil
}
