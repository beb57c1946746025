package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortressi/crosschain/publish"
	"github.com/fortressi/crosschain/resolver"
)

// NewPendingCommand creates the pending command.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List cross-chain transactions still awaiting settlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPending(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func listPending(ctx context.Context, opts *RootOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := opts.Config.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := resolver.New(ctx, store, resolver.WithLogger(opts.Logger))
	if err != nil {
		return err
	}
	pending := res.Pending()

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pending)
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "no pending transactions")
		return nil
	}
	for _, tx := range pending {
		amount := "-"
		if tx.Amount != nil {
			amount = tx.Amount.String()
		}
		line := fmt.Sprintf("%-6s %-14s %-8s %s", tx.TxID, tx.Type, amount, tx.DestinationAddress)
		if reason, ok := res.Abandoned(tx.TxID); ok {
			line += "  (abandoned: " + reason + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// NewTrailCommand creates the trail command.
func NewTrailCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trail <flowId>",
		Short: "Print the status trail of a flow from the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTrail(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
}

func printTrail(ctx context.Context, opts *RootOptions, flowID string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := opts.Config.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := publish.NewStorePublisher(store, opts.Logger).History(ctx, flowPath(opts.Config.Portfolio, flowID))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no trail for flow %s in portfolio %s", flowID, opts.Config.Portfolio)
	}
	opts.Logger.Debug("trail loaded", zap.String("flow", flowID), zap.Int("records", len(records)))

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	for _, r := range records {
		fmt.Fprintln(out, string(r))
	}
	return nil
}
