// Package cli implements the flowctl commands.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortressi/crosschain/config"
	"github.com/fortressi/crosschain/logging"
)

// RootOptions holds global flags and what PersistentPreRunE builds from
// them.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	Config config.Config
	Logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the flowctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowctl",
		Short: "Run and inspect cross-chain portfolio flows",
		Long: `flowctl plans and runs portfolio rebalances across chains against a
simulated network, and inspects the transactions and status trails they
leave in the configured store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Verbose {
				cfg.Log.Level = "debug"
			}
			logger, _, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			opts.Config, opts.Logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Logger != nil {
				_ = opts.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewTrailCommand(opts))

	return cmd
}
