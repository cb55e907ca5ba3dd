package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/mspsync/cmd/mspsync/commands"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "mspsync",
	Short: "mspsync - MSP integration sync engine",
	Long: `mspsync - MSP integration sync engine.

Schedules rate-limited sync jobs per tenant data source, fetches pages from
integrations and drives them through process, link and analysis stages.

Available commands:
  serve      - Run the scheduler and pipeline stages
  bootstrap  - Seed due sync jobs for every active data source
  jobs       - Inspect and retry scheduled jobs
  am         - Show and validate configuration
  version    - Show build information

Examples:
  mspsync serve                # Run in the foreground
  mspsync jobs ls --status failed
  mspsync jobs retry <id>
  mspsync am show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' and 'version' print machine-readable output
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		cfg, err := commands.LoadConfig()
		if err != nil {
			return err
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(cfg.Log.JSON, logger.VerbosityLevelName(verbosity, cfg.Log.Level)); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Read configuration from this file instead of the config cascade")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.BootstrapCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
