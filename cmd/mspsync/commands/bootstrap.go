package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/integration"
	"github.com/teranos/mspsync/logger"
	"github.com/teranos/mspsync/store"
)

// BootstrapCmd seeds pending jobs without starting the poll loop
var BootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed due sync jobs for every active data source",
	Long: `Create a pending sync job for every (data source, global type) pair
that is due and has no pending job yet. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig()
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg.GetDatabasePath())
		if err != nil {
			return err
		}
		defer database.Close()

		registry, err := integration.LoadRegistry(cfg.Integrations.DescriptorsPath)
		if err != nil {
			return errors.Wrap(err, "failed to load integration descriptors")
		}

		// bootstrap never publishes
		b := bus.NewMemoryBus(logger.Logger)
		defer b.Close()

		scheduler := newScheduler(cfg, database, store.New(database), registry, b, logger.Logger.Named("scheduler"))
		created, err := scheduler.Bootstrap(context.Background())
		if err != nil {
			return err
		}
		pterm.Success.Printf("Created %d job(s)\n", created)
		return nil
	},
}
