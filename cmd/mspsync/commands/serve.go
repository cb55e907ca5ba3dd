package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mspsync/am"
	"github.com/teranos/mspsync/bus"
	"github.com/teranos/mspsync/errors"
	"github.com/teranos/mspsync/integration"
	"github.com/teranos/mspsync/logger"
)

// shutdownGrace bounds how long workers get to flush on exit
const shutdownGrace = 30 * time.Second

// ServeCmd runs the scheduler and every pipeline stage in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and pipeline stages",
	Long: `Run the scheduler and pipeline stages in the foreground.

On start the scheduler seeds a pending job for every due (data source, type)
pair, then polls on the configured interval. Processors, linkers and the
cleanup worker subscribe to the bus. An integration with an endpoint gets a
fetcher over its page API; otherwise, with integrations.replay_dir set, its
fetcher serves pages from <replay_dir>/<slug>/<type>.json.

Runs until interrupted (Ctrl+C). Workers flush buffered events on shutdown.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("serve")

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := integration.LoadRegistry(cfg.Integrations.DescriptorsPath)
	if err != nil {
		return errors.Wrap(err, "failed to load integration descriptors")
	}

	b, err := bus.Open(cfg.Bus.URL, logger.Logger.Named("bus"))
	if err != nil {
		return err
	}
	defer b.Close()

	eng, err := newEngine(cfg, database, registry, b, logger.Logger)
	if err != nil {
		return err
	}

	var watcher *am.FileWatcher
	if cfg.Integrations.Watch {
		watcher, err = am.NewFileWatcher(cfg.Integrations.DescriptorsPath, logger.Logger.Named("watcher"))
		if err != nil {
			return errors.Wrap(err, "failed to watch integration descriptors")
		}
		watcher.OnReload(integration.Reloader(registry, logger.Logger.Named("integrations")))
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := eng.scheduler.Bootstrap(ctx)
	if err != nil {
		return errors.Wrap(err, "bootstrap failed")
	}

	if err := eng.Start(); err != nil {
		eng.Stop(ctx)
		return errors.Wrap(err, "failed to start pipeline stages")
	}

	pterm.DefaultHeader.WithFullWidth().Printf("mspsync")
	pterm.Info.Printf("Database: %s\n", cfg.GetDatabasePath())
	pterm.Info.Printf("Bus: %s\n", cfg.Bus.URL)
	pterm.Info.Printf("Integrations: %d, entity types: %d\n", len(registry.All()), len(eng.processors))
	pterm.Info.Printf("Poll interval: %v\n", cfg.PollInterval())
	pterm.Info.Printf("Bootstrap created %d job(s)\n", created)
	if members := eng.router.Members(); len(members) > 0 {
		pterm.Info.Printf("Shard: %s of %v\n", cfg.Shard.Self, members)
	}
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")
	log.Infow("Engine started", "fetchers", len(eng.fetchers), "processors", len(eng.processors),
		"linkers", len(eng.linkers), "workers", len(eng.workers), "bootstrapped", created)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")

	stopCtx, stopCancel := context.WithTimeout(ctx, shutdownGrace)
	defer stopCancel()
	eng.Stop(stopCtx)

	stats := eng.scheduler.Stats()
	pterm.Success.Printf("Stopped after %d poll(s)\n", stats.PollsRun)
	return nil
}
