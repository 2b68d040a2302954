package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/config"
	"github.com/tenantsync/tenantsync/internal/events"
	"github.com/tenantsync/tenantsync/internal/logging"
	"github.com/tenantsync/tenantsync/internal/metrics"
	"github.com/tenantsync/tenantsync/internal/middleware"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the event handlers and the sync trigger.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "worker"})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	wrap := func(h bus.Handler) bus.Handler {
		return middleware.Chain(h,
			middleware.Recover(),
			middleware.Logging(logger),
			middleware.ClassifyErrors(app.reporter, app.store, logger),
		)
	}

	worker := bus.NewWorker(app.store, logger, bus.WorkerOptions{
		HandlerTimeout: cfg.HandlerTimeout,
		RetryBackoff:   cfg.RetryBackoff,
	})
	worker.Register(events.UsersSyncRequested, cfg.SyncConcurrency, wrap(app.syncer.HandleUsersSync))
	worker.Register(events.UsersDeleteRequested, cfg.DeleteConcurrency, wrap(app.syncer.HandleUsersDelete))
	worker.Register(events.DataProtectionRefreshRequested, cfg.SyncConcurrency, wrap(app.syncer.HandleDataProtectionRefresh))
	worker.Register(events.SubscriptionRefreshRequested, 1, wrap(app.syncer.HandleSubscriptionRefresh))
	worker.Register(events.OrganisationUninstallRequested, 1, wrap(app.syncer.HandleUninstall))

	_, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)

	logger.Info("worker started",
		"sync_concurrency", cfg.SyncConcurrency,
		"delete_concurrency", cfg.DeleteConcurrency,
		"sync_interval", cfg.SyncInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return app.trigger.Run(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-metricsErr:
			return err
		}
	})
	return g.Wait()
}
