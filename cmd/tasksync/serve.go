package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/api"
	"github.com/tasksync/tasksync/internal/config"
	"github.com/tasksync/tasksync/internal/inbox"
	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/metrics"
	"github.com/tasksync/tasksync/internal/sync"
	"github.com/tasksync/tasksync/internal/tasks"
	"github.com/tasksync/tasksync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the HTTP API, change feed and optional inbox watcher",
	Long: `Start the task server.

Serves:
  - /tasks CRUD and POST /tasks/sync
  - /ws live change feed
  - /health and /metrics

When inbox.dir is set, sync bundles dropped into that directory are applied
as well. Editing the config file while running reloads log.level.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().String("inbox", "", "Inbox directory for file-drop sync (overrides inbox.dir)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("inbox") {
		cfg.Inbox.Dir, _ = cmd.Flags().GetString("inbox")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	policy, err := sync.ParseUpdatePolicy(cfg.Sync.UpdatePolicy)
	if err != nil {
		return err
	}

	store, err := openStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	feed := api.NewFeed(logger, m)
	svc := tasks.New(store, tasks.WithNotifier(feed), tasks.WithLogger(logger))
	engine := sync.New(svc, store, sync.Config{
		Policy:  policy,
		Metrics: m,
		Logger:  logger,
	})

	srv := api.NewServer(svc, engine, feed, store, &api.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		Logger:       logger,
		Metrics:      m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Printf("%s tasksync listening on %s\n", ui.RenderAccent("▶"), srv.Addr())
	fmt.Printf("   Database: %s\n", store.Path())
	fmt.Printf("   Policy:   %s\n", engine.Policy())

	inboxDone := make(chan error, 1)
	if cfg.Inbox.Dir != "" {
		watcher, err := inbox.New(engine, &inbox.Config{
			Dir:              cfg.Inbox.Dir,
			Outbox:           cfg.Inbox.OutboxDir(),
			DebounceInterval: cfg.Inbox.Debounce,
			Logger:           logger,
		})
		if err != nil {
			_ = srv.Stop()
			return err
		}
		fmt.Printf("   Inbox:    %s\n", cfg.Inbox.Dir)
		go func() { inboxDone <- watcher.Run(ctx) }()
	}
	inboxFinished := cfg.Inbox.Dir == ""

	loader.Watch(func(next *config.Config) {
		if err := logging.SetLevel(logger, next.Log.Level); err != nil {
			logger.WithError(err).Warn("ignoring log level change")
			return
		}
		logger.WithField("level", next.Log.Level).Info("config reloaded")
	}, func(err error) {
		logger.WithError(err).Warn("invalid config change ignored")
	})

	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-inboxDone:
		inboxFinished = true
		if err != nil {
			logger.WithError(err).Error("inbox watcher failed")
			runErr = err
		} else {
			<-ctx.Done()
		}
	}
	stop()

	if err := srv.Stop(); err != nil {
		logger.WithError(err).Warn("server did not stop cleanly")
	}
	if !inboxFinished {
		if err := <-inboxDone; err != nil {
			logger.WithError(err).Warn("inbox watcher stopped with error")
		}
	}

	logger.WithFields(logrus.Fields{"addr": srv.Addr()}).Info("shutdown complete")
	return runErr
}
