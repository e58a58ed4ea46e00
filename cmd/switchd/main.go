package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/keyfall/keyfall/common"
	"github.com/keyfall/keyfall/config"
	"github.com/keyfall/keyfall/envelope"
	"github.com/keyfall/keyfall/httpserver"
	"github.com/keyfall/keyfall/interfaces"
	"github.com/keyfall/keyfall/ledger"
	"github.com/keyfall/keyfall/notifier"
	"github.com/keyfall/keyfall/scheduler"
	"github.com/keyfall/keyfall/storage"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Value: "",
		Usage: "path to the YAML configuration file",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "keyfall-switchd",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "switchd",
		Usage: "Serve the keyfall dead man's switch API and scheduler",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			cfg, err := config.Load(cCtx.String("config"))
			if err != nil {
				logger.Error("Failed to load configuration", "err", err)
				return err
			}

			// Envelope key
			var keys interfaces.KeyProvider
			if cfg.Envelope.KeyHex != "" {
				staticKey, err := envelope.KeyFromHex(cfg.Envelope.KeyHex)
				if err != nil {
					logger.Error("Invalid envelope key", "err", err)
					return err
				}
				keys = staticKey
			} else {
				logger.Info("Deriving envelope key from passphrase")
				keys = envelope.KeyFromPassphrase(cfg.Envelope.Passphrase, cfg.Envelope.Salt)
			}

			// Storage and ledger
			store, err := storage.NewSecretStore(cfg.Store, logger)
			if err != nil {
				logger.Error("Failed to create secret store", "err", err)
				return err
			}
			defer store.Close()

			reminderLedger, err := ledger.New(cfg.Ledger, logger)
			if err != nil {
				logger.Error("Failed to create reminder ledger", "err", err)
				return err
			}
			defer reminderLedger.Close()

			// Notifier
			var notify interfaces.Notifier
			switch cfg.Notifier.Type {
			case "webhook":
				notify = notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout, logger)
			case "log":
				logger.Info("Using the log notifier; nothing will actually be delivered")
				notify = notifier.NewLogNotifier(logger)
			default:
				return fmt.Errorf("invalid notifier type: %s", cfg.Notifier.Type)
			}

			// Scheduler
			policy, err := scheduler.PolicyFromRules(cfg.Scheduler.Reminders)
			if err != nil {
				logger.Error("Invalid reminder policy", "err", err)
				return err
			}
			processor := scheduler.NewProcessor(store, reminderLedger, notify, keys, policy, logger)
			runner := scheduler.NewRunner(store, processor, cfg.Scheduler.PollInterval, cfg.Scheduler.Concurrency, logger)

			// HTTP server
			handler := httpserver.NewHandler(store, processor, keys, logger)
			server, err := httpserver.New(&httpserver.HTTPServerConfig{
				ListenAddr:               cfg.Server.ListenAddr,
				MetricsAddr:              cfg.Server.MetricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			runnerDone := make(chan struct{})
			go func() {
				defer close(runnerDone)
				logger.Info("Starting scheduler",
					"pollInterval", cfg.Scheduler.PollInterval, "concurrency", cfg.Scheduler.Concurrency)
				if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Scheduler stopped", "err", err)
				}
			}()

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			cancel()
			<-runnerDone
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
