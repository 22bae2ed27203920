package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/pfasync"
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	UseRedis bool
	Migrate  bool
}

// app is the wired service graph. It is built lazily so --help works offline.
type app struct {
	Pipeline *pfasync.Pipeline
	Sync     *pfasync.SyncService
	Worker   *pfasync.Worker
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pfa-sync-admin",
		Short:         "Operator tooling for the PFA mirror",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&opts.UseRedis, "redis", true, "connect to Redis for locks and progress")
	cmd.PersistentFlags().BoolVar(&opts.Migrate, "migrate", false, "run AutoMigrate before the command")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newSyncAllCommand(opts))
	cmd.AddCommand(newDriftCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newQueueStatsCommand(opts))
	return cmd
}

func connect(opts *rootOptions) (*app, error) {
	config.ConnectDatabaseWithRetry()
	if opts.UseRedis {
		config.ConnectRedisWithRetry()
	}
	db := config.GetDB()
	if opts.Migrate {
		if err := models.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	secrets, err := config.NewSecretBoxFromEnv()
	if err != nil {
		return nil, err
	}
	logger := config.GetLogger()
	audit := pfasync.LogAuditSink{Logger: logger}
	pipeline := pfasync.NewPipeline(db, logger, secrets, audit)
	return &app{
		Pipeline: pipeline,
		Sync:     pfasync.NewSyncService(db, logger, pipeline),
		Worker:   pfasync.NewWorker(db, logger, secrets, audit),
	}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
