package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/spf13/cobra"
)

func parseID(raw string, name string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return uint(id), nil
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var (
		mode       string
		endpointId uint
	)
	cmd := &cobra.Command{
		Use:   "sync <organization-id>",
		Short: "Run ingestion for one organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgId, err := parseID(args[0], "organization id")
			if err != nil {
				return err
			}
			a, err := connect(opts)
			if err != nil {
				return err
			}
			ctx := utils.SetActorInContext(cmd.Context(), "operator")
			if endpointId != 0 {
				progress, err := a.Sync.SyncOrganizationData(ctx, orgId, endpointId, models.SyncMode(mode))
				if perr := printJSON(cmd.OutOrStdout(), progress); perr != nil {
					return perr
				}
				return err
			}
			runs, err := a.Sync.SyncPfaData(ctx, orgId, models.SyncMode(mode))
			if perr := printJSON(cmd.OutOrStdout(), runs); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.SyncModeFull), "sync mode (full|incremental)")
	cmd.Flags().UintVar(&endpointId, "endpoint", 0, "limit the run to one endpoint id")
	return cmd
}

func newSyncAllCommand(opts *rootOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "sync-all",
		Short: "Run ingestion for every organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(opts)
			if err != nil {
				return err
			}
			summary, err := a.Sync.SyncAllOrganizations(utils.SetActorInContext(cmd.Context(), "operator"), models.SyncMode(mode))
			if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.SyncModeFull), "sync mode (full|incremental)")
	return cmd
}

func newDriftCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drift <endpoint-id>",
		Short: "Show the active drift state of an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpointId, err := parseID(args[0], "endpoint id")
			if err != nil {
				return err
			}
			a, err := connect(opts)
			if err != nil {
				return err
			}
			active, err := a.Pipeline.Drift.HasActiveDrift(cmd.Context(), endpointId)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), active)
		},
	}
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	var (
		olderThan time.Duration
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "prune <organization-id>",
		Short: "Delete mirror records not seen by ingestion for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgId, err := parseID(args[0], "organization id")
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			a, err := connect(opts)
			if err != nil {
				return err
			}
			ctx := utils.SetActorInContext(cmd.Context(), "operator")
			report, err := a.Pipeline.PruneStale(ctx, orgId, olderThan, dryRun)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "prune records last seen before now minus this duration")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "report candidates without deleting")
	return cmd
}

func newRequeueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue-item-id>",
		Short: "Move a dead-lettered write back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "queue item id")
			if err != nil {
				return err
			}
			a, err := connect(opts)
			if err != nil {
				return err
			}
			item, err := a.Worker.Queue.RequeueDeadLetter(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
}

func newQueueStatsCommand(opts *rootOptions) *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "queue-stats",
		Short: "Show write-back queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(opts)
			if err != nil {
				return err
			}
			out := map[string]interface{}{}
			if drain {
				cycle, err := a.Worker.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				out["cycle"] = cycle
			}
			stats, err := a.Worker.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out["queue"] = stats
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&drain, "run-once", false, "run one worker cycle before reporting")
	return cmd
}
