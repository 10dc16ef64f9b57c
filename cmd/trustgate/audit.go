package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustgate/internal/domain"
	"trustgate/internal/repo"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
		Long:  "Every checkpoint outcome and event delivery, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (checkpoint, event)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func renderEvents(events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Kind", "Entity", "Session"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.SessionID})
	}
	tw.Render()
}

func verificationsCmd() *cobra.Command {
	v := &cobra.Command{
		Use:     "verifications",
		Aliases: []string{"verification", "v"},
		Short:   "Inspect stored checkpoint outcomes",
	}
	v.AddCommand(verificationsListCmd())
	v.AddCommand(verificationsShowCmd())
	return v
}

func verificationsListCmd() *cobra.Command {
	var f repo.RecordFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoint outcomes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListVerificationRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				renderRecords(records)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max records")
	cmd.Flags().StringVar(&f.CheckpointName, "checkpoint", "", "checkpoint name filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (allowed, running, denied, error)")
	cmd.Flags().StringVar(&f.SessionID, "session-id", "", "session filter")
	cmd.Flags().StringVar(&f.UserID, "user-id", "", "user filter")
	return cmd
}

func verificationsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <verification-id|record-id>",
		Short: "Show every round of a verification chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				chain, err := r.VerificationChain(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					rec, recErr := r.GetVerificationRecord(ctx, args[0])
					if recErr != nil {
						return recErr
					}
					chain, err = []domain.VerificationRecord{rec}, nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				renderRecords(chain)
				return nil
			})
		},
	}
	return cmd
}

func renderRecords(records []domain.VerificationRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Created", "Checkpoint", "Status", "Verification", "Previous", "Outcome", "IP", "Duration"})
	for _, rec := range records {
		status := rec.Status
		if rec.ErrorMessage != "" {
			status += " (" + rec.ErrorMessage + ")"
		}
		tw.AppendRow(table.Row{
			rec.CreatedAt, rec.CheckpointName, status, rec.VerificationID, rec.PreviousVerificationID,
			rec.Outcome, rec.IP, strconv.FormatInt(rec.DurationMS, 10) + "ms",
		})
	}
	tw.Render()
}
