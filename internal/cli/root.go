// Package cli holds the Cobra commands of leasectl, the operator tool for
// inspecting leases, driving crash scans and resetting quarantined jobs.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"job-lease-guard/internal/coordinator"
	"job-lease-guard/internal/models"
)

// Operator is the coordinator surface leasectl drives.
type Operator interface {
	ScanForCrashes(ctx context.Context) ([]models.CrashEvent, error)
	HandleCrash(ctx context.Context, ev models.CrashEvent) (models.CrashOutcome, error)
	Status(ctx context.Context, jobID string) (coordinator.JobStatus, error)
	Outbox(ctx context.Context, jobID string) ([]models.OutboxEvent, error)
	ResetQuarantine(ctx context.Context, jobID, operatorID string) (bool, error)
	Quarantined(ctx context.Context, limit int64) ([]string, error)
}

// OpenFunc connects an Operator. The returned func releases it.
type OpenFunc func(ctx context.Context) (Operator, func(), error)

// NewRoot constructs the leasectl root command.
func NewRoot(open OpenFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "leasectl",
		Short:         "Inspect job leases and manage crash quarantine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newScanCommand(open),
		newStatusCommand(open),
		newResetCommand(open),
		newQuarantinedCommand(open),
	)
	return root
}

func withOperator(cmd *cobra.Command, open OpenFunc, fn func(ctx context.Context, op Operator) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	op, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, op)
}

func newScanCommand(open OpenFunc) *cobra.Command {
	var recoverCrashes bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one crash scan and print the crashed jobs",
		Long: `Run one crash scan. Without --recover the scan is read-only and only
reports jobs whose liveness key is gone while evidence remains. With
--recover each crash is counted, the job is requeued or quarantined, and
the evidence is archived.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, open, func(ctx context.Context, op Operator) error {
				events, err := op.ScanForCrashes(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(events) == 0 {
					fmt.Fprintln(out, "no crashed jobs")
					return nil
				}
				for _, ev := range events {
					line := fmt.Sprintf("%s epoch=%d worker=%s host=%s", ev.JobID, ev.Evidence.Epoch, ev.Evidence.WorkerID, ev.Evidence.Host)
					if ev.Orphaned {
						line += " orphaned"
					}
					if recoverCrashes {
						res, err := op.HandleCrash(ctx, ev)
						switch {
						case err != nil:
							line += " error=" + err.Error()
						case res.Quarantined:
							line += fmt.Sprintf(" crashes=%d quarantined", res.CrashCount)
						default:
							line += fmt.Sprintf(" crashes=%d requeued", res.CrashCount)
						}
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&recoverCrashes, "recover", false, "recover each crashed job")
	return cmd
}

func newStatusCommand(open OpenFunc) *cobra.Command {
	var withOutbox bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show ledger state, current lease and crash counter for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, open, func(ctx context.Context, op Operator) error {
				st, err := op.Status(ctx, args[0])
				if err != nil {
					return err
				}
				view := map[string]any{"status": st}
				if withOutbox {
					events, err := op.Outbox(ctx, args[0])
					if err != nil {
						return err
					}
					view["outbox"] = events
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().BoolVar(&withOutbox, "outbox", false, "include outbox events")
	return cmd
}

func newResetCommand(open OpenFunc) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "reset <job-id>",
		Short: "Clear the quarantine of a job so it can run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, open, func(ctx context.Context, op Operator) error {
				if _, err := op.ResetQuarantine(ctx, args[0], operator); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset by %s\n", args[0], operator)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator identity recorded in the outbox (required)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newQuarantinedCommand(open OpenFunc) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:     "quarantined",
		Aliases: []string{"q"},
		Short:   "List quarantined jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, open, func(ctx context.Context, op Operator) error {
				ids, err := op.Quarantined(ctx, limit)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 100, "maximum number of jobs to list")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
