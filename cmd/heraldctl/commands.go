package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newDispatchCmd() *cobra.Command {
	var (
		viaQueue bool
		admin    int64
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch <broadcast-id>",
		Short: "Run a broadcast in the foreground",
		Long: "Runs the broadcast in this process until it finishes. Interrupting leaves it in sending; " +
			"the worker resumes it once its heartbeat goes stale. With --queue the run is handed to the worker instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, s *services) error {
				out := cmd.OutOrStdout()
				if viaQueue {
					if s.queue == nil {
						return errors.New("SQS_QUEUE_URL is not configured")
					}
					msgID, err := s.queue.EnqueueDispatch(ctx, id, admin)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "queued %s (message %s)\n", id, msgID)
					return nil
				}

				prog, err := s.engine.Dispatch(ctx, id)
				if err != nil {
					return err
				}
				return printProgress(out, prog, asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&viaQueue, "queue", false, "enqueue a dispatch trigger instead of running here")
	cmd.Flags().Int64Var(&admin, "admin", 0, "admin id recorded on the trigger")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print progress as JSON")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var (
		admin  int64
		reason string
	)

	cmd := &cobra.Command{
		Use:   "cancel <broadcast-id>",
		Short: "Cancel a broadcast that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if admin <= 0 {
				return errors.New("--admin is required")
			}
			return withServices(cmd, func(ctx context.Context, s *services) error {
				if err := s.engine.Cancel(ctx, id, admin, reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&admin, "admin", 0, "admin id recorded as the canceller")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newProgressCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "progress <broadcast-id>",
		Short: "Show a broadcast's delivery counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, s *services) error {
				prog, err := s.engine.Progress(ctx, id)
				if err != nil {
					return err
				}
				return printProgress(cmd.OutOrStdout(), prog, asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Run one pass over due retry entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, s *services) error {
				res, err := s.retries.ProcessDue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newAnalyticsCmd() *cobra.Command {
	var test bool

	cmd := &cobra.Command{
		Use:   "analytics <id>",
		Short: "Show a broadcast's delivery and engagement report",
		Long:  "Prints the broadcast report, or with --test the comparison of an A/B test's variants.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, s *services) error {
				if test {
					res, err := s.reports.TestResults(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), res)
				}
				summary, err := s.reports.JobSummary(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}

	cmd.Flags().BoolVar(&test, "test", false, "treat the id as an A/B test id")
	return cmd
}
