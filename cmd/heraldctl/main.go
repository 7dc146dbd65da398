package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/analytics"
	"github.com/pnptv/herald/internal/app"
	"github.com/pnptv/herald/internal/config"
	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/observ"
	"github.com/pnptv/herald/internal/retry"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type engine interface {
	Dispatch(ctx context.Context, id uuid.UUID) (db.Progress, error)
	Cancel(ctx context.Context, id uuid.UUID, by int64, reason string) error
	Progress(ctx context.Context, id uuid.UUID) (db.Progress, error)
}

type retries interface {
	ProcessDue(ctx context.Context) (retry.Result, error)
}

type reports interface {
	JobSummary(ctx context.Context, jobID uuid.UUID) (*analytics.Summary, error)
	TestResults(ctx context.Context, testID uuid.UUID) (*analytics.TestResults, error)
}

type queue interface {
	EnqueueDispatch(ctx context.Context, jobID uuid.UUID, requestedBy int64) (string, error)
}

// services is what the commands need; queue is nil without SQS.
type services struct {
	engine  engine
	retries retries
	reports reports
	queue   queue
	close   func()
}

// connect builds services from the environment. Tests replace it.
var connect = func(ctx context.Context) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "heraldctl")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a, err := app.Build(ctx, cfg, "heraldctl", logger)
	if err != nil {
		return nil, err
	}

	s := &services{
		engine:  a.Engine,
		retries: a.Retries,
		reports: a.Analytics,
		close: func() {
			a.Close()
			_ = logger.Sync()
		},
	}
	if a.Producer != nil {
		s.queue = a.Producer
	}
	logger.Debug("heraldctl connected", zap.Bool("queue", s.queue != nil))
	return s, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "heraldctl",
		Short:         "Operate Herald broadcasts",
		Long:          "heraldctl dispatches, cancels and inspects broadcasts directly against the Herald database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDispatchCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newProgressCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newAnalyticsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "heraldctl %s (commit: %s)\n", Version, Commit)
		},
	}
}

// withServices connects, runs fn and closes.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, s *services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	if s.close != nil {
		defer s.close()
	}
	return fn(ctx, s)
}

func parseID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", arg, err)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProgress(w io.Writer, p db.Progress, asJSON bool) error {
	if asJSON {
		return printJSON(w, p)
	}
	fmt.Fprintf(w, "%s  %s  %d/%d (%.2f%%)\n", p.JobID, p.Status, p.Attempted(), p.Total, p.Percentage)
	fmt.Fprintln(w, p.Summary)
	return nil
}

func main() {
	ctx, stop := signalContext()
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
