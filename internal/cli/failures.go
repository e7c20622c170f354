package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List stages that exhausted their retries",
	Run:   runFailures,
}

var resetStageCmd = &cobra.Command{
	Use:   "reset-stage [workflow_id]",
	Short: "Return a failed, blocked or under-review stage to ready",
	Args:  cobra.ExactArgs(1),
	Run:   runResetStage,
}

func init() {
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(resetStageCmd)
}

func runFailures(cmd *cobra.Command, args []string) {
	cfg := setup(cmd)
	ctx := context.Background()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(ctx)
	}()

	if engine.Failures() == nil {
		slog.Error("Failed-stage queue requires redis (set redis.url or MAESTRO_REDIS_URL)")
		os.Exit(1)
	}

	failed, err := engine.Failures().GetAll(ctx)
	if err != nil {
		slog.Error("Failed to list failed stages", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WORKFLOW\tSTAGE\tWORKER\tKIND\tRETRIES\tFAILED AT\tMESSAGE")
	for _, f := range failed {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			f.WorkflowID, f.Stage, f.Worker, f.Kind, f.RetryCount, f.FailedAt.Format(time.RFC3339), f.Message)
	}
	_ = w.Flush()
}

func runResetStage(cmd *cobra.Command, args []string) {
	cfg := setup(cmd)
	ctx := context.Background()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(ctx)
	}()

	if err := engine.Manager().ResetStage(ctx, args[0]); err != nil {
		slog.Error("Failed to reset stage", "workflow", args[0], "error", err)
		os.Exit(1)
	}

	summary, err := engine.Manager().GetProgressSummary(ctx, args[0])
	if err != nil {
		slog.Error("Failed to load workflow", "workflow", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Reset %s of workflow %s to %s\n", summary.CurrentStage, args[0], summary.CurrentStatus)
}
