package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/maestro/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status [workflow_id]",
	Short: "Show all workflows, or the stages of one workflow",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := setup(cmd)
	ctx := context.Background()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(ctx)
	}()
	manager := engine.Manager()

	if len(args) == 1 {
		w, err := manager.Get(ctx, args[0])
		if err != nil {
			slog.Error("Failed to load workflow", "workflow", args[0], "error", err)
			os.Exit(1)
		}
		printWorkflow(w, manager.Machine().GetProgressSummary(w))
		return
	}

	workflows, err := manager.List(ctx)
	if err != nil {
		slog.Error("Failed to list workflows", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WORKFLOW\tPROJECT\tFORMAT\tSTAGE\tSTATUS\tPROGRESS\tUPDATED")
	for _, wf := range workflows {
		s := manager.Machine().GetProgressSummary(wf)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
			wf.ID, wf.ProjectID, wf.Format, s.CurrentStage, s.CurrentStatus,
			s.ProgressPercentage, wf.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func printWorkflow(wf *domain.WorkflowInstance, s domain.ProgressSummary) {
	fmt.Printf("Workflow %s  project=%s  format=%s\n", wf.ID, wf.ProjectID, wf.Format)
	fmt.Printf("%s %d%%  (%d/%d stages, quality %.1f)\n",
		progressBar(s.ProgressPercentage), s.ProgressPercentage, s.CompletedCount, s.TotalStages, s.QualityScore)
	if !s.Terminal {
		fmt.Printf("Estimated remaining: %s\n", s.EstimatedRemaining.Round(time.Second))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STAGE\tWORKER\tSTATUS\tRETRIES\tOUTPUTS\tLAST ERROR")
	for _, st := range wf.Stages {
		lastErr := ""
		if n := len(st.Errors); n > 0 {
			lastErr = fmt.Sprintf("%s: %s", st.Errors[n-1].Kind, st.Errors[n-1].Message)
		}
		marker := ""
		if st.Name == wf.CurrentStage {
			marker = "*"
		}
		_, _ = fmt.Fprintf(w, "%s%s\t%s\t%s\t%d\t%d\t%s\n",
			marker, st.Name, st.Worker, st.Status, st.RetryCount, len(st.Outputs), lastErr)
	}
	_ = w.Flush()
}
