package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vietddude/maestro/internal/core/domain"
)

var (
	runFormat   string
	runTitle    string
	runBrief    string
	runProject  string
	runWorkflow string
	runWorkers  []string
	runOneStage bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a workflow (or resume one) and drive it until it stops",
	Long: `Run creates a workflow for a project and executes its stages in order
until the workflow completes, a stage needs review, or a stage fails past
its retry ceiling. Pass --workflow to resume an existing workflow.`,
	Run: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runFormat, "format", "", "content format (e.g. article, podcast)")
	runCmd.Flags().StringVar(&runTitle, "title", "", "project title")
	runCmd.Flags().StringVar(&runBrief, "brief", "", "project brief passed to every worker")
	runCmd.Flags().StringVar(&runProject, "project", "", "project id (generated when empty)")
	runCmd.Flags().StringVar(&runWorkflow, "workflow", "", "resume an existing workflow instead of creating one")
	runCmd.Flags().StringSliceVar(&runWorkers, "workers", nil, "restrict the stages to these workers")
	runCmd.Flags().BoolVar(&runOneStage, "once", false, "run only the current stage")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	cfg := setup(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(context.Background())
	}()

	id := runWorkflow
	if id == "" {
		if runFormat == "" {
			fmt.Fprintln(os.Stderr, "--format is required when creating a workflow")
			os.Exit(1)
		}
		project := runProject
		if project == "" {
			project = uuid.New().String()
		}
		w, err := engine.Manager().InitializeWorkflow(ctx, project, domain.ProjectDescriptor{
			Format:  runFormat,
			Workers: runWorkers,
			Title:   runTitle,
			Brief:   runBrief,
		})
		if err != nil {
			slog.Error("Failed to create workflow", "error", err)
			os.Exit(1)
		}
		id = w.ID
		fmt.Printf("Created workflow %s (%s, %d stages)\n", w.ID, w.Format, len(w.Stages))
	}

	if runOneStage {
		res, err := engine.Runner().RunStage(ctx, id)
		if err != nil {
			slog.Error("Stage run failed", "workflow", id, "error", err)
			os.Exit(1)
		}
		if res.Err != nil {
			fmt.Printf("Stage %s did not complete after %d attempts: %v\n", res.Stage, res.Attempts, res.Err)
		}
	} else if _, err := engine.Runner().RunToCompletion(ctx, id); err != nil {
		slog.Error("Workflow run failed", "workflow", id, "error", err)
		os.Exit(1)
	}

	w, err := engine.Manager().Get(ctx, id)
	if err != nil {
		slog.Error("Failed to load workflow", "workflow", id, "error", err)
		os.Exit(1)
	}
	printWorkflow(w, engine.Manager().Machine().GetProgressSummary(w))
}

func progressBar(pct int) string {
	const width = 20
	filled := pct * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
