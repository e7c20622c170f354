package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [workflow_id]",
	Short: "Stream progress updates published to redis",
	Args:  cobra.MaximumNArgs(1),
	Run:   runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	cfg := setup(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(context.Background())
	}()

	client := engine.Redis()
	if client == nil {
		slog.Error("Watching progress requires redis (set redis.url or MAESTRO_REDIS_URL)")
		os.Exit(1)
	}

	filter := ""
	if len(args) == 1 {
		filter = args[0]
		if last, ok, err := client.GetProgress(ctx, filter); err != nil {
			slog.Warn("Failed to read last progress", "workflow", filter, "error", err)
		} else if ok {
			fmt.Printf("%s  %s %-14s %s %d%%\n", time.Now().Format(time.TimeOnly),
				last.CurrentStage, last.CurrentStatus, progressBar(last.ProgressPercentage), last.ProgressPercentage)
		}
	}

	updates, err := client.Subscribe(ctx)
	if err != nil {
		slog.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}

	for s := range updates {
		if filter != "" && s.WorkflowID != filter {
			continue
		}
		fmt.Printf("%s  %s %s %-14s %s %d%%\n", time.Now().Format(time.TimeOnly),
			s.WorkflowID, s.CurrentStage, s.CurrentStatus, progressBar(s.ProgressPercentage), s.ProgressPercentage)
	}
}
