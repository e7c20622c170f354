package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the content formats and their stages",
	Run:   runFormats,
}

func init() {
	rootCmd.AddCommand(formatsCmd)
}

func runFormats(cmd *cobra.Command, args []string) {
	cfg := setup(cmd)
	ctx := context.Background()

	engine := newEngine(ctx, cfg)
	defer func() {
		_ = engine.Stop(ctx)
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "FORMAT\tSTAGES\tDESCRIPTION")
	for _, f := range engine.Catalog().Formats() {
		names := make([]string, 0, len(f.Stages))
		for _, d := range f.Stages {
			names = append(names, d.Name+"("+d.Worker+")")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, strings.Join(names, " > "), f.Description)
	}
	_ = w.Flush()
}
