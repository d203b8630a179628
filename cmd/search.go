package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/output"
)

var searchK int

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Semantic search over the session history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return searchRun(strings.Join(args, " "))
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchK, "limit", "k", 5, "Number of results")
	rootCmd.AddCommand(searchCmd)
}

func searchRun(query string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return err
	}
	// Make sure captured events from this process are indexed.
	if err := m.Flush(ctx, id); err != nil {
		return err
	}

	hits, err := m.Search(ctx, id, query, searchK)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		ui.Info("No matches.")
		return nil
	}

	table := ui.Table([]string{"Score", "Kind", "Seq", "Text"})
	for _, h := range hits {
		_ = table.Append([]string{
			fmt.Sprintf("%.3f", h.Score),
			string(h.Kind),
			fmt.Sprintf("%d", h.Seq),
			output.Truncate(strings.ReplaceAll(h.Text, "\n", " "), 80),
		})
	}
	_ = table.Render()
	return nil
}
