package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/output"
)

var (
	stateJSON    bool
	stateRefresh bool
)

var stateCmd = &cobra.Command{
	Use:   "state [session-id]",
	Short: "Show the live session summary",
	Long: `Show goals, decisions, errors, open questions and touched files derived
from the session's event log. With --refresh the log is folded first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateRun(argOrEmpty(args))
	},
}

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print the state as JSON")
	stateCmd.Flags().BoolVar(&stateRefresh, "refresh", false, "Process pending events before showing")
	rootCmd.AddCommand(stateCmd)
}

func stateRun(arg string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, arg)
	if err != nil {
		return err
	}

	var st *models.SessionState
	if stateRefresh {
		st, err = m.Process(ctx, id)
	} else {
		st, err = m.State(ctx, id)
	}
	if err != nil {
		return err
	}

	if stateJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printState(st)
	return nil
}

func printState(st *models.SessionState) {
	fmt.Fprintf(ui.Out, "%s  seq %d, %d events\n", output.Cyan(shortID(st.SessionID)), st.LastSeq, st.EventCount)
	if st.Narrative != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", st.Narrative)
	}

	if len(st.Goals) > 0 {
		fmt.Fprintf(ui.Out, "\nGoals:\n")
		for _, g := range st.Goals {
			mark := "[ ]"
			if g.Completed {
				mark = output.Green("[x]")
			}
			fmt.Fprintf(ui.Out, "  %s %s\n", mark, g.Description)
			for _, p := range g.Progress {
				fmt.Fprintf(ui.Out, "      - %s\n", p)
			}
		}
	}

	if len(st.Decisions) > 0 {
		fmt.Fprintf(ui.Out, "\nDecisions:\n")
		for _, d := range st.Decisions {
			fmt.Fprintf(ui.Out, "  #%d %s\n", d.Seq, output.Truncate(d.Choice, 120))
		}
	}

	if len(st.Errors) > 0 {
		fmt.Fprintf(ui.Out, "\nErrors:\n")
		for _, e := range st.Errors {
			status := output.Red("open")
			if e.Resolved {
				status = output.Green("resolved")
			}
			fmt.Fprintf(ui.Out, "  #%d %s %s: %s\n", e.Seq, status, e.Tool, output.Truncate(e.Message, 100))
		}
	}

	if len(st.OpenQuestions) > 0 {
		fmt.Fprintf(ui.Out, "\nQuestions:\n")
		for _, q := range st.OpenQuestions {
			if q.Answered() {
				fmt.Fprintf(ui.Out, "  %s -> %s\n", q.Question, q.Answer)
			} else {
				fmt.Fprintf(ui.Out, "  %s %s\n", q.Question, output.Yellow("(open)"))
			}
		}
	}

	if len(st.FileContexts) > 0 {
		fmt.Fprintf(ui.Out, "\nFiles:\n")
		paths := make([]string, 0, len(st.FileContexts))
		for p := range st.FileContexts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		table := ui.Table([]string{"Path", "Last Op", "Edits", "Reads"})
		for _, p := range paths {
			fc := st.FileContexts[p]
			_ = table.Append([]string{
				p,
				string(fc.LastOperation),
				fmt.Sprintf("%d", fc.EditCount),
				fmt.Sprintf("%d", fc.ReadCount),
			})
		}
		_ = table.Render()
	}
}
