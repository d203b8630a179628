package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/synthesis"
)

var (
	synthBackend string
	synthSummary bool
)

var synthCmd = &cobra.Command{
	Use:     "synth [patch-id | session-id]",
	Aliases: []string{"synthesize"},
	Short:   "Synthesize a commit message for a patch, or a session summary",
	Long: `Produce a commit message for a staged patch without committing it.
With --summary, summarize the session instead (default: the current session).

The configured backend is used unless --backend names another registered
one. A failing LLM backend falls back to the template backend.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if synthSummary {
			return cobra.MaximumNArgs(1)(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if synthSummary {
			return synthSummaryRun(argOrEmpty(args))
		}
		return synthRun(args[0])
	},
}

func init() {
	synthCmd.Flags().StringVarP(&synthBackend, "backend", "b", "", "Synthesis backend (template or a configured provider)")
	synthCmd.Flags().BoolVar(&synthSummary, "summary", false, "Summarize the session instead of a patch")
	rootCmd.AddCommand(synthCmd)
}

func synthRun(ref string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := findPatch(ctx, m, ref)
	if err != nil {
		return err
	}

	res, err := m.Synthesize(ctx, p.SessionID, p.ID, synthBackend)
	if err != nil {
		return fmt.Errorf("synthesize (backends: %s): %w", strings.Join(m.SynthesisBackends(), ", "), err)
	}
	printSynthesis(res)
	return nil
}

func synthSummaryRun(arg string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, arg)
	if err != nil {
		return err
	}
	res, err := m.SynthesizeSummary(ctx, id, synthBackend)
	if err != nil {
		return fmt.Errorf("summarize (backends: %s): %w", strings.Join(m.SynthesisBackends(), ", "), err)
	}
	printSynthesis(res)
	return nil
}

func printSynthesis(res *synthesis.Result) {
	if res.FellBack {
		ui.Warning("Fell back to %s: %s", res.Backend, res.FallbackReason)
	}
	ui.VerboseLog("Backend %s, %d attempt(s)", res.Backend, res.Attempts)
	fmt.Fprintln(ui.Out, res.Text)
}
