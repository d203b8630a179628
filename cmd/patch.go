package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/output"
	"github.com/joescharf/sidecar/internal/sessions"
)

var (
	patchStatus     string
	patchMessage    string
	patchSynthesize bool
	patchNoDiff     bool
)

var patchCmd = &cobra.Command{
	Use:     "patch",
	Aliases: []string{"patches"},
	Short:   "Review staged patches",
	Long:    "Staged patches are segments of session work cut at checkpoints, idle gaps and change clusters.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchListRun()
	},
}

var patchListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List patches for the session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchListRun()
	},
}

var patchShowCmd = &cobra.Command{
	Use:   "show <patch-id>",
	Short: "Show a patch and its diff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchShowRun(args[0])
	},
}

var patchDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run boundary detection now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchDetectRun()
	},
}

var patchCommitCmd = &cobra.Command{
	Use:   "commit <patch-id>",
	Short: "Commit a pending patch to a patch file",
	Long: `Commit a pending patch. The patch is written in git format-patch style
under the data directory; the working tree is never modified.

Without --message the template subject is used; with --synthesize the
configured synthesis backend writes the message.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchCommitRun(args[0])
	},
}

var patchDiscardCmd = &cobra.Command{
	Use:   "discard <patch-id>",
	Short: "Discard a pending patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return patchDiscardRun(args[0])
	},
}

func init() {
	patchListCmd.Flags().StringVar(&patchStatus, "status", "", "Filter by status: pending, committed, discarded")
	patchShowCmd.Flags().BoolVar(&patchNoDiff, "no-diff", false, "Hide the diff")
	patchCommitCmd.Flags().StringVarP(&patchMessage, "message", "m", "", "Commit message")
	patchCommitCmd.Flags().BoolVar(&patchSynthesize, "synthesize", false, "Synthesize the message")

	patchCmd.AddCommand(patchListCmd)
	patchCmd.AddCommand(patchShowCmd)
	patchCmd.AddCommand(patchDetectCmd)
	patchCmd.AddCommand(patchCommitCmd)
	patchCmd.AddCommand(patchDiscardCmd)
	rootCmd.AddCommand(patchCmd)
}

func patchListRun() error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return err
	}
	list, err := m.ListPatches(ctx, id, models.PatchStatus(patchStatus))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No patches found.")
		return nil
	}
	printPatches(list)
	return nil
}

func printPatches(list []*models.StagedPatch) {
	table := ui.Table([]string{"ID", "Seq", "Reason", "Status", "Files", "Message"})
	for _, p := range list {
		_ = table.Append([]string{
			shortID(p.ID),
			fmt.Sprintf("%d-%d", p.StartSeq, p.EndSeq),
			string(p.Reason),
			output.StatusColor(string(p.Status)),
			output.Truncate(strings.Join(p.Files, ", "), 40),
			output.Truncate(firstLine(p.Message), 50),
		})
	}
	_ = table.Render()
}

func patchShowRun(ref string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := findPatch(ctx, m, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  events %d-%d\n", output.Cyan(shortID(p.ID)), p.StartSeq, p.EndSeq)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(p.Status)))
	fmt.Fprintf(ui.Out, "  Reason:     %s\n", p.Reason)
	fmt.Fprintf(ui.Out, "  Files:      %s\n", strings.Join(p.Files, ", "))
	if p.Message != "" {
		fmt.Fprintf(ui.Out, "  Message:    %s\n", firstLine(p.Message))
	}
	if p.PatchFile != "" {
		fmt.Fprintf(ui.Out, "  Patch file: %s\n", p.PatchFile)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", p.CreatedAt.Format(time.RFC3339))
	if p.CommittedAt != nil {
		fmt.Fprintf(ui.Out, "  Committed:  %s\n", p.CommittedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", p.ID)

	if !patchNoDiff && p.Diff != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, colorDiff(p.Diff))
	}
	return nil
}

func patchDetectRun() error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return err
	}
	staged, err := m.DetectPatches(ctx, id)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		ui.Info("No new patches.")
		return nil
	}
	ui.Success("Staged %d patch(es)", len(staged))
	printPatches(staged)
	return nil
}

func patchCommitRun(ref string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := findPatch(ctx, m, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would commit patch %s (%s)", shortID(p.ID), strings.Join(p.Files, ", "))
		return nil
	}

	p, err = m.CommitPatch(ctx, p.ID, patchMessage, patchSynthesize)
	if err != nil {
		return fmt.Errorf("commit patch: %w", err)
	}
	ui.Success("Committed %s: %s", output.Cyan(shortID(p.ID)), firstLine(p.Message))
	ui.Info("Patch file: %s", p.PatchFile)
	return nil
}

func patchDiscardRun(ref string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := findPatch(ctx, m, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would discard patch %s", shortID(p.ID))
		return nil
	}

	if _, err := m.DiscardPatch(ctx, p.ID); err != nil {
		return fmt.Errorf("discard patch: %w", err)
	}
	ui.Success("Discarded %s", output.Cyan(shortID(p.ID)))
	return nil
}

// findPatch resolves a patch by full ID, or by unique prefix within the
// current session.
func findPatch(ctx context.Context, m *sessions.Manager, ref string) (*models.StagedPatch, error) {
	if p, err := m.GetPatch(ctx, ref); err == nil {
		return p, nil
	}

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return nil, fmt.Errorf("patch not found: %s", ref)
	}
	list, err := m.ListPatches(ctx, id, "")
	if err != nil {
		return nil, err
	}

	upper := strings.ToUpper(ref)
	var matches []*models.StagedPatch
	for _, p := range list {
		if strings.HasPrefix(p.ID, upper) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("patch not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous patch ID %q matches %d patches", ref, len(matches))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// colorDiff colors added and removed lines of a unified diff.
func colorDiff(d string) string {
	var b strings.Builder
	paint := func(line string, color func(string) string) {
		body := strings.TrimSuffix(line, "\n")
		b.WriteString(color(body))
		b.WriteString(line[len(body):])
	}
	for _, line := range strings.SplitAfter(d, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			b.WriteString(line)
		case strings.HasPrefix(line, "+"):
			paint(line, output.Green)
		case strings.HasPrefix(line, "-"):
			paint(line, output.Red)
		case strings.HasPrefix(line, "@@"):
			paint(line, output.Cyan)
		default:
			b.WriteString(line)
		}
	}
	return b.String()
}
