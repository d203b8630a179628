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

var artifactStatus string

var artifactCmd = &cobra.Command{
	Use:     "artifact",
	Aliases: []string{"doc", "docs"},
	Short:   "Review documentation proposals",
	Long:    "Proposed updates to workspace documents such as README.md and CLAUDE.md. Nothing is written until applied.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactListRun()
	},
}

var artifactProposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Regenerate proposals from committed patches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactProposeRun()
	},
}

var artifactListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List proposals for the session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactListRun()
	},
}

var artifactShowCmd = &cobra.Command{
	Use:   "show <artifact-id>",
	Short: "Show a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactShowRun(args[0])
	},
}

var artifactPreviewCmd = &cobra.Command{
	Use:   "preview <artifact-id>",
	Short: "Diff a proposal against the current file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactPreviewRun(args[0])
	},
}

var artifactApplyCmd = &cobra.Command{
	Use:   "apply <artifact-id>",
	Short: "Write a proposal into the workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactResolveRun(args[0], true)
	},
}

var artifactRejectCmd = &cobra.Command{
	Use:   "reject <artifact-id>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return artifactResolveRun(args[0], false)
	},
}

func init() {
	artifactListCmd.Flags().StringVar(&artifactStatus, "status", "", "Filter by status: pending, applied, rejected")

	artifactCmd.AddCommand(artifactProposeCmd)
	artifactCmd.AddCommand(artifactListCmd)
	artifactCmd.AddCommand(artifactShowCmd)
	artifactCmd.AddCommand(artifactPreviewCmd)
	artifactCmd.AddCommand(artifactApplyCmd)
	artifactCmd.AddCommand(artifactRejectCmd)
	rootCmd.AddCommand(artifactCmd)
}

func artifactProposeRun() error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would regenerate documentation proposals for %s", shortID(id))
		return nil
	}

	docs, err := m.ProposeArtifacts(ctx, id)
	if err != nil {
		return fmt.Errorf("propose: %w", err)
	}
	if len(docs) == 0 {
		ui.Info("No documentation changes to propose.")
		return nil
	}
	ui.Success("Proposed %d update(s)", len(docs))
	printArtifacts(docs)
	return nil
}

func artifactListRun() error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return err
	}
	docs, err := m.ListArtifacts(ctx, id, models.ArtifactStatus(artifactStatus))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		ui.Info("No proposals found.")
		return nil
	}
	printArtifacts(docs)
	return nil
}

func printArtifacts(docs []*models.ArtifactFile) {
	table := ui.Table([]string{"ID", "Target", "Status", "Patches", "Reason", "Created"})
	for _, a := range docs {
		_ = table.Append([]string{
			shortID(a.ID),
			a.TargetPath,
			output.StatusColor(string(a.Status)),
			fmt.Sprintf("%d", len(a.BasedOnPatches)),
			output.Truncate(a.Reason, 40),
			output.Ago(a.CreatedAt),
		})
	}
	_ = table.Render()
}

func artifactShowRun(ref string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	a, err := findArtifact(context.Background(), m, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(a.ID)), a.TargetPath)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(a.Status)))
	fmt.Fprintf(ui.Out, "  Reason:     %s\n", a.Reason)
	if len(a.BasedOnPatches) > 0 {
		short := make([]string, len(a.BasedOnPatches))
		for i, id := range a.BasedOnPatches {
			short[i] = shortID(id)
		}
		fmt.Fprintf(ui.Out, "  Patches:    %s\n", strings.Join(short, ", "))
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", a.CreatedAt.Format(time.RFC3339))
	if a.ResolvedAt != nil {
		fmt.Fprintf(ui.Out, "  Resolved:   %s\n", a.ResolvedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", a.ID)
	if a.Content != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, a.Content)
	}
	return nil
}

func artifactPreviewRun(ref string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := findArtifact(ctx, m, ref)
	if err != nil {
		return err
	}
	d, err := m.PreviewArtifact(ctx, a.ID)
	if err != nil {
		return err
	}
	if d == "" {
		ui.Info("%s is unchanged.", a.TargetPath)
		return nil
	}
	fmt.Fprint(ui.Out, colorDiff(d))
	return nil
}

func artifactResolveRun(ref string, apply bool) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := findArtifact(ctx, m, ref)
	if err != nil {
		return err
	}

	verb := "reject"
	if apply {
		verb = "apply"
	}
	if dryRun {
		ui.DryRunMsg("Would %s %s (%s)", verb, shortID(a.ID), a.TargetPath)
		return nil
	}

	if apply {
		a, err = m.ApplyArtifact(ctx, a.ID)
	} else {
		a, err = m.RejectArtifact(ctx, a.ID)
	}
	if err != nil {
		return fmt.Errorf("%s artifact: %w", verb, err)
	}
	ui.Success("%s %s", output.StatusColor(string(a.Status)), a.TargetPath)
	return nil
}

// findArtifact resolves a proposal by full ID, or by unique prefix within
// the current session.
func findArtifact(ctx context.Context, m *sessions.Manager, ref string) (*models.ArtifactFile, error) {
	if a, err := m.GetArtifact(ctx, ref); err == nil {
		return a, nil
	}

	id, err := targetSession(ctx, m, "")
	if err != nil {
		return nil, fmt.Errorf("artifact not found: %s", ref)
	}
	docs, err := m.ListArtifacts(ctx, id, "")
	if err != nil {
		return nil, err
	}

	upper := strings.ToUpper(ref)
	var matches []*models.ArtifactFile
	for _, a := range docs {
		if strings.HasPrefix(a.ID, upper) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("artifact not found: %s", ref)
	case 1:
		return m.GetArtifact(ctx, matches[0].ID)
	default:
		return nil, fmt.Errorf("ambiguous artifact ID %q matches %d proposals", ref, len(matches))
	}
}
