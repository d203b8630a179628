package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/output"
	"github.com/joescharf/sidecar/internal/sessions"
	"github.com/joescharf/sidecar/internal/store"
)

var (
	sessionStatus    string
	sessionWorkspace string
	sessionLimit     int
	exportOutput     string
	exportZstd       bool
	importWorkspace  string
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sess"},
	Short:   "Start, end and inspect capture sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start [workspace]",
	Short: "Start a session for a workspace (default: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}
		return sessionStartRun(root)
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End a session and stage its remaining work as patches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionEndRun(argOrEmpty(args))
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show session details",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := getManager()
		if err != nil {
			return err
		}
		id, err := resolveSession(context.Background(), m, argOrEmpty(args))
		if err != nil {
			return err
		}
		return sessionShowRun(id)
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Export the event log as JSON lines",
	Long: `Export every event of a session as one JSON object per line.

Writes to stdout unless --output is given. With --zstd the stream is
zstd-compressed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionExportRun(argOrEmpty(args))
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an exported event log as a new, ended session",
	Long: `Replay a JSON lines export (plain or zstd-compressed, '-' for stdin)
into a new session for the workspace. The session is ended at once, so its
state is folded and its work staged as patches.

The workspace must not have an active session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionImportRun(args[0])
	},
}

func init() {
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status: active, ended")
	sessionListCmd.Flags().StringVar(&sessionWorkspace, "workspace", "", "Filter by workspace root")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 0, "Maximum sessions to show")

	sessionExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
	sessionExportCmd.Flags().BoolVar(&exportZstd, "zstd", false, "Compress output with zstd")
	sessionImportCmd.Flags().StringVarP(&importWorkspace, "workspace", "w", ".", "Workspace root for the imported session")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionExportCmd)
	sessionCmd.AddCommand(sessionImportCmd)
	rootCmd.AddCommand(sessionCmd)
}

func argOrEmpty(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func sessionStartRun(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace is not a directory: %s", abs)
	}

	if dryRun {
		ui.DryRunMsg("Would start session for %s", abs)
		return nil
	}

	m, err := getManager()
	if err != nil {
		return err
	}
	sess, err := m.Start(context.Background(), abs)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	ui.Success("Started session %s for %s", output.Cyan(shortID(sess.ID)), abs)
	fmt.Fprintf(ui.Out, "  export SIDECAR_SESSION=%s\n", sess.ID)
	return nil
}

func sessionEndRun(arg string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, arg)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would end session %s", shortID(id))
		return nil
	}

	res, err := m.End(ctx, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	ui.Success("Ended session %s", output.Cyan(shortID(res.Session.ID)))
	if len(res.Patches) > 0 {
		ui.Info("Staged %d patch(es); review with 'sidecar patch list'", len(res.Patches))
	}
	return nil
}

func sessionListRun() error {
	m, err := getManager()
	if err != nil {
		return err
	}

	filter := store.SessionFilter{
		Status: models.SessionStatus(sessionStatus),
		Limit:  sessionLimit,
	}
	if sessionWorkspace != "" {
		abs, err := filepath.Abs(sessionWorkspace)
		if err != nil {
			return err
		}
		filter.WorkspaceRoot = abs
	}

	list, err := m.List(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Workspace", "Status", "Events", "Patches", "Docs", "Started"})
	for _, s := range list {
		_ = table.Append([]string{
			shortID(s.ID),
			s.WorkspaceRoot,
			output.StatusColor(string(s.Status)),
			fmt.Sprintf("%d", s.EventCount),
			fmt.Sprintf("%d", s.PendingPatches),
			fmt.Sprintf("%d", s.PendingDocs),
			output.Ago(s.StartedAt),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(id string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sum, err := findSession(ctx, m, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(sum.ID)), sum.WorkspaceRoot)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(sum.Status)))
	fmt.Fprintf(ui.Out, "  Events:     %d (last seq %d)\n", sum.EventCount, sum.LastSeq)
	fmt.Fprintf(ui.Out, "  Patches:    %d pending\n", sum.PendingPatches)
	fmt.Fprintf(ui.Out, "  Docs:       %d pending\n", sum.PendingDocs)
	fmt.Fprintf(ui.Out, "  Started:    %s (%s)\n", sum.StartedAt.Format(time.RFC3339), output.Ago(sum.StartedAt))
	if sum.EndedAt != nil {
		fmt.Fprintf(ui.Out, "  Ended:      %s\n", sum.EndedAt.Format(time.RFC3339))
	}

	if st, err := m.State(ctx, sum.ID); err == nil && st.Narrative != "" {
		fmt.Fprintf(ui.Out, "  Narrative:  %s\n", output.Truncate(st.Narrative, 200))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", sum.ID)
	return nil
}

func sessionExportRun(arg string) error {
	m, err := getManager()
	if err != nil {
		return err
	}
	ctx := context.Background()

	id, err := targetSession(ctx, m, arg)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := exportEvents(ctx, m, id, w, exportZstd)
	if err != nil {
		return err
	}
	if exportOutput != "" {
		ui.Success("Exported %d events to %s", n, exportOutput)
	}
	return nil
}

// exportEvents writes the session's events as JSON lines, optionally through
// a zstd encoder, and returns how many were written.
func exportEvents(ctx context.Context, m *sessions.Manager, sessionID string, w io.Writer, compress bool) (int, error) {
	if err := m.Flush(ctx, sessionID); err != nil {
		return 0, err
	}
	events, err := m.Events(ctx, sessionID, 0, 0)
	if err != nil {
		return 0, err
	}

	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("zstd writer: %w", err)
		}
		w = enc
	}

	bw := bufio.NewWriter(w)
	je := json.NewEncoder(bw)
	for _, e := range events {
		if err := je.Encode(e); err != nil {
			return 0, fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

func sessionImportRun(path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		r = f
	}
	events, err := readEvents(r)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(importWorkspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	if dryRun {
		ui.DryRunMsg("Would import %d events into a new session for %s", len(events), abs)
		return nil
	}

	m, err := getManager()
	if err != nil {
		return err
	}
	res, err := m.Import(context.Background(), abs, events)
	if err != nil {
		return fmt.Errorf("import session: %w", err)
	}
	ui.Success("Imported %d events as session %s", len(events), output.Cyan(shortID(res.Session.ID)))
	if len(res.Patches) > 0 {
		ui.Info("Staged %d patch(es); review with 'sidecar patch list --session %s'", len(res.Patches), res.Session.ID)
	}
	return nil
}

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// readEvents decodes a JSON lines export, decompressing it first when it is
// a zstd stream.
func readEvents(r io.Reader) ([]models.SessionEvent, error) {
	br := bufio.NewReader(r)
	if head, _ := br.Peek(len(zstdMagic)); bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		br = bufio.NewReader(dec)
	}

	var events []models.SessionEvent
	jd := json.NewDecoder(br)
	for {
		var e models.SessionEvent
		err := jd.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// targetSession resolves the session a command acts on to its full ID.
func targetSession(ctx context.Context, m *sessions.Manager, arg string) (string, error) {
	id, err := resolveSession(ctx, m, arg)
	if err != nil {
		return "", err
	}
	sum, err := findSession(ctx, m, id)
	if err != nil {
		return "", err
	}
	return sum.ID, nil
}

// findSession resolves a session by full ID or unique ID prefix.
func findSession(ctx context.Context, m *sessions.Manager, id string) (*models.SessionSummary, error) {
	if sum, err := m.Summary(ctx, id); err == nil {
		return sum, nil
	}

	upper := strings.ToUpper(id)
	all, err := m.List(ctx, store.SessionFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*models.SessionSummary
	for _, s := range all {
		if strings.HasPrefix(s.ID, upper) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %q matches %d sessions", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
