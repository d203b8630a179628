package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/sidecar/internal/models"
)

var (
	captureStdin     bool
	captureTimestamp string
)

var captureCmd = &cobra.Command{
	Use:   "capture <kind> [payload-json]",
	Short: "Record an event in the active session",
	Long: `Record one event in the session's append-only log.

Kinds: file_change, tool_call, reasoning, user_feedback, checkpoint, user_prompt.
The payload is a JSON object; pass it as an argument or with --stdin.

  sidecar capture user_prompt '{"text":"Add retry to the uploader"}'
  sidecar capture checkpoint '{"label":"tests green"}'
  git diff | jq -Rs '{path:"x.go",operation:"modify",after:.}' | sidecar capture file_change --stdin`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload string
		if len(args) > 1 {
			payload = args[1]
		}
		return captureRun(args[0], payload)
	},
}

func init() {
	captureCmd.Flags().BoolVar(&captureStdin, "stdin", false, "Read the payload from stdin")
	captureCmd.Flags().StringVar(&captureTimestamp, "timestamp", "", "Event time (RFC 3339, default now)")
	rootCmd.AddCommand(captureCmd)
}

func captureRun(kind, payload string) error {
	if captureStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = string(data)
	}
	e, err := buildEvent(kind, payload, captureTimestamp)
	if err != nil {
		return err
	}

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
		ui.DryRunMsg("Would capture %s event in session %s", kind, shortID(id))
		return nil
	}

	e, err = m.Capture(ctx, id, e)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	ui.VerboseLog("Captured %s as seq %d in %s", e.Kind, e.Seq, shortID(id))
	return nil
}

// buildEvent validates the CLI inputs into an unsequenced event.
func buildEvent(kind, payload, ts string) (models.SessionEvent, error) {
	e := models.SessionEvent{Kind: models.EventKind(kind)}
	if !e.Kind.Valid() {
		return e, fmt.Errorf("unknown event kind %q", kind)
	}

	payload = strings.TrimSpace(payload)
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return e, fmt.Errorf("payload is not valid JSON")
		}
		e.Payload = json.RawMessage(payload)
	}

	if ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return e, fmt.Errorf("invalid --timestamp: %w", err)
		}
		e.Timestamp = t
	}
	return e, nil
}
