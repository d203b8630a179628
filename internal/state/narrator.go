package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/sidecar/internal/llm"
	"github.com/joescharf/sidecar/internal/models"
)

// Narrator produces the free-text narrative for a folded state. delta holds
// the events folded in this run.
type Narrator interface {
	Narrate(ctx context.Context, st *models.SessionState, delta []models.SessionEvent) (string, error)
}

// RuleNarrator builds a deterministic narrative from the structured state.
type RuleNarrator struct{}

func (RuleNarrator) Narrate(_ context.Context, st *models.SessionState, _ []models.SessionEvent) (string, error) {
	var parts []string

	done := 0
	for _, g := range st.Goals {
		if g.Completed {
			done++
		}
	}
	if g := st.CurrentGoal(); g != nil {
		parts = append(parts, fmt.Sprintf("Working on: %s.", g.Description))
	} else if len(st.Goals) > 0 {
		parts = append(parts, fmt.Sprintf("All goals complete; last was: %s.", st.Goals[len(st.Goals)-1].Description))
	}
	if len(st.Goals) > 1 {
		parts = append(parts, fmt.Sprintf("Completed %d of %d goals.", done, len(st.Goals)))
	}

	if recent := recentFiles(st, 3); len(recent) > 0 {
		parts = append(parts, fmt.Sprintf("Touched %d files (recent: %s).", len(st.FileContexts), strings.Join(recent, ", ")))
	}

	if n := len(st.Decisions); n > 0 {
		parts = append(parts, fmt.Sprintf("Latest decision: %s.", strings.TrimSuffix(st.Decisions[n-1].Choice, ".")))
	}

	unresolved := 0
	for _, e := range st.Errors {
		if !e.Resolved {
			unresolved++
		}
	}
	if unresolved > 0 {
		parts = append(parts, fmt.Sprintf("%d unresolved errors.", unresolved))
	}

	open := 0
	for _, q := range st.OpenQuestions {
		if !q.Answered() {
			open++
		}
	}
	if open > 0 {
		parts = append(parts, fmt.Sprintf("%d open questions.", open))
	}

	if len(parts) == 0 {
		return fmt.Sprintf("%d events captured.", st.EventCount), nil
	}
	return strings.Join(parts, " "), nil
}

func recentFiles(st *models.SessionState, n int) []string {
	files := make([]models.FileContext, 0, len(st.FileContexts))
	for _, fc := range st.FileContexts {
		if fc.Modified {
			files = append(files, fc)
		}
	}
	sortByRecency(files)
	if len(files) > n {
		files = files[:n]
	}
	out := make([]string, len(files))
	for i, fc := range files {
		out[i] = fc.Path
	}
	return out
}

const narrativeSystemPrompt = `You maintain a running narrative of an AI coding session.
Given the previous narrative, the structured session state and the newest events, write
an updated narrative of at most 120 words in plain prose. Describe the intent, what has
been done, and what remains. Do not use markdown headings or bullet lists.`

// LLMNarrator asks a text-generation provider for the narrative.
type LLMNarrator struct {
	Gen       llm.Generator
	MaxTokens int
}

func (n *LLMNarrator) Narrate(ctx context.Context, st *models.SessionState, delta []models.SessionEvent) (string, error) {
	prompt, _ := llm.Truncate(narrativePrompt(st, delta), n.budget())
	text, err := n.Gen.Generate(ctx, llm.Request{
		System:    narrativeSystemPrompt,
		Prompt:    prompt,
		MaxTokens: 400,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (n *LLMNarrator) budget() int {
	if n.MaxTokens <= 0 {
		return 4000
	}
	return n.MaxTokens
}

func narrativePrompt(st *models.SessionState, delta []models.SessionEvent) string {
	var b strings.Builder
	if st.Narrative != "" {
		fmt.Fprintf(&b, "Previous narrative:\n%s\n\n", st.Narrative)
	}
	if len(st.Goals) > 0 {
		b.WriteString("Goals:\n")
		for _, g := range st.Goals {
			mark := " "
			if g.Completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, g.Description)
		}
		b.WriteString("\n")
	}
	if len(st.Decisions) > 0 {
		b.WriteString("Decisions:\n")
		for _, d := range st.Decisions {
			fmt.Fprintf(&b, "- %s\n", d.Choice)
		}
		b.WriteString("\n")
	}
	b.WriteString("New events:\n")
	for _, e := range delta {
		fmt.Fprintf(&b, "- #%d %s: %s\n", e.Seq, e.Kind, DescribeEvent(e))
	}
	return b.String()
}

// DescribeEvent renders a one-line human summary of an event.
func DescribeEvent(e models.SessionEvent) string {
	switch e.Kind {
	case models.EventFileChange:
		if fc, err := e.FileChange(); err == nil {
			s := fmt.Sprintf("%s %s", fc.Operation, fc.Path)
			if fc.Summary != "" {
				s += " (" + fc.Summary + ")"
			}
			return s
		}
	case models.EventToolCall:
		if tc, err := e.ToolCall(); err == nil {
			if tc.Success {
				return tc.Tool + " ok"
			}
			return fmt.Sprintf("%s failed: %s", tc.Tool, tc.Error)
		}
	case models.EventReasoning:
		if r, err := e.Reasoning(); err == nil {
			return clip(firstLine(r.Content), 200)
		}
	case models.EventUserFeedback:
		if fb, err := e.UserFeedback(); err == nil {
			return strings.TrimSpace(fmt.Sprintf("%s %s", fb.Type, fb.Comment))
		}
	case models.EventCheckpoint:
		if cp, err := e.Checkpoint(); err == nil {
			return cp.Label
		}
	case models.EventUserPrompt:
		if p, err := e.UserPrompt(); err == nil {
			return clip(firstLine(p.Text), 200)
		}
	}
	return "(unreadable payload)"
}
