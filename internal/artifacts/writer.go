package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joescharf/sidecar/internal/llm"
)

// BackendTemplate names the rule-based document writer.
const BackendTemplate = "template"

// DocInput is everything a writer sees for one target document.
type DocInput struct {
	Target    string
	Existing  string
	Narrative string
	Subjects  []string
}

// DocWriter produces the full updated content of a document.
type DocWriter interface {
	Name() string
	Write(ctx context.Context, in DocInput) (string, error)
}

// TemplateWriter keeps a generated section current at the end of the
// document. CLAUDE.md gets "## Session Notes"; other targets get
// "## Recent Changes". Rewriting with the same input is a no-op.
type TemplateWriter struct{}

func (TemplateWriter) Name() string { return BackendTemplate }

func (TemplateWriter) Write(_ context.Context, in DocInput) (string, error) {
	if len(in.Subjects) == 0 && in.Narrative == "" {
		return in.Existing, nil
	}
	if strings.EqualFold(filepath.Base(in.Target), "CLAUDE.md") {
		var b strings.Builder
		if in.Narrative != "" {
			b.WriteString(in.Narrative)
			b.WriteString("\n")
		}
		if len(in.Subjects) > 0 {
			if in.Narrative != "" {
				b.WriteString("\n")
			}
			writeBullets(&b, in.Subjects)
		}
		return upsertSection(in.Existing, "## Session Notes", b.String()), nil
	}

	if len(in.Subjects) == 0 {
		return in.Existing, nil
	}
	var b strings.Builder
	writeBullets(&b, in.Subjects)
	return upsertSection(in.Existing, "## Recent Changes", b.String()), nil
}

func writeBullets(b *strings.Builder, items []string) {
	for _, s := range items {
		fmt.Fprintf(b, "- %s\n", s)
	}
}

// upsertSection replaces the body under heading, or appends the section.
// A section runs until the next level-two heading.
func upsertSection(doc, heading, body string) string {
	body = strings.TrimRight(body, "\n") + "\n"
	lines := strings.Split(doc, "\n")
	start := -1
	for i, l := range lines {
		if strings.TrimSpace(l) == heading {
			start = i
			break
		}
	}
	if start < 0 {
		trimmed := strings.TrimRight(doc, "\n")
		if trimmed == "" {
			return heading + "\n\n" + body
		}
		return trimmed + "\n\n" + heading + "\n\n" + body
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			end = i
			break
		}
	}
	prefix := ""
	if start > 0 {
		prefix = strings.Join(lines[:start], "\n") + "\n"
	}
	section := heading + "\n\n" + body
	if end == len(lines) {
		return prefix + section
	}
	return prefix + section + "\n" + strings.Join(lines[end:], "\n")
}

const docSystemPrompt = `You update a project documentation file after an AI coding session.
Given the current file, the commits made during the session and the session summary,
return the complete updated file. Preserve existing structure and wording unless it is
now wrong. Only add what a reader of this file needs. Return only the file content.`

// LLMWriter asks a text-generation provider for the updated document.
type LLMWriter struct {
	Gen             llm.Generator
	MaxPromptTokens int
}

func (w *LLMWriter) Name() string { return w.Gen.Name() }

func (w *LLMWriter) Write(ctx context.Context, in DocInput) (string, error) {
	budget := w.MaxPromptTokens
	if budget <= 0 {
		budget = 12000
	}
	existing, _ := llm.Truncate(in.Existing, budget)

	var b strings.Builder
	fmt.Fprintf(&b, "## File: %s\n\n%s\n\n## Commits\n", in.Target, existing)
	if len(in.Subjects) == 0 {
		b.WriteString("No commits.\n")
	}
	for i, s := range in.Subjects {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	summary := in.Narrative
	if summary == "" {
		summary = "No session summary available."
	}
	fmt.Fprintf(&b, "\n## Session Summary\n%s\n", summary)

	text, err := w.Gen.Generate(ctx, llm.Request{
		System:    docSystemPrompt,
		Prompt:    b.String(),
		MaxTokens: 4096,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(text, "\n") + "\n", nil
}
