package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/sidecar/internal/llm"
)

const commitSystemPrompt = `You write git commit messages for changes made during an AI coding session.

Use the conventional commit format: type(scope): description
- Types: feat, fix, refactor, docs, test, chore, perf, style, build, ci
- The subject line is at most 72 characters, imperative mood, no trailing period
- An optional body, separated by a blank line, explains what changed and why

Return ONLY the commit message, with no surrounding text or markdown.`

const summarySystemPrompt = `You summarize AI coding sessions for the developer who ran them.

Write 3 to 5 bullet points, each starting with "- ", in past tense. Cover the
main accomplishments, significant decisions or tradeoffs, and any incomplete
work or follow-up needed.

Return ONLY the bullet points.`

// LLMBackend asks a text-generation provider for the message.
type LLMBackend struct {
	Gen             llm.Generator
	MaxPromptTokens int
}

func (b *LLMBackend) Name() string { return b.Gen.Name() }

func (b *LLMBackend) Synthesize(ctx context.Context, in Input) (string, error) {
	text, err := b.Gen.Generate(ctx, llm.Request{
		System:    commitSystemPrompt,
		Prompt:    b.prompt(in),
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.TrimSpace(strings.SplitN(text, "\n", 2)[0]) == "" {
		return "", errors.New("empty commit subject")
	}
	return text, nil
}

func (b *LLMBackend) prompt(in Input) string {
	budget := b.MaxPromptTokens
	if budget <= 0 {
		budget = 12000
	}
	diffText, cut := llm.Truncate(in.Diff, budget)
	if cut {
		diffText += "\n... (diff truncated)"
	}
	sessionCtx := in.Context
	if sessionCtx == "" {
		sessionCtx = "No session context available."
	}

	var sb strings.Builder
	sb.WriteString("Generate a commit message for the following changes.\n\n")
	sb.WriteString("## Session Context\n")
	sb.WriteString(sessionCtx)
	sb.WriteString("\n\n## Diff\n```diff\n")
	sb.WriteString(diffText)
	sb.WriteString("\n```\n\n## Files Changed\n")
	for _, f := range in.Files {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Summarize asks the provider for a bullet summary of the session.
func (b *LLMBackend) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	text, err := b.Gen.Generate(ctx, llm.Request{
		System:    summarySystemPrompt,
		Prompt:    b.summaryPrompt(in),
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty summary")
	}
	return text, nil
}

func (b *LLMBackend) summaryPrompt(in SummaryInput) string {
	budget := b.MaxPromptTokens
	if budget <= 0 {
		budget = 12000
	}
	narrative, _ := llm.Truncate(in.Narrative, budget)
	if narrative == "" {
		narrative = "No narrative available."
	}
	request := in.Request
	if request == "" {
		request = "Not recorded."
	}

	sections := []string{
		fmt.Sprintf("Summarize this coding session (%d events, %d checkpoints).", in.Events, in.Checkpoints),
		"## Initial Request\n" + request,
		"## Narrative\n" + narrative,
	}
	if len(in.Commits) > 0 {
		sections = append(sections, "## Commits\n- "+strings.Join(in.Commits, "\n- "))
	}
	if len(in.Files) > 0 {
		sections = append(sections, "## Files Changed\n- "+strings.Join(in.Files, "\n- "))
	}
	return strings.Join(sections, "\n\n") + "\n"
}
