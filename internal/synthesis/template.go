package synthesis

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/joescharf/sidecar/internal/diff"
)

// Template generates conventional commit messages from the diff alone. It
// never calls out and is the fallback for every other backend.
type Template struct{}

func (Template) Name() string { return BackendTemplate }

func (Template) Synthesize(_ context.Context, in Input) (string, error) {
	if len(in.Files) == 0 && strings.TrimSpace(in.Diff) == "" {
		return "", &Error{Kind: KindMisconfigured, Err: fmt.Errorf("patch %s has no files or diff", in.PatchID)}
	}
	return TemplateMessage(in.Files, in.Diff), nil
}

type changeAnalysis struct {
	added, modified, deleted int
	linesAdded, linesDeleted int
	isTest, isDocs, isConfig bool
	keyFiles                 []string
}

// TemplateMessage builds "type(scope): subject" with a statistics body for
// changes of 20 lines or more.
func TemplateMessage(files []string, diffText string) string {
	a := analyze(files, diffText)
	kind := commitType(a)
	subject := subjectLine(a, kind)
	body := bodyText(a)

	var b strings.Builder
	b.WriteString(kind)
	if scope := inferScope(files); scope != "" {
		fmt.Fprintf(&b, "(%s)", scope)
	}
	b.WriteString(": ")
	b.WriteString(subject)
	if body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return b.String()
}

func analyze(files []string, diffText string) changeAnalysis {
	var a changeAnalysis
	for _, f := range files {
		name := path.Base(f)
		lower := strings.ToLower(f)
		if strings.Contains(lower, "test") || strings.Contains(lower, "spec") {
			a.isTest = true
		}
		if strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".txt") ||
			strings.Contains(lower, "doc") || name == "README" {
			a.isDocs = true
		}
		switch path.Ext(name) {
		case ".toml", ".json", ".yaml", ".yml":
			a.isConfig = true
		}
		if name == ".env" || strings.HasPrefix(name, ".") {
			a.isConfig = true
		}
		stem := strings.TrimSuffix(name, path.Ext(name))
		if stem != "" && len(a.keyFiles) < 3 && !slices.Contains(a.keyFiles, stem) {
			a.keyFiles = append(a.keyFiles, stem)
		}
	}

	for _, st := range diff.ParseStats(diffText) {
		switch {
		case st.Created:
			a.added++
		case st.Removed:
			a.deleted++
		}
		a.linesAdded += st.Added
		a.linesDeleted += st.Deleted
	}
	a.modified = len(files) - a.added - a.deleted
	if a.modified < 0 {
		a.modified = 0
	}
	return a
}

func commitType(a changeAnalysis) string {
	switch {
	case a.isTest:
		return "test"
	case a.isDocs:
		return "docs"
	case a.isConfig:
		return "chore"
	case a.added > 0 && a.modified == 0 && a.deleted == 0:
		return "feat"
	case a.deleted > 0 && a.added == 0:
		return "refactor"
	case a.linesDeleted > a.linesAdded*2:
		return "refactor"
	case a.modified > 0 && a.added == 0:
		if a.linesAdded < 50 {
			return "fix"
		}
		return "feat"
	}
	return "chore"
}

// inferScope returns the first meaningful directory of the first file, or the
// file stem when only one file changed.
func inferScope(files []string) string {
	if len(files) == 0 {
		return ""
	}
	first := files[0]
	parts := strings.Split(first, "/")
	for _, dir := range parts[:len(parts)-1] {
		if dir == "" || dir == "src" || dir == "lib" || dir == "internal" || dir == "cmd" || strings.HasPrefix(dir, ".") {
			continue
		}
		if len(dir) <= 15 {
			return dir
		}
	}
	if len(files) == 1 {
		name := path.Base(first)
		stem := strings.TrimSuffix(name, path.Ext(name))
		if stem != "" && len(stem) <= 15 && !strings.HasPrefix(stem, ".") {
			return stem
		}
	}
	return ""
}

func subjectLine(a changeAnalysis, kind string) string {
	action := "update"
	switch {
	case a.added > 0 && a.modified == 0 && a.deleted == 0:
		action = "add"
	case a.added == 0 && a.modified > 0 && a.deleted == 0:
		action = "update"
	case a.added == 0 && a.modified == 0 && a.deleted > 0:
		action = "remove"
	case a.added > 0 && a.modified > 0 && a.deleted == 0:
		action = "add and update"
	case a.added == 0 && a.modified > 0 && a.deleted > 0:
		action = "update and remove"
	}

	var target string
	switch len(a.keyFiles) {
	case 0:
		switch kind {
		case "test":
			target = "tests"
		case "docs":
			target = "documentation"
		case "chore":
			target = "configuration"
		default:
			target = "files"
		}
	case 1:
		target = a.keyFiles[0]
	default:
		target = fmt.Sprintf("%s and %d more", a.keyFiles[0], len(a.keyFiles)-1)
	}
	return action + " " + target
}

func bodyText(a changeAnalysis) string {
	if a.linesAdded+a.linesDeleted < 20 {
		return ""
	}
	var parts []string
	if a.added > 0 {
		parts = append(parts, countFiles(a.added, "added"))
	}
	if a.modified > 0 {
		parts = append(parts, countFiles(a.modified, "modified"))
	}
	if a.deleted > 0 {
		parts = append(parts, countFiles(a.deleted, "deleted"))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("Changes: %s (+%d -%d lines)", strings.Join(parts, ", "), a.linesAdded, a.linesDeleted)
}

func countFiles(n int, verb string) string {
	if n == 1 {
		return "1 file " + verb
	}
	return fmt.Sprintf("%d files %s", n, verb)
}

// TemplateSummary builds a bullet summary of a session from its counts and
// touched files.
func TemplateSummary(in SummaryInput) string {
	goal := strings.TrimSpace(in.Request)
	if goal == "" {
		goal = "not recorded"
	}
	lines := []string{"- Goal: " + truncate(oneLine(goal), 100)}
	if len(in.Files) > 0 {
		lines = append(lines, fmt.Sprintf("- Modified %d file(s)", len(in.Files)))
	}
	lines = append(lines, fmt.Sprintf("- %d event(s), %d checkpoint(s)", in.Events, in.Checkpoints))
	if n := len(in.Files); n > 0 && n <= 5 {
		lines = append(lines, "- Files: "+strings.Join(in.Files, ", "))
	}
	for i, c := range in.Commits {
		if i == 3 {
			lines = append(lines, fmt.Sprintf("- ...and %d more commit(s)", len(in.Commits)-i))
			break
		}
		lines = append(lines, "- Committed: "+c)
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
