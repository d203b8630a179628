// Package diff renders unified diffs in the format git produces, using
// diffmatchpatch line mode for the edit script.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines around each hunk.
const DefaultContext = 3

// File describes one file's before and after content.
type File struct {
	OldPath string
	NewPath string
	Old     string
	New     string
	Created bool
	Deleted bool
}

// Stat counts changed lines for one file.
type Stat struct {
	Path    string
	Added   int
	Deleted int
	Created bool
	Removed bool
}

type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type line struct {
	op        opKind
	text      string
	noNewline bool
}

// Unified renders f as a git-style unified diff with the given context.
// It returns "" when nothing changed.
func Unified(f File, context int) (string, Stat) {
	if f.OldPath == "" {
		f.OldPath = f.NewPath
	}
	if f.NewPath == "" {
		f.NewPath = f.OldPath
	}
	stat := Stat{Path: f.NewPath, Created: f.Created, Removed: f.Deleted}
	renamed := f.OldPath != f.NewPath && !f.Created && !f.Deleted
	if f.Old == f.New && !renamed && !f.Created && !f.Deleted {
		return "", stat
	}

	lines := editScript(f.Old, f.New)
	for _, l := range lines {
		switch l.op {
		case opInsert:
			stat.Added++
		case opDelete:
			stat.Deleted++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", f.OldPath, f.NewPath)
	switch {
	case f.Created:
		b.WriteString("new file mode 100644\n")
	case f.Deleted:
		b.WriteString("deleted file mode 100644\n")
	case renamed:
		fmt.Fprintf(&b, "rename from %s\nrename to %s\n", f.OldPath, f.NewPath)
	}
	if stat.Added == 0 && stat.Deleted == 0 {
		return b.String(), stat
	}

	oldName, newName := "a/"+f.OldPath, "b/"+f.NewPath
	if f.Created {
		oldName = "/dev/null"
	}
	if f.Deleted {
		newName = "/dev/null"
	}
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldName, newName)
	writeHunks(&b, lines, context)
	return b.String(), stat
}

func editScript(oldText, newText string) []line {
	dmp := diffmatchpatch.New()
	a, bb, table := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, bb, false), table)

	var out []line
	for _, d := range diffs {
		var op opKind
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = opDelete
		case diffmatchpatch.DiffInsert:
			op = opInsert
		default:
			op = opEqual
		}
		for _, l := range splitLines(d.Text) {
			l.op = op
			out = append(out, l)
		}
	}
	return out
}

func splitLines(s string) []line {
	var out []line
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			out = append(out, line{text: s, noNewline: true})
			break
		}
		out = append(out, line{text: s[:i]})
		s = s[i+1:]
	}
	return out
}

func writeHunks(b *strings.Builder, lines []line, context int) {
	if context < 0 {
		context = DefaultContext
	}

	var changes []int
	for i, l := range lines {
		if l.op != opEqual {
			changes = append(changes, i)
		}
	}

	for g := 0; g < len(changes); {
		first := changes[g]
		last := first
		g++
		for g < len(changes) && changes[g]-last <= 2*context {
			last = changes[g]
			g++
		}

		start := max(0, first-context)
		end := min(len(lines), last+context+1)

		oldBefore, newBefore := 0, 0
		for _, l := range lines[:start] {
			if l.op != opInsert {
				oldBefore++
			}
			if l.op != opDelete {
				newBefore++
			}
		}
		oldCount, newCount := 0, 0
		for _, l := range lines[start:end] {
			if l.op != opInsert {
				oldCount++
			}
			if l.op != opDelete {
				newCount++
			}
		}

		fmt.Fprintf(b, "@@ -%s +%s @@\n", hunkRange(oldBefore, oldCount), hunkRange(newBefore, newCount))
		for _, l := range lines[start:end] {
			prefix := " "
			switch l.op {
			case opDelete:
				prefix = "-"
			case opInsert:
				prefix = "+"
			}
			b.WriteString(prefix + l.text + "\n")
			if l.noNewline {
				b.WriteString("\\ No newline at end of file\n")
			}
		}
	}
}

func hunkRange(before, count int) string {
	start := before + 1
	if count == 0 {
		start = before
	}
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// Diffstat renders the summary block git prints above a patch.
func Diffstat(stats []Stat) string {
	if len(stats) == 0 {
		return ""
	}
	width := 0
	for _, s := range stats {
		width = max(width, len(s.Path))
	}

	var b strings.Builder
	added, deleted := 0, 0
	for _, s := range stats {
		added += s.Added
		deleted += s.Deleted
		bar := strings.Repeat("+", min(s.Added, 40)) + strings.Repeat("-", min(s.Deleted, 40))
		fmt.Fprintf(&b, " %-*s | %d %s\n", width, s.Path, s.Added+s.Deleted, bar)
	}

	files := "files"
	if len(stats) == 1 {
		files = "file"
	}
	fmt.Fprintf(&b, " %d %s changed", len(stats), files)
	if added > 0 {
		fmt.Fprintf(&b, ", %d %s(+)", added, plural(added, "insertion"))
	}
	if deleted > 0 {
		fmt.Fprintf(&b, ", %d %s(-)", deleted, plural(deleted, "deletion"))
	}
	b.WriteString("\n")
	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
