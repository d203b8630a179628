package patches

import (
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/sidecar/internal/diff"
	"github.com/joescharf/sidecar/internal/models"
)

// FormatPatch renders p in the mbox layout produced by git format-patch.
func FormatPatch(p *models.StagedPatch, message, headHash, author, email string, at time.Time) string {
	subject, body := splitMessage(message)

	var b strings.Builder
	fmt.Fprintf(&b, "From %s Mon Sep 17 00:00:00 2001\n", headHash)
	fmt.Fprintf(&b, "From: %s <%s>\n", author, email)
	fmt.Fprintf(&b, "Date: %s\n", at.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: [PATCH] %s\n\n", subject)
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Events: %d-%d (%s)\n", p.StartSeq, p.EndSeq, p.Reason)
	b.WriteString("---\n")
	b.WriteString(diff.Diffstat(diff.ParseStats(p.Diff)))
	b.WriteString("\n")
	b.WriteString(p.Diff)
	b.WriteString("-- \nsidecar\n")
	return b.String()
}

func splitMessage(message string) (subject, body string) {
	message = strings.TrimSpace(message)
	subject, body, _ = strings.Cut(message, "\n")
	return strings.TrimSpace(subject), strings.TrimSpace(body)
}

// slug converts a subject to the file-name form git uses.
func slug(subject string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(subject) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if len(s) > 52 {
		s = strings.TrimRight(s[:52], "-")
	}
	if s == "" {
		s = "patch"
	}
	return s
}
