package diff

import "strings"

// ParseStats recovers per-file stats from text produced by Unified.
func ParseStats(text string) []Stat {
	var stats []Stat
	var cur *Stat
	inHunk := false

	for _, l := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(l, "diff --git "):
			stats = append(stats, Stat{Path: pathFromHeader(l)})
			cur = &stats[len(stats)-1]
			inHunk = false
		case cur == nil:
			continue
		case !inHunk && strings.HasPrefix(l, "new file mode"):
			cur.Created = true
		case !inHunk && strings.HasPrefix(l, "deleted file mode"):
			cur.Removed = true
		case strings.HasPrefix(l, "@@ "):
			inHunk = true
		case inHunk && strings.HasPrefix(l, "+"):
			cur.Added++
		case inHunk && strings.HasPrefix(l, "-"):
			cur.Deleted++
		}
	}
	return stats
}

func pathFromHeader(l string) string {
	rest := strings.TrimPrefix(l, "diff --git ")
	if i := strings.LastIndex(rest, " b/"); i >= 0 {
		return rest[i+3:]
	}
	return rest
}
