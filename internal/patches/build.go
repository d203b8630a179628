package patches

import (
	"context"
	"strings"

	"github.com/joescharf/sidecar/internal/boundary"
	"github.com/joescharf/sidecar/internal/diff"
	"github.com/joescharf/sidecar/internal/models"
)

type fileState struct {
	oldPath string
	path    string
	before  string
	after   string
	created bool
	deleted bool
	order   int
}

// buildDiff resolves each touched file's content before the segment's first
// change and after its last, and renders the unified diff. Content comes
// from the events when captured, else from earlier events, else from git
// HEAD, else from disk.
func buildDiff(ctx context.Context, seg boundary.Segment, ws Workspace, hist *history) (string, error) {
	files := make(map[string]*fileState)
	var order []*fileState

	baseline := func(path string, seq int64) (string, error) {
		if content, ok, err := hist.contentBefore(ctx, path, seq); err != nil || ok {
			return content, err
		}
		if content, ok := ws.HeadContent(ws.Rel(path)); ok {
			return content, nil
		}
		return "", nil
	}

	for _, c := range seg.Changes {
		path := ws.Rel(c.Path)
		fs := files[path]

		if c.Operation == models.FileRename && c.OldPath != "" {
			oldPath := ws.Rel(c.OldPath)
			if prev, ok := files[oldPath]; ok {
				delete(files, oldPath)
				fs = prev
			} else {
				before, err := baseline(oldPath, c.Seq)
				if err != nil {
					return "", err
				}
				fs = &fileState{oldPath: oldPath, before: before, after: before, order: len(order)}
				order = append(order, fs)
			}
			fs.path = path
			files[path] = fs
		}

		if fs == nil {
			fs = &fileState{oldPath: path, path: path, order: len(order)}
			switch {
			case c.Before != nil:
				fs.before = *c.Before
			case c.Operation == models.FileCreate:
				fs.created = true
			default:
				before, err := baseline(path, c.Seq)
				if err != nil {
					return "", err
				}
				fs.before = before
			}
			fs.after = fs.before
			files[path] = fs
			order = append(order, fs)
		}

		switch {
		case c.Operation == models.FileDelete:
			fs.deleted = true
			fs.after = ""
		case c.After != nil:
			fs.deleted = false
			fs.after = *c.After
		default:
			fs.deleted = false
			if content, ok := ws.ReadFile(path); ok {
				fs.after = content
			}
		}
	}

	var b strings.Builder
	for _, fs := range order {
		if files[fs.path] != fs {
			continue
		}
		if fs.created && fs.deleted {
			continue
		}
		text, _ := diff.Unified(diff.File{
			OldPath: fs.oldPath,
			NewPath: fs.path,
			Old:     fs.before,
			New:     fs.after,
			Created: fs.created,
			Deleted: fs.deleted,
		}, diff.DefaultContext)
		b.WriteString(text)
	}
	return b.String(), nil
}
