// Package boundary segments a session's event stream into reviewable
// commit-sized ranges.
package boundary

import (
	"fmt"
	"time"

	"github.com/joescharf/sidecar/internal/models"
)

// Config holds the heuristic thresholds. A zero value disables that rule.
type Config struct {
	IdleGap       time.Duration
	ClusterSize   int
	ClusterWindow time.Duration
}

// DefaultConfig returns the configured defaults.
func DefaultConfig() Config {
	return Config{
		IdleGap:       10 * time.Minute,
		ClusterSize:   8,
		ClusterWindow: 2 * time.Minute,
	}
}

// Options controls how the open tail of the range is treated.
type Options struct {
	// Final closes the tail unconditionally with reason session_end.
	Final bool
	// Now, when set, lets elapsed wall time close the tail: the idle gap
	// since the last event, or an armed cluster whose window has passed.
	Now time.Time
}

// Change is one decoded FileChange inside a segment.
type Change struct {
	Seq       int64
	Timestamp time.Time
	models.FileChangePayload
}

// Segment is a closed, promotable range of events.
type Segment struct {
	StartSeq int64
	EndSeq   int64
	Reason   models.BoundaryReason
	Changes  []Change
}

// Files returns the distinct paths the segment touches, in first-touch order.
func (s Segment) Files() []string {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, c := range s.Changes {
		if c.Operation == models.FileRename {
			add(c.OldPath)
		}
		add(c.Path)
	}
	return files
}

// DetectionError reports a segment skipped because its events could not be
// decoded.
type DetectionError struct {
	StartSeq int64
	EndSeq   int64
	Err      error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("segment [%d, %d] skipped: %v", e.StartSeq, e.EndSeq, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Result is the outcome of one detection pass.
type Result struct {
	// Segments are the promoted segments in order. Closed segments without
	// any FileChange are folded into the start of the next promoted segment,
	// so consecutive segments are contiguous.
	Segments []Segment
	Skipped  []*DetectionError
	// Consumed is the EndSeq of the last promoted segment, or 0.
	Consumed int64
}

type rawSegment struct {
	events  []models.SessionEvent
	reason  models.BoundaryReason
	changes []Change
	err     error
}

type detector struct {
	cfg    Config
	closed []rawSegment

	cur      []models.SessionEvent
	changes  []Change
	files    map[string]bool
	armed    bool
	lastEdit int
	editAt   time.Time
	err      error
}

// Detect partitions events (ascending by Seq) into segments. The result
// depends only on its inputs, so re-running it over the same range yields
// the same boundaries.
func Detect(events []models.SessionEvent, cfg Config, opts Options) Result {
	d := &detector{cfg: cfg}
	d.reset()

	for _, e := range events {
		d.add(e)
	}

	if len(d.cur) > 0 {
		last := d.cur[len(d.cur)-1]
		switch {
		case opts.Final:
			d.close(len(d.cur), models.BoundarySessionEnd)
		case !opts.Now.IsZero() && cfg.IdleGap > 0 && opts.Now.Sub(last.Timestamp) > cfg.IdleGap:
			d.close(len(d.cur), models.BoundaryIdleGap)
		case !opts.Now.IsZero() && d.clusterExpired(opts.Now):
			d.closeCluster()
		}
	}

	return d.promote()
}

func (d *detector) reset() {
	d.cur = nil
	d.changes = nil
	d.files = make(map[string]bool)
	d.armed = false
	d.lastEdit = -1
	d.editAt = time.Time{}
	d.err = nil
}

func (d *detector) add(e models.SessionEvent) {
	if e.Kind == models.EventCheckpoint {
		d.cur = append(d.cur, e)
		d.close(len(d.cur), models.BoundaryCheckpoint)
		return
	}

	if len(d.cur) > 0 {
		prev := d.cur[len(d.cur)-1]
		if d.cfg.IdleGap > 0 && e.Timestamp.Sub(prev.Timestamp) > d.cfg.IdleGap {
			d.close(len(d.cur), models.BoundaryIdleGap)
		} else if d.clusterExpired(e.Timestamp) {
			d.closeCluster()
		}
	}

	d.cur = append(d.cur, e)
	if e.Kind != models.EventFileChange {
		return
	}
	fc, err := e.FileChange()
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return
	}
	d.changes = append(d.changes, Change{Seq: e.Seq, Timestamp: e.Timestamp, FileChangePayload: *fc})
	d.files[fc.Path] = true
	d.lastEdit = len(d.cur) - 1
	d.editAt = e.Timestamp
	if d.cfg.ClusterSize > 0 && len(d.files) > d.cfg.ClusterSize {
		d.armed = true
	}
}

func (d *detector) clusterExpired(at time.Time) bool {
	return d.armed && d.cfg.ClusterWindow > 0 && at.Sub(d.editAt) > d.cfg.ClusterWindow
}

// closeCluster closes the segment right after the cluster's last edit and
// carries any later events into the next segment.
func (d *detector) closeCluster() {
	rest := append([]models.SessionEvent(nil), d.cur[d.lastEdit+1:]...)
	d.close(d.lastEdit+1, models.BoundaryChangeCluster)
	d.cur = rest
}

// close ends the current segment after its first n events.
func (d *detector) close(n int, reason models.BoundaryReason) {
	seg := rawSegment{
		events:  d.cur[:n],
		reason:  reason,
		changes: d.changes,
		err:     d.err,
	}
	d.closed = append(d.closed, seg)
	d.reset()
}

func (d *detector) promote() Result {
	var res Result
	var carry int64

	for _, seg := range d.closed {
		start := seg.events[0].Seq
		end := seg.events[len(seg.events)-1].Seq
		if carry == 0 {
			carry = start
		}

		if seg.err != nil {
			res.Skipped = append(res.Skipped, &DetectionError{StartSeq: start, EndSeq: end, Err: seg.err})
			continue
		}
		if len(seg.changes) == 0 {
			continue
		}

		res.Segments = append(res.Segments, Segment{
			StartSeq: carry,
			EndSeq:   end,
			Reason:   seg.reason,
			Changes:  seg.changes,
		})
		res.Consumed = end
		carry = 0
	}
	return res
}
