// Package state derives a session's live SessionState from its event log.
package state

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/joescharf/sidecar/internal/models"
)

// Limits caps the collections in a SessionState. After every event each
// collection keeps its newest entries only.
type Limits struct {
	MaxDecisions    int
	MaxErrors       int
	MaxQuestions    int
	MaxFileContexts int
	MaxProgress     int
}

// DefaultLimits returns the default collection caps.
func DefaultLimits() Limits {
	return Limits{
		MaxDecisions:    50,
		MaxErrors:       30,
		MaxQuestions:    20,
		MaxFileContexts: 100,
		MaxProgress:     20,
	}
}

// Result is the outcome of a fold. Malformed lists events whose payload could
// not be interpreted; they still advance LastSeq and EventCount.
type Result struct {
	State     *models.SessionState
	Malformed []error
}

var (
	completionRe = regexp.MustCompile(`(?i)\b(done|complete|completed|finished|implemented)\b`)
	becauseRe    = regexp.MustCompile(`(?i)\s*\bbecause\b\s*`)
)

const maxGoalText = 200

// Fold applies events with Seq > prev.LastSeq to a copy of prev. Events must
// be ordered and contiguous; a gap is an error and nothing is returned.
// Fold(Fold(s, a), b) equals Fold(s, a+b) for any split.
func Fold(prev *models.SessionState, events []models.SessionEvent, limits Limits) (Result, error) {
	st := prev.Clone()
	var malformed []error
	for _, e := range events {
		if e.Seq <= st.LastSeq {
			continue
		}
		if e.Seq != st.LastSeq+1 {
			return Result{}, fmt.Errorf("event gap in session %s: expected seq %d, got %d", st.SessionID, st.LastSeq+1, e.Seq)
		}
		if err := apply(st, e, limits); err != nil {
			malformed = append(malformed, fmt.Errorf("event %d (%s): %w", e.Seq, e.Kind, err))
		}
		st.LastSeq = e.Seq
		st.EventCount++
		st.UpdatedAt = e.Timestamp
		trim(st, limits)
	}
	return Result{State: st, Malformed: malformed}, nil
}

func apply(st *models.SessionState, e models.SessionEvent, limits Limits) error {
	switch e.Kind {
	case models.EventUserPrompt:
		return applyPrompt(st, e)
	case models.EventFileChange:
		return applyFileChange(st, e)
	case models.EventToolCall:
		return applyToolCall(st, e)
	case models.EventReasoning:
		return applyReasoning(st, e, limits)
	case models.EventUserFeedback:
		return applyFeedback(st, e, limits)
	case models.EventCheckpoint:
		cp, err := e.Checkpoint()
		if err != nil {
			return err
		}
		label := strings.TrimSpace(cp.Label)
		if label == "" {
			label = fmt.Sprintf("checkpoint at event %d", e.Seq)
		}
		addProgress(st, "Checkpoint: "+label, limits)
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

func applyPrompt(st *models.SessionState, e models.SessionEvent) error {
	p, err := e.UserPrompt()
	if err != nil {
		return err
	}
	text := clip(firstLine(p.Text), maxGoalText)
	if text == "" {
		return nil
	}
	source := models.GoalFromFollowUp
	if len(st.Goals) == 0 {
		source = models.GoalFromInitialPrompt
	}
	st.Goals = append(st.Goals, models.Goal{
		ID:          deriveID(e, "goal"),
		Description: text,
		Source:      source,
		CreatedSeq:  e.Seq,
	})
	return nil
}

func applyFileChange(st *models.SessionState, e models.SessionEvent) error {
	fc, err := e.FileChange()
	if err != nil {
		return err
	}
	ctx := st.FileContexts[fc.Path]
	if fc.Operation == models.FileRename && fc.OldPath != "" {
		if old, ok := st.FileContexts[fc.OldPath]; ok {
			ctx.ReadCount += old.ReadCount
			ctx.EditCount += old.EditCount
			if ctx.Summary == "" {
				ctx.Summary = old.Summary
			}
			delete(st.FileContexts, fc.OldPath)
		}
		ctx.RenamedFrom = fc.OldPath
	}
	ctx.Path = fc.Path
	ctx.LastOperation = fc.Operation
	ctx.Modified = true
	ctx.EditCount++
	ctx.LastSeq = e.Seq
	if s := strings.TrimSpace(fc.Summary); s != "" {
		ctx.Summary = s
	}
	st.FileContexts[fc.Path] = ctx
	return nil
}

func applyToolCall(st *models.SessionState, e models.SessionEvent) error {
	tc, err := e.ToolCall()
	if err != nil {
		return err
	}
	if tc.Success {
		for i := range st.Errors {
			if st.Errors[i].Tool == tc.Tool && !st.Errors[i].Resolved {
				st.Errors[i].Resolved = true
			}
		}
	} else {
		msg := strings.TrimSpace(tc.Error)
		if msg == "" {
			msg = fmt.Sprintf("%s failed", tc.Tool)
		}
		st.Errors = append(st.Errors, models.ErrorEntry{
			ID:      deriveID(e, "error"),
			Seq:     e.Seq,
			Tool:    tc.Tool,
			Message: clip(msg, 500),
		})
	}
	for _, path := range tc.FilesRead {
		if path == "" {
			continue
		}
		ctx := st.FileContexts[path]
		ctx.Path = path
		ctx.ReadCount++
		ctx.LastSeq = e.Seq
		st.FileContexts[path] = ctx
	}
	return nil
}

func applyReasoning(st *models.SessionState, e models.SessionEvent, limits Limits) error {
	r, err := e.Reasoning()
	if err != nil {
		return err
	}
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return nil
	}

	if r.DecisionType != "" || becauseRe.MatchString(content) {
		choice, rationale := content, ""
		if parts := becauseRe.Split(content, 2); len(parts) == 2 {
			choice = strings.TrimSpace(parts[0])
			rationale = strings.TrimSpace(parts[1])
			if choice == "" {
				choice = rationale
				rationale = ""
			}
		}
		st.Decisions = append(st.Decisions, models.Decision{
			ID:        deriveID(e, "decision"),
			Seq:       e.Seq,
			Choice:    clip(choice, 300),
			Rationale: clip(rationale, 500),
			Category:  r.DecisionType,
		})
	}

	if completionRe.MatchString(content) {
		if g := st.CurrentGoal(); g != nil {
			g.Completed = true
			g.Progress = appendCapped(g.Progress, clip(firstLine(content), maxGoalText), limits.MaxProgress)
		}
	}

	for i, q := range questions(content) {
		st.OpenQuestions = append(st.OpenQuestions, models.OpenQuestion{
			ID:       deriveID(e, fmt.Sprintf("question-%d", i)),
			Seq:      e.Seq,
			Question: clip(q, 300),
		})
	}
	return nil
}

func applyFeedback(st *models.SessionState, e models.SessionEvent, limits Limits) error {
	fb, err := e.UserFeedback()
	if err != nil {
		return err
	}
	comment := strings.TrimSpace(fb.Comment)
	switch fb.Type {
	case models.FeedbackDeny:
		if comment == "" {
			return nil
		}
		st.Decisions = append(st.Decisions, models.Decision{
			ID:       deriveID(e, "decision"),
			Seq:      e.Seq,
			Choice:   clip("User denied: "+comment, 300),
			Category: "feedback",
		})
	case models.FeedbackAnnotate:
		if comment == "" {
			return nil
		}
		for i := range st.OpenQuestions {
			if !st.OpenQuestions[i].Answered() {
				st.OpenQuestions[i].Answer = clip(comment, 500)
				return nil
			}
		}
		addProgress(st, "Note: "+comment, limits)
	case models.FeedbackModify:
		note := "User modified"
		if fb.TargetTool != "" {
			note += " " + fb.TargetTool
		}
		if comment != "" {
			note += ": " + comment
		}
		addProgress(st, note, limits)
	case models.FeedbackApprove:
	default:
		return fmt.Errorf("unknown feedback type %q", fb.Type)
	}
	return nil
}

func addProgress(st *models.SessionState, note string, limits Limits) {
	g := st.CurrentGoal()
	if g == nil {
		return
	}
	g.Progress = appendCapped(g.Progress, clip(note, maxGoalText), limits.MaxProgress)
}

func appendCapped(list []string, v string, max int) []string {
	list = append(list, v)
	if max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func trim(st *models.SessionState, limits Limits) {
	if n := limits.MaxDecisions; n > 0 && len(st.Decisions) > n {
		st.Decisions = st.Decisions[len(st.Decisions)-n:]
	}
	if n := limits.MaxErrors; n > 0 && len(st.Errors) > n {
		st.Errors = st.Errors[len(st.Errors)-n:]
	}
	if n := limits.MaxQuestions; n > 0 && len(st.OpenQuestions) > n {
		st.OpenQuestions = st.OpenQuestions[len(st.OpenQuestions)-n:]
	}
	if n := limits.MaxFileContexts; n > 0 && len(st.FileContexts) > n {
		files := make([]models.FileContext, 0, len(st.FileContexts))
		for _, fc := range st.FileContexts {
			files = append(files, fc)
		}
		sortByRecency(files)
		for _, fc := range files[n:] {
			delete(st.FileContexts, fc.Path)
		}
	}
}

// sortByRecency orders newest first, breaking ties by path.
func sortByRecency(files []models.FileContext) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].LastSeq != files[j].LastSeq {
			return files[i].LastSeq > files[j].LastSeq
		}
		return files[i].Path < files[j].Path
	})
}

// questions returns the sentences of text that end in a question mark.
func questions(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' && c != '\n' {
			continue
		}
		if c != '\n' && i+1 < len(text) && text[i+1] != ' ' && text[i+1] != '\n' {
			continue
		}
		sentence := strings.TrimSpace(text[start : i+1])
		if c == '?' && len(sentence) > 1 {
			out = append(out, sentence)
		}
		start = i + 1
	}
	return out
}

func deriveID(e models.SessionEvent, suffix string) string {
	sum := blake3.Sum256([]byte(e.ID + "/" + suffix))
	return hex.EncodeToString(sum[:8])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
