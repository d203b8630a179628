package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func ev(t *testing.T, seq int64, kind models.EventKind, payload any) models.SessionEvent {
	t.Helper()
	e, err := models.NewEvent("s1", base.Add(time.Duration(seq)*time.Second), kind, payload)
	require.NoError(t, err)
	e.ID = fmt.Sprintf("ev-%d", seq)
	e.Seq = seq
	return e
}

func scenario(t *testing.T) []models.SessionEvent {
	t.Helper()
	return []models.SessionEvent{
		ev(t, 1, models.EventUserPrompt, models.UserPromptPayload{Text: "Add a JSON parser to the config loader\nwith tests"}),
		ev(t, 2, models.EventToolCall, models.ToolCallPayload{Tool: "read", Success: true, FilesRead: []string{"config.go"}}),
		ev(t, 3, models.EventReasoning, models.ReasoningPayload{Content: "Use encoding/json because the format is simple."}),
		ev(t, 4, models.EventFileChange, models.FileChangePayload{Path: "parser.go", Operation: models.FileCreate, Summary: "parser"}),
		ev(t, 5, models.EventToolCall, models.ToolCallPayload{Tool: "go test", Success: false, Error: "undefined: Parse"}),
		ev(t, 6, models.EventReasoning, models.ReasoningPayload{Content: "Should the parser accept comments? Probably not."}),
		ev(t, 7, models.EventFileChange, models.FileChangePayload{Path: "parser.go"}),
		ev(t, 8, models.EventToolCall, models.ToolCallPayload{Tool: "go test", Success: true}),
		ev(t, 9, models.EventUserFeedback, models.UserFeedbackPayload{Type: models.FeedbackAnnotate, Comment: "No comments needed"}),
		ev(t, 10, models.EventUserFeedback, models.UserFeedbackPayload{Type: models.FeedbackDeny, TargetTool: "edit", Comment: "don't touch main.go"}),
		ev(t, 11, models.EventCheckpoint, models.CheckpointPayload{Label: "parser working"}),
		ev(t, 12, models.EventFileChange, models.FileChangePayload{Path: "jsonparse.go", Operation: models.FileRename, OldPath: "parser.go"}),
		ev(t, 13, models.EventUserPrompt, models.UserPromptPayload{Text: "Now add tests"}),
		ev(t, 14, models.EventReasoning, models.ReasoningPayload{Content: "Tests are finished."}),
	}
}

func TestFoldScenario(t *testing.T) {
	res, err := Fold(models.NewSessionState("s1"), scenario(t), DefaultLimits())
	require.NoError(t, err)
	assert.Empty(t, res.Malformed)
	st := res.State

	assert.Equal(t, int64(14), st.LastSeq)
	assert.Equal(t, 14, st.EventCount)
	assert.Equal(t, base.Add(14*time.Second), st.UpdatedAt)
	assert.Empty(t, st.Narrative)

	require.Len(t, st.Goals, 2)
	assert.Equal(t, "Add a JSON parser to the config loader", st.Goals[0].Description)
	assert.Equal(t, models.GoalFromInitialPrompt, st.Goals[0].Source)
	assert.False(t, st.Goals[0].Completed)
	assert.Equal(t, []string{"Checkpoint: parser working"}, st.Goals[0].Progress)
	assert.Equal(t, models.GoalFromFollowUp, st.Goals[1].Source)
	assert.True(t, st.Goals[1].Completed)

	require.Len(t, st.Decisions, 2)
	assert.Equal(t, "Use encoding/json", st.Decisions[0].Choice)
	assert.Equal(t, "the format is simple.", st.Decisions[0].Rationale)
	assert.Equal(t, "User denied: don't touch main.go", st.Decisions[1].Choice)

	require.Len(t, st.Errors, 1)
	assert.Equal(t, "go test", st.Errors[0].Tool)
	assert.Equal(t, "undefined: Parse", st.Errors[0].Message)
	assert.True(t, st.Errors[0].Resolved)

	require.Len(t, st.OpenQuestions, 1)
	assert.Equal(t, "Should the parser accept comments?", st.OpenQuestions[0].Question)
	assert.Equal(t, "No comments needed", st.OpenQuestions[0].Answer)

	assert.NotContains(t, st.FileContexts, "parser.go")
	renamed := st.FileContexts["jsonparse.go"]
	assert.Equal(t, "parser.go", renamed.RenamedFrom)
	assert.Equal(t, models.FileRename, renamed.LastOperation)
	assert.Equal(t, 3, renamed.EditCount)
	assert.Equal(t, "parser", renamed.Summary)
	assert.Equal(t, 1, st.FileContexts["config.go"].ReadCount)
	assert.False(t, st.FileContexts["config.go"].Modified)
}

func TestFoldSplitMatchesSinglePass(t *testing.T) {
	events := scenario(t)
	limits := Limits{MaxDecisions: 1, MaxErrors: 1, MaxQuestions: 1, MaxFileContexts: 2, MaxProgress: 1}

	whole, err := Fold(models.NewSessionState("s1"), events, limits)
	require.NoError(t, err)

	for k := 0; k <= len(events); k++ {
		first, err := Fold(models.NewSessionState("s1"), events[:k], limits)
		require.NoError(t, err)
		second, err := Fold(first.State, events[k:], limits)
		require.NoError(t, err)
		assert.Equal(t, whole.State, second.State, "split at %d", k)
	}
}

func TestFoldDoesNotMutateInput(t *testing.T) {
	events := scenario(t)
	first, err := Fold(models.NewSessionState("s1"), events[:5], DefaultLimits())
	require.NoError(t, err)
	before := first.State.Clone()

	_, err = Fold(first.State, events[5:], DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, before, first.State)
}

func TestFoldSkipsFoldedAndRejectsGaps(t *testing.T) {
	events := scenario(t)
	first, err := Fold(models.NewSessionState("s1"), events[:4], DefaultLimits())
	require.NoError(t, err)

	again, err := Fold(first.State, events[:4], DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, first.State, again.State)

	_, err = Fold(first.State, events[5:], DefaultLimits())
	assert.ErrorContains(t, err, "expected seq 5, got 6")
}

func TestFoldMalformedEventAdvances(t *testing.T) {
	events := []models.SessionEvent{
		ev(t, 1, models.EventFileChange, models.FileChangePayload{Operation: models.FileModify}),
		ev(t, 2, models.EventFileChange, models.FileChangePayload{Path: "a.go"}),
	}
	events = append(events, models.SessionEvent{ID: "ev-3", SessionID: "s1", Seq: 3, Kind: "bogus", Payload: []byte(`{}`), Timestamp: base})

	res, err := Fold(models.NewSessionState("s1"), events, DefaultLimits())
	require.NoError(t, err)
	assert.Len(t, res.Malformed, 2)
	assert.Equal(t, int64(3), res.State.LastSeq)
	assert.Contains(t, res.State.FileContexts, "a.go")
}

func TestFoldCapsKeepNewest(t *testing.T) {
	var events []models.SessionEvent
	for i := int64(1); i <= 60; i++ {
		events = append(events, ev(t, i, models.EventReasoning, models.ReasoningPayload{
			Content:      fmt.Sprintf("choice %d", i),
			DecisionType: "design",
		}))
	}
	res, err := Fold(models.NewSessionState("s1"), events, DefaultLimits())
	require.NoError(t, err)
	require.Len(t, res.State.Decisions, 50)
	assert.Equal(t, int64(11), res.State.Decisions[0].Seq)
	assert.Equal(t, "choice 60", res.State.Decisions[49].Choice)
	assert.Equal(t, "design", res.State.Decisions[49].Category)
}

func TestFoldDerivedIDsAreStable(t *testing.T) {
	a, err := Fold(models.NewSessionState("s1"), scenario(t), DefaultLimits())
	require.NoError(t, err)
	b, err := Fold(models.NewSessionState("s1"), scenario(t), DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, a.State.Goals[0].ID, b.State.Goals[0].ID)
	assert.Len(t, a.State.Goals[0].ID, 16)
	assert.NotEqual(t, a.State.Goals[0].ID, a.State.Goals[1].ID)
}

func TestQuestions(t *testing.T) {
	assert.Equal(t, []string{"Is it safe?", "Why?"}, questions("Is it safe? It compiles. Why?"))
	assert.Empty(t, questions("Version 1.2 is fine."))
	assert.Equal(t, []string{"Use a map?"}, questions("Use a map?\nor a slice"))
}

func TestRuleNarrator(t *testing.T) {
	res, err := Fold(models.NewSessionState("s1"), scenario(t)[:12], DefaultLimits())
	require.NoError(t, err)

	text, err := RuleNarrator{}.Narrate(t.Context(), res.State, nil)
	require.NoError(t, err)
	assert.Contains(t, text, "Working on: Add a JSON parser to the config loader.")
	assert.Contains(t, text, "recent: jsonparse.go")
	assert.Contains(t, text, "Latest decision: User denied: don't touch main.go")

	again, err := RuleNarrator{}.Narrate(t.Context(), res.State, nil)
	require.NoError(t, err)
	assert.Equal(t, text, again)

	empty, err := RuleNarrator{}.Narrate(t.Context(), models.NewSessionState("s1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "0 events captured.", empty)
}
