package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the payload type of a SessionEvent.
type EventKind string

const (
	EventFileChange   EventKind = "file_change"
	EventToolCall     EventKind = "tool_call"
	EventReasoning    EventKind = "reasoning"
	EventUserFeedback EventKind = "user_feedback"
	EventCheckpoint   EventKind = "checkpoint"
	EventUserPrompt   EventKind = "user_prompt"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventFileChange, EventToolCall, EventReasoning, EventUserFeedback, EventCheckpoint, EventUserPrompt:
		return true
	}
	return false
}

// SessionEvent is one immutable entry in a session's event log.
// Ordering is by Seq, never by Timestamp.
type SessionEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// FileOperation is the kind of change a FileChange event records.
type FileOperation string

const (
	FileCreate FileOperation = "create"
	FileModify FileOperation = "modify"
	FileDelete FileOperation = "delete"
	FileRename FileOperation = "rename"
)

// FileChangePayload describes an edit to one file. Before and After carry
// full file content when the capture side has it.
type FileChangePayload struct {
	Path      string        `json:"path"`
	Operation FileOperation `json:"operation"`
	OldPath   string        `json:"old_path,omitempty"`
	Before    *string       `json:"before,omitempty"`
	After     *string       `json:"after,omitempty"`
	Summary   string        `json:"summary,omitempty"`
}

type ToolCallPayload struct {
	Tool      string   `json:"tool"`
	Args      string   `json:"args,omitempty"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	FilesRead []string `json:"files_read,omitempty"`
}

type ReasoningPayload struct {
	Content      string `json:"content"`
	DecisionType string `json:"decision_type,omitempty"`
}

// FeedbackType is the user's response to an agent action.
type FeedbackType string

const (
	FeedbackApprove  FeedbackType = "approve"
	FeedbackDeny     FeedbackType = "deny"
	FeedbackModify   FeedbackType = "modify"
	FeedbackAnnotate FeedbackType = "annotate"
)

type UserFeedbackPayload struct {
	Type       FeedbackType `json:"type"`
	TargetTool string       `json:"target_tool,omitempty"`
	Comment    string       `json:"comment,omitempty"`
}

type CheckpointPayload struct {
	Label string `json:"label,omitempty"`
}

type UserPromptPayload struct {
	Text string `json:"text"`
}

// NewEvent builds an unsequenced event with the payload marshaled to JSON.
// The capture log assigns ID and Seq on append.
func NewEvent(sessionID string, ts time.Time, kind EventKind, payload any) (SessionEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SessionEvent{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return SessionEvent{SessionID: sessionID, Timestamp: ts.UTC(), Kind: kind, Payload: raw}, nil
}

func decodePayload[T any](e SessionEvent, want EventKind) (*T, error) {
	if e.Kind != want {
		return nil, fmt.Errorf("event %d is %s, not %s", e.Seq, e.Kind, want)
	}
	var p T
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload at seq %d: %w", want, e.Seq, err)
	}
	return &p, nil
}

// FileChange decodes the payload of a file_change event.
func (e SessionEvent) FileChange() (*FileChangePayload, error) {
	p, err := decodePayload[FileChangePayload](e, EventFileChange)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("file_change at seq %d has no path", e.Seq)
	}
	if p.Operation == "" {
		p.Operation = FileModify
	}
	return p, nil
}

func (e SessionEvent) ToolCall() (*ToolCallPayload, error) {
	return decodePayload[ToolCallPayload](e, EventToolCall)
}

func (e SessionEvent) Reasoning() (*ReasoningPayload, error) {
	return decodePayload[ReasoningPayload](e, EventReasoning)
}

func (e SessionEvent) UserFeedback() (*UserFeedbackPayload, error) {
	return decodePayload[UserFeedbackPayload](e, EventUserFeedback)
}

func (e SessionEvent) Checkpoint() (*CheckpointPayload, error) {
	return decodePayload[CheckpointPayload](e, EventCheckpoint)
}

func (e SessionEvent) UserPrompt() (*UserPromptPayload, error) {
	return decodePayload[UserPromptPayload](e, EventUserPrompt)
}
