package models

import "time"

// GoalSource records where a goal came from.
type GoalSource string

const (
	GoalFromInitialPrompt GoalSource = "initial_prompt"
	GoalFromFollowUp      GoalSource = "follow_up"
)

type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Source      GoalSource `json:"source"`
	Completed   bool       `json:"completed"`
	CreatedSeq  int64      `json:"created_seq"`
	Progress    []string   `json:"progress,omitempty"`
}

type Decision struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Choice    string `json:"choice"`
	Rationale string `json:"rationale,omitempty"`
	Category  string `json:"category,omitempty"`
}

type ErrorEntry struct {
	ID       string `json:"id"`
	Seq      int64  `json:"seq"`
	Tool     string `json:"tool,omitempty"`
	Message  string `json:"message"`
	Resolved bool   `json:"resolved"`
}

type OpenQuestion struct {
	ID       string `json:"id"`
	Seq      int64  `json:"seq"`
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// Answered reports whether the question has received an answer.
func (q OpenQuestion) Answered() bool { return q.Answer != "" }

type FileContext struct {
	Path          string        `json:"path"`
	LastOperation FileOperation `json:"last_operation,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	Modified      bool          `json:"modified"`
	ReadCount     int           `json:"read_count"`
	EditCount     int           `json:"edit_count"`
	LastSeq       int64         `json:"last_seq"`
	RenamedFrom   string        `json:"renamed_from,omitempty"`
}

// SessionState is the live summary derived from a session's event log.
// LastSeq is the offset of the last folded event; UpdatedAt is that
// event's timestamp, never wall-clock time.
type SessionState struct {
	SessionID     string                 `json:"session_id"`
	LastSeq       int64                  `json:"last_seq"`
	EventCount    int                    `json:"event_count"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Goals         []Goal                 `json:"goals"`
	Narrative     string                 `json:"narrative"`
	Decisions     []Decision             `json:"decisions"`
	Errors        []ErrorEntry           `json:"errors"`
	OpenQuestions []OpenQuestion         `json:"open_questions"`
	FileContexts  map[string]FileContext `json:"file_contexts"`
}

// NewSessionState returns the empty state a session starts with.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:     sessionID,
		Goals:         []Goal{},
		Decisions:     []Decision{},
		Errors:        []ErrorEntry{},
		OpenQuestions: []OpenQuestion{},
		FileContexts:  map[string]FileContext{},
	}
}

// Clone returns a deep copy so a fold never aliases a published state.
func (s *SessionState) Clone() *SessionState {
	c := *s
	c.Goals = make([]Goal, len(s.Goals))
	for i, g := range s.Goals {
		g.Progress = append([]string(nil), g.Progress...)
		c.Goals[i] = g
	}
	c.Decisions = append([]Decision{}, s.Decisions...)
	c.Errors = append([]ErrorEntry{}, s.Errors...)
	c.OpenQuestions = append([]OpenQuestion{}, s.OpenQuestions...)
	c.FileContexts = make(map[string]FileContext, len(s.FileContexts))
	for k, v := range s.FileContexts {
		c.FileContexts[k] = v
	}
	return &c
}

// CurrentGoal returns the most recent incomplete goal, or nil.
func (s *SessionState) CurrentGoal() *Goal {
	for i := len(s.Goals) - 1; i >= 0; i-- {
		if !s.Goals[i].Completed {
			return &s.Goals[i]
		}
	}
	return nil
}

// Snapshot is a persisted SessionState at a log offset.
type Snapshot struct {
	SessionID string
	LastSeq   int64
	State     *SessionState
	CreatedAt time.Time
}
