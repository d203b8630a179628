// Package synthesis turns staged patches into commit messages and sessions
// into summaries.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

// BackendTemplate is the name of the built-in rule-based backend.
const BackendTemplate = "template"

// ErrorKind classifies synthesis failures surfaced to callers.
type ErrorKind string

const (
	KindCancelled     ErrorKind = "cancelled"
	KindMisconfigured ErrorKind = "misconfigured"
	KindNotFound      ErrorKind = "not_found"
)

// Error is a synthesis failure that could not be recovered by fallback.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesis %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Input is what a backend sees for one patch.
type Input struct {
	SessionID string
	PatchID   string
	Diff      string
	Files     []string
	Context   string
}

// Backend produces a commit message for one patch.
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, in Input) (string, error)
}

// SummaryInput is what a backend sees for a whole session.
type SummaryInput struct {
	SessionID   string
	Request     string
	Narrative   string
	Files       []string
	Commits     []string
	Events      int
	Checkpoints int
}

// Summarizer is implemented by backends that can also summarize a session.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (string, error)
}

// Result is a synthesized message and how it was obtained.
type Result struct {
	Text           string `json:"text"`
	Backend        string `json:"backend"`
	FellBack       bool   `json:"fell_back"`
	Attempts       int    `json:"attempts"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// PatchSource looks up staged patches.
type PatchSource interface {
	GetPatch(ctx context.Context, id string) (*models.StagedPatch, error)
}

// StateSource supplies the session narrative used as prompt context.
type StateSource interface {
	State(ctx context.Context, sessionID string) (*models.SessionState, error)
}

// Config selects the default backend and bounds each call.
type Config struct {
	Backend string
	Timeout time.Duration
	Retry   jobs.RetryPolicy
}

// DefaultConfig returns the template backend with a 30s timeout.
func DefaultConfig() Config {
	return Config{
		Backend: BackendTemplate,
		Timeout: 30 * time.Second,
		Retry:   jobs.DefaultRetryPolicy(),
	}
}

// Engine runs synthesis requests. It performs no storage writes.
type Engine struct {
	patches  PatchSource
	states   StateSource
	cfg      Config
	logger   *slog.Logger
	template Template
	backends map[string]Backend
}

// NewEngine creates an Engine with only the template backend registered.
func NewEngine(patches PatchSource, states StateSource, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendTemplate
	}
	return &Engine{
		patches:  patches,
		states:   states,
		cfg:      cfg,
		logger:   logger,
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under its Name.
func (e *Engine) Register(b Backend) {
	e.backends[b.Name()] = b
}

// Backends returns the registered backend names, template included.
func (e *Engine) Backends() []string {
	names := []string{BackendTemplate}
	for name := range e.backends {
		if name != BackendTemplate {
			names = append(names, name)
		}
	}
	return names
}

// Synthesize produces a commit message for patchID. override selects a
// backend for this call only. A backend that keeps failing or times out falls
// back to the template; cancellation of ctx is returned as KindCancelled.
func (e *Engine) Synthesize(ctx context.Context, sessionID, patchID, override string) (*Result, error) {
	p, err := e.patches.GetPatch(ctx, patchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
		}
		return nil, fmt.Errorf("get patch: %w", err)
	}
	if sessionID != "" && p.SessionID != sessionID {
		return nil, &Error{Kind: KindNotFound, Err: fmt.Errorf("patch %s is not in session %s", patchID, sessionID)}
	}

	in := Input{SessionID: p.SessionID, PatchID: p.ID, Diff: p.Diff, Files: p.Files}
	if e.states != nil {
		if st, err := e.states.State(ctx, p.SessionID); err == nil {
			in.Context = st.Narrative
		} else {
			e.logger.Debug("no session context for synthesis", "session", p.SessionID, "error", err)
		}
	}

	return e.generate(ctx, override, "patch", patchID,
		func(ctx context.Context, b Backend) (string, error) { return b.Synthesize(ctx, in) },
		func() (string, error) { return e.template.Synthesize(ctx, in) })
}

// Summarize produces a session summary. Backends without summary support,
// and backends that keep failing, fall back to the template summary.
func (e *Engine) Summarize(ctx context.Context, in SummaryInput, override string) (*Result, error) {
	return e.generate(ctx, override, "session", in.SessionID,
		func(ctx context.Context, b Backend) (string, error) {
			sum, ok := b.(Summarizer)
			if !ok {
				return "", jobs.Permanent(fmt.Errorf("backend %s cannot summarize sessions", b.Name()))
			}
			return sum.Summarize(ctx, in)
		},
		func() (string, error) { return TemplateSummary(in), nil })
}

// generate runs call on the selected backend with timeout and retry, and
// falls back to the template when the backend gives up.
func (e *Engine) generate(ctx context.Context, override, subject, id string,
	call func(context.Context, Backend) (string, error), template func() (string, error)) (*Result, error) {
	name := e.cfg.Backend
	if override != "" {
		name = override
	}
	if name == BackendTemplate {
		text, err := template()
		if err != nil {
			return nil, err
		}
		return &Result{Text: text, Backend: BackendTemplate, Attempts: 1}, nil
	}

	b, ok := e.backends[name]
	if !ok {
		return nil, &Error{Kind: KindMisconfigured, Err: fmt.Errorf("unknown synthesis backend %q", name)}
	}

	res, berr := e.tryBackend(ctx, b, call)
	if berr == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
	}

	e.logger.Warn("synthesis backend failed, using template", "backend", name, subject, id, "attempts", res.Attempts, "error", berr)
	text, err := template()
	if err != nil {
		return nil, err
	}
	return &Result{
		Text:           text,
		Backend:        BackendTemplate,
		FellBack:       true,
		Attempts:       res.Attempts,
		FallbackReason: berr.Error(),
	}, nil
}

func (e *Engine) tryBackend(ctx context.Context, b Backend, call func(context.Context, Backend) (string, error)) (*Result, error) {
	bctx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	res := &Result{Backend: b.Name()}
	err := e.cfg.Retry.Do(bctx, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		text, err := call(ctx, b)
		if err != nil {
			e.logger.Debug("synthesis attempt failed", "backend", b.Name(), "attempt", attempt, "error", err)
			return err
		}
		res.Text = text
		return nil
	})
	return res, err
}
