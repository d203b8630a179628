// Package llm wraps the text-generation providers sidecar can use for
// commit messages, narratives and documentation updates.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is one text-generation call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
}

// Generator is a text-generation provider.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindTransport ErrorKind = "transport"
	KindResponse  ErrorKind = "response"
	KindTimeout   ErrorKind = "timeout"
)

// BackendError is a failed provider call.
type BackendError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func backendError(provider string, kind ErrorKind, err error) *BackendError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &BackendError{Provider: provider, Kind: kind, Err: err}
}

func statusKind(status int) ErrorKind {
	switch status {
	case 401, 403:
		return KindAuth
	case 0:
		return KindTransport
	default:
		if status >= 500 || status == 429 {
			return KindTransport
		}
		return KindResponse
	}
}

// StripFences removes a surrounding markdown code fence from model output.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = ""
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

func defaultMaxTokens(n int64) int64 {
	if n <= 0 {
		return 1024
	}
	return n
}
