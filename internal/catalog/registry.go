// Package catalog defines the tool contract and the registry of built-in
// tools the agent can invoke. Every tool carries a descriptor for the LLM,
// an optional precondition checked before execution, and the execution body.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/session"
)

// State is the shared environment tools execute against.
type State struct {
	Browser    schemas.BrowserDriver
	Session    *session.Memory
	LLM        schemas.LLMClient
	Interactor schemas.Interactor
	Workspace  string
	Logger     *zap.Logger
}

// Tool couples a descriptor with its precondition and execution body.
// Precondition is optional; a non-nil return aborts the call before Execute.
type Tool struct {
	Descriptor   schemas.ToolDescriptor
	Precondition func(ctx context.Context, st *State, args map[string]any) error
	Execute      func(ctx context.Context, st *State, args map[string]any) (any, error)
}

// Registry maps tool names to tools.
type Registry struct {
	tools  map[string]*Tool
	logger *zap.Logger
}

// NewRegistry builds a registry preloaded with the built-in tool set.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.Named("catalog"),
	}
	for _, t := range builtins() {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Descriptor.Name] = t
}

// Resolve looks a tool up by name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", schemas.ErrUnknownTool, name)
	}
	return t, nil
}

// Descriptors returns all tool descriptors sorted by name, for prompting.
func (r *Registry) Descriptors() []schemas.ToolDescriptor {
	out := make([]schemas.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// codedError attaches a machine-readable code to an execution error.
type codedError struct {
	code schemas.ErrorCode
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode wraps err with an error code.
func WithCode(code schemas.ErrorCode, err error) error {
	return &codedError{code: code, err: err}
}

// CodeOf extracts the error code from err, classifying common cases when no
// explicit code was attached.
func CodeOf(err error) schemas.ErrorCode {
	if err == nil {
		return ""
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errors.Is(err, schemas.ErrUnknownTool):
		return schemas.ErrCodeUnknownTool
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrCodeTimeout
	default:
		return schemas.ErrCodeExecutionFailure
	}
}
