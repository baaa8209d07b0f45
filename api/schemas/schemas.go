// Package schemas holds the data model shared by the planning, coordination
// and execution layers, plus the contracts steersman consumes from its
// collaborators (browser driver, language model, human interaction).
package schemas

import (
	"time"
)

// Milestone is a coarse, user-meaningful goal produced by the planner. It is
// immutable once issued and consumed exactly once by the orchestrator.
type Milestone struct {
	Description        string `json:"description"`
	CompletionCriteria string `json:"completion_criteria"`

	// Unachievable marks a terminal milestone: the planner has concluded the
	// task cannot be completed. Reasoning carries the justification.
	Unachievable bool   `json:"unachievable,omitempty"`
	Reasoning    string `json:"reasoning,omitempty"`
}

// Subgoal is a concrete, directly actionable unit of work inside a milestone.
// Subgoals are scoped to a single coordinator run.
type Subgoal struct {
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
}

// ToolCall is a proposed invocation of a catalog tool, produced by the analyst
// step and consumed by the executor.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ExecutionRecord is an append-only history entry. Every tool invocation,
// success or failure, produces exactly one record. Records are never mutated
// after creation.
type ExecutionRecord struct {
	Call            ToolCall  `json:"call"`
	Result          any       `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorCode       ErrorCode `json:"error_code,omitempty"`
	Subgoal         string    `json:"subgoal,omitempty"`
	SuccessCriteria string    `json:"success_criteria,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Failed reports whether the recorded invocation ended in an error.
func (r ExecutionRecord) Failed() bool {
	return r.Error != "" || r.ErrorCode != ""
}

// RepeatedFailure describes a single failing call pattern seen more than once.
type RepeatedFailure struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
	Count    int            `json:"count"`
}

// FailureContext is a derived view over recent history, recomputed by the
// failure tracker and handed to the planner when a replan is needed.
type FailureContext struct {
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Repeated            *RepeatedFailure `json:"repeated_failure,omitempty"`
	StagnationCount     int              `json:"stagnation_count"`
	Summary             string           `json:"summary"`
}

// EnvironmentSnapshot is the minimal observable browser state used for
// stagnation detection and replanning prompts.
type EnvironmentSnapshot struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Equal reports whether two snapshots describe the same observable state.
func (s EnvironmentSnapshot) Equal(o EnvironmentSnapshot) bool {
	return s.URL == o.URL && s.Title == o.Title
}

// Locator identifies an interactive element on the current page.
type Locator struct {
	Selector string `json:"selector"`
	Role     string `json:"role,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Tab describes one entry in the session's tab registry. Tab ids are stable
// for the lifetime of the tab; indices are not, so consumers key by ID.
type Tab struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// PageSummary is a condensed rendering of the active page, built by the
// browser layer for analyst and verification prompts.
type PageSummary struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	TextExcerpt string    `json:"text_excerpt,omitempty"`
	Interactive []Locator `json:"interactive,omitempty"`
}

// InterventionMode selects the approval policy applied to proposed tool calls.
type InterventionMode string

const (
	ModeAutonomous InterventionMode = "autonomous"
	ModeConfirm    InterventionMode = "confirm"
	ModeEdit       InterventionMode = "edit"
)

// TaskResult is the final verdict of a task run.
type TaskResult struct {
	IsSuccess bool   `json:"is_success"`
	Reasoning string `json:"reasoning"`
}

// ArgSpec describes a single tool argument for catalog validation and for the
// tool-call decode sent to the language model.
type ArgSpec struct {
	Type        string `json:"type"` // string | number | boolean | object | array
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	// Sensitive arguments (credentials, tokens) are redacted before they are
	// rendered into failure summaries or persisted plan audits.
	Sensitive bool `json:"sensitive,omitempty"`
}

// ToolDescriptor is the catalog-facing description of a tool, independent of
// its implementation.
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Args        map[string]ArgSpec `json:"args,omitempty"`
}

// ModelTier selects between the fast and powerful model configurations.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// GenerationOptions tunes a single language-model call.
type GenerationOptions struct {
	Temperature     float32
	ForceJSONFormat bool
}

// GenerationRequest is a free-form prompt pair sent to the language model.
// When ImagePNG is set the request is multimodal.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Tier         ModelTier
	Options      GenerationOptions
	ImagePNG     []byte
}

// ToolCallRequest asks the language model to ground its answer in the given
// tool descriptors and return zero or more proposed invocations.
type ToolCallRequest struct {
	SystemPrompt string
	UserPrompt   string
	Tier         ModelTier
	Tools        []ToolDescriptor
}
