package schemas

import "errors"

// ErrorCode classifies execution failures in a structured way so the analyst
// and reflection prompts can reason about them. Using a dedicated type keeps
// free-form strings out of ExecutionRecords.
type ErrorCode string

const (
	// -- Tool execution errors (localized to one record, trigger reflection) --
	ErrCodeExecutionFailure ErrorCode = "EXECUTION_FAILURE"
	ErrCodeElementNotFound  ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeout          ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError  ErrorCode = "NAVIGATION_ERROR"

	// ErrCodeInvalidArguments covers both schema violations and failed tool
	// preconditions. A failed precondition never touches the environment.
	ErrCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"

	// -- Fatal conditions (terminate the run, never silently swallowed) --
	ErrCodeUnknownTool ErrorCode = "UNKNOWN_TOOL"
)

// Sentinel errors for fatal conditions surfaced out of the core. These are the
// conditions spec'd to end the run rather than trigger a replan.
var (
	// ErrUnknownTool is returned when the model references a tool name absent
	// from the catalog.
	ErrUnknownTool = errors.New("unknown tool name")
	// ErrSchemaInvalid is returned when model output still violates its target
	// schema after the retry budget is exhausted.
	ErrSchemaInvalid = errors.New("model output violates target schema")
	// ErrMalformedFinish is returned when a terminal finish record carries a
	// payload that cannot be decoded into a TaskResult.
	ErrMalformedFinish = errors.New("malformed finish payload")
	// ErrReplanBudgetExhausted is returned when the orchestrator has replanned
	// the maximum number of times without progress.
	ErrReplanBudgetExhausted = errors.New("replan attempt budget exhausted")
)
