package schemas

import (
	"context"
)

// LLMClient is the contract the core consumes from the language-model service.
// Generate returns raw text (JSON when ForceJSONFormat is set); ProposeToolCalls
// performs a tool-call decode against the supplied catalog descriptors.
// Implementations retry rate-limit errors internally with exponential backoff
// and propagate every other error immediately.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	ProposeToolCalls(ctx context.Context, req ToolCallRequest) ([]ToolCall, error)
}

// BrowserDriver is the contract the core consumes from the browser layer. All
// operations are synchronous from the caller's perspective and independently
// failable; timeouts surface as a distinguishable error (see browser package).
type BrowserDriver interface {
	// Goto navigates the active tab.
	Goto(ctx context.Context, url string) error
	// Act performs a natural-language instruction against the active tab.
	Act(ctx context.Context, instruction string) error
	// Observe returns candidate locators matching a natural-language
	// instruction; with an empty instruction it lists interactive elements.
	Observe(ctx context.Context, instruction string) ([]Locator, error)
	// Extract pulls text or structured content guided by the instruction.
	Extract(ctx context.Context, instruction string) (string, error)
	// Screenshot captures the active tab as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// ClickAt dispatches a click at viewport coordinates (vision-assisted).
	ClickAt(ctx context.Context, x, y float64) error

	// Snapshot reads the minimal observable state of the active tab.
	Snapshot(ctx context.Context) (EnvironmentSnapshot, error)
	// Summary renders a condensed view of the active page for prompting.
	Summary(ctx context.Context) (PageSummary, error)

	// Tab registry. Indices are not stable across open/close/switch; callers
	// must refresh after any operation that can change the tab set.
	Tabs(ctx context.Context) ([]Tab, error)
	OpenTab(ctx context.Context, url string) (Tab, error)
	SwitchTab(ctx context.Context, id string) error
	CloseTab(ctx context.Context, id string) error
}

// Interactor is the narrow human-in-the-loop surface consumed by the approval
// gate and the ask_human tool. Front-ends (console, GUI, WebSocket) implement
// it outside the core.
type Interactor interface {
	// Ask poses a free-form question and blocks for the reply.
	Ask(ctx context.Context, prompt string) (string, error)
	// Confirm poses a yes/no question and blocks for the answer.
	Confirm(ctx context.Context, prompt string) (bool, error)
}
