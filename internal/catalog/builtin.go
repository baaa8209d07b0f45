package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FinishToolName is the terminal tool; the orchestrator treats its presence
// in history as the agent's self-reported verdict.
const FinishToolName = "finish"

func builtins() []*Tool {
	return []*Tool{
		navigateTool(),
		actTool(),
		observeTool(),
		extractTool(),
		screenshotTool(),
		readFileTool(),
		writeFileTool(),
		tabOpenTool(),
		tabSwitchTool(),
		tabCloseTool(),
		tabListTool(),
		visionClickTool(),
		askHumanTool(),
		rememberTool(),
		finishTool(),
	}
}

// -- arg helpers --

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("missing required argument %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("argument %q must be a string, got %T", key, v))
	}
	return s, nil
}

func optionalStringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func boolArg(args map[string]any, key string) (bool, error) {
	v, ok := args[key]
	if !ok {
		return false, WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("missing required argument %q", key))
	}
	b, ok := v.(bool)
	if !ok {
		return false, WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("argument %q must be a boolean, got %T", key, v))
	}
	return b, nil
}

// resolveWorkspacePath confines file tool paths to the workspace directory.
func resolveWorkspacePath(workspace, p string) (string, error) {
	if workspace == "" {
		return "", WithCode(schemas.ErrCodeExecutionFailure, errors.New("no workspace directory configured"))
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", WithCode(schemas.ErrCodeExecutionFailure, fmt.Errorf("resolving workspace: %w", err))
	}
	full := filepath.Join(abs, filepath.Clean("/"+p))
	rel, err := filepath.Rel(abs, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("path %q escapes the workspace", p))
	}
	return full, nil
}

// -- browsing tools --

func navigateTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "navigate",
			Description: "Load a URL in the active tab.",
			Args: map[string]schemas.ArgSpec{
				"url": {Type: "string", Description: "Absolute URL to open.", Required: true},
			},
		},
		Precondition: absoluteURLPrecondition,
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			target, err := stringArg(args, "url")
			if err != nil {
				return nil, err
			}
			if err := st.Browser.Goto(ctx, target); err != nil {
				return nil, WithCode(schemas.ErrCodeNavigationError, err)
			}
			snap, err := st.Browser.Snapshot(ctx)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Loaded %s (%s)", snap.URL, snap.Title), nil
		},
	}
}

func actTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "act",
			Description: "Perform a single page interaction described in natural language, such as clicking a button or typing into a field.",
			Args: map[string]schemas.ArgSpec{
				"instruction": {Type: "string", Description: "One atomic action to perform.", Required: true},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			instruction, err := stringArg(args, "instruction")
			if err != nil {
				return nil, err
			}
			if err := st.Browser.Act(ctx, instruction); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Performed: %s", instruction), nil
		},
	}
}

func observeTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "observe",
			Description: "Find elements on the current page matching a natural language description and return candidate locators.",
			Args: map[string]schemas.ArgSpec{
				"description": {Type: "string", Description: "What to look for.", Required: true},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			desc, err := stringArg(args, "description")
			if err != nil {
				return nil, err
			}
			locators, err := st.Browser.Observe(ctx, desc)
			if err != nil {
				return nil, err
			}
			if len(locators) == 0 {
				return nil, WithCode(schemas.ErrCodeElementNotFound, fmt.Errorf("no elements matching %q", desc))
			}
			return locators, nil
		},
	}
}

func extractTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "extract",
			Description: "Extract structured data from the current page per a natural language instruction.",
			Args: map[string]schemas.ArgSpec{
				"instruction": {Type: "string", Description: "What data to extract and in what shape.", Required: true},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			instruction, err := stringArg(args, "instruction")
			if err != nil {
				return nil, err
			}
			return st.Browser.Extract(ctx, instruction)
		},
	}
}

func screenshotTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "screenshot",
			Description: "Capture a PNG screenshot of the active tab and save it to the workspace.",
			Args: map[string]schemas.ArgSpec{
				"filename": {Type: "string", Description: "Workspace-relative file name; defaults to screenshot.png.", Required: false},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			name := optionalStringArg(args, "filename")
			if name == "" {
				name = "screenshot.png"
			}
			path, err := resolveWorkspacePath(st.Workspace, name)
			if err != nil {
				return nil, err
			}
			png, err := st.Browser.Screenshot(ctx)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, err)
			}
			if err := os.WriteFile(path, png, 0o640); err != nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, err)
			}
			st.Logger.Debug("Screenshot saved", zap.String("path", path), zap.Int("bytes", len(png)))
			return fmt.Sprintf("Saved screenshot to %s", name), nil
		},
	}
}

const visionLocateSystemPrompt = `You locate user-interface elements in screenshots. Reply with JSON {"found": boolean, "x": number, "y": number} giving the viewport coordinates of the element's center. Set found to false when the element is not visible.`

func visionClickTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "vision_click",
			Description: "Click an element located visually in a screenshot. Fallback for elements that cannot be located by selector.",
			Args: map[string]schemas.ArgSpec{
				"description": {Type: "string", Description: "Visual description of what to click.", Required: true},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			desc, err := stringArg(args, "description")
			if err != nil {
				return nil, err
			}
			png, err := st.Browser.Screenshot(ctx)
			if err != nil {
				return nil, err
			}
			reply, err := st.LLM.Generate(ctx, schemas.GenerationRequest{
				SystemPrompt: visionLocateSystemPrompt,
				UserPrompt:   fmt.Sprintf("Locate this element and return its click point: %s", desc),
				Tier:         schemas.TierFast,
				Options:      schemas.GenerationOptions{ForceJSONFormat: true},
				ImagePNG:     png,
			})
			if err != nil {
				return nil, err
			}
			var point struct {
				Found bool    `json:"found"`
				X     float64 `json:"x"`
				Y     float64 `json:"y"`
			}
			if err := json.Unmarshal([]byte(llmclient.ExtractJSON(reply)), &point); err != nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, fmt.Errorf("vision reply not decodable: %w", err))
			}
			if !point.Found {
				return nil, WithCode(schemas.ErrCodeElementNotFound, fmt.Errorf("could not visually locate %q", desc))
			}
			st.Logger.Debug("Vision click resolved",
				zap.String("description", desc),
				zap.Float64("x", point.X),
				zap.Float64("y", point.Y))
			if err := st.Browser.ClickAt(ctx, point.X, point.Y); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Clicked %q at (%.0f, %.0f)", desc, point.X, point.Y), nil
		},
	}
}

// -- tab tools --

func tabOpenTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "tab_open",
			Description: "Open a new browser tab, optionally loading a URL, and make it active.",
			Args: map[string]schemas.ArgSpec{
				"url": {Type: "string", Description: "URL to load in the new tab.", Required: false},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			tab, err := st.Browser.OpenTab(ctx, optionalStringArg(args, "url"))
			if err != nil {
				return nil, WithCode(schemas.ErrCodeNavigationError, err)
			}
			return tab, nil
		},
	}
}

func absoluteURLPrecondition(_ context.Context, _ *State, args map[string]any) error {
	raw, err := stringArg(args, "url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("not an absolute URL: %q", raw))
	}
	return nil
}

func tabExistsPrecondition(ctx context.Context, st *State, args map[string]any) error {
	id, err := stringArg(args, "tab_id")
	if err != nil {
		return err
	}
	for _, tab := range st.Session.Tabs() {
		if tab.ID == id {
			return nil
		}
	}
	return WithCode(schemas.ErrCodeInvalidArguments, fmt.Errorf("no open tab with id %q", id))
}

func tabSwitchTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "tab_switch",
			Description: "Make an already open tab the active one.",
			Args: map[string]schemas.ArgSpec{
				"tab_id": {Type: "string", Description: "Identifier of the tab to activate.", Required: true},
			},
		},
		Precondition: tabExistsPrecondition,
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			id, err := stringArg(args, "tab_id")
			if err != nil {
				return nil, err
			}
			if err := st.Browser.SwitchTab(ctx, id); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Switched to tab %s", id), nil
		},
	}
}

func tabCloseTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "tab_close",
			Description: "Close an open tab.",
			Args: map[string]schemas.ArgSpec{
				"tab_id": {Type: "string", Description: "Identifier of the tab to close.", Required: true},
			},
		},
		Precondition: tabExistsPrecondition,
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			id, err := stringArg(args, "tab_id")
			if err != nil {
				return nil, err
			}
			if err := st.Browser.CloseTab(ctx, id); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Closed tab %s", id), nil
		},
	}
}

func tabListTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "tab_list",
			Description: "List all open tabs with their ids, URLs and titles.",
			Args:        map[string]schemas.ArgSpec{},
		},
		Execute: func(ctx context.Context, st *State, _ map[string]any) (any, error) {
			return st.Browser.Tabs(ctx)
		},
	}
}

// -- file tools --

func readFileTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "read_file",
			Description: "Read a text file from the workspace directory.",
			Args: map[string]schemas.ArgSpec{
				"path": {Type: "string", Description: "Workspace-relative file path.", Required: true},
			},
		},
		Execute: func(_ context.Context, st *State, args map[string]any) (any, error) {
			p, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			full, err := resolveWorkspacePath(st.Workspace, p)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, err)
			}
			return string(data), nil
		},
	}
}

func writeFileTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "write_file",
			Description: "Write a text file into the workspace directory, creating parent directories as needed.",
			Args: map[string]schemas.ArgSpec{
				"path":    {Type: "string", Description: "Workspace-relative file path.", Required: true},
				"content": {Type: "string", Description: "File contents.", Required: true},
			},
		},
		Execute: func(_ context.Context, st *State, args map[string]any) (any, error) {
			p, err := stringArg(args, "path")
			if err != nil {
				return nil, err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return nil, err
			}
			full, err := resolveWorkspacePath(st.Workspace, p)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, err)
			}
			if err := os.WriteFile(full, []byte(content), 0o640); err != nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), p), nil
		},
	}
}

// -- session tools --

func askHumanTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "ask_human",
			Description: "Ask the human operator a question and wait for their reply. Use when blocked on information only the user has.",
			Args: map[string]schemas.ArgSpec{
				"question": {Type: "string", Description: "The question to put to the operator.", Required: true},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			q, err := stringArg(args, "question")
			if err != nil {
				return nil, err
			}
			if st.Interactor == nil {
				return nil, WithCode(schemas.ErrCodeExecutionFailure, errors.New("no operator channel available"))
			}
			answer, err := st.Interactor.Ask(ctx, q)
			if err != nil {
				return nil, err
			}
			return answer, nil
		},
	}
}

func rememberTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        "remember",
			Description: "Store a durable fact in long-term memory for use in later steps and future runs.",
			Args: map[string]schemas.ArgSpec{
				"fact": {Type: "string", Description: "The fact to remember, phrased as a standalone statement.", Required: true},
			},
		},
		Execute: func(ctx context.Context, st *State, args map[string]any) (any, error) {
			fact, err := stringArg(args, "fact")
			if err != nil {
				return nil, err
			}
			if st.Session.AddFact(ctx, fact) {
				return "Fact stored.", nil
			}
			return "Fact already known.", nil
		},
	}
}

func finishTool() *Tool {
	return &Tool{
		Descriptor: schemas.ToolDescriptor{
			Name:        FinishToolName,
			Description: "Declare the overall task finished. Call exactly once, when the task has either succeeded or is impossible to complete.",
			Args: map[string]schemas.ArgSpec{
				"is_success": {Type: "boolean", Description: "Whether the task was accomplished.", Required: true},
				"reasoning":  {Type: "string", Description: "Evidence-backed justification for the verdict.", Required: true},
			},
		},
		Execute: func(_ context.Context, _ *State, args map[string]any) (any, error) {
			success, err := boolArg(args, "is_success")
			if err != nil {
				return nil, err
			}
			reasoning, err := stringArg(args, "reasoning")
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(reasoning) == "" {
				return nil, WithCode(schemas.ErrCodeInvalidArguments, errors.New("reasoning must not be empty"))
			}
			return schemas.TaskResult{IsSuccess: success, Reasoning: reasoning}, nil
		},
	}
}
