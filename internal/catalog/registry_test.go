package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/session"
)

func newTestState(t *testing.T, browser schemas.BrowserDriver, interactor schemas.Interactor) *State {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return &State{
		Browser:    browser,
		Session:    session.New(context.Background(), schemas.ModeAutonomous, nil, logger),
		Interactor: interactor,
		Workspace:  t.TempDir(),
		Logger:     logger,
	}
}

func TestRegistry_ResolveUnknownTool(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	_, err := r.Resolve("teleport")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrUnknownTool)
	assert.Equal(t, schemas.ErrCodeUnknownTool, CodeOf(err))
}

func TestRegistry_DescriptorsSortedAndComplete(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	descs := r.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	for _, want := range []string{"navigate", "act", "observe", "extract", "screenshot",
		"read_file", "write_file", "tab_open", "tab_switch", "tab_close", "tab_list",
		"vision_click", "ask_human", "remember", "finish"} {
		assert.Contains(t, names, want)
	}
	assert.IsNonDecreasing(t, names)
}

func TestCodeOf_Classification(t *testing.T) {
	assert.Equal(t, schemas.ErrorCode(""), CodeOf(nil))
	assert.Equal(t, schemas.ErrCodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, schemas.ErrCodeExecutionFailure, CodeOf(errors.New("boom")))
	assert.Equal(t, schemas.ErrCodeElementNotFound,
		CodeOf(WithCode(schemas.ErrCodeElementNotFound, errors.New("gone"))))
}

func TestNavigateTool(t *testing.T) {
	browser := new(MockBrowser)
	st := newTestState(t, browser, nil)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("navigate")
	require.NoError(t, err)

	browser.On("Goto", mock.Anything, "https://x.test").Return(nil)
	browser.On("Snapshot", mock.Anything).Return(schemas.EnvironmentSnapshot{URL: "https://x.test", Title: "X"}, nil)

	res, err := tool.Execute(context.Background(), st, map[string]any{"url": "https://x.test"})
	require.NoError(t, err)
	assert.Contains(t, res.(string), "https://x.test")

	// Missing url is an argument error, not a navigation error.
	_, err = tool.Execute(context.Background(), st, map[string]any{})
	assert.Equal(t, schemas.ErrCodeInvalidArguments, CodeOf(err))

	browser.On("Goto", mock.Anything, "https://down.test").Return(errors.New("net::ERR_CONNECTION_REFUSED"))
	_, err = tool.Execute(context.Background(), st, map[string]any{"url": "https://down.test"})
	assert.Equal(t, schemas.ErrCodeNavigationError, CodeOf(err))
}

func TestNavigateTool_PreconditionRejectsRelativeURL(t *testing.T) {
	st := newTestState(t, new(MockBrowser), nil)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("navigate")
	require.NoError(t, err)
	require.NotNil(t, tool.Precondition)

	assert.NoError(t, tool.Precondition(context.Background(), st, map[string]any{"url": "https://x.test/login"}))

	for _, bad := range []string{"x.test/login", "/login", "javascript:void(0)"} {
		err := tool.Precondition(context.Background(), st, map[string]any{"url": bad})
		assert.Equal(t, schemas.ErrCodeInvalidArguments, CodeOf(err), bad)
	}
}

func TestObserveTool_NoMatchesIsElementNotFound(t *testing.T) {
	browser := new(MockBrowser)
	st := newTestState(t, browser, nil)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("observe")
	require.NoError(t, err)

	browser.On("Observe", mock.Anything, "the login button").Return([]schemas.Locator(nil), nil)
	_, err = tool.Execute(context.Background(), st, map[string]any{"description": "the login button"})
	assert.Equal(t, schemas.ErrCodeElementNotFound, CodeOf(err))
}

func TestTabSwitch_PreconditionRequiresKnownTab(t *testing.T) {
	browser := new(MockBrowser)
	st := newTestState(t, browser, nil)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("tab_switch")
	require.NoError(t, err)
	require.NotNil(t, tool.Precondition)

	err = tool.Precondition(context.Background(), st, map[string]any{"tab_id": "t9"})
	assert.Equal(t, schemas.ErrCodeInvalidArguments, CodeOf(err))

	st.Session.UpdateTabs([]schemas.Tab{{ID: "t9", URL: "https://x.test"}})
	assert.NoError(t, tool.Precondition(context.Background(), st, map[string]any{"tab_id": "t9"}))

	browser.On("SwitchTab", mock.Anything, "t9").Return(nil)
	_, err = tool.Execute(context.Background(), st, map[string]any{"tab_id": "t9"})
	assert.NoError(t, err)
}

func TestFileTools_WorkspaceSandbox(t *testing.T) {
	st := newTestState(t, new(MockBrowser), nil)
	r := NewRegistry(zaptest.NewLogger(t))

	write, err := r.Resolve("write_file")
	require.NoError(t, err)
	read, err := r.Resolve("read_file")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = write.Execute(ctx, st, map[string]any{"path": "notes/result.txt", "content": "price: $42"})
	require.NoError(t, err)

	res, err := read.Execute(ctx, st, map[string]any{"path": "notes/result.txt"})
	require.NoError(t, err)
	assert.Equal(t, "price: $42", res)

	// Traversal attempts must not leave the workspace.
	secret := filepath.Join(filepath.Dir(st.Workspace), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o600))
	_, err = read.Execute(ctx, st, map[string]any{"path": "../secret.txt"})
	require.Error(t, err)

	_, err = write.Execute(ctx, st, map[string]any{"path": "../../escape.txt", "content": "x"})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(st.Workspace), "..", "escape.txt"))
}

func TestAskHumanTool(t *testing.T) {
	interactor := new(MockInteractor)
	st := newTestState(t, new(MockBrowser), interactor)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("ask_human")
	require.NoError(t, err)

	interactor.On("Ask", mock.Anything, "Which account should I use?").Return("the personal one", nil)
	res, err := tool.Execute(context.Background(), st, map[string]any{"question": "Which account should I use?"})
	require.NoError(t, err)
	assert.Equal(t, "the personal one", res)

	// No interactor wired means the tool fails rather than hanging.
	st.Interactor = nil
	_, err = tool.Execute(context.Background(), st, map[string]any{"question": "anyone there?"})
	assert.Error(t, err)
}

func TestRememberTool_Dedup(t *testing.T) {
	st := newTestState(t, new(MockBrowser), nil)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("remember")
	require.NoError(t, err)

	ctx := context.Background()
	res, err := tool.Execute(ctx, st, map[string]any{"fact": "Cart icon is top right"})
	require.NoError(t, err)
	assert.Equal(t, "Fact stored.", res)

	res, err = tool.Execute(ctx, st, map[string]any{"fact": "cart ICON is  top right"})
	require.NoError(t, err)
	assert.Equal(t, "Fact already known.", res)
	assert.Len(t, st.Session.Facts(), 1)
}

func TestFinishTool_PayloadValidation(t *testing.T) {
	st := newTestState(t, new(MockBrowser), nil)
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("finish")
	require.NoError(t, err)

	ctx := context.Background()
	res, err := tool.Execute(ctx, st, map[string]any{"is_success": true, "reasoning": "order confirmation page reached"})
	require.NoError(t, err)
	tr, ok := res.(schemas.TaskResult)
	require.True(t, ok)
	assert.True(t, tr.IsSuccess)

	_, err = tool.Execute(ctx, st, map[string]any{"is_success": "yes", "reasoning": "x"})
	assert.Equal(t, schemas.ErrCodeInvalidArguments, CodeOf(err))

	_, err = tool.Execute(ctx, st, map[string]any{"is_success": false, "reasoning": "   "})
	assert.Equal(t, schemas.ErrCodeInvalidArguments, CodeOf(err))
}

func TestVisionClickTool(t *testing.T) {
	browser := new(MockBrowser)
	llm := new(MockLLM)
	st := newTestState(t, browser, nil)
	st.LLM = llm
	r := NewRegistry(zaptest.NewLogger(t))
	tool, err := r.Resolve("vision_click")
	require.NoError(t, err)

	browser.On("Screenshot", mock.Anything).Return([]byte{0x89, 'P', 'N', 'G'}, nil)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return len(req.ImagePNG) > 0 && req.Options.ForceJSONFormat
	})).Return(`{"found": true, "x": 120, "y": 240}`, nil).Once()
	browser.On("ClickAt", mock.Anything, 120.0, 240.0).Return(nil).Once()

	res, err := tool.Execute(context.Background(), st, map[string]any{"description": "the blue Buy button"})
	require.NoError(t, err)
	assert.Contains(t, res.(string), "(120, 240)")

	// The element is not on screen.
	llm.On("Generate", mock.Anything, mock.Anything).Return(`{"found": false}`, nil).Once()
	_, err = tool.Execute(context.Background(), st, map[string]any{"description": "a logout link"})
	assert.Equal(t, schemas.ErrCodeElementNotFound, CodeOf(err))

	// An undecodable reply never reaches the page.
	llm.On("Generate", mock.Anything, mock.Anything).Return("I cannot tell", nil).Once()
	_, err = tool.Execute(context.Background(), st, map[string]any{"description": "the button"})
	assert.Equal(t, schemas.ErrCodeExecutionFailure, CodeOf(err))
	browser.AssertNumberOfCalls(t, "ClickAt", 1)
}
