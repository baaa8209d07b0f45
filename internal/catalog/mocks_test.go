package catalog

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/steersman/api/schemas"
)

type MockBrowser struct {
	mock.Mock
}

var _ schemas.BrowserDriver = (*MockBrowser)(nil)

func (m *MockBrowser) Goto(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowser) Act(ctx context.Context, instruction string) error {
	return m.Called(ctx, instruction).Error(0)
}

func (m *MockBrowser) Observe(ctx context.Context, instruction string) ([]schemas.Locator, error) {
	args := m.Called(ctx, instruction)
	locs, _ := args.Get(0).([]schemas.Locator)
	return locs, args.Error(1)
}

func (m *MockBrowser) Extract(ctx context.Context, instruction string) (string, error) {
	args := m.Called(ctx, instruction)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockBrowser) ClickAt(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockBrowser) Snapshot(ctx context.Context) (schemas.EnvironmentSnapshot, error) {
	args := m.Called(ctx)
	snap, _ := args.Get(0).(schemas.EnvironmentSnapshot)
	return snap, args.Error(1)
}

func (m *MockBrowser) Summary(ctx context.Context) (schemas.PageSummary, error) {
	args := m.Called(ctx)
	sum, _ := args.Get(0).(schemas.PageSummary)
	return sum, args.Error(1)
}

func (m *MockBrowser) Tabs(ctx context.Context) ([]schemas.Tab, error) {
	args := m.Called(ctx)
	tabs, _ := args.Get(0).([]schemas.Tab)
	return tabs, args.Error(1)
}

func (m *MockBrowser) OpenTab(ctx context.Context, url string) (schemas.Tab, error) {
	args := m.Called(ctx, url)
	tab, _ := args.Get(0).(schemas.Tab)
	return tab, args.Error(1)
}

func (m *MockBrowser) SwitchTab(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockBrowser) CloseTab(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type MockLLM struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLM)(nil)

func (m *MockLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLM) ProposeToolCalls(ctx context.Context, req schemas.ToolCallRequest) ([]schemas.ToolCall, error) {
	args := m.Called(ctx, req)
	calls, _ := args.Get(0).([]schemas.ToolCall)
	return calls, args.Error(1)
}

type MockInteractor struct {
	mock.Mock
}

var _ schemas.Interactor = (*MockInteractor)(nil)

func (m *MockInteractor) Ask(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockInteractor) Confirm(ctx context.Context, prompt string) (bool, error) {
	args := m.Called(ctx, prompt)
	return args.Bool(0), args.Error(1)
}
