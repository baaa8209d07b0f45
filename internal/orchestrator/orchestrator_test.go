package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/config"
	"github.com/xkilldash9x/steersman/internal/coordinator"
	"github.com/xkilldash9x/steersman/internal/planner"
	"github.com/xkilldash9x/steersman/internal/session"
)

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) Plan(ctx context.Context, taskID, task string) ([]schemas.Milestone, error) {
	args := m.Called(ctx, taskID, task)
	ms, _ := args.Get(0).([]schemas.Milestone)
	return ms, args.Error(1)
}

func (m *mockPlanner) Replan(ctx context.Context, req planner.ReplanRequest) ([]schemas.Milestone, error) {
	args := m.Called(ctx, req)
	ms, _ := args.Get(0).([]schemas.Milestone)
	return ms, args.Error(1)
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunMilestone(ctx context.Context, task string, milestone schemas.Milestone) (coordinator.Outcome, error) {
	args := m.Called(ctx, task, milestone)
	outcome, _ := args.Get(0).(coordinator.Outcome)
	return outcome, args.Error(1)
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{MaxReplanAttempts: 3, HistoryWindow: 10}
}

func newOrchestrator(t *testing.T, p TaskPlanner, r MilestoneRunner) (*Orchestrator, *session.Memory) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	memory := session.New(context.Background(), schemas.ModeAutonomous, nil, logger)
	return New(p, r, memory, testConfig(), logger), memory
}

func twoMilestones() []schemas.Milestone {
	return []schemas.Milestone{
		{Description: "Reach the product page", CompletionCriteria: "product page open"},
		{Description: "Buy the product", CompletionCriteria: "confirmation shown"},
	}
}

func finishRecord(success bool, reasoning string) schemas.ExecutionRecord {
	return schemas.ExecutionRecord{
		Call:   schemas.ToolCall{Name: "finish"},
		Result: schemas.TaskResult{IsSuccess: success, Reasoning: reasoning},
	}
}

func TestRun_AllMilestonesSucceedWithFinishVerdict(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, memory := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "buy it").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "buy it", twoMilestones()[0]).
		Return(coordinator.Outcome{Success: true}, nil).Once()
	r.On("RunMilestone", mock.Anything, "buy it", twoMilestones()[1]).
		Run(func(mock.Arguments) {
			memory.AppendRecord(finishRecord(true, "order 1092 confirmed"))
		}).
		Return(coordinator.Outcome{Finished: true}, nil).Once()

	result, err := o.Run(context.Background(), "buy it")
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	assert.Equal(t, "order 1092 confirmed", result.Reasoning)
	p.AssertExpectations(t)
	r.AssertExpectations(t)
}

func TestRun_ReplanRoutesAroundFailure(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, memory := newOrchestrator(t, p, r)
	memory.AddFact(context.Background(), "search is under /find")

	first := twoMilestones()
	revised := []schemas.Milestone{{Description: "Use the sitemap", CompletionCriteria: "target page open"}}

	p.On("Plan", mock.Anything, mock.Anything, "task").Return(first, nil).Once()
	r.On("RunMilestone", mock.Anything, "task", first[0]).
		Return(coordinator.Outcome{Success: true}, nil).Once()
	r.On("RunMilestone", mock.Anything, "task", first[1]).
		Return(coordinator.Outcome{Replan: &coordinator.ReplanSignal{Reason: "execution is stuck"}}, nil).Once()

	p.On("Replan", mock.Anything, mock.MatchedBy(func(req planner.ReplanRequest) bool {
		return req.Reason == "execution is stuck" &&
			len(req.Completed) == 1 &&
			req.Current.Description == "Buy the product" &&
			len(req.Facts) == 1
	})).Return(revised, nil).Once()

	r.On("RunMilestone", mock.Anything, "task", revised[0]).
		Run(func(mock.Arguments) {
			memory.AppendRecord(finishRecord(true, "done via sitemap"))
		}).
		Return(coordinator.Outcome{Finished: true}, nil).Once()

	result, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	p.AssertExpectations(t)
}

func TestRun_TerminalMilestoneEndsRunAsFailure(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, _ := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "task").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "task", mock.Anything).
		Return(coordinator.Outcome{Replan: &coordinator.ReplanSignal{Reason: "404 everywhere"}}, nil).Once()
	p.On("Replan", mock.Anything, mock.Anything).Return([]schemas.Milestone{{
		Description:  "Task cannot be completed",
		Unachievable: true,
		Reasoning:    "the product no longer exists",
	}}, nil).Once()

	result, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.False(t, result.IsSuccess)
	assert.Equal(t, "the product no longer exists", result.Reasoning)
	// The runner is never invoked for a terminal milestone.
	r.AssertNumberOfCalls(t, "RunMilestone", 1)
}

func TestRun_ReplanBudgetExhaustedIsFatal(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, _ := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "task").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "task", mock.Anything).
		Return(coordinator.Outcome{Replan: &coordinator.ReplanSignal{Reason: "still stuck"}}, nil)
	p.On("Replan", mock.Anything, mock.Anything).Return(twoMilestones(), nil)

	_, err := o.Run(context.Background(), "task")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrReplanBudgetExhausted)
	// MaxReplanAttempts replans ran before the budget tripped.
	p.AssertNumberOfCalls(t, "Replan", 3)
}

func TestRun_ReplanCounterResetsAfterSuccess(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	logger := zaptest.NewLogger(t)
	memory := session.New(context.Background(), schemas.ModeAutonomous, nil, logger)
	cfg := config.AgentConfig{MaxReplanAttempts: 1, HistoryWindow: 10}
	o := New(p, r, memory, cfg, logger)

	m1 := schemas.Milestone{Description: "Find the form", CompletionCriteria: "form visible"}
	m2 := schemas.Milestone{Description: "Open the archive", CompletionCriteria: "archive open"}
	m3 := schemas.Milestone{Description: "Fill the form", CompletionCriteria: "form submitted"}
	m4 := schemas.Milestone{Description: "Submit via API page", CompletionCriteria: "receipt shown"}

	p.On("Plan", mock.Anything, mock.Anything, "task").Return([]schemas.Milestone{m1}, nil).Once()
	r.On("RunMilestone", mock.Anything, "task", m1).
		Return(coordinator.Outcome{Replan: &coordinator.ReplanSignal{Reason: "form missing"}}, nil).Once()
	p.On("Replan", mock.Anything, mock.Anything).Return([]schemas.Milestone{m2, m3}, nil).Once()
	r.On("RunMilestone", mock.Anything, "task", m2).
		Return(coordinator.Outcome{Success: true}, nil).Once()
	r.On("RunMilestone", mock.Anything, "task", m3).
		Return(coordinator.Outcome{Replan: &coordinator.ReplanSignal{Reason: "submit rejected"}}, nil).Once()
	p.On("Replan", mock.Anything, mock.Anything).Return([]schemas.Milestone{m4}, nil).Once()
	r.On("RunMilestone", mock.Anything, "task", m4).
		Return(coordinator.Outcome{Success: true}, nil).Once()

	// A completed milestone between the two replan signals keeps either one
	// within the budget of a single consecutive attempt.
	result, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	p.AssertExpectations(t)
	r.AssertExpectations(t)
}

func TestRun_NoFinishRecordMeansPlannedSuccess(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, _ := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "task").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "task", mock.Anything).
		Return(coordinator.Outcome{Success: true}, nil).Times(2)

	result, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	assert.NotEmpty(t, result.Reasoning)
}

func TestRun_MalformedFinishPayloadIsFatal(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, memory := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "task").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "task", mock.Anything).
		Run(func(mock.Arguments) {
			memory.AppendRecord(schemas.ExecutionRecord{
				Call:   schemas.ToolCall{Name: "finish"},
				Result: "not a verdict",
			})
		}).
		Return(coordinator.Outcome{Finished: true}, nil).Once()

	_, err := o.Run(context.Background(), "task")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrMalformedFinish)
}

func TestRun_FinishPayloadAsMapDecodes(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, memory := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "task").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "task", mock.Anything).
		Run(func(mock.Arguments) {
			memory.AppendRecord(schemas.ExecutionRecord{
				Call:   schemas.ToolCall{Name: "finish"},
				Result: map[string]any{"is_success": false, "reasoning": "payment was declined"},
			})
		}).
		Return(coordinator.Outcome{Finished: true}, nil).Once()

	result, err := o.Run(context.Background(), "task")
	require.NoError(t, err)
	assert.False(t, result.IsSuccess)
	assert.Equal(t, "payment was declined", result.Reasoning)
}

func TestRun_PlanFailurePropagates(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, _ := newOrchestrator(t, p, r)

	p.On("Plan", mock.Anything, mock.Anything, "task").
		Return(nil, schemas.ErrSchemaInvalid).Once()

	_, err := o.Run(context.Background(), "task")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrSchemaInvalid)
}

func TestRun_CancelledContextStopsBetweenMilestones(t *testing.T) {
	p := new(mockPlanner)
	r := new(mockRunner)
	o, _ := newOrchestrator(t, p, r)

	ctx, cancel := context.WithCancel(context.Background())
	p.On("Plan", mock.Anything, mock.Anything, "task").Return(twoMilestones(), nil).Once()
	r.On("RunMilestone", mock.Anything, "task", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(coordinator.Outcome{Success: true}, nil).Once()

	_, err := o.Run(ctx, "task")
	assert.ErrorIs(t, err, context.Canceled)
}
