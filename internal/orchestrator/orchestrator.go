// Package orchestrator owns the top level of a task run: plan, execute
// milestones, replan when execution signals it is stuck, and derive the final
// verdict from the execution history.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/catalog"
	"github.com/xkilldash9x/steersman/internal/config"
	"github.com/xkilldash9x/steersman/internal/coordinator"
	"github.com/xkilldash9x/steersman/internal/planner"
	"github.com/xkilldash9x/steersman/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MilestoneRunner executes one milestone. The coordinator satisfies it; tests
// substitute a mock.
type MilestoneRunner interface {
	RunMilestone(ctx context.Context, task string, milestone schemas.Milestone) (coordinator.Outcome, error)
}

// TaskPlanner produces and revises milestone plans.
type TaskPlanner interface {
	Plan(ctx context.Context, taskID, task string) ([]schemas.Milestone, error)
	Replan(ctx context.Context, req planner.ReplanRequest) ([]schemas.Milestone, error)
}

// Orchestrator drives a task from plan to verdict.
type Orchestrator struct {
	planner TaskPlanner
	runner  MilestoneRunner
	memory  *session.Memory
	cfg     config.AgentConfig
	logger  *zap.Logger
}

// New wires an orchestrator.
func New(p TaskPlanner, runner MilestoneRunner, memory *session.Memory, cfg config.AgentConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		planner: p,
		runner:  runner,
		memory:  memory,
		cfg:     cfg,
		logger:  logger.Named("orchestrator"),
	}
}

// Run executes the task to completion. The returned TaskResult is the agent's
// verdict; a non-nil error means the run aborted on an infrastructure or
// protocol failure and no verdict exists.
func (o *Orchestrator) Run(ctx context.Context, task string) (schemas.TaskResult, error) {
	taskID := uuid.NewString()
	log := o.logger.With(zap.String("task_id", taskID))
	log.Info("Task accepted", zap.String("task", task))

	milestones, err := o.planner.Plan(ctx, taskID, task)
	if err != nil {
		return schemas.TaskResult{}, fmt.Errorf("initial planning: %w", err)
	}

	var completed []schemas.Milestone
	replans := 0
	idx := 0
	finished := false

	for idx < len(milestones) && !finished {
		if err := ctx.Err(); err != nil {
			return schemas.TaskResult{}, err
		}

		current := milestones[idx]
		if current.Unachievable {
			log.Info("Planner declared task unachievable", zap.String("reasoning", current.Reasoning))
			return schemas.TaskResult{IsSuccess: false, Reasoning: current.Reasoning}, nil
		}

		log.Info("Running milestone",
			zap.Int("index", idx),
			zap.String("milestone", current.Description))

		outcome, err := o.runner.RunMilestone(ctx, task, current)
		if err != nil {
			return schemas.TaskResult{}, fmt.Errorf("milestone %q: %w", current.Description, err)
		}

		switch {
		case outcome.Finished:
			finished = true

		case outcome.Success:
			completed = append(completed, current)
			replans = 0
			idx++

		case outcome.Replan != nil:
			replans++
			if replans > o.cfg.MaxReplanAttempts {
				return schemas.TaskResult{}, fmt.Errorf("%w: %d replans attempted, last trigger: %s",
					schemas.ErrReplanBudgetExhausted, replans-1, outcome.Replan.Reason)
			}
			log.Info("Replanning",
				zap.Int("attempt", replans),
				zap.String("trigger", outcome.Replan.Reason))

			milestones, err = o.planner.Replan(ctx, planner.ReplanRequest{
				TaskID:    taskID,
				Task:      task,
				Completed: completed,
				Current:   current,
				Reason:    outcome.Replan.Reason,
				Failure:   outcome.Replan.Failure,
				Facts:     o.memory.Facts(),
				History:   o.memory.RecentHistory(o.cfg.HistoryWindow),
			})
			if err != nil {
				return schemas.TaskResult{}, fmt.Errorf("replanning: %w", err)
			}
			// A replan is a fresh plan for the remaining work.
			idx = 0

		default:
			return schemas.TaskResult{}, fmt.Errorf("milestone %q produced no outcome", current.Description)
		}
	}

	result, err := o.verdict(finished)
	if err != nil {
		return schemas.TaskResult{}, err
	}
	log.Info("Task complete", zap.Bool("success", result.IsSuccess))
	return result, nil
}

// verdict derives the final result. A finish record in history is
// authoritative; without one, running out of milestones means every planned
// stage completed and the run counts as a success.
func (o *Orchestrator) verdict(finished bool) (schemas.TaskResult, error) {
	rec, ok := o.memory.LastRecordNamed(catalog.FinishToolName)
	if !ok {
		if finished {
			// The coordinator reported a finish call that history does not
			// contain; the record pipeline is broken.
			return schemas.TaskResult{}, fmt.Errorf("%w: finish reported but not recorded", schemas.ErrMalformedFinish)
		}
		return schemas.TaskResult{
			IsSuccess: true,
			Reasoning: "All planned milestones completed and passed verification.",
		}, nil
	}
	return decodeFinish(rec)
}

func decodeFinish(rec schemas.ExecutionRecord) (schemas.TaskResult, error) {
	if rec.Failed() {
		return schemas.TaskResult{}, fmt.Errorf("%w: finish call failed: %s", schemas.ErrMalformedFinish, rec.Error)
	}
	var result schemas.TaskResult
	switch v := rec.Result.(type) {
	case schemas.TaskResult:
		result = v
	case map[string]any:
		raw, err := json.Marshal(v)
		if err == nil {
			err = json.Unmarshal(raw, &result)
		}
		if err != nil {
			return schemas.TaskResult{}, fmt.Errorf("%w: %v", schemas.ErrMalformedFinish, err)
		}
	default:
		return schemas.TaskResult{}, fmt.Errorf("%w: unexpected payload type %T", schemas.ErrMalformedFinish, rec.Result)
	}
	if strings.TrimSpace(result.Reasoning) == "" {
		return schemas.TaskResult{}, fmt.Errorf("%w: verdict missing reasoning", schemas.ErrMalformedFinish)
	}
	return result, nil
}
