// Package planner turns a natural-language task into an ordered milestone
// plan, and revises that plan when execution reports it cannot proceed. All
// LLM output is schema-checked; a reply that stays malformed after the retry
// budget is a fatal error for the run.
package planner

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/llmclient"
	"github.com/xkilldash9x/steersman/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	minMilestones = 2
	maxMilestones = 5
)

const planSystemPrompt = `You are the planning module of an autonomous web-browsing agent.
Decompose the user's task into between 2 and 5 sequential milestones. Each
milestone must be a concrete, verifiable stage of the task, with an explicit
completion criterion an observer could check against the browser state.
Respond with JSON only, in this exact shape:
{"milestones": [{"description": "...", "completion_criteria": "..."}]}`

const replanSystemPrompt = `You are the planning module of an autonomous web-browsing agent.
A previous plan has failed partway through. Using the failure report, produce a
fresh milestone plan for the REMAINING work that routes around the failure.
Do not repeat milestones that already completed.
If the failure report shows the task is impossible (the needed page, feature or
data does not exist, or access is denied), respond instead with a single
milestone marked unachievable and explain why in its reasoning.
Respond with JSON only, in this exact shape:
{"milestones": [{"description": "...", "completion_criteria": "...", "unachievable": false, "reasoning": ""}]}`

// Auditor records every produced plan. The sqlite store satisfies it; tests
// substitute a stub.
type Auditor interface {
	SavePlan(ctx context.Context, taskID string, kind store.PlanKind, trigger string, milestones []schemas.Milestone) error
}

// ReplanRequest carries everything the planner needs to revise a plan.
type ReplanRequest struct {
	TaskID    string
	Task      string
	Completed []schemas.Milestone
	Current   schemas.Milestone
	Reason    string
	Failure   schemas.FailureContext
	Facts     []string
	History   []schemas.ExecutionRecord
}

// Planner produces and revises milestone plans.
type Planner struct {
	llm        schemas.LLMClient
	auditor    Auditor
	maxRetries int
	logger     *zap.Logger
}

// New creates a planner. auditor may be nil to disable audit persistence.
func New(llm schemas.LLMClient, auditor Auditor, maxSchemaRetries int, logger *zap.Logger) *Planner {
	if maxSchemaRetries < 1 {
		maxSchemaRetries = 1
	}
	return &Planner{
		llm:        llm,
		auditor:    auditor,
		maxRetries: maxSchemaRetries,
		logger:     logger.Named("planner"),
	}
}

// Plan produces the initial milestone plan for a task.
func (p *Planner) Plan(ctx context.Context, taskID, task string) ([]schemas.Milestone, error) {
	prompt := fmt.Sprintf("Task:\n%s", task)
	milestones, err := p.generate(ctx, planSystemPrompt, prompt, p.validateInitial)
	if err != nil {
		return nil, err
	}
	p.audit(ctx, taskID, store.PlanKindInitial, "", milestones)
	p.logger.Info("Plan produced", zap.String("task_id", taskID), zap.Int("milestones", len(milestones)))
	return milestones, nil
}

// Replan produces a revised plan in response to a replan signal. The result is
// either a fresh milestone list for the remaining work, or a single milestone
// with Unachievable set, which the orchestrator treats as a terminal verdict.
func (p *Planner) Replan(ctx context.Context, req ReplanRequest) ([]schemas.Milestone, error) {
	prompt := renderReplanPrompt(req)
	milestones, err := p.generate(ctx, replanSystemPrompt, prompt, validateReplan)
	if err != nil {
		return nil, err
	}
	p.audit(ctx, req.TaskID, store.PlanKindReplan, req.Reason, milestones)
	p.logger.Info("Replan produced",
		zap.String("task_id", req.TaskID),
		zap.String("trigger", req.Reason),
		zap.Int("milestones", len(milestones)),
		zap.Bool("terminal", len(milestones) == 1 && milestones[0].Unachievable))
	return milestones, nil
}

type milestoneEnvelope struct {
	Milestones []schemas.Milestone `json:"milestones"`
}

// generate runs the request, re-prompting with the validation error appended
// until the reply parses and validates or the retry budget is spent.
func (p *Planner) generate(ctx context.Context, system, prompt string, validate func([]schemas.Milestone) error) ([]schemas.Milestone, error) {
	var lastErr error
	userPrompt := prompt
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		reply, err := p.llm.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: system,
			UserPrompt:   userPrompt,
			Tier:         schemas.TierPowerful,
			Options:      schemas.GenerationOptions{ForceJSONFormat: true},
		})
		if err != nil {
			return nil, fmt.Errorf("planning request: %w", err)
		}

		milestones, err := decodeMilestones(reply)
		if err == nil {
			err = validate(milestones)
		}
		if err == nil {
			return milestones, nil
		}

		lastErr = err
		p.logger.Warn("Discarding malformed plan reply", zap.Int("attempt", attempt+1), zap.Error(err))
		userPrompt = fmt.Sprintf("%s\n\nYour previous reply was rejected: %v\nReply again with valid JSON in the required shape.", prompt, err)
	}
	return nil, fmt.Errorf("%w: plan rejected after %d attempts: %v", schemas.ErrSchemaInvalid, p.maxRetries, lastErr)
}

func decodeMilestones(reply string) ([]schemas.Milestone, error) {
	raw := llmclient.ExtractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in reply")
	}
	var env milestoneEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decoding milestones: %w", err)
	}
	return env.Milestones, nil
}

func (p *Planner) validateInitial(milestones []schemas.Milestone) error {
	if len(milestones) < minMilestones || len(milestones) > maxMilestones {
		return fmt.Errorf("expected %d to %d milestones, got %d", minMilestones, maxMilestones, len(milestones))
	}
	for i, m := range milestones {
		if m.Unachievable {
			return fmt.Errorf("milestone %d marked unachievable in an initial plan", i+1)
		}
		if err := validateFields(i, m); err != nil {
			return err
		}
	}
	return nil
}

func validateReplan(milestones []schemas.Milestone) error {
	if len(milestones) == 0 {
		return fmt.Errorf("empty milestone list")
	}
	if milestones[0].Unachievable {
		if len(milestones) != 1 {
			return fmt.Errorf("an unachievable verdict must be the only milestone")
		}
		if strings.TrimSpace(milestones[0].Reasoning) == "" {
			return fmt.Errorf("unachievable verdict missing reasoning")
		}
		return nil
	}
	if len(milestones) > maxMilestones {
		return fmt.Errorf("expected at most %d milestones, got %d", maxMilestones, len(milestones))
	}
	for i, m := range milestones {
		if m.Unachievable {
			return fmt.Errorf("milestone %d marked unachievable mid-plan", i+1)
		}
		if err := validateFields(i, m); err != nil {
			return err
		}
	}
	return nil
}

func validateFields(i int, m schemas.Milestone) error {
	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("milestone %d has an empty description", i+1)
	}
	if strings.TrimSpace(m.CompletionCriteria) == "" {
		return fmt.Errorf("milestone %d has empty completion criteria", i+1)
	}
	return nil
}

func (p *Planner) audit(ctx context.Context, taskID string, kind store.PlanKind, trigger string, milestones []schemas.Milestone) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.SavePlan(ctx, taskID, kind, trigger, milestones); err != nil {
		p.logger.Warn("Failed to audit plan", zap.Error(err))
	}
}

func renderReplanPrompt(req ReplanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", req.Task)

	if len(req.Completed) > 0 {
		b.WriteString("\nCompleted milestones:\n")
		for _, m := range req.Completed {
			fmt.Fprintf(&b, "- %s\n", m.Description)
		}
	}
	fmt.Fprintf(&b, "\nFailed milestone: %s\nCompletion criteria: %s\n", req.Current.Description, req.Current.CompletionCriteria)
	fmt.Fprintf(&b, "\nWhy execution stopped: %s\n", req.Reason)
	if req.Failure.Summary != "" {
		fmt.Fprintf(&b, "Failure signals: %s\n", req.Failure.Summary)
	}
	if req.Failure.Repeated != nil {
		if raw, err := json.Marshal(req.Failure.Repeated.Args); err == nil {
			fmt.Fprintf(&b, "Repeated failing call: %s(%s) x%d\n",
				req.Failure.Repeated.ToolName, raw, req.Failure.Repeated.Count)
		}
	}
	if len(req.Facts) > 0 {
		b.WriteString("\nKnown facts:\n")
		for _, f := range req.Facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(req.History) > 0 {
		b.WriteString("\nRecent actions:\n")
		for _, rec := range req.History {
			status := "ok"
			if rec.Failed() {
				status = "failed: " + rec.Error
			}
			fmt.Fprintf(&b, "- %s (%s)\n", rec.Call.Name, status)
		}
	}
	return b.String()
}
