// Package coordinator executes a single milestone: it decomposes the
// milestone into subgoals, then drives each subgoal through an
// analyze-approve-execute-verify loop against the browser. It never replans
// itself; when it cannot make progress it hands a replan signal back to the
// orchestrator.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/approval"
	"github.com/xkilldash9x/steersman/internal/catalog"
	"github.com/xkilldash9x/steersman/internal/config"
	"github.com/xkilldash9x/steersman/internal/failure"
	"github.com/xkilldash9x/steersman/internal/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	minSubgoals = 1
	maxSubgoals = 4
)

// ReplanSignal reports why a milestone could not proceed. It is a result
// value, not an error: needing a new plan is a normal outcome of execution.
type ReplanSignal struct {
	Reason     string
	FailedCall *schemas.ToolCall
	Failure    schemas.FailureContext
}

// Outcome is the result of running one milestone. Exactly one of the three
// states holds: the milestone completed, the agent declared the whole task
// finished, or a replan is needed.
type Outcome struct {
	Success  bool
	Finished bool
	Replan   *ReplanSignal
}

// Coordinator runs milestones.
type Coordinator struct {
	llm      schemas.LLMClient
	registry *catalog.Registry
	state    *catalog.State
	gate     approval.Gate
	tracker  *failure.Tracker
	cfg      config.AgentConfig
	logger   *zap.Logger
}

// New wires a coordinator. state carries the browser, session memory and
// workspace shared with the tool registry.
func New(llm schemas.LLMClient, registry *catalog.Registry, state *catalog.State, gate approval.Gate, cfg config.AgentConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		llm:      llm,
		registry: registry,
		state:    state,
		gate:     gate,
		tracker: failure.NewTracker(failure.Thresholds{
			Consecutive: cfg.StuckConsecutive,
			Repeats:     cfg.StuckRepeats,
			Stagnation:  cfg.StuckStagnation,
		}, logger),
		cfg:    cfg,
		logger: logger.Named("coordinator"),
	}
}

// RunMilestone decomposes the milestone into subgoals and runs them in order.
func (c *Coordinator) RunMilestone(ctx context.Context, task string, milestone schemas.Milestone) (Outcome, error) {
	subgoals, err := c.decompose(ctx, task, milestone)
	if err != nil {
		return Outcome{}, err
	}
	c.logger.Info("Milestone decomposed",
		zap.String("milestone", milestone.Description),
		zap.Int("subgoals", len(subgoals)))

	for _, sg := range subgoals {
		outcome, err := c.runSubgoal(ctx, task, milestone, sg)
		if err != nil {
			return Outcome{}, err
		}
		if outcome.Finished || outcome.Replan != nil {
			return outcome, nil
		}
		c.state.Session.CompleteSubgoal(sg)
	}
	return Outcome{Success: true}, nil
}

type subgoalEnvelope struct {
	Subgoals []schemas.Subgoal `json:"subgoals"`
}

func (c *Coordinator) decompose(ctx context.Context, task string, milestone schemas.Milestone) ([]schemas.Subgoal, error) {
	prompt := fmt.Sprintf("Task:\n%s\n\nCurrent milestone: %s\nCompletion criteria: %s",
		task, milestone.Description, milestone.CompletionCriteria)

	var lastErr error
	userPrompt := prompt
	retries := c.cfg.MaxSchemaRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		reply, err := c.llm.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: decomposeSystemPrompt,
			UserPrompt:   userPrompt,
			Tier:         schemas.TierPowerful,
			Options:      schemas.GenerationOptions{ForceJSONFormat: true},
		})
		if err != nil {
			return nil, fmt.Errorf("decomposition request: %w", err)
		}
		subgoals, err := decodeSubgoals(reply)
		if err == nil {
			return subgoals, nil
		}
		lastErr = err
		c.logger.Warn("Discarding malformed decomposition", zap.Int("attempt", attempt+1), zap.Error(err))
		userPrompt = fmt.Sprintf("%s\n\nYour previous reply was rejected: %v\nReply again with valid JSON.", prompt, err)
	}
	return nil, fmt.Errorf("%w: decomposition rejected after %d attempts: %v", schemas.ErrSchemaInvalid, retries, lastErr)
}

func decodeSubgoals(reply string) ([]schemas.Subgoal, error) {
	raw := llmclient.ExtractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in reply")
	}
	var env subgoalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decoding subgoals: %w", err)
	}
	if len(env.Subgoals) < minSubgoals || len(env.Subgoals) > maxSubgoals {
		return nil, fmt.Errorf("expected %d to %d subgoals, got %d", minSubgoals, maxSubgoals, len(env.Subgoals))
	}
	for i, sg := range env.Subgoals {
		if strings.TrimSpace(sg.Description) == "" {
			return nil, fmt.Errorf("subgoal %d has an empty description", i+1)
		}
		if strings.TrimSpace(sg.SuccessCriteria) == "" {
			return nil, fmt.Errorf("subgoal %d has empty success criteria", i+1)
		}
	}
	return env.Subgoals, nil
}

// runSubgoal drives one subgoal to completion or to a replan signal. The
// returned zero Outcome means the subgoal succeeded and the milestone
// continues.
func (c *Coordinator) runSubgoal(ctx context.Context, task string, milestone schemas.Milestone, sg schemas.Subgoal) (Outcome, error) {
	// Working memory is scoped to the subgoal; cleared exactly once here.
	c.state.Session.ClearWorking()
	c.tracker.Reset()

	reflections := 0
	qaFails := 0

	for loop := 0; loop < c.cfg.MaxLoopsPerSubgoal; loop++ {
		calls, err := c.analyze(ctx, task, milestone, sg)
		if err != nil {
			return Outcome{}, err
		}

		gated, err := c.gate(ctx, calls)
		if err != nil {
			return Outcome{}, fmt.Errorf("approval gate: %w", err)
		}
		if len(gated) == 0 {
			return Outcome{Replan: &ReplanSignal{
				Reason:  "operator rejected the proposed actions",
				Failure: c.tracker.Context(),
			}}, nil
		}

		records, err := c.executeBatch(ctx, sg, gated)
		if err != nil {
			return Outcome{}, err
		}

		snap := c.snapshot(ctx)
		c.refreshTabs(ctx)

		var failed []schemas.ExecutionRecord
		finished := false
		for _, rec := range records {
			if rec.Failed() {
				failed = append(failed, rec)
			} else if rec.Call.Name == catalog.FinishToolName {
				finished = true
			}
		}

		if len(failed) > 0 {
			for _, rec := range failed {
				c.tracker.RecordFailure(rec.Call, snap)
			}
			if c.tracker.IsStuck() {
				worst := failed[len(failed)-1].Call
				return Outcome{Replan: &ReplanSignal{
					Reason:     "execution is stuck: " + c.tracker.Context().Summary,
					FailedCall: &worst,
					Failure:    c.tracker.Context(),
				}}, nil
			}
			if reflections < c.cfg.MaxReflections {
				reflections++
				c.reflect(ctx, sg, failed)
				continue
			}
			worst := failed[len(failed)-1].Call
			return Outcome{Replan: &ReplanSignal{
				Reason:     "failures persist after reflection: " + c.tracker.Context().Summary,
				FailedCall: &worst,
				Failure:    c.tracker.Context(),
			}}, nil
		}

		c.tracker.RecordSuccess()

		if finished {
			c.logger.Info("Agent declared task finished", zap.String("subgoal", sg.Description))
			return Outcome{Finished: true}, nil
		}

		satisfied, reason, err := c.verify(ctx, sg)
		if err != nil {
			return Outcome{}, err
		}
		if satisfied {
			c.logger.Info("Subgoal complete", zap.String("subgoal", sg.Description))
			return Outcome{}, nil
		}
		qaFails++
		c.logger.Debug("Subgoal not yet satisfied",
			zap.String("subgoal", sg.Description),
			zap.String("reason", reason),
			zap.Int("qa_fails", qaFails))
		if qaFails >= c.cfg.MaxQAFails {
			return Outcome{Replan: &ReplanSignal{
				Reason:  fmt.Sprintf("verification failed %d times: %s", qaFails, reason),
				Failure: c.tracker.Context(),
			}}, nil
		}
		c.state.Session.PushWorking("Verifier: " + reason)
	}

	return Outcome{Replan: &ReplanSignal{
		Reason:  fmt.Sprintf("loop budget of %d iterations exhausted for subgoal %q", c.cfg.MaxLoopsPerSubgoal, sg.Description),
		Failure: c.tracker.Context(),
	}}, nil
}

// analyze asks the model for the next batch of tool calls given the full
// observable context.
func (c *Coordinator) analyze(ctx context.Context, task string, milestone schemas.Milestone, sg schemas.Subgoal) ([]schemas.ToolCall, error) {
	prompt := c.renderContext(ctx, task, milestone, sg)

	retries := c.cfg.MaxSchemaRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		calls, err := c.llm.ProposeToolCalls(ctx, schemas.ToolCallRequest{
			SystemPrompt: analysisSystemPrompt,
			UserPrompt:   prompt,
			Tier:         schemas.TierPowerful,
			Tools:        c.registry.Descriptors(),
		})
		if err != nil {
			return nil, fmt.Errorf("analysis request: %w", err)
		}
		if len(calls) > 0 {
			return calls, nil
		}
		c.logger.Warn("Model proposed no actions", zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: model proposed no actions after %d attempts", schemas.ErrSchemaInvalid, retries)
}

// executeBatch runs approved calls concurrently. Every call, including ones
// that fail their precondition or name an unknown tool, produces exactly one
// history record. An unknown tool additionally aborts the run.
func (c *Coordinator) executeBatch(ctx context.Context, sg schemas.Subgoal, calls []schemas.ToolCall) ([]schemas.ExecutionRecord, error) {
	type resolved struct {
		call schemas.ToolCall
		tool *catalog.Tool
	}

	runnable := make([]resolved, 0, len(calls))
	for _, call := range calls {
		tool, err := c.registry.Resolve(call.Name)
		if err != nil {
			rec := c.record(sg, call, nil, err)
			c.state.Session.AppendRecord(rec)
			return nil, fmt.Errorf("resolving %q: %w", call.Name, err)
		}
		runnable = append(runnable, resolved{call: call, tool: tool})
	}

	var mu sync.Mutex
	records := make([]schemas.ExecutionRecord, 0, len(runnable))

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runnable {
		r := r
		g.Go(func() error {
			var result any
			err := gctx.Err()
			if err == nil && r.tool.Precondition != nil {
				err = r.tool.Precondition(gctx, c.state, r.call.Args)
			}
			if err == nil {
				result, err = r.tool.Execute(gctx, c.state, r.call.Args)
			}
			rec := c.record(sg, r.call, result, err)
			mu.Lock()
			records = append(records, rec)
			c.state.Session.AppendRecord(rec)
			mu.Unlock()
			// Tool failures are data, not control flow; only context
			// cancellation stops the batch.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return records, err
	}
	return records, nil
}

func (c *Coordinator) record(sg schemas.Subgoal, call schemas.ToolCall, result any, err error) schemas.ExecutionRecord {
	rec := schemas.ExecutionRecord{
		Call:            call,
		Result:          result,
		Subgoal:         sg.Description,
		SuccessCriteria: sg.SuccessCriteria,
		Timestamp:       time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorCode = catalog.CodeOf(err)
		c.logger.Warn("Tool call failed",
			zap.String("tool", call.Name),
			zap.String("code", string(rec.ErrorCode)),
			zap.Error(err))
	}
	return rec
}

type reflectionEnvelope struct {
	Cause        string   `json:"cause"`
	Alternatives []string `json:"alternatives"`
}

// reflect asks the model why the batch failed and stores the diagnosis in
// working memory so the next analysis sees it. Reflection is advisory; a
// malformed reply is dropped, not retried.
func (c *Coordinator) reflect(ctx context.Context, sg schemas.Subgoal, failed []schemas.ExecutionRecord) {
	var b strings.Builder
	fmt.Fprintf(&b, "Subgoal: %s\n\nFailed calls:\n", sg.Description)
	for _, rec := range failed {
		raw, _ := json.Marshal(failure.Redact(rec.Call.Args))
		fmt.Fprintf(&b, "- %s(%s): %s [%s]\n", rec.Call.Name, raw, rec.Error, rec.ErrorCode)
	}

	reply, err := c.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: reflectSystemPrompt,
		UserPrompt:   b.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		c.logger.Warn("Reflection request failed", zap.Error(err))
		return
	}
	var env reflectionEnvelope
	if raw := llmclient.ExtractJSON(reply); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.logger.Warn("Discarding malformed reflection", zap.Error(err))
			return
		}
	}
	if env.Cause == "" {
		return
	}
	if len(env.Alternatives) > 3 {
		env.Alternatives = env.Alternatives[:3]
	}
	note := "Diagnosis: " + env.Cause
	if len(env.Alternatives) > 0 {
		note += " Try instead: " + strings.Join(env.Alternatives, "; ")
	}
	c.state.Session.PushWorking(note)
}

type verdictEnvelope struct {
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason"`
}

// verify asks the model whether the subgoal's success criteria hold against
// the current page.
func (c *Coordinator) verify(ctx context.Context, sg schemas.Subgoal) (bool, string, error) {
	summary, err := c.state.Browser.Summary(ctx)
	if err != nil {
		c.logger.Warn("Page summary unavailable for verification", zap.Error(err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subgoal: %s\nSuccess criteria: %s\n\nCurrent page:\nURL: %s\nTitle: %s\n",
		sg.Description, sg.SuccessCriteria, summary.URL, summary.Title)
	if summary.TextExcerpt != "" {
		fmt.Fprintf(&b, "Visible text:\n%s\n", summary.TextExcerpt)
	}
	for _, rec := range c.state.Session.RecentHistory(c.cfg.HistoryWindow) {
		status := "ok"
		if rec.Failed() {
			status = "failed"
		}
		fmt.Fprintf(&b, "Recent action: %s (%s)\n", rec.Call.Name, status)
	}

	reply, err := c.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: verifySystemPrompt,
		UserPrompt:   b.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return false, "", fmt.Errorf("verification request: %w", err)
	}
	raw := llmclient.ExtractJSON(reply)
	if raw == "" {
		return false, "verifier reply was not JSON", nil
	}
	var env verdictEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false, "verifier reply was not decodable", nil
	}
	return env.Satisfied, env.Reason, nil
}

// snapshot reads the page state, or nil when the browser cannot be read so
// that an unreadable page is never mistaken for an unchanged one.
func (c *Coordinator) snapshot(ctx context.Context) *schemas.EnvironmentSnapshot {
	snap, err := c.state.Browser.Snapshot(ctx)
	if err != nil {
		c.logger.Debug("Snapshot unavailable", zap.Error(err))
		return nil
	}
	return &snap
}

func (c *Coordinator) refreshTabs(ctx context.Context) {
	tabs, err := c.state.Browser.Tabs(ctx)
	if err != nil {
		c.logger.Debug("Tab listing unavailable", zap.Error(err))
		return
	}
	c.state.Session.UpdateTabs(tabs)
}
