// Package approval implements the human-in-the-loop gate between the
// analysis step and tool execution. The gate sees every proposed batch before
// it runs; what it does with the batch depends on the intervention mode.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/failure"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gate inspects a proposed batch of tool calls and returns the calls that may
// execute. An empty slice with a nil error means the operator rejected the
// batch; the caller treats that as a replan trigger, not a failure.
type Gate func(ctx context.Context, calls []schemas.ToolCall) ([]schemas.ToolCall, error)

// ApproveAll passes every batch through untouched. Used in tests and headless
// deployments.
func ApproveAll(_ context.Context, calls []schemas.ToolCall) ([]schemas.ToolCall, error) {
	return calls, nil
}

// NewGate builds the gate for the given intervention mode.
//
// Autonomous mode applies a short, interruptible delay so an operator watching
// the console can abort; confirm mode requires a yes/no per batch; edit mode
// lets the operator drop individual calls before execution.
func NewGate(mode schemas.InterventionMode, interactor schemas.Interactor, delay time.Duration, logger *zap.Logger) Gate {
	log := logger.Named("approval")
	switch mode {
	case schemas.ModeConfirm:
		return confirmGate(interactor, log)
	case schemas.ModeEdit:
		return editGate(interactor, log)
	default:
		return autonomousGate(delay, log)
	}
}

func autonomousGate(delay time.Duration, log *zap.Logger) Gate {
	return func(ctx context.Context, calls []schemas.ToolCall) ([]schemas.ToolCall, error) {
		if len(calls) == 0 || delay <= 0 {
			return calls, nil
		}
		log.Debug("Auto-approving batch", zap.Int("calls", len(calls)))
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return calls, nil
		}
	}
}

func confirmGate(interactor schemas.Interactor, log *zap.Logger) Gate {
	return func(ctx context.Context, calls []schemas.ToolCall) ([]schemas.ToolCall, error) {
		if len(calls) == 0 {
			return calls, nil
		}
		ok, err := interactor.Confirm(ctx, fmt.Sprintf("Execute the following actions?\n%s", renderBatch(calls)))
		if err != nil {
			return nil, fmt.Errorf("confirming batch: %w", err)
		}
		if !ok {
			log.Info("Operator rejected batch", zap.Int("calls", len(calls)))
			return nil, nil
		}
		return calls, nil
	}
}

func editGate(interactor schemas.Interactor, log *zap.Logger) Gate {
	return func(ctx context.Context, calls []schemas.ToolCall) ([]schemas.ToolCall, error) {
		approved := make([]schemas.ToolCall, 0, len(calls))
		for _, call := range calls {
			ok, err := interactor.Confirm(ctx, fmt.Sprintf("Execute %s?", renderCall(call)))
			if err != nil {
				return nil, fmt.Errorf("confirming call %q: %w", call.Name, err)
			}
			if ok {
				approved = append(approved, call)
			} else {
				log.Info("Operator dropped call", zap.String("tool", call.Name))
			}
		}
		return approved, nil
	}
}

func renderBatch(calls []schemas.ToolCall) string {
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = "  " + renderCall(c)
	}
	return strings.Join(lines, "\n")
}

func renderCall(call schemas.ToolCall) string {
	raw, err := json.Marshal(failure.Redact(call.Args))
	if err != nil {
		raw = []byte("{}")
	}
	return fmt.Sprintf("%s(%s)", call.Name, raw)
}
