package failure

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/steersman/api/schemas"
)

func defaultLimits() Thresholds {
	return Thresholds{Consecutive: 5, Repeats: 3, Stagnation: 3}
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(defaultLimits(), zaptest.NewLogger(t))
}

func snapOf(url string) *schemas.EnvironmentSnapshot {
	return &schemas.EnvironmentSnapshot{URL: url, Title: "Page"}
}

func TestTracker_ConsecutiveThreshold(t *testing.T) {
	tr := newTestTracker(t)

	// Vary args and snapshots so neither the pattern detector nor the
	// stagnation counter fires; only the consecutive counter should trip.
	for i := 0; i < 4; i++ {
		tr.RecordFailure(
			schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": string(rune('a' + i))}},
			snapOf(fmt.Sprintf("https://x.test/%d", i)),
		)
		assert.False(t, tr.IsStuck(), "stuck too early at failure %d", i+1)
	}
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "z"}}, snapOf("https://x.test/5"))
	assert.True(t, tr.IsStuck())
}

func TestTracker_SuccessResetsConsecutiveOnly(t *testing.T) {
	tr := newTestTracker(t)

	call := schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "click checkout"}}
	tr.RecordFailure(call, nil)
	tr.RecordFailure(call, nil)
	tr.RecordSuccess()

	assert.Equal(t, 0, tr.Context().ConsecutiveFailures)

	// A third identical failure trips the pattern threshold even though the
	// consecutive streak was broken.
	tr.RecordFailure(call, nil)
	assert.True(t, tr.IsStuck())
}

func TestTracker_PatternSignatureIgnoresArgOrder(t *testing.T) {
	a := schemas.ToolCall{Name: "act", Args: map[string]any{"selector": "#go", "instruction": "click"}}
	b := schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "click", "selector": "#go"}}
	assert.Equal(t, signature(a), signature(b))

	c := schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "click", "selector": "#stop"}}
	assert.NotEqual(t, signature(a), signature(c))
}

func TestTracker_ThreeFailuresOnUnchangedPageAreStuck(t *testing.T) {
	tr := newTestTracker(t)

	// Distinct calls keep the pattern detector quiet; the third failure on
	// the same page must trip the stagnation threshold on its own.
	same := snapOf("https://x.test/form")
	for i, instruction := range []string{"click submit", "press enter", "click the button again"} {
		tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": instruction}}, same)
		if i < 2 {
			assert.False(t, tr.IsStuck(), "stuck too early at failure %d", i+1)
		}
	}
	assert.True(t, tr.IsStuck())
	assert.Equal(t, 3, tr.Context().StagnationCount)
}

func TestTracker_SuccessResetsStagnation(t *testing.T) {
	tr := newTestTracker(t)

	same := snapOf("https://x.test/form")
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "a"}}, same)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "b"}}, same)
	tr.RecordSuccess()
	assert.Equal(t, 0, tr.Context().StagnationCount)

	// The run restarts after the break; a fail-succeed-fail-fail sequence on
	// one page stays below the threshold.
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "c"}}, same)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "d"}}, same)
	assert.False(t, tr.IsStuck())
	assert.Equal(t, 2, tr.Context().StagnationCount)
}

func TestTracker_PageChangeResetsStagnation(t *testing.T) {
	tr := newTestTracker(t)

	a := snapOf("https://x.test/a")
	b := snapOf("https://x.test/b")
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "1"}}, a)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "2"}}, a)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "3"}}, b)
	assert.False(t, tr.IsStuck())
	assert.Equal(t, 1, tr.Context().StagnationCount)
}

func TestTracker_UnreadableSnapshotLeavesStagnationUntouched(t *testing.T) {
	tr := newTestTracker(t)

	same := snapOf("https://x.test/form")
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "1"}}, same)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "2"}}, nil)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "3"}}, nil)
	assert.False(t, tr.IsStuck())
	assert.Equal(t, 1, tr.Context().StagnationCount)

	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "4"}}, same)
	tr.RecordFailure(schemas.ToolCall{Name: "act", Args: map[string]any{"instruction": "5"}}, same)
	assert.True(t, tr.IsStuck())
}

func TestTracker_ContextSummaryAndRedaction(t *testing.T) {
	tr := newTestTracker(t)

	call := schemas.ToolCall{Name: "act", Args: map[string]any{
		"instruction": "type credentials",
		"password":    "hunter2",
		"api_key":     "sk-123",
	}}
	tr.RecordFailure(call, nil)
	tr.RecordFailure(call, nil)

	fc := tr.Context()
	assert.Equal(t, 2, fc.ConsecutiveFailures)
	require.NotNil(t, fc.Repeated)
	assert.Equal(t, "act", fc.Repeated.ToolName)
	assert.Equal(t, 2, fc.Repeated.Count)
	assert.Equal(t, "[REDACTED]", fc.Repeated.Args["password"])
	assert.Equal(t, "[REDACTED]", fc.Repeated.Args["api_key"])
	assert.Equal(t, "type credentials", fc.Repeated.Args["instruction"])
	assert.Contains(t, fc.Summary, "2 consecutive tool failures")
	assert.Contains(t, fc.Summary, `"act"`)
}

func TestTracker_ContextWithoutSignals(t *testing.T) {
	tr := newTestTracker(t)
	fc := tr.Context()
	assert.Nil(t, fc.Repeated)
	assert.Equal(t, "no failure signals recorded", fc.Summary)
}

func TestTracker_Reset(t *testing.T) {
	tr := newTestTracker(t)

	call := schemas.ToolCall{Name: "act", Args: map[string]any{"x": "y"}}
	for i := 0; i < 6; i++ {
		tr.RecordFailure(call, snapOf("https://x.test"))
	}
	require.True(t, tr.IsStuck())

	tr.Reset()
	assert.False(t, tr.IsStuck())
	fc := tr.Context()
	assert.Equal(t, 0, fc.ConsecutiveFailures)
	assert.Nil(t, fc.Repeated)
	assert.Equal(t, 0, fc.StagnationCount)
}

func TestRedact_NilArgs(t *testing.T) {
	assert.Nil(t, Redact(nil))
}
