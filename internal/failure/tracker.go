// Package failure tracks execution failures within a subgoal and decides when
// the run is stuck. Three independent signals feed the decision: a consecutive
// failure counter, a repeated identical-call pattern detector, and an
// environment stagnation counter.
package failure

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
)

// canonical marshals map args with sorted keys so the same logical call always
// hashes to the same signature regardless of map iteration order.
var canonical = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|token|secret|credential|apikey|api_key|auth)`)

// Thresholds are the stuck-detection limits. Any single threshold being
// reached marks the run stuck.
type Thresholds struct {
	Consecutive int
	Repeats     int
	Stagnation  int
}

type patternEntry struct {
	call  schemas.ToolCall
	count int
}

// Tracker accumulates failure signals for the current subgoal.
type Tracker struct {
	mu sync.Mutex

	limits      Thresholds
	consecutive int
	patterns    map[string]*patternEntry
	stagnation  int
	lastSnap    *schemas.EnvironmentSnapshot

	logger *zap.Logger
}

// NewTracker creates a tracker with the given stuck thresholds.
func NewTracker(limits Thresholds, logger *zap.Logger) *Tracker {
	return &Tracker{
		limits:   limits,
		patterns: make(map[string]*patternEntry),
		logger:   logger.Named("failure"),
	}
}

// RecordFailure registers one failed call together with the environment
// snapshot taken after it. The stagnation counter is the length of the
// current run of failures sharing an identical snapshot; a nil snapshot (the
// page could not be read) leaves it untouched.
func (t *Tracker) RecordFailure(call schemas.ToolCall, snap *schemas.EnvironmentSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive++

	sig := signature(call)
	entry, ok := t.patterns[sig]
	if !ok {
		entry = &patternEntry{call: call}
		t.patterns[sig] = entry
	}
	entry.count++

	if snap != nil {
		if t.lastSnap != nil && t.lastSnap.Equal(*snap) {
			t.stagnation++
		} else {
			t.stagnation = 1
		}
		s := *snap
		t.lastSnap = &s
	}

	t.logger.Debug("Failure recorded",
		zap.String("tool", call.Name),
		zap.Int("consecutive", t.consecutive),
		zap.Int("pattern_count", entry.count),
		zap.Int("stagnation", t.stagnation))
}

// RecordSuccess resets the consecutive and stagnation counters. Pattern
// counts survive so an oscillating fail-succeed-fail loop on the same call is
// still caught.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
	t.stagnation = 0
	t.lastSnap = nil
}

// IsStuck reports whether any threshold has been reached.
func (t *Tracker) IsStuck() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consecutive >= t.limits.Consecutive {
		return true
	}
	if t.worstPatternLocked() != nil && t.worstPatternLocked().count >= t.limits.Repeats {
		return true
	}
	return t.stagnation >= t.limits.Stagnation
}

func (t *Tracker) worstPatternLocked() *patternEntry {
	var worst *patternEntry
	for _, e := range t.patterns {
		if worst == nil || e.count > worst.count {
			worst = e
		}
	}
	return worst
}

// Context produces the failure summary handed to replanning and reflection.
// Sensitive argument values are redacted.
func (t *Tracker) Context() schemas.FailureContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	fc := schemas.FailureContext{
		ConsecutiveFailures: t.consecutive,
		StagnationCount:     t.stagnation,
	}
	if worst := t.worstPatternLocked(); worst != nil && worst.count > 1 {
		fc.Repeated = &schemas.RepeatedFailure{
			ToolName: worst.call.Name,
			Args:     Redact(worst.call.Args),
			Count:    worst.count,
		}
	}
	fc.Summary = summarize(fc)
	return fc
}

// Reset clears all counters. Called when a new subgoal begins.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
	t.patterns = make(map[string]*patternEntry)
	t.stagnation = 0
	t.lastSnap = nil
}

// signature hashes a tool name plus its canonicalized args. Two calls with the
// same name and logically equal args share a signature.
func signature(call schemas.ToolCall) string {
	h := sha256.New()
	h.Write([]byte(call.Name))
	h.Write([]byte{0})
	if raw, err := canonical.Marshal(call.Args); err == nil {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Redact returns a copy of args with values of sensitive keys replaced.
func Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}

func summarize(fc schemas.FailureContext) string {
	var parts []string
	if fc.ConsecutiveFailures > 0 {
		parts = append(parts, fmt.Sprintf("%d consecutive tool failures", fc.ConsecutiveFailures))
	}
	if fc.Repeated != nil {
		parts = append(parts, fmt.Sprintf("the call %q with identical arguments has failed %d times", fc.Repeated.ToolName, fc.Repeated.Count))
	}
	if fc.StagnationCount > 0 {
		parts = append(parts, fmt.Sprintf("the page has not changed across the last %d actions", fc.StagnationCount))
	}
	if len(parts) == 0 {
		return "no failure signals recorded"
	}
	return strings.Join(parts, "; ")
}
