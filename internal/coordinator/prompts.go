package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/failure"
)

const decomposeSystemPrompt = `You are the tactical module of an autonomous web-browsing agent.
Break the current milestone into between 1 and 4 small, concrete subgoals an
agent can execute against a browser, each with an observable success
criterion. Respond with JSON only, in this exact shape:
{"subgoals": [{"description": "...", "success_criteria": "..."}]}`

const analysisSystemPrompt = `You are an autonomous web-browsing agent working toward a subgoal.
Study the current browser state, your notes and your recent actions, then
propose the next tool calls. Propose multiple calls only when they are
independent and safe to run concurrently; otherwise propose exactly one.
Never repeat a call that already failed with identical arguments. When the
overall task is demonstrably complete, or demonstrably impossible, call the
finish tool with your verdict instead of acting further.`

const reflectSystemPrompt = `You are the diagnosis module of an autonomous web-browsing agent.
A batch of tool calls failed. Identify the most likely root cause and up to
three concretely different alternative approaches. Respond with JSON only:
{"cause": "...", "alternatives": ["...", "..."]}`

const verifySystemPrompt = `You are the verification module of an autonomous web-browsing agent.
Judge strictly from the evidence provided whether the subgoal's success
criteria are met. Respond with JSON only:
{"satisfied": true, "reason": "..."}`

// renderContext assembles the observable state handed to the analysis step:
// current page, open tabs, long-term facts, working notes, recent history and
// active failure signals.
func (c *Coordinator) renderContext(ctx context.Context, task string, milestone schemas.Milestone, sg schemas.Subgoal) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task:\n%s\n\nMilestone: %s\nSubgoal: %s\nSuccess criteria: %s\n",
		task, milestone.Description, sg.Description, sg.SuccessCriteria)

	if summary, err := c.state.Browser.Summary(ctx); err == nil {
		fmt.Fprintf(&b, "\nCurrent page:\nURL: %s\nTitle: %s\n", summary.URL, summary.Title)
		if summary.TextExcerpt != "" {
			fmt.Fprintf(&b, "Visible text:\n%s\n", summary.TextExcerpt)
		}
		if len(summary.Interactive) > 0 {
			b.WriteString("Interactive elements:\n")
			for _, el := range summary.Interactive {
				fmt.Fprintf(&b, "- %s %s %q\n", el.Selector, el.Role, el.Text)
			}
		}
	}

	if tabs := c.state.Session.Tabs(); len(tabs) > 0 {
		b.WriteString("\nOpen tabs:\n")
		for _, tab := range tabs {
			marker := " "
			if tab.Active {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s [%s] %s (%s)\n", marker, tab.ID, tab.Title, tab.URL)
		}
	}

	if facts := c.state.Session.Facts(); len(facts) > 0 {
		b.WriteString("\nKnown facts:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if notes := c.state.Session.WorkingNotes(); len(notes) > 0 {
		b.WriteString("\nNotes for this subgoal:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}

	if history := c.state.Session.RecentHistory(c.cfg.HistoryWindow); len(history) > 0 {
		b.WriteString("\nRecent actions, oldest first:\n")
		for _, rec := range history {
			raw, _ := json.Marshal(failure.Redact(rec.Call.Args))
			if rec.Failed() {
				fmt.Fprintf(&b, "- %s(%s) failed: %s [%s]\n", rec.Call.Name, raw, rec.Error, rec.ErrorCode)
			} else {
				fmt.Fprintf(&b, "- %s(%s) ok\n", rec.Call.Name, raw)
			}
		}
	}

	if fc := c.tracker.Context(); fc.ConsecutiveFailures > 0 || fc.Repeated != nil || fc.StagnationCount > 0 {
		fmt.Fprintf(&b, "\nFailure signals: %s\n", fc.Summary)
	}

	return b.String()
}
