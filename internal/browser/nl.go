package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxInteractive = 40
	maxExcerpt     = 4000
)

// collectInteractiveJS walks the DOM for visible interactive elements and
// builds a best-effort selector for each.
const collectInteractiveJS = `(() => {
	const nodes = document.querySelectorAll('a, button, input, select, textarea, [role="button"], [role="link"], [onclick]');
	const out = [];
	for (const el of nodes) {
		if (out.length >= 40) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) continue;
		let selector = el.tagName.toLowerCase();
		if (el.id) {
			selector = '#' + CSS.escape(el.id);
		} else if (el.name) {
			selector += '[name="' + el.name + '"]';
		} else if (el.getAttribute('aria-label')) {
			selector += '[aria-label="' + el.getAttribute('aria-label') + '"]';
		}
		const text = (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || '')
			.trim().replace(/\s+/g, ' ').slice(0, 80);
		out.push({selector: selector, role: el.tagName.toLowerCase(), text: text});
	}
	return out;
})()`

const pageTextJS = `(document.body && document.body.innerText || '').replace(/\n{3,}/g, '\n\n').slice(0, 4000)`

const actSystemPrompt = `You translate one natural-language browser instruction into a single
primitive action against the listed elements. Respond with JSON only:
{"action": "click" | "type" | "press" | "scroll", "selector": "...", "text": "...", "key": "..."}
Use "selector" from the element list verbatim. "text" is what to type,
"key" is a key name such as Enter. For scroll, no selector is needed.`

const observeSystemPrompt = `You match page elements against a description. Given a numbered element
list and a description, respond with JSON only:
{"indices": [0, 2]}
listing the indices of matching elements, best match first. Use an empty
list when nothing matches.`

const extractSystemPrompt = `You extract data from page text. Follow the extraction instruction
exactly and answer with only the extracted data, no commentary. Answer
NOT_FOUND if the page does not contain the requested data.`

// interactive reads the current interactive elements from the active tab.
func (d *Driver) interactive(ctx context.Context, t *tabHandle) ([]schemas.Locator, error) {
	var locators []schemas.Locator
	if err := d.run(ctx, t, d.cfg.ActionTimeout, chromedp.Evaluate(collectInteractiveJS, &locators)); err != nil {
		return nil, classify("collecting interactive elements", err)
	}
	if len(locators) > maxInteractive {
		locators = locators[:maxInteractive]
	}
	return locators, nil
}

func renderElements(locators []schemas.Locator) string {
	var b strings.Builder
	for i, l := range locators {
		fmt.Fprintf(&b, "%d. %s (%s) %q\n", i, l.Selector, l.Role, l.Text)
	}
	return b.String()
}

type actPlan struct {
	Action   string `json:"action"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Key      string `json:"key"`
}

// Act resolves a natural-language instruction to one primitive interaction
// and performs it.
func (d *Driver) Act(ctx context.Context, instruction string) error {
	t, err := d.active()
	if err != nil {
		return err
	}
	locators, err := d.interactive(ctx, t)
	if err != nil {
		return err
	}

	reply, err := d.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: actSystemPrompt,
		UserPrompt:   fmt.Sprintf("Instruction: %s\n\nElements:\n%s", instruction, renderElements(locators)),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return fmt.Errorf("resolving instruction: %w", err)
	}
	var plan actPlan
	raw := llmclient.ExtractJSON(reply)
	if raw == "" {
		return fmt.Errorf("instruction %q did not resolve to an action", instruction)
	}
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return fmt.Errorf("decoding action plan: %w", err)
	}

	d.logger.Debug("Performing action",
		zap.String("instruction", instruction),
		zap.String("action", plan.Action),
		zap.String("selector", plan.Selector))

	var action chromedp.Action
	switch plan.Action {
	case "click":
		action = chromedp.Click(plan.Selector, chromedp.ByQuery)
	case "type":
		action = chromedp.Tasks{
			chromedp.Click(plan.Selector, chromedp.ByQuery),
			chromedp.SendKeys(plan.Selector, plan.Text, chromedp.ByQuery),
		}
	case "press":
		key := plan.Key
		if strings.EqualFold(key, "enter") {
			key = "\r"
		}
		if plan.Selector != "" {
			action = chromedp.SendKeys(plan.Selector, key, chromedp.ByQuery)
		} else {
			action = chromedp.KeyEvent(key)
		}
	case "scroll":
		action = chromedp.Evaluate(`window.scrollBy(0, window.innerHeight * 0.8)`, nil)
	default:
		return fmt.Errorf("instruction %q resolved to unsupported action %q", instruction, plan.Action)
	}

	if err := d.run(ctx, t, d.cfg.ActionTimeout, action); err != nil {
		return classify(fmt.Sprintf("performing %s on %q", plan.Action, plan.Selector), err)
	}
	d.refreshHandle(ctx, t)
	return nil
}

type observeReply struct {
	Indices []int `json:"indices"`
}

// Observe returns locators matching the instruction; with an empty
// instruction it returns the interactive element inventory as is.
func (d *Driver) Observe(ctx context.Context, instruction string) ([]schemas.Locator, error) {
	t, err := d.active()
	if err != nil {
		return nil, err
	}
	locators, err := d.interactive(ctx, t)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(instruction) == "" || len(locators) == 0 {
		return locators, nil
	}

	reply, err := d.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: observeSystemPrompt,
		UserPrompt:   fmt.Sprintf("Description: %s\n\nElements:\n%s", instruction, renderElements(locators)),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return nil, fmt.Errorf("matching elements: %w", err)
	}
	var parsed observeReply
	if raw := llmclient.ExtractJSON(reply); raw != "" {
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("decoding element matches: %w", err)
		}
	}
	var out []schemas.Locator
	for _, idx := range parsed.Indices {
		if idx >= 0 && idx < len(locators) {
			out = append(out, locators[idx])
		}
	}
	return out, nil
}

// Extract pulls data out of the visible page text per the instruction.
func (d *Driver) Extract(ctx context.Context, instruction string) (string, error) {
	t, err := d.active()
	if err != nil {
		return "", err
	}
	var text string
	if err := d.run(ctx, t, d.cfg.ActionTimeout, chromedp.Evaluate(pageTextJS, &text)); err != nil {
		return "", classify("reading page text", err)
	}

	reply, err := d.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: extractSystemPrompt,
		UserPrompt:   fmt.Sprintf("Instruction: %s\n\nPage text:\n%s", instruction, text),
		Tier:         schemas.TierFast,
	})
	if err != nil {
		return "", fmt.Errorf("extracting data: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// Summary renders the condensed page view used in analysis and verification
// prompts.
func (d *Driver) Summary(ctx context.Context) (schemas.PageSummary, error) {
	t, err := d.active()
	if err != nil {
		return schemas.PageSummary{}, err
	}
	var summary schemas.PageSummary
	var text string
	err = d.run(ctx, t, d.cfg.ActionTimeout,
		chromedp.Location(&summary.URL),
		chromedp.Title(&summary.Title),
		chromedp.Evaluate(pageTextJS, &text),
	)
	if err != nil {
		return schemas.PageSummary{}, classify("summarizing page", err)
	}
	if len(text) > maxExcerpt {
		text = text[:maxExcerpt]
	}
	summary.TextExcerpt = text

	if locators, err := d.interactive(ctx, t); err == nil {
		summary.Interactive = locators
	}
	d.mu.Lock()
	t.url, t.title = summary.URL, summary.Title
	d.mu.Unlock()
	return summary, nil
}
