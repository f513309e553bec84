package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserAutomation runs a short scripted browser session. It defaults to
// dry_run, which echoes the validated plan without launching anything.
type BrowserAutomation struct {
	// runSession overrides the browser round-trip in tests.
	runSession func(ctx context.Context, params automationParams) (map[string]any, error)
}

type automationAction struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Selector  string `json:"selector,omitempty"`
	Value     string `json:"value,omitempty"`
	URL       string `json:"url,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type automationParams struct {
	StartURL string             `json:"start_url"`
	Actions  []automationAction `json:"actions"`
	Headless bool               `json:"headless"`
	DryRun   bool               `json:"dry_run"`
}

// NewBrowserAutomation returns the browser_automation tool.
func NewBrowserAutomation() *BrowserAutomation {
	return &BrowserAutomation{runSession: runSessionChromedp}
}

func (t *BrowserAutomation) Name() string { return "browser_automation" }
func (t *BrowserAutomation) Risk() Risk   { return RiskHigh }

func (t *BrowserAutomation) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"start_url": {"type": ["string", "null"], "pattern": "^https?://"},
			"actions": {
				"type": "array",
				"minItems": 1,
				"maxItems": 20,
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string", "minLength": 1, "maxLength": 64},
						"type": {"enum": ["goto", "click", "fill", "press", "wait_for"]},
						"selector": {"type": ["string", "null"], "maxLength": 500},
						"value": {"type": ["string", "null"], "maxLength": 4000},
						"url": {"type": ["string", "null"], "pattern": "^https?://"},
						"timeout_ms": {"type": "integer", "minimum": 100, "maximum": 120000, "default": 10000}
					},
					"required": ["id", "type"],
					"additionalProperties": false
				}
			},
			"headless": {"type": "boolean", "default": true},
			"dry_run": {"type": "boolean", "default": true}
		},
		"required": ["actions"],
		"additionalProperties": false
	}`
}

func (t *BrowserAutomation) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var params automationParams
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}
	// Both flags default to true when absent.
	if _, ok := input["headless"]; !ok {
		params.Headless = true
	}
	if _, ok := input["dry_run"]; !ok {
		params.DryRun = true
	}

	for i := range params.Actions {
		if params.Actions[i].TimeoutMS == 0 {
			params.Actions[i].TimeoutMS = 10000
		}
		if err := validateActionShape(params.Actions[i]); err != nil {
			return nil, &InvalidInputError{Tool: t.Name(), Errors: []string{err.Error()}}
		}
	}

	if params.DryRun {
		actions := make([]any, len(params.Actions))
		for i, a := range params.Actions {
			actions[i] = map[string]any{
				"id": a.ID, "type": a.Type, "selector": a.Selector,
				"value": a.Value, "url": a.URL, "timeout_ms": a.TimeoutMS,
			}
		}
		out := map[string]any{"dry_run": true, "actions": actions}
		if params.StartURL != "" {
			out["start_url"] = params.StartURL
		} else {
			out["start_url"] = nil
		}
		return out, nil
	}

	return t.runSession(ctx, params)
}

// validateActionShape enforces the per-type field requirements the schema
// cannot express.
func validateActionShape(a automationAction) error {
	switch a.Type {
	case "goto":
		if a.URL == "" {
			return fmt.Errorf("action %s: goto requires url", a.ID)
		}
	case "click", "wait_for":
		if strings.TrimSpace(a.Selector) == "" {
			return fmt.Errorf("action %s: %s requires selector", a.ID, a.Type)
		}
	case "fill":
		if strings.TrimSpace(a.Selector) == "" {
			return fmt.Errorf("action %s: fill requires selector", a.ID)
		}
		if a.Value == "" {
			return fmt.Errorf("action %s: fill requires value", a.ID)
		}
	case "press":
		if a.Value == "" {
			return fmt.Errorf("action %s: press requires value", a.ID)
		}
	}
	return nil
}

func runSessionChromedp(ctx context.Context, params automationParams) (map[string]any, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", params.Headless),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var steps []any
	currentURL := func() string {
		var u string
		if err := chromedp.Run(browserCtx, chromedp.Location(&u)); err != nil {
			return ""
		}
		return u
	}

	if params.StartURL != "" {
		if err := chromedp.Run(browserCtx, chromedp.Navigate(params.StartURL), chromedp.WaitReady("body")); err != nil {
			return nil, fmt.Errorf("browser_automation: start_url: %w", err)
		}
		steps = append(steps, map[string]any{"event": "start_url", "url": currentURL()})
	}

	for _, action := range params.Actions {
		stepCtx, cancel := context.WithTimeout(browserCtx, time.Duration(action.TimeoutMS)*time.Millisecond)
		var err error
		switch action.Type {
		case "goto":
			err = chromedp.Run(stepCtx, chromedp.Navigate(action.URL), chromedp.WaitReady("body"))
		case "click":
			err = chromedp.Run(stepCtx, chromedp.Click(action.Selector))
		case "fill":
			err = chromedp.Run(stepCtx, chromedp.SendKeys(action.Selector, action.Value))
		case "press":
			err = chromedp.Run(stepCtx, chromedp.KeyEvent(action.Value))
		case "wait_for":
			err = chromedp.Run(stepCtx, chromedp.WaitVisible(action.Selector))
		}
		cancel()
		if err != nil {
			return nil, fmt.Errorf("browser_automation: action %s (%s): %w", action.ID, action.Type, err)
		}
		steps = append(steps, map[string]any{"id": action.ID, "type": action.Type, "url": currentURL()})
	}

	return map[string]any{"dry_run": false, "final_url": currentURL(), "steps": steps}, nil
}
