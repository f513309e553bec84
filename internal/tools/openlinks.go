package tools

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// OpenLinks opens URLs in the user's default browser.
type OpenLinks struct {
	// launch overrides the OS launcher in tests.
	launch func(ctx context.Context, url string) error
}

// NewOpenLinks returns the open_links tool.
func NewOpenLinks() *OpenLinks {
	return &OpenLinks{launch: launchBrowser}
}

func (t *OpenLinks) Name() string { return "open_links" }
func (t *OpenLinks) Risk() Risk   { return RiskLow }

func (t *OpenLinks) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"urls": {
				"type": "array",
				"minItems": 1,
				"maxItems": 20,
				"items": {"type": "string", "pattern": "^https?://"}
			}
		},
		"required": ["urls"],
		"additionalProperties": false
	}`
}

func (t *OpenLinks) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	var params struct {
		URLs []string `json:"urls"`
	}
	if err := decodeInput(input, &params); err != nil {
		return nil, err
	}

	opened := make([]string, 0, len(params.URLs))
	for _, raw := range params.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("open_links: invalid url %q", raw)
		}
		if err := t.launch(ctx, u.String()); err != nil {
			return nil, fmt.Errorf("open_links: %s: %w", u.String(), err)
		}
		opened = append(opened, u.String())
	}
	return map[string]any{"opened": opened}, nil
}

func launchBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}
