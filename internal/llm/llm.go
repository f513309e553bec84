// Package llm generates structured draft responses from a language model.
// Both backends share one engine: compose the prompt, force JSON output,
// parse, and repair malformed replies a bounded number of times before
// falling back to a synthesised draft.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/localflowhq/localflow/internal/prompts"
)

const (
	maxHistoryMessages = 24
	maxHistoryChars    = 1600
)

// Message is one prior turn fed back to the model.
type Message struct {
	Role    string
	Content string
}

// DraftOut is the model's draft proposal.
type DraftOut struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PlanAction is one proposed tool invocation.
type PlanAction struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ToolPlanOut is the model's optional tool plan.
type ToolPlanOut struct {
	Actions []PlanAction `json:"actions"`
}

// DraftResponse is the contract every provider returns: a non-empty
// assistant message, a draft with non-empty content, and optionally a plan.
type DraftResponse struct {
	AssistantMessage string       `json:"assistant_message"`
	Draft            *DraftOut    `json:"draft"`
	ToolPlan         *ToolPlanOut `json:"tool_plan"`
}

// Provider produces a DraftResponse for one user turn.
type Provider interface {
	GenerateDraft(ctx context.Context, userMessage string, history []Message) (*DraftResponse, error)
}

// backend is the raw text-in/text-out call each model integration supplies.
type backend interface {
	name() string
	generate(ctx context.Context, prompt string) (string, error)
}

// Engine runs the structured-output loop over a backend.
type Engine struct {
	backend    backend
	pack       *prompts.Pack
	maxRepairs int
	logger     *slog.Logger
}

func newEngine(b backend, pack *prompts.Pack, maxRepairs int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRepairs < 0 {
		maxRepairs = 0
	}
	return &Engine{backend: b, pack: pack, maxRepairs: maxRepairs, logger: logger}
}

var (
	jsonObjRE      = regexp.MustCompile(`(?s)\{.*\}`)
	leadingTitleRE = regexp.MustCompile(`(?i)^\s*(subject|title)\s*[:\-]\s*(.+?)\s*$`)
)

const assistantRules = "You are a contextual conversational AI assistant.\n" +
	"Use conversation history to answer naturally across mixed tasks in one thread.\n" +
	"When asked to draft/write content, produce strong draft.content.\n" +
	"When asked a general question, answer directly in assistant_message and include a short supporting draft.\n" +
	"Do not ask unnecessary clarifying questions.\n"

// GenerateDraft composes the prompt, calls the backend up to
// maxRepairs+1 times, and always returns a response with non-empty
// assistant_message and draft content.
func (e *Engine) GenerateDraft(ctx context.Context, userMessage string, history []Message) (*DraftResponse, error) {
	system := e.pack.System()
	repair := e.pack.Repair()
	historyBlock := formatHistory(history)

	prompt := strings.Join([]string{
		system,
		assistantRules,
		"Conversation history:",
		historyBlock,
		"User message:",
		userMessage,
		"",
		"Return ONLY valid JSON with keys: assistant_message, draft, tool_plan.",
		"assistant_message must be non-empty and directly answer the latest user message.",
		"draft must be an object with non-empty content; title may be empty when not needed.",
		"tool_plan is optional; use null when no concrete tool actions are needed.",
	}, "\n\n")

	var parsed *DraftResponse
	for attempt := 1; attempt <= e.maxRepairs+1; attempt++ {
		raw, err := e.backend.generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.backend.name(), err)
		}

		parsed = parseDraftResponse(raw)
		if parsed != nil && parsed.Draft != nil && strings.TrimSpace(parsed.Draft.Content) == "" {
			parsed.Draft.Content = recoverContent(parsed.AssistantMessage)
		}
		if parsed != nil && parsed.Draft != nil && strings.TrimSpace(parsed.Draft.Content) != "" {
			normalizeTitleContent(parsed.Draft)
			if strings.TrimSpace(parsed.AssistantMessage) == "" {
				parsed.AssistantMessage = strings.TrimSpace(clip(parsed.Draft.Content, 300))
			}
			return parsed, nil
		}

		e.logger.Warn("model output invalid, draft missing or empty",
			"provider", e.backend.name(), "attempt", attempt, "raw", clip(raw, 900))

		prompt = strings.Join([]string{
			system,
			repair,
			assistantRules,
			"Conversation history:",
			historyBlock,
			"The previous output was invalid because draft was null or empty.",
			"You MUST output JSON with a non-null draft object containing non-empty content.",
			"You MUST keep assistant_message non-empty and relevant to the latest user message.",
			"Previous output:",
			raw,
			"Original user message:",
			userMessage,
		}, "\n\n")
	}

	var assistantMsg string
	if parsed != nil {
		assistantMsg = parsed.AssistantMessage
	}
	out := &DraftResponse{
		AssistantMessage: strings.TrimSpace(assistantMsg),
		Draft:            fallbackDraft(assistantMsg),
	}
	if out.AssistantMessage == "" {
		out.AssistantMessage = "I can help with that."
	}
	return out, nil
}

func formatHistory(history []Message) string {
	if len(history) == 0 {
		return "(no prior messages)"
	}
	tail := history
	if len(tail) > maxHistoryMessages {
		tail = tail[len(tail)-maxHistoryMessages:]
	}
	var lines []string
	for _, msg := range tail {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		if role != "user" && role != "assistant" {
			role = "user"
		}
		content := clip(strings.TrimSpace(msg.Content), maxHistoryChars)
		if content != "" {
			lines = append(lines, role+": "+content)
		}
	}
	if len(lines) == 0 {
		return "(no prior messages)"
	}
	return strings.Join(lines, "\n")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseDraftResponse(raw string) *DraftResponse {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if !(strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) {
		if extracted := jsonObjRE.FindString(text); extracted != "" {
			text = extracted
		}
	}

	var obj struct {
		AssistantMessage string          `json:"assistant_message"`
		Draft            json.RawMessage `json:"draft"`
		ToolPlan         json.RawMessage `json:"tool_plan"`
	}
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil
	}

	resp := &DraftResponse{AssistantMessage: obj.AssistantMessage}
	if len(obj.Draft) > 0 && string(obj.Draft) != "null" {
		var d DraftOut
		if err := json.Unmarshal(obj.Draft, &d); err == nil {
			resp.Draft = &d
		}
	}
	if len(obj.ToolPlan) > 0 && string(obj.ToolPlan) != "null" {
		var tp ToolPlanOut
		if err := json.Unmarshal(obj.ToolPlan, &tp); err == nil {
			resp.ToolPlan = &tp
		}
	}
	return resp
}

// recoverContent salvages draft text the model left in the assistant
// message instead of the draft object.
func recoverContent(assistantMessage string) string {
	text := strings.TrimSpace(assistantMessage)
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"here it is:", "draft:", "linkedin post draft:"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			return strings.TrimSpace(text[idx+len(marker):])
		}
	}
	return text
}

// normalizeTitleContent promotes a leading "Subject:" or "Title:" line in
// the content to the draft title, removing it from the body when it
// duplicates the title.
func normalizeTitleContent(draft *DraftOut) {
	title := strings.TrimSpace(draft.Title)
	lines := strings.Split(draft.Content, "\n")
	if len(lines) == 0 {
		return
	}

	firstIdx := 0
	for firstIdx < len(lines) && strings.TrimSpace(lines[firstIdx]) == "" {
		firstIdx++
	}
	if firstIdx >= len(lines) {
		return
	}

	m := leadingTitleRE.FindStringSubmatch(lines[firstIdx])
	if m == nil {
		return
	}
	extracted := strings.TrimSpace(m[2])
	if extracted == "" {
		return
	}

	if title == "" {
		title = extracted
	}
	if strings.EqualFold(title, extracted) {
		remainder := append(append([]string{}, lines[:firstIdx]...), lines[firstIdx+1:]...)
		for len(remainder) > 0 && strings.TrimSpace(remainder[0]) == "" {
			remainder = remainder[1:]
		}
		draft.Content = strings.TrimSpace(strings.Join(remainder, "\n"))
	}
	draft.Title = title
}

func fallbackDraft(assistantMessage string) *DraftOut {
	body := "Summary:\n- [Main point]\n- [Next step]\n"
	if msg := strings.TrimSpace(assistantMessage); msg != "" {
		body = "Assistant response:\n" + msg + "\n\n---\n\n" + body
	}
	return &DraftOut{Title: "Conversation notes", Content: body}
}
