// Package chat orchestrates one conversational turn: message persistence,
// local file search, retrieval grounding, draft generation and tool-plan
// normalisation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/localflowhq/localflow/internal/approval"
	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/llm"
	"github.com/localflowhq/localflow/internal/rag"
	"github.com/localflowhq/localflow/internal/storage"
	"github.com/localflowhq/localflow/internal/tools"
)

// ErrLLMFailed marks a turn that died inside the model call; the HTTP
// layer maps it to 502.
var ErrLLMFailed = errors.New("llm generation failed")

// Request is one user turn.
type Request struct {
	ConversationID  string `json:"conversation_id"`
	Mode            string `json:"mode"`
	Message         string `json:"message"`
	ForceFileSearch bool   `json:"force_file_search"`
}

// DraftView is the draft slice of the turn response.
type DraftView struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Title   string             `json:"title"`
	Content string             `json:"content"`
	Status  domain.DraftStatus `json:"status"`
}

// Response is the structured outcome of a turn. Draft and ToolPlan are nil
// on short-circuited turns (permission gate, file find).
type Response struct {
	ConversationID        string         `json:"conversation_id"`
	AssistantMessage      string         `json:"assistant_message"`
	Draft                 *DraftView     `json:"draft"`
	ToolPlan              map[string]any `json:"tool_plan,omitempty"`
	RAGHits               []rag.Hit      `json:"rag_hits,omitempty"`
	RAGPermissionRequired bool           `json:"rag_permission_required"`
	RAGPermissionMessage  string         `json:"rag_permission_message,omitempty"`
	RAGSuggestedPath      string         `json:"rag_suggested_path,omitempty"`
}

// Service runs the turn pipeline.
type Service struct {
	stores   storage.StoreSet
	provider llm.Provider
	rag      *rag.Service
	logger   *slog.Logger
}

// NewService wires the orchestrator.
func NewService(stores storage.StoreSet, provider llm.Provider, ragSvc *rag.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{stores: stores, provider: provider, rag: ragSvc, logger: logger}
}

// HandleTurn executes one chat turn end to end.
func (s *Service) HandleTurn(ctx context.Context, req Request) (*Response, error) {
	conv, err := s.resolveConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	prior, err := s.stores.Messages.ListByConversation(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(prior))
	for _, m := range prior {
		history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
	}

	userMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        req.Message,
	}
	if err := s.stores.Messages.Append(ctx, userMsg); err != nil {
		return nil, err
	}

	fileFind := req.ForceFileSearch || isFileFindIntent(req.Message)
	retrieval := fileFind || isRetrievalIntent(req.Message)

	if retrieval && s.rag != nil {
		if resp, short := s.permissionGate(ctx, conv.ID, req.Message); short {
			return resp, nil
		}
		if fileFind {
			return s.fileFindTurn(ctx, conv.ID, req.Message)
		}
	}

	llmMessage := req.Message
	var hits []rag.Hit
	if retrieval && s.rag != nil {
		hits, err = s.rag.Search(req.Message, 4, nil)
		if err != nil {
			s.logger.Warn("retrieval search failed", "error", err)
			hits = nil
		}
		if len(hits) > 0 {
			llmMessage = contextBlock(hits) + "\n\nUser request:\n" + req.Message
		}
	}

	out, err := s.provider.GenerateDraft(ctx, llmMessage, history)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMFailed, err)
	}
	if out.Draft == nil {
		out.Draft = &llm.DraftOut{Title: "Conversation notes", Content: out.AssistantMessage}
	}

	assistant := strings.TrimSpace(out.Draft.Content)
	if assistant == "" {
		assistant = strings.TrimSpace(out.Draft.Title)
	}
	if len(hits) > 0 {
		assistant += sourcesFooter(hits)
	}

	mode := strings.TrimSpace(req.Mode)
	if mode == "" {
		mode = "email"
	}
	draft := &domain.Draft{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Type:           mode,
		Title:          out.Draft.Title,
		Content:        out.Draft.Content,
		Status:         domain.DraftStatusDrafting,
	}

	actions := normalizePlan(out.ToolPlan, req.Message)
	if len(actions) == 0 {
		actions = fallbackPlan(req.Message)
	}
	var planObj map[string]any
	if len(actions) > 0 {
		planActions := make([]map[string]any, 0, len(actions))
		for _, a := range actions {
			params := a.Params
			if params == nil {
				params = map[string]any{}
			}
			planActions = append(planActions, map[string]any{"tool": a.Tool, "params": params})
		}
		planObj = map[string]any{"actions": planActions}
	}

	assistantMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        assistant,
	}

	// The draft, its plan and the assistant message land in one commit.
	err = s.stores.Tx(ctx, func(tx storage.StoreSet) error {
		if err := tx.Drafts.Create(ctx, draft); err != nil {
			return err
		}
		if planObj != nil {
			if _, err := approval.NewService(tx).UpsertToolPlan(ctx, draft.ID, planObj); err != nil {
				return err
			}
		}
		return tx.Messages.Append(ctx, assistantMsg)
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.stores.Drafts.Get(ctx, draft.ID)
	if err == nil {
		draft = stored
	}
	return &Response{
		ConversationID:   conv.ID,
		AssistantMessage: assistant,
		Draft: &DraftView{
			ID:      draft.ID,
			Type:    draft.Type,
			Title:   draft.Title,
			Content: draft.Content,
			Status:  draft.Status,
		},
		ToolPlan: planObj,
		RAGHits:  hits,
	}, nil
}

func (s *Service) resolveConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if id != "" {
		return s.stores.Conversations.Get(ctx, id)
	}
	conv := &domain.Conversation{ID: uuid.NewString(), Title: "New chat"}
	if err := s.stores.Conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// permissionGate decides whether a file-search intent can proceed. When it
// cannot, the turn short-circuits with a grant prompt and a suggested path.
func (s *Service) permissionGate(ctx context.Context, conversationID, message string) (*Response, bool) {
	if s.rag == nil {
		return nil, false
	}
	roots := s.rag.ListPermissions()

	if len(roots) == 0 {
		suggested, _ := os.UserHomeDir()
		return s.shortCircuit(ctx, conversationID,
			"I can search your local files, but I need permission first. Grant access to a folder and ask again.",
			suggested), true
	}

	if folder := namedFolderHint(message); folder != "" {
		if !s.rag.IsPathAllowed(folder) {
			return s.shortCircuit(ctx, conversationID,
				fmt.Sprintf("I don't have access to %s yet. Grant access to that folder and ask again.", filepath.Base(folder)),
				folder), true
		}
	}

	for _, drive := range rag.ExtractDriveHints(message) {
		if !driveCovered(roots, drive) {
			return s.shortCircuit(ctx, conversationID,
				fmt.Sprintf("I don't have access to drive %s yet. Grant access to it and ask again.", drive),
				drive), true
		}
	}
	return nil, false
}

func (s *Service) shortCircuit(ctx context.Context, conversationID, message, suggested string) *Response {
	s.appendAssistant(ctx, conversationID, message)
	return &Response{
		ConversationID:        conversationID,
		AssistantMessage:      message,
		RAGPermissionRequired: true,
		RAGPermissionMessage:  message,
		RAGSuggestedPath:      suggested,
	}
}

func (s *Service) fileFindTurn(ctx context.Context, conversationID, message string) (*Response, error) {
	hits, err := s.rag.FindFiles(message, 8, nil)
	if err != nil {
		return nil, err
	}
	var assistant string
	if len(hits) == 0 {
		assistant = "I couldn't find files matching that in the folders you've shared."
	} else {
		var b strings.Builder
		b.WriteString("Here's what I found:\n")
		for _, h := range hits {
			b.WriteString("- ")
			b.WriteString(h.Path)
			b.WriteString("\n")
		}
		assistant = strings.TrimRight(b.String(), "\n")
	}
	s.appendAssistant(ctx, conversationID, assistant)
	return &Response{
		ConversationID:   conversationID,
		AssistantMessage: assistant,
		RAGHits:          hits,
	}, nil
}

func (s *Service) appendAssistant(ctx context.Context, conversationID, content string) {
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        content,
	}
	if err := s.stores.Messages.Append(ctx, msg); err != nil {
		s.logger.Error("append assistant message", "error", err)
	}
}

// --- intent triage ---

var (
	readmeRE       = regexp.MustCompile(`(?i)\breadme\b`)
	extTokenRE     = regexp.MustCompile(`(?i)\b[\w-]+\.(pdf|docx?|xlsx?|pptx?|txt|md|csv|jpe?g|png|gif|heic|mp4|mov|zip)\b`)
	findForRE      = regexp.MustCompile(`(?i)\b(find|search|locate|lookup)\b.*\b(for|about)\b`)
	findThingRE    = regexp.MustCompile(`(?i)\b(find|search|locate|where)\b.*\b(file|files|folder|folders|document|documents|photo|photos|picture|pictures|image|images|video|videos|screenshot|screenshots|download|downloads)\b`)
	retrievalHitRE = regexp.MustCompile(`(?i)\b(find|search)\b.*\b(file|files|document|documents|pdf|folder|folders)\b`)
)

func isFileFindIntent(message string) bool {
	return readmeRE.MatchString(message) ||
		extTokenRE.MatchString(message) ||
		findForRE.MatchString(message) ||
		findThingRE.MatchString(message)
}

func isRetrievalIntent(message string) bool {
	return retrievalHitRE.MatchString(message)
}

var namedFolderRE = regexp.MustCompile(`(?i)\b(downloads|documents|desktop|pictures|photos|music|videos)\b`)

// namedFolderHint maps a mention like "downloads" to the matching folder
// under the user's home directory.
func namedFolderHint(message string) string {
	m := namedFolderRE.FindString(message)
	if m == "" {
		return ""
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	name := strings.ToLower(m)
	return filepath.Join(home, strings.ToUpper(name[:1])+name[1:])
}

func driveCovered(roots []string, drive string) bool {
	for _, r := range roots {
		if strings.HasPrefix(strings.ToUpper(r), drive) {
			return true
		}
	}
	return false
}

// --- retrieval framing ---

func contextBlock(hits []rag.Hit) string {
	var b strings.Builder
	b.WriteString("Local document context (from the user's approved folders):\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s]\n%s\n", h.Path, h.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sourcesFooter(hits []rag.Hit) string {
	seen := map[string]bool{}
	var paths []string
	for _, h := range hits {
		if seen[h.Path] {
			continue
		}
		seen[h.Path] = true
		paths = append(paths, h.Path)
		if len(paths) == 4 {
			break
		}
	}
	if len(paths) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSources:\n")
	for _, p := range paths {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// --- plan normalisation ---

var explicitURLRE = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)

const maxPlanURLs = 10

// normalizePlan sanitises the model's proposed actions. open_links URLs are
// cleaned, deduped and capped; a guessed LinkedIn profile URL the user never
// supplied is swapped for a Google search.
func normalizePlan(plan *llm.ToolPlanOut, userMessage string) []llm.PlanAction {
	if plan == nil {
		return nil
	}
	userGaveURL := explicitURLRE.MatchString(userMessage)
	hasBrowserSearch := false
	for _, a := range plan.Actions {
		if a.Tool == "browser_search" {
			hasBrowserSearch = true
		}
	}

	var out []llm.PlanAction
	injectSearch := false
	for _, a := range plan.Actions {
		if a.Tool != "open_links" {
			if strings.TrimSpace(a.Tool) != "" {
				out = append(out, a)
			}
			continue
		}
		urls := sanitizeURLs(rawURLs(a.Params))
		var kept []string
		for _, u := range urls {
			if isLinkedInProfileGuess(u) && !userGaveURL {
				kept = append(kept, googleSearchURL(userMessage))
				if !hasBrowserSearch {
					injectSearch = true
				}
				continue
			}
			kept = append(kept, u)
		}
		kept = dedupeStrings(kept, maxPlanURLs)
		if len(kept) > 0 {
			out = append(out, llm.PlanAction{Tool: "open_links", Params: map[string]any{"urls": toAnySlice(kept)}})
		}
	}
	if injectSearch {
		out = append(out, llm.PlanAction{
			Tool:   "browser_search",
			Params: map[string]any{"query": tools.NormalizeSearchQuery(userMessage)},
		})
	}
	return out
}

var (
	openIntentRE   = regexp.MustCompile(`(?i)\b(open|browser|link|links)\b`)
	searchIntentRE = regexp.MustCompile(`(?i)\b(open|find|search|look up|pull up)\b`)
	browserishRE   = regexp.MustCompile(`(?i)\b(browser|link|links|open)\b`)
)

// fallbackPlan derives a plan straight from the user message when the model
// proposed nothing usable.
func fallbackPlan(userMessage string) []llm.PlanAction {
	urls := sanitizeURLs(explicitURLRE.FindAllString(userMessage, -1))
	urls = dedupeStrings(urls, maxPlanURLs)

	if len(urls) > 0 && openIntentRE.MatchString(userMessage) {
		return []llm.PlanAction{{Tool: "open_links", Params: map[string]any{"urls": toAnySlice(urls)}}}
	}
	if !searchIntentRE.MatchString(userMessage) {
		return nil
	}
	actions := []llm.PlanAction{{
		Tool:   "browser_search",
		Params: map[string]any{"query": tools.NormalizeSearchQuery(userMessage)},
	}}
	if browserishRE.MatchString(userMessage) {
		actions = append(actions, llm.PlanAction{
			Tool:   "open_links",
			Params: map[string]any{"urls": []any{googleSearchURL(userMessage)}},
		})
	}
	return actions
}

func rawURLs(params map[string]any) []string {
	if params == nil {
		return nil
	}
	raw, ok := params["urls"].([]any)
	if !ok {
		return nil
	}
	var urls []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			urls = append(urls, s)
		}
	}
	return urls
}

func sanitizeURLs(urls []string) []string {
	var out []string
	for _, u := range urls {
		if cleaned, ok := sanitizeURL(u); ok {
			out = append(out, cleaned)
		}
	}
	return out
}

// sanitizeURL trims whitespace, surrounding brackets and quotes, and
// trailing sentence punctuation, then requires an http(s) URL with a host.
func sanitizeURL(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	for {
		trimmed := strings.Trim(s, `<>()[]{}"' `)
		trimmed = strings.TrimRight(trimmed, ".,;:!?")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return s, true
}

func isLinkedInProfileGuess(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host != "linkedin.com" && !strings.HasSuffix(host, ".linkedin.com") {
		return false
	}
	return strings.HasPrefix(u.Path, "/in/")
}

func googleSearchURL(userMessage string) string {
	q := tools.NormalizeSearchQuery(userMessage)
	return "https://www.google.com/search?q=" + url.QueryEscape(q)
}

func dedupeStrings(items []string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range items {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
