package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/storage"
)

func queryInt(r *http.Request, name string, def, lo, hi int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, 200)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	items, total, err := s.stores.Conversations.ListSummaries(r.Context(), limit, offset)
	if err != nil {
		mapError(w, err)
		return
	}
	if items == nil {
		items = []*storage.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type messageOut struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type draftDetailOut struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	conv, err := s.stores.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found", nil)
			return
		}
		mapError(w, err)
		return
	}

	messageLimit := queryInt(r, "message_limit", 500, 1, 2000)
	messages, err := s.stores.Messages.ListByConversation(r.Context(), conv.ID, messageLimit)
	if err != nil {
		mapError(w, err)
		return
	}
	msgsOut := make([]messageOut, 0, len(messages))
	for _, m := range messages {
		msgsOut = append(msgsOut, messageOut{
			ID: m.ID, Role: string(m.Role), Content: m.Content, CreatedAt: m.CreatedAt,
		})
	}

	var latest *draftDetailOut
	if d, err := s.stores.Drafts.LatestByConversation(r.Context(), conv.ID); err == nil {
		latest = &draftDetailOut{
			ID: d.ID, Type: d.Type, Title: d.Title, Content: d.Content,
			Status: string(d.Status), CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           conv.ID,
		"created_at":   conv.CreatedAt,
		"messages":     msgsOut,
		"latest_draft": latest,
	})
}

// handleConversationAudit returns the approval trail: every draft's
// approvals with their executions, request and result JSON parsed.
func (s *Server) handleConversationAudit(w http.ResponseWriter, r *http.Request) {
	conv, err := s.stores.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found", nil)
			return
		}
		mapError(w, err)
		return
	}

	drafts, err := s.stores.Drafts.ListByConversation(r.Context(), conv.ID)
	if err != nil {
		mapError(w, err)
		return
	}

	items := []map[string]any{}
	for _, d := range drafts {
		approvals, err := s.stores.Approvals.ListByDraft(r.Context(), d.ID)
		if err != nil {
			mapError(w, err)
			return
		}
		for _, a := range approvals {
			executions, err := s.stores.Executions.ListByApproval(r.Context(), a.ID)
			if err != nil {
				mapError(w, err)
				return
			}
			exesOut := make([]map[string]any, 0, len(executions))
			for _, e := range executions {
				exesOut = append(exesOut, map[string]any{
					"id":         e.ID,
					"tool_name":  e.ToolName,
					"status":     e.Status,
					"request":    parseJSONField(e.RequestJSON),
					"result":     parseJSONField(e.ResultJSON),
					"created_at": e.CreatedAt,
				})
			}
			items = append(items, map[string]any{
				"approval_id":   a.ID,
				"draft_id":      d.ID,
				"draft_title":   d.Title,
				"draft_hash":    a.DraftHash,
				"toolplan_hash": a.ToolPlanHash,
				"created_at":    a.CreatedAt,
				"executions":    exesOut,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"items":           items,
	})
}

func parseJSONField(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
