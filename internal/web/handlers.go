package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/localflowhq/localflow/internal/chat"
	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/execution"
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Malformed JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message must not be empty", nil)
		return
	}

	resp, err := s.chat.HandleTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found", nil)
			return
		}
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type draftUpdateIn struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (s *Server) handleDraftUpdate(w http.ResponseWriter, r *http.Request) {
	var req draftUpdateIn
	if !decodeBody(w, r, &req) {
		return
	}

	draft, err := s.stores.Drafts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Draft not found", nil)
			return
		}
		mapError(w, err)
		return
	}
	if draft.Status != domain.DraftStatusDrafting {
		writeError(w, http.StatusConflict, "Draft is locked (approved)", nil)
		return
	}

	if req.Title != nil {
		draft.Title = *req.Title
	}
	if req.Content != nil {
		draft.Content = *req.Content
	}
	if err := s.stores.Drafts.Update(r.Context(), draft); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDraftApprove(w http.ResponseWriter, r *http.Request) {
	approvalRow, err := s.approvals.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Draft not found", nil)
			return
		}
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": approvalRow.ID})
}

type executeIn struct {
	ApprovalID   string                  `json:"approval_id"`
	ToolName     string                  `json:"tool_name"`
	ToolInput    map[string]any          `json:"tool_input"`
	Confirmation *execution.Confirmation `json:"confirmation"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeIn
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ApprovalID == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "approval_id and tool_name are required", nil)
		return
	}

	exe, err := s.executions.Execute(r.Context(), req.ApprovalID, req.ToolName, req.ToolInput, req.Confirmation)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Approval not found", nil)
			return
		}
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": exe.ID,
		"status":       exe.Status,
		"result":       json.RawMessage(exe.ResultJSON),
	})
}
