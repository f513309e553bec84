// Package storage defines the persistence contract for the draft pipeline
// and provides sqlite and in-memory implementations.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/localflowhq/localflow/internal/domain"
)

// ConversationSummary is the read model for the conversation list.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	Title              string    `json:"title"`
	LastMessagePreview string    `json:"last_message_preview"`
	MessageCount       int       `json:"message_count"`
	LatestDraftID      *string   `json:"latest_draft_id"`
}

// ConversationStore persists conversations.
type ConversationStore interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	ListSummaries(ctx context.Context, limit, offset int) ([]*ConversationSummary, int, error)
}

// MessageStore persists messages. Append assigns a creation instant that is
// strictly after every prior message in the same conversation.
type MessageStore interface {
	Append(ctx context.Context, msg *domain.Message) error
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)
}

// DraftStore persists drafts.
type DraftStore interface {
	Create(ctx context.Context, draft *domain.Draft) error
	Get(ctx context.Context, id string) (*domain.Draft, error)
	Update(ctx context.Context, draft *domain.Draft) error
	LatestByConversation(ctx context.Context, conversationID string) (*domain.Draft, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*domain.Draft, error)
}

// ToolPlanStore persists the one-to-one draft plan.
type ToolPlanStore interface {
	Upsert(ctx context.Context, plan *domain.ToolPlan) error
	GetByDraft(ctx context.Context, draftID string) (*domain.ToolPlan, error)
}

// ApprovalStore persists approvals.
type ApprovalStore interface {
	Create(ctx context.Context, approval *domain.Approval) error
	Get(ctx context.Context, id string) (*domain.Approval, error)
	ListByDraft(ctx context.Context, draftID string) ([]*domain.Approval, error)
}

// ExecutionStore persists executions.
type ExecutionStore interface {
	Create(ctx context.Context, exe *domain.Execution) error
	Update(ctx context.Context, exe *domain.Execution) error
	Get(ctx context.Context, id string) (*domain.Execution, error)
	ListByApproval(ctx context.Context, approvalID string) ([]*domain.Execution, error)
}

// StoreSet groups the stores behind one handle. Tx runs fn against a set
// whose writes commit atomically; the chat turn and the approve transition
// depend on that.
type StoreSet struct {
	Conversations ConversationStore
	Messages      MessageStore
	Drafts        DraftStore
	ToolPlans     ToolPlanStore
	Approvals     ApprovalStore
	Executions    ExecutionStore

	tx     func(ctx context.Context, fn func(StoreSet) error) error
	closer func() error
}

// Tx executes fn atomically.
func (s StoreSet) Tx(ctx context.Context, fn func(StoreSet) error) error {
	if s.tx == nil {
		return fn(s)
	}
	return s.tx(ctx, fn)
}

// Close releases underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// DeriveTitle builds a display title from the first non-empty user message.
func DeriveTitle(messages []*domain.Message) string {
	for _, m := range messages {
		if m.Role == domain.RoleUser && strings.TrimSpace(m.Content) != "" {
			s := strings.Join(strings.Fields(m.Content), " ")
			if len(s) > 60 {
				return s[:60] + "…"
			}
			return s
		}
	}
	return "Conversation"
}

// Preview clips message content for list views.
func Preview(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if len(s) > 90 {
		return s[:90] + "…"
	}
	return s
}
