// Package domain defines the core entities of the draft/approval/execution
// pipeline and the typed errors shared across services.
package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DraftStatus is the lifecycle state of a draft.
type DraftStatus string

const (
	DraftStatusDrafting DraftStatus = "DRAFTING"
	DraftStatusLocked   DraftStatus = "APPROVED_LOCKED"
	DraftStatusArchived DraftStatus = "ARCHIVED"
)

// ExecutionStatus is the lifecycle state of a tool execution.
// PENDING and CANCELED are stored values that must round-trip, but the
// execution service itself starts rows in RUNNING and finalises a cancelled
// run as FAILED.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCanceled  ExecutionStatus = "CANCELED"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCanceled:
		return true
	}
	return false
}

// Conversation owns messages and drafts. Deleting a conversation deletes both.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable chat message inside one conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Draft is the assistant's proposed artefact for one turn. Title, content and
// the attached tool plan are mutable only while Status is DRAFTING.
type Draft struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Type           string      `json:"type"`
	Title          string      `json:"title"`
	Content        string      `json:"content"`
	Status         DraftStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ToolPlan is exclusively owned by one draft. JSONCanonical holds the bytes
// produced by the canonicaliser over the plan object and ContentHash is the
// SHA-256 of those bytes.
type ToolPlan struct {
	ID            string    `json:"id"`
	DraftID       string    `json:"draft_id"`
	JSONCanonical string    `json:"json_canonical"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Approval is a content-addressed snapshot of a draft at lock time.
// ToolPlanHash is nil when the draft carried no plan.
type Approval struct {
	ID           string    `json:"id"`
	DraftID      string    `json:"draft_id"`
	DraftHash    string    `json:"draft_hash"`
	ToolPlanHash *string   `json:"toolplan_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Execution records a single tool invocation against an approval.
// RequestJSON and ResultJSON are canonical JSON.
type Execution struct {
	ID          string          `json:"id"`
	ApprovalID  string          `json:"approval_id"`
	ToolName    string          `json:"tool_name"`
	RequestJSON string          `json:"request_json"`
	ResultJSON  string          `json:"result_json"`
	Status      ExecutionStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}
