package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/localflowhq/localflow/internal/domain"
)

// Memory is an in-process StoreSet used by tests and ephemeral runs.
// Transactions serialise on a single mutex; there is no rollback, matching
// how it is used (single-writer test scenarios).
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.Message
	drafts        map[string]*domain.Draft
	plans         map[string]*domain.ToolPlan
	approvals     map[string]*domain.Approval
	executions    map[string]*domain.Execution
}

// NewMemory creates an empty in-memory store set.
func NewMemory() StoreSet {
	m := &Memory{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
		drafts:        make(map[string]*domain.Draft),
		plans:         make(map[string]*domain.ToolPlan),
		approvals:     make(map[string]*domain.Approval),
		executions:    make(map[string]*domain.Execution),
	}
	set := StoreSet{
		Conversations: memConversations{m},
		Messages:      memMessages{m},
		Drafts:        memDrafts{m},
		ToolPlans:     memToolPlans{m},
		Approvals:     memApprovals{m},
		Executions:    memExecutions{m},
	}
	set.tx = func(ctx context.Context, fn func(StoreSet) error) error {
		m.txMu.Lock()
		defer m.txMu.Unlock()
		return fn(set)
	}
	return set
}

type memConversations struct{ m *Memory }

func (s memConversations) Create(ctx context.Context, conv *domain.Conversation) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	cp := *conv
	s.m.conversations[conv.ID] = &cp
	return nil
}

func (s memConversations) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	conv, ok := s.m.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s memConversations) ListSummaries(ctx context.Context, limit, offset int) ([]*ConversationSummary, int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	summaries := make([]*ConversationSummary, 0, len(s.m.conversations))
	for _, conv := range s.m.conversations {
		msgs := s.m.messages[conv.ID]
		sum := &ConversationSummary{
			ID:             conv.ID,
			CreatedAt:      conv.CreatedAt,
			LastActivityAt: conv.CreatedAt,
			Title:          DeriveTitle(msgs),
			MessageCount:   len(msgs),
		}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			sum.LastActivityAt = last.CreatedAt
			sum.LastMessagePreview = Preview(last.Content)
		}
		if latest := s.m.latestDraftLocked(conv.ID); latest != nil {
			id := latest.ID
			sum.LatestDraftID = &id
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastActivityAt.Equal(summaries[j].LastActivityAt) {
			return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	total := len(summaries)
	if offset >= total {
		return []*ConversationSummary{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return summaries[offset:end], total, nil
}

type memMessages struct{ m *Memory }

func (s memMessages) Append(ctx context.Context, msg *domain.Message) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	prior := s.m.messages[msg.ConversationID]
	if len(prior) > 0 {
		last := prior[len(prior)-1].CreatedAt
		if !msg.CreatedAt.After(last) {
			msg.CreatedAt = last.Add(time.Microsecond)
		}
	}
	cp := *msg
	s.m.messages[msg.ConversationID] = append(prior, &cp)
	return nil
}

func (s memMessages) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	msgs := s.m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*domain.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

type memDrafts struct{ m *Memory }

func (s memDrafts) Create(ctx context.Context, draft *domain.Draft) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	if draft.UpdatedAt.IsZero() {
		draft.UpdatedAt = now
	}
	cp := *draft
	s.m.drafts[draft.ID] = &cp
	return nil
}

func (s memDrafts) Get(ctx context.Context, id string) (*domain.Draft, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	draft, ok := s.m.drafts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *draft
	return &cp, nil
}

func (s memDrafts) Update(ctx context.Context, draft *domain.Draft) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.drafts[draft.ID]; !ok {
		return domain.ErrNotFound
	}
	draft.UpdatedAt = time.Now().UTC()
	cp := *draft
	s.m.drafts[draft.ID] = &cp
	return nil
}

func (s memDrafts) LatestByConversation(ctx context.Context, conversationID string) (*domain.Draft, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	latest := s.m.latestDraftLocked(conversationID)
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s memDrafts) ListByConversation(ctx context.Context, conversationID string) ([]*domain.Draft, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*domain.Draft
	for _, d := range s.m.drafts {
		if d.ConversationID == conversationID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memToolPlans struct{ m *Memory }

func (s memToolPlans) Upsert(ctx context.Context, plan *domain.ToolPlan) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if existing, ok := s.m.plans[plan.DraftID]; ok {
		plan.ID = existing.ID
		plan.CreatedAt = existing.CreatedAt
	} else if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	cp := *plan
	s.m.plans[plan.DraftID] = &cp
	return nil
}

func (s memToolPlans) GetByDraft(ctx context.Context, draftID string) (*domain.ToolPlan, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	plan, ok := s.m.plans[draftID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *plan
	return &cp, nil
}

type memApprovals struct{ m *Memory }

func (s memApprovals) Create(ctx context.Context, approval *domain.Approval) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	cp := *approval
	s.m.approvals[approval.ID] = &cp
	return nil
}

func (s memApprovals) Get(ctx context.Context, id string) (*domain.Approval, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	approval, ok := s.m.approvals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *approval
	return &cp, nil
}

func (s memApprovals) ListByDraft(ctx context.Context, draftID string) ([]*domain.Approval, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*domain.Approval
	for _, a := range s.m.approvals {
		if a.DraftID == draftID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memExecutions struct{ m *Memory }

func (s memExecutions) Create(ctx context.Context, exe *domain.Execution) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if exe.CreatedAt.IsZero() {
		exe.CreatedAt = time.Now().UTC()
	}
	cp := *exe
	s.m.executions[exe.ID] = &cp
	return nil
}

func (s memExecutions) Update(ctx context.Context, exe *domain.Execution) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.executions[exe.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *exe
	s.m.executions[exe.ID] = &cp
	return nil
}

func (s memExecutions) Get(ctx context.Context, id string) (*domain.Execution, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	exe, ok := s.m.executions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *exe
	return &cp, nil
}

func (s memExecutions) ListByApproval(ctx context.Context, approvalID string) ([]*domain.Execution, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*domain.Execution
	for _, e := range s.m.executions {
		if e.ApprovalID == approvalID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) latestDraftLocked(conversationID string) *domain.Draft {
	var latest *domain.Draft
	for _, d := range m.drafts {
		if d.ConversationID != conversationID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	return latest
}
