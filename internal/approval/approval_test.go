package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/localflowhq/localflow/internal/canon"
	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/storage"
)

func seedDraft(t *testing.T, stores storage.StoreSet, content string) *domain.Draft {
	t.Helper()
	ctx := context.Background()
	if err := stores.Conversations.Create(ctx, &domain.Conversation{ID: "c1", Title: "New chat"}); err != nil {
		t.Fatal(err)
	}
	d := &domain.Draft{
		ID:             "d1",
		ConversationID: "c1",
		Type:           "email",
		Content:        content,
		Status:         domain.DraftStatusDrafting,
	}
	if err := stores.Drafts.Create(ctx, d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestUpsertToolPlan(t *testing.T) {
	stores := storage.NewMemory()
	svc := NewService(stores)
	seedDraft(t, stores, "body")
	ctx := context.Background()

	planObj := map[string]any{
		"actions": []any{map[string]any{"tool": "search_web", "params": map[string]any{"query": "go"}}},
	}
	plan, err := svc.UpsertToolPlan(ctx, "d1", planObj)
	if err != nil {
		t.Fatal(err)
	}
	wantCanon, _ := canon.Canonicalize(planObj)
	if plan.JSONCanonical != string(wantCanon) {
		t.Errorf("JSONCanonical = %s", plan.JSONCanonical)
	}
	if plan.ContentHash != canon.HashBytes(wantCanon) {
		t.Errorf("ContentHash = %s", plan.ContentHash)
	}

	// Key order must not change the hash.
	reordered := map[string]any{
		"actions": []any{map[string]any{"params": map[string]any{"query": "go"}, "tool": "search_web"}},
	}
	plan2, err := svc.UpsertToolPlan(ctx, "d1", reordered)
	if err != nil {
		t.Fatal(err)
	}
	if plan2.ContentHash != plan.ContentHash {
		t.Errorf("hash changed on key reorder: %s vs %s", plan2.ContentHash, plan.ContentHash)
	}

	stored, err := stores.ToolPlans.GetByDraft(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ContentHash != plan.ContentHash {
		t.Errorf("stored hash = %s", stored.ContentHash)
	}
}

func TestUpsertToolPlanLockedDraft(t *testing.T) {
	stores := storage.NewMemory()
	svc := NewService(stores)
	d := seedDraft(t, stores, "body")
	ctx := context.Background()

	d.Status = domain.DraftStatusLocked
	if err := stores.Drafts.Update(ctx, d); err != nil {
		t.Fatal(err)
	}

	var ce *domain.ConflictError
	if _, err := svc.UpsertToolPlan(ctx, "d1", map[string]any{"actions": []any{}}); !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConflictError", err)
	}
}

func TestApproveWithPlan(t *testing.T) {
	stores := storage.NewMemory()
	svc := NewService(stores)
	seedDraft(t, stores, "final content")
	ctx := context.Background()

	plan, err := svc.UpsertToolPlan(ctx, "d1", map[string]any{"actions": []any{}})
	if err != nil {
		t.Fatal(err)
	}

	a, err := svc.Approve(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if a.DraftHash != canon.HashText("final content") {
		t.Errorf("DraftHash = %s", a.DraftHash)
	}
	if a.ToolPlanHash == nil || *a.ToolPlanHash != plan.ContentHash {
		t.Errorf("ToolPlanHash = %v, want %s", a.ToolPlanHash, plan.ContentHash)
	}

	draft, err := stores.Drafts.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if draft.Status != domain.DraftStatusLocked {
		t.Errorf("draft status = %s, want APPROVED_LOCKED", draft.Status)
	}
}

func TestApproveWithoutPlan(t *testing.T) {
	stores := storage.NewMemory()
	svc := NewService(stores)
	seedDraft(t, stores, "content")

	a, err := svc.Approve(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ToolPlanHash != nil {
		t.Errorf("ToolPlanHash = %v, want nil", a.ToolPlanHash)
	}
}

func TestApproveHashesLatestDraftContent(t *testing.T) {
	stores := storage.NewMemory()
	svc := NewService(stores)
	d := seedDraft(t, stores, "first body")
	ctx := context.Background()

	// An update landing after the draft was first read must be the
	// version the approval row freezes.
	d.Content = "revised body"
	if err := stores.Drafts.Update(ctx, d); err != nil {
		t.Fatal(err)
	}

	a, err := svc.Approve(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if a.DraftHash != canon.HashText("revised body") {
		t.Errorf("DraftHash = %s, want hash of revised content", a.DraftHash)
	}
}

func TestApproveTwiceConflicts(t *testing.T) {
	stores := storage.NewMemory()
	svc := NewService(stores)
	seedDraft(t, stores, "content")
	ctx := context.Background()

	if _, err := svc.Approve(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	var ce *domain.ConflictError
	if _, err := svc.Approve(ctx, "d1"); !errors.As(err, &ce) {
		t.Errorf("second approve err = %v, want ConflictError", err)
	}
}

func TestApproveMissingDraft(t *testing.T) {
	svc := NewService(storage.NewMemory())
	if _, err := svc.Approve(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
