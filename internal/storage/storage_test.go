package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/localflowhq/localflow/internal/domain"
)

func testSets(t *testing.T) map[string]StoreSet {
	t.Helper()
	sqlSet, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlSet.Close() })
	return map[string]StoreSet{
		"memory": NewMemory(),
		"sqlite": sqlSet,
	}
}

func mustCreateConversation(t *testing.T, set StoreSet, id string) {
	t.Helper()
	if err := set.Conversations.Create(context.Background(), &domain.Conversation{ID: id, Title: "New chat"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")

			conv, err := set.Conversations.Get(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if conv.Title != "New chat" || conv.CreatedAt.IsZero() {
				t.Errorf("unexpected conversation: %+v", conv)
			}

			if _, err := set.Conversations.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("Get(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMessageAppendIsMonotonic(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")

			fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 5; i++ {
				msg := &domain.Message{
					ID:             fmt.Sprintf("m%d", i),
					ConversationID: "c1",
					Role:           domain.RoleUser,
					Content:        fmt.Sprintf("message %d", i),
					CreatedAt:      fixed, // identical stamps must still order
				}
				if err := set.Messages.Append(ctx, msg); err != nil {
					t.Fatal(err)
				}
			}

			msgs, err := set.Messages.ListByConversation(ctx, "c1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 5 {
				t.Fatalf("got %d messages, want 5", len(msgs))
			}
			for i := 1; i < len(msgs); i++ {
				if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
					t.Errorf("message %d not strictly after %d: %v vs %v",
						i, i-1, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
				}
			}
			if msgs[0].ID != "m0" || msgs[4].ID != "m4" {
				t.Errorf("ordering broken: first=%s last=%s", msgs[0].ID, msgs[4].ID)
			}
		})
	}
}

func TestDraftLifecycle(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")

			d := &domain.Draft{
				ID:             "d1",
				ConversationID: "c1",
				Type:           "email",
				Title:          "Hello",
				Content:        "Hi there",
				Status:         domain.DraftStatusDrafting,
			}
			if err := set.Drafts.Create(ctx, d); err != nil {
				t.Fatal(err)
			}

			d.Content = "Hi there, updated"
			d.Status = domain.DraftStatusLocked
			if err := set.Drafts.Update(ctx, d); err != nil {
				t.Fatal(err)
			}

			got, err := set.Drafts.Get(ctx, "d1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Content != "Hi there, updated" || got.Status != domain.DraftStatusLocked {
				t.Errorf("update not persisted: %+v", got)
			}
			if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
				t.Errorf("UpdatedAt before CreatedAt: %+v", got)
			}

			if err := set.Drafts.Update(ctx, &domain.Draft{ID: "nope"}); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("Update(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLatestDraftByConversation(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				d := &domain.Draft{
					ID:             fmt.Sprintf("d%d", i),
					ConversationID: "c1",
					Status:         domain.DraftStatusDrafting,
					CreatedAt:      base.Add(time.Duration(i) * time.Minute),
					UpdatedAt:      base.Add(time.Duration(i) * time.Minute),
				}
				if err := set.Drafts.Create(ctx, d); err != nil {
					t.Fatal(err)
				}
			}

			latest, err := set.Drafts.LatestByConversation(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if latest.ID != "d2" {
				t.Errorf("latest = %s, want d2", latest.ID)
			}

			all, err := set.Drafts.ListByConversation(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 || all[0].ID != "d0" {
				t.Errorf("list wrong: %d drafts, first %s", len(all), all[0].ID)
			}

			if _, err := set.Drafts.LatestByConversation(ctx, "empty"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("LatestByConversation(empty) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestToolPlanUpsertReplacesByDraft(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")
			if err := set.Drafts.Create(ctx, &domain.Draft{ID: "d1", ConversationID: "c1", Status: domain.DraftStatusDrafting}); err != nil {
				t.Fatal(err)
			}

			first := &domain.ToolPlan{ID: "p1", DraftID: "d1", JSONCanonical: `{"actions":[]}`, ContentHash: "aaa"}
			if err := set.ToolPlans.Upsert(ctx, first); err != nil {
				t.Fatal(err)
			}
			second := &domain.ToolPlan{ID: "p2", DraftID: "d1", JSONCanonical: `{"actions":[1]}`, ContentHash: "bbb"}
			if err := set.ToolPlans.Upsert(ctx, second); err != nil {
				t.Fatal(err)
			}

			got, err := set.ToolPlans.GetByDraft(ctx, "d1")
			if err != nil {
				t.Fatal(err)
			}
			if got.ContentHash != "bbb" || got.JSONCanonical != `{"actions":[1]}` {
				t.Errorf("upsert did not replace: %+v", got)
			}
			// The original row identity survives the replace.
			if got.ID != "p1" {
				t.Errorf("plan ID = %s, want p1", got.ID)
			}
		})
	}
}

func TestApprovalNullablePlanHash(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")
			if err := set.Drafts.Create(ctx, &domain.Draft{ID: "d1", ConversationID: "c1", Status: domain.DraftStatusDrafting}); err != nil {
				t.Fatal(err)
			}

			hash := "deadbeef"
			withPlan := &domain.Approval{ID: "a1", DraftID: "d1", DraftHash: "h1", ToolPlanHash: &hash}
			withoutPlan := &domain.Approval{ID: "a2", DraftID: "d1", DraftHash: "h2"}
			for _, a := range []*domain.Approval{withPlan, withoutPlan} {
				if err := set.Approvals.Create(ctx, a); err != nil {
					t.Fatal(err)
				}
			}

			got1, err := set.Approvals.Get(ctx, "a1")
			if err != nil {
				t.Fatal(err)
			}
			if got1.ToolPlanHash == nil || *got1.ToolPlanHash != "deadbeef" {
				t.Errorf("ToolPlanHash = %v, want deadbeef", got1.ToolPlanHash)
			}
			got2, err := set.Approvals.Get(ctx, "a2")
			if err != nil {
				t.Fatal(err)
			}
			if got2.ToolPlanHash != nil {
				t.Errorf("ToolPlanHash = %v, want nil", got2.ToolPlanHash)
			}

			all, err := set.Approvals.ListByDraft(ctx, "d1")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 {
				t.Errorf("got %d approvals, want 2", len(all))
			}
		})
	}
}

func TestExecutionUpdate(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreateConversation(t, set, "c1")
			if err := set.Drafts.Create(ctx, &domain.Draft{ID: "d1", ConversationID: "c1", Status: domain.DraftStatusDrafting}); err != nil {
				t.Fatal(err)
			}
			if err := set.Approvals.Create(ctx, &domain.Approval{ID: "a1", DraftID: "d1", DraftHash: "h"}); err != nil {
				t.Fatal(err)
			}

			exe := &domain.Execution{
				ID:          "e1",
				ApprovalID:  "a1",
				ToolName:    "search_web",
				RequestJSON: `{"tool_input":{}}`,
				ResultJSON:  "{}",
				Status:      domain.ExecutionStatusRunning,
			}
			if err := set.Executions.Create(ctx, exe); err != nil {
				t.Fatal(err)
			}

			exe.Status = domain.ExecutionStatusSucceeded
			exe.ResultJSON = `{"output":{"ok":true}}`
			if err := set.Executions.Update(ctx, exe); err != nil {
				t.Fatal(err)
			}

			got, err := set.Executions.Get(ctx, "e1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != domain.ExecutionStatusSucceeded || got.ResultJSON != `{"output":{"ok":true}}` {
				t.Errorf("update not persisted: %+v", got)
			}

			list, err := set.Executions.ListByApproval(ctx, "a1")
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 1 {
				t.Errorf("got %d executions, want 1", len(list))
			}
		})
	}
}

func TestListSummaries(t *testing.T) {
	for name, set := range testSets(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

			for i := 0; i < 3; i++ {
				id := fmt.Sprintf("c%d", i)
				if err := set.Conversations.Create(ctx, &domain.Conversation{
					ID: id, Title: "New chat", CreatedAt: base.Add(time.Duration(i) * time.Hour),
				}); err != nil {
					t.Fatal(err)
				}
				if err := set.Messages.Append(ctx, &domain.Message{
					ID:             id + "-m",
					ConversationID: id,
					Role:           domain.RoleUser,
					Content:        "write an email about the " + id + " launch please",
					CreatedAt:      base.Add(time.Duration(i) * time.Hour),
				}); err != nil {
					t.Fatal(err)
				}
			}

			summaries, total, err := set.Conversations.ListSummaries(ctx, 2, 0)
			if err != nil {
				t.Fatal(err)
			}
			if total != 3 {
				t.Errorf("total = %d, want 3", total)
			}
			if len(summaries) != 2 {
				t.Fatalf("page size = %d, want 2", len(summaries))
			}
			// Most recent activity first.
			if summaries[0].ID != "c2" || summaries[1].ID != "c1" {
				t.Errorf("order = %s, %s; want c2, c1", summaries[0].ID, summaries[1].ID)
			}
			if summaries[0].Title == "" || summaries[0].MessageCount != 1 {
				t.Errorf("summary fields wrong: %+v", summaries[0])
			}
			if summaries[0].LastMessagePreview == "" {
				t.Error("empty preview")
			}
		})
	}
}

func TestTxAtomicity(t *testing.T) {
	ctx := context.Background()
	set, err := OpenSQLite(filepath.Join(t.TempDir(), "tx.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	sentinel := errors.New("abort")
	err = set.Tx(ctx, func(tx StoreSet) error {
		if err := tx.Conversations.Create(ctx, &domain.Conversation{ID: "c1", Title: "New chat"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Tx error = %v, want sentinel", err)
	}
	if _, err := set.Conversations.Get(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("rolled-back row visible: err = %v", err)
	}

	err = set.Tx(ctx, func(tx StoreSet) error {
		return tx.Conversations.Create(ctx, &domain.Conversation{ID: "c2", Title: "New chat"})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := set.Conversations.Get(ctx, "c2"); err != nil {
		t.Errorf("committed row missing: %v", err)
	}
}

func TestDeriveTitleAndPreview(t *testing.T) {
	msgs := []*domain.Message{
		{Role: domain.RoleAssistant, Content: "ignored"},
		{Role: domain.RoleUser, Content: "  Draft an   email\nto the team about Friday  "},
	}
	if got := DeriveTitle(msgs); got != "Draft an email to the team about Friday" {
		t.Errorf("DeriveTitle = %q", got)
	}
	if got := DeriveTitle(nil); got != "Conversation" {
		t.Errorf("DeriveTitle(nil) = %q", got)
	}

	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	if got := Preview(long); len([]rune(got)) != 91 {
		t.Errorf("Preview length = %d, want 90+ellipsis", len([]rune(got)))
	}
}
