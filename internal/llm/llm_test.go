package llm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/localflowhq/localflow/internal/prompts"
)

type scriptedBackend struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (b *scriptedBackend) name() string { return "scripted" }

func (b *scriptedBackend) generate(_ context.Context, prompt string) (string, error) {
	b.prompts = append(b.prompts, prompt)
	if b.err != nil {
		return "", b.err
	}
	i := b.calls
	b.calls++
	if i >= len(b.replies) {
		i = len(b.replies) - 1
	}
	return b.replies[i], nil
}

func testPack(t *testing.T) *prompts.Pack {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "system.txt"), []byte("SYSTEM PROMPT"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "repair.txt"), []byte("REPAIR PROMPT"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := prompts.Load(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGenerateDraftHappyPath(t *testing.T) {
	b := &scriptedBackend{replies: []string{
		`{"assistant_message":"Here you go.","draft":{"title":"Launch","content":"Body text"},"tool_plan":{"actions":[{"tool":"search_web","params":{"query":"go"}}]}}`,
	}}
	e := newEngine(b, testPack(t), 2, slog.Default())

	resp, err := e.GenerateDraft(context.Background(), "write it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.AssistantMessage != "Here you go." {
		t.Errorf("AssistantMessage = %q", resp.AssistantMessage)
	}
	if resp.Draft == nil || resp.Draft.Title != "Launch" || resp.Draft.Content != "Body text" {
		t.Errorf("Draft = %+v", resp.Draft)
	}
	if resp.ToolPlan == nil || len(resp.ToolPlan.Actions) != 1 || resp.ToolPlan.Actions[0].Tool != "search_web" {
		t.Errorf("ToolPlan = %+v", resp.ToolPlan)
	}
	if b.calls != 1 {
		t.Errorf("backend calls = %d, want 1", b.calls)
	}
}

func TestGenerateDraftRepairsThenSucceeds(t *testing.T) {
	b := &scriptedBackend{replies: []string{
		`not json at all`,
		`{"assistant_message":"Fixed.","draft":{"title":"","content":"Recovered body"},"tool_plan":null}`,
	}}
	e := newEngine(b, testPack(t), 2, slog.Default())

	resp, err := e.GenerateDraft(context.Background(), "write it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.calls != 2 {
		t.Errorf("backend calls = %d, want 2", b.calls)
	}
	if resp.Draft == nil || resp.Draft.Content != "Recovered body" {
		t.Errorf("Draft = %+v", resp.Draft)
	}
	// The second prompt carries the repair instructions and the bad output.
	if !strings.Contains(b.prompts[1], "REPAIR PROMPT") || !strings.Contains(b.prompts[1], "not json at all") {
		t.Errorf("repair prompt missing pieces:\n%s", b.prompts[1])
	}
}

func TestGenerateDraftFallsBackAfterBudget(t *testing.T) {
	b := &scriptedBackend{replies: []string{`garbage`}}
	e := newEngine(b, testPack(t), 1, slog.Default())

	resp, err := e.GenerateDraft(context.Background(), "write it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.calls != 2 {
		t.Errorf("backend calls = %d, want maxRepairs+1 = 2", b.calls)
	}
	if resp.AssistantMessage != "I can help with that." {
		t.Errorf("AssistantMessage = %q", resp.AssistantMessage)
	}
	if resp.Draft == nil || resp.Draft.Title != "Conversation notes" {
		t.Errorf("Draft = %+v", resp.Draft)
	}
	if resp.ToolPlan != nil {
		t.Errorf("fallback must not carry a plan, got %+v", resp.ToolPlan)
	}
}

func TestGenerateDraftBackendError(t *testing.T) {
	sentinel := errors.New("connection refused")
	b := &scriptedBackend{err: sentinel}
	e := newEngine(b, testPack(t), 2, slog.Default())

	if _, err := e.GenerateDraft(context.Background(), "hi", nil); !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
}

func TestRecoversContentFromAssistantMessage(t *testing.T) {
	b := &scriptedBackend{replies: []string{
		`{"assistant_message":"Sure! Here it is: Dear team, see you Friday.","draft":{"title":"","content":"  "},"tool_plan":null}`,
	}}
	e := newEngine(b, testPack(t), 0, slog.Default())

	resp, err := e.GenerateDraft(context.Background(), "write it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Draft.Content != "Dear team, see you Friday." {
		t.Errorf("Content = %q", resp.Draft.Content)
	}
	if b.calls != 1 {
		t.Errorf("recovery should not burn a repair attempt, calls = %d", b.calls)
	}
}

func TestNormalizeTitleContent(t *testing.T) {
	tests := []struct {
		name                   string
		in                     DraftOut
		wantTitle, wantContent string
	}{
		{
			name:        "promotes subject line into empty title",
			in:          DraftOut{Content: "Subject: Quarterly update\nHello all,\nnumbers attached."},
			wantTitle:   "Quarterly update",
			wantContent: "Hello all,\nnumbers attached.",
		},
		{
			name:        "drops duplicate title line",
			in:          DraftOut{Title: "Launch Plan", Content: "Title: launch plan\n\nStep one."},
			wantTitle:   "Launch Plan",
			wantContent: "Step one.",
		},
		{
			name:        "keeps distinct existing title and body",
			in:          DraftOut{Title: "Other", Content: "Subject: Quarterly update\nBody."},
			wantTitle:   "Other",
			wantContent: "Subject: Quarterly update\nBody.",
		},
		{
			name:        "no marker leaves draft alone",
			in:          DraftOut{Title: "T", Content: "Plain first line\nsecond."},
			wantTitle:   "T",
			wantContent: "Plain first line\nsecond.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.in
			normalizeTitleContent(&d)
			if d.Title != tt.wantTitle || d.Content != tt.wantContent {
				t.Errorf("got (%q, %q), want (%q, %q)", d.Title, d.Content, tt.wantTitle, tt.wantContent)
			}
		})
	}
}

func TestFormatHistory(t *testing.T) {
	if got := formatHistory(nil); got != "(no prior messages)" {
		t.Errorf("empty history = %q", got)
	}

	var history []Message
	for i := 0; i < 30; i++ {
		history = append(history, Message{Role: "user", Content: "turn"})
	}
	got := formatHistory(history)
	if n := strings.Count(got, "\n") + 1; n != maxHistoryMessages {
		t.Errorf("history lines = %d, want %d", n, maxHistoryMessages)
	}

	long := strings.Repeat("x", maxHistoryChars+100)
	clipped := formatHistory([]Message{{Role: "weird", Content: long}})
	if !strings.HasPrefix(clipped, "user: ") {
		t.Errorf("unknown role not coerced: %q", clipped[:20])
	}
	if !strings.HasSuffix(clipped, "...") {
		t.Error("long content not clipped")
	}
}

func TestParseDraftResponseExtractsEmbeddedObject(t *testing.T) {
	raw := "Sure, here's the JSON:\n```\n{\"assistant_message\":\"ok\",\"draft\":{\"title\":\"t\",\"content\":\"c\"}}\n```"
	resp := parseDraftResponse(raw)
	if resp == nil || resp.Draft == nil || resp.Draft.Content != "c" {
		t.Fatalf("parse failed: %+v", resp)
	}

	if parseDraftResponse("") != nil || parseDraftResponse("[1,2]") != nil {
		t.Error("non-object input should not parse")
	}
}
