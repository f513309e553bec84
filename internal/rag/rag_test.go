package rag

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/localflowhq/localflow/internal/domain"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		StoreDir:     filepath.Join(t.TempDir(), "store"),
		ChunkSize:    400,
		ChunkOverlap: 50,
		EmbeddingDim: 128,
	}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigClamps(t *testing.T) {
	svc, err := NewService(Config{
		StoreDir:     t.TempDir(),
		ChunkSize:    10,
		ChunkOverlap: 5000,
		EmbeddingDim: 8,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if svc.chunkSize != 400 {
		t.Errorf("chunkSize = %d, want 400", svc.chunkSize)
	}
	if svc.chunkOverlap != 200 {
		t.Errorf("chunkOverlap = %d, want chunkSize/2 = 200", svc.chunkOverlap)
	}
	if svc.embeddingDim != 128 {
		t.Errorf("embeddingDim = %d, want 128", svc.embeddingDim)
	}
}

func TestPermissionLifecycle(t *testing.T) {
	svc := newTestService(t)
	dirA := t.TempDir()
	dirB := t.TempDir()

	roots, err := svc.GrantPermission(dirA)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Fatalf("roots = %v", roots)
	}

	// Granting twice is idempotent.
	roots, err = svc.GrantPermission(dirA)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Errorf("duplicate grant grew the list: %v", roots)
	}

	if _, err := svc.GrantPermission(filepath.Join(dirA, "missing")); err == nil {
		t.Error("expected error for non-existent directory")
	}

	if !svc.IsPathAllowed(filepath.Join(dirA, "sub", "file.txt")) {
		t.Error("path under granted root should be allowed")
	}
	if svc.IsPathAllowed(dirB) {
		t.Error("ungranted root should not be allowed")
	}

	if _, err := svc.GrantPermission(dirB); err != nil {
		t.Fatal(err)
	}
	kept, err := svc.RevokePermission(dirA)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 1 || kept[0] != normPath(dirB) {
		t.Errorf("kept = %v", kept)
	}
	if svc.IsPathAllowed(dirA) {
		t.Error("revoked root still allowed")
	}
}

func TestSetPermissionsReplaces(t *testing.T) {
	svc := newTestService(t)
	dirA, dirB := t.TempDir(), t.TempDir()

	if _, err := svc.GrantPermission(dirA); err != nil {
		t.Fatal(err)
	}
	cleaned, err := svc.SetPermissions([]string{dirB})
	if err != nil {
		t.Fatal(err)
	}
	if len(cleaned) != 1 || cleaned[0] != normPath(dirB) {
		t.Errorf("cleaned = %v", cleaned)
	}
	if svc.IsPathAllowed(dirA) {
		t.Error("SetPermissions should replace, not merge")
	}
}

func TestRebuildIndexAndSearch(t *testing.T) {
	svc := newTestService(t)
	docs := t.TempDir()
	writeFile(t, docs, "notes/standup.md", "The marketing launch moves to Friday. Alignment with sales pending.")
	writeFile(t, docs, "notes/recipe.txt", "Whisk the eggs with sugar, then fold in the flour gently.")
	writeFile(t, docs, "binary.jpg", "not indexable")
	writeFile(t, docs, "node_modules/pkg/readme.md", "should be pruned entirely")

	var ie *domain.InvalidError
	if _, err := svc.RebuildIndex(nil, 0); !errors.As(err, &ie) {
		t.Fatalf("rebuild without grants: err = %v, want InvalidError", err)
	}

	if _, err := svc.GrantPermission(docs); err != nil {
		t.Fatal(err)
	}
	status, err := svc.RebuildIndex(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !status.IndexExists {
		t.Error("index file missing after rebuild")
	}
	if got := status.IndexMeta["files_indexed"]; got != float64(2) {
		t.Errorf("files_indexed = %v, want 2", got)
	}

	hits, err := svc.Search("marketing launch friday", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if !strings.HasSuffix(hits[0].Path, "standup.md") {
		t.Errorf("top hit = %s", hits[0].Path)
	}
	for _, h := range hits {
		if h.Score <= 0 {
			t.Errorf("non-positive score: %+v", h)
		}
	}

	// A root outside the grants is rejected.
	if _, err := svc.Search("eggs", 5, []string{t.TempDir()}); !errors.As(err, &ie) {
		t.Errorf("unapproved root: err = %v", err)
	}
}

func TestRebuildRejectsUnapprovedRoot(t *testing.T) {
	svc := newTestService(t)
	docs := t.TempDir()
	other := t.TempDir()
	if _, err := svc.GrantPermission(docs); err != nil {
		t.Fatal(err)
	}

	var ie *domain.InvalidError
	if _, err := svc.RebuildIndex([]string{other}, 0); !errors.As(err, &ie) {
		t.Errorf("err = %v, want InvalidError", err)
	}
}

func TestSearchScopedToRequestedRoot(t *testing.T) {
	svc := newTestService(t)
	docs := t.TempDir()
	writeFile(t, docs, "a/alpha.txt", "alpha report for the quarterly budget review")
	writeFile(t, docs, "b/beta.txt", "alpha report for the quarterly budget review")
	if _, err := svc.GrantPermission(docs); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RebuildIndex(nil, 0); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.Search("quarterly budget", 10, []string{filepath.Join(docs, "a")})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if !strings.Contains(h.Path, string(filepath.Separator)+"a"+string(filepath.Separator)) {
			t.Errorf("hit outside requested root: %s", h.Path)
		}
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1", len(hits))
	}

	if _, err := svc.Search("quarterly budget", 10, []string{t.TempDir()}); err == nil {
		t.Error("search with an unapproved root should be rejected")
	}
}

func TestFindFiles(t *testing.T) {
	svc := newTestService(t)
	docs := t.TempDir()
	want := writeFile(t, docs, "projects/launch-plan.md", "x")
	writeFile(t, docs, "misc/unrelated.log", "x")
	writeFile(t, docs, "pictures/vacation-beach.jpg", "x")
	if _, err := svc.GrantPermission(docs); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.FindFiles("find the launch plan", 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].Path != want {
		t.Fatalf("hits = %+v, want top %s", hits, want)
	}
	if !strings.HasPrefix(hits[0].Snippet, "Matched path:") {
		t.Errorf("snippet = %q", hits[0].Snippet)
	}

	// Image intent boosts media files.
	hits, err = svc.FindFiles("pictures from the beach vacation", 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || !strings.HasSuffix(hits[0].Path, "vacation-beach.jpg") {
		t.Errorf("image query hits = %+v", hits)
	}

	// Stopword-only queries return nothing.
	hits, err = svc.FindFiles("find my files", 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("stopword query returned %+v", hits)
	}
}

func TestEmbedStableAndNormalised(t *testing.T) {
	svc := newTestService(t)
	a := svc.embed("quarterly budget review")
	b := svc.embed("quarterly budget review")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding not deterministic")
		}
	}
	var norm float64
	for _, v := range a {
		norm += v * v
	}
	if norm < 0.999 || norm > 1.001 {
		t.Errorf("norm^2 = %f, want 1", norm)
	}
	if d := dot(a, b); d < 0.999 || d > 1.001 {
		t.Errorf("self-similarity = %f", d)
	}
}

func TestChunkTextOverlap(t *testing.T) {
	svc := newTestService(t) // chunkSize 400, overlap 50
	text := strings.Repeat("abcdefghij", 100)
	chunks := svc.chunkText(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if len(chunks[0]) != 400 {
		t.Errorf("first chunk len = %d", len(chunks[0]))
	}
	// Consecutive chunks share the overlap region.
	if chunks[0][350:] != chunks[1][:50] {
		t.Error("overlap region mismatch")
	}
	if got := svc.chunkText("   "); got != nil {
		t.Errorf("blank text chunks = %v", got)
	}
	if got := svc.chunkText("short"); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text chunks = %v", got)
	}
}

func TestChunkTextRuneBoundaries(t *testing.T) {
	svc := newTestService(t) // chunkSize 400, overlap 50
	text := strings.Repeat("héllo wörld — übergroße Dokumente ", 40)
	chunks := svc.chunkText(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for i, chunk := range chunks {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, chunk)
		}
	}
	if n := utf8.RuneCountInString(chunks[0]); n != 400 {
		t.Errorf("first chunk runes = %d, want 400", n)
	}
}

func TestExtractDriveHints(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`find photos on d:\`, []string{`D:\`}},
		{"look on c: for the report", []string{`C:\`}},
		{`check C:/Users and d:\data`, []string{`C:\`, `D:\`}},
		{"no drives here", nil},
		{"meeting at 10:30", nil},
	}
	for _, tt := range tests {
		got := ExtractDriveHints(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ExtractDriveHints(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ExtractDriveHints(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestListSubdirs(t *testing.T) {
	svc := newTestService(t)
	base := t.TempDir()
	for _, d := range []string{"alpha", "beta", "node_modules", ".git"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, base, "file.txt", "x")

	subs, err := svc.ListSubdirs(base, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("subs = %v", subs)
	}
	if !strings.HasSuffix(subs[0], "alpha") || !strings.HasSuffix(subs[1], "beta") {
		t.Errorf("subs = %v", subs)
	}

	var ie *domain.InvalidError
	if _, err := svc.ListSubdirs(filepath.Join(base, "missing"), 0); !errors.As(err, &ie) {
		t.Errorf("err = %v, want InvalidError", err)
	}
}
