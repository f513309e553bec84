package rag

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/localflowhq/localflow/internal/domain"
)

const (
	defaultMaxIndexFiles = 1500
	defaultMaxScanFiles  = 450000
	maxReadBytes         = 1_500_000
	snippetLen           = 700
)

type indexRow struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	MTime      float64   `json:"mtime"`
	ChunkIndex int       `json:"chunk_index"`
	Snippet    string    `json:"snippet"`
	Embedding  []float64 `json:"embedding"`
}

type indexMeta struct {
	Roots         []string `json:"roots"`
	FilesIndexed  int      `json:"files_indexed"`
	ChunksIndexed int      `json:"chunks_indexed"`
	IndexedAt     string   `json:"indexed_at"`
}

// RebuildIndex walks the given roots (all approved roots when nil), chunks
// every readable text file, and atomically replaces the index. Each
// requested root must already be approved.
func (s *Service) RebuildIndex(roots []string, maxFiles int) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxFiles <= 0 {
		maxFiles = defaultMaxIndexFiles
	}

	allowed := s.loadPermissions()
	var use []string
	if len(roots) > 0 {
		allowedSet := toSet(allowed...)
		for _, r := range roots {
			p := normPath(r)
			if !allowedSet[p] {
				return nil, domain.Invalid(fmt.Sprintf("Root is not approved: %s", p))
			}
			use = append(use, p)
		}
	} else {
		use = allowed
	}
	if len(use) == 0 {
		return nil, domain.Invalid("No approved roots. Grant folder permission first.")
	}

	var rows []indexRow
	files, chunks := 0, 0
	s.walkFiles(use, maxFiles, true, func(path string) {
		text := readTextFile(path)
		pieces := s.chunkText(text)
		if len(pieces) == 0 {
			return
		}
		files++
		var mtime float64
		if info, err := os.Stat(path); err == nil {
			mtime = float64(info.ModTime().UnixNano()) / float64(time.Second)
		}
		for idx, piece := range pieces {
			snippet := piece
			if len(snippet) > snippetLen {
				snippet = snippet[:snippetLen]
			}
			rows = append(rows, indexRow{
				ID:         fmt.Sprintf("%s::%d", path, idx),
				Path:       path,
				MTime:      mtime,
				ChunkIndex: idx,
				Snippet:    snippet,
				Embedding:  s.embed(piece),
			})
		}
		chunks += len(pieces)
	})

	if err := s.writeIndex(rows); err != nil {
		return nil, err
	}
	meta := indexMeta{
		Roots:         use,
		FilesIndexed:  files,
		ChunksIndexed: chunks,
		IndexedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(s.metaPath, metaData); err != nil {
		return nil, err
	}

	filesIndexed.Set(float64(files))
	chunksIndexed.Set(float64(chunks))
	s.logger.Info("retrieval index rebuilt", "roots", len(use), "files", files, "chunks", chunks)
	return s.status(), nil
}

func (s *Service) writeIndex(rows []indexRow) error {
	tmp := s.indexPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

// Status reports the approved roots and last-rebuild metadata.
func (s *Service) Status() *Status {
	return s.status()
}

func (s *Service) status() *Status {
	meta := map[string]any{}
	if data, err := os.ReadFile(s.metaPath); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	_, statErr := os.Stat(s.indexPath)
	roots := s.loadPermissions()
	if roots == nil {
		roots = []string{}
	}
	return &Status{
		ApprovedRoots: roots,
		IndexExists:   statErr == nil,
		IndexMeta:     meta,
	}
}

// Search ranks indexed chunks by cosine similarity to the query. Requested
// roots must fall under approved roots; hits outside them are filtered.
func (s *Service) Search(query string, topK int, roots []string) ([]Hit, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return []Hit{}, nil
	}

	filtered, err := s.resolveRoots(roots)
	if err != nil {
		return nil, err
	}
	if len(filtered) == 0 {
		return []Hit{}, nil
	}

	rows := s.loadRows()
	if len(rows) == 0 {
		return []Hit{}, nil
	}

	qvec := s.embed(q)
	var scored []Hit
	for _, row := range rows {
		if !underAny(row.Path, filtered) {
			continue
		}
		score := dot(qvec, row.Embedding)
		if score <= 0 {
			continue
		}
		scored = append(scored, Hit{Path: row.Path, Score: score, Snippet: row.Snippet})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	k := clampInt(topK, 1, 12)
	if len(scored) > k {
		scored = scored[:k]
	}
	if scored == nil {
		scored = []Hit{}
	}
	return scored, nil
}

// FindFiles ranks file paths (not contents) against the query across
// every approved root, walking the filesystem live.
func (s *Service) FindFiles(query string, topK int, roots []string) ([]Hit, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Hit{}, nil
	}

	filtered, err := s.resolveRoots(roots)
	if err != nil {
		return nil, err
	}
	if len(filtered) == 0 {
		return []Hit{}, nil
	}

	if hints := ExtractDriveHints(query); len(hints) > 0 {
		var kept []string
		for _, r := range filtered {
			for _, d := range hints {
				if strings.HasPrefix(strings.ToLower(r), strings.ToLower(d)) {
					kept = append(kept, r)
					break
				}
			}
		}
		filtered = kept
		if len(filtered) == 0 {
			return []Hit{}, nil
		}
	}

	qTokens := make(map[string]bool)
	for _, t := range tokenize(q) {
		if len(t) >= 3 && !queryStopwords[t] && !allDigits(t) {
			qTokens[t] = true
		}
	}
	if len(qTokens) == 0 {
		return []Hit{}, nil
	}
	qCompact := compact(q)
	wantsImages := containsAny(q, "photo", "photos", "picture", "pictures", "image", "images")
	wantsDocs := containsAny(q, "document", "documents", "pdf", "doc", "docx", "txt")

	var strong, relaxed []Hit
	s.walkFiles(filtered, defaultMaxScanFiles, false, func(path string) {
		p := strings.ToLower(path)
		name := strings.ToLower(filepath.Base(path))
		ext := strings.ToLower(filepath.Ext(path))

		pathTokens := toSet(tokenize(p)...)
		overlap := 0
		for t := range qTokens {
			if pathTokens[t] {
				overlap++
			}
		}
		compactPath := compact(p)
		compactOverlap := 0
		for t := range qTokens {
			if ct := compact(t); ct != "" && strings.Contains(compactPath, ct) {
				compactOverlap++
			}
		}
		overlapTotal := overlap + compactOverlap
		if overlapTotal == 0 && (qCompact == "" || !strings.Contains(compactPath, qCompact)) {
			return
		}
		coverage := float64(overlapTotal) / float64(max(1, len(qTokens)))

		score := float64(overlapTotal)
		if wantsImages && (s.mediaExt[ext] || containsAny(p, `\pictures\`, `\photos\`, `\dcim\`, "/pictures/", "/photos/", "/dcim/")) {
			score += 2.0
		}
		if wantsDocs && docExts[ext] {
			score += 1.5
		}
		if strings.Contains(q, name) || anyTokenIn(qTokens, name) {
			score += 1.0
		}
		if qCompact != "" && strings.Contains(compactPath, qCompact) {
			score += 1.2
		}
		score += coverage
		if len(path) < 140 {
			score += 0.2
		}

		hit := Hit{Path: path, Score: score, Snippet: "Matched path: " + path}
		if coverage >= 0.34 {
			strong = append(strong, hit)
		} else {
			relaxed = append(relaxed, hit)
		}
	})

	k := clampInt(topK, 1, 20)
	pool := strong
	if len(pool) == 0 {
		pool = relaxed
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Score > pool[j].Score })
	if len(pool) > k {
		pool = pool[:k]
	}
	if pool == nil {
		pool = []Hit{}
	}
	return pool, nil
}

// resolveRoots validates requested roots against the permission grants,
// or returns every approved root when none are requested.
func (s *Service) resolveRoots(roots []string) ([]string, error) {
	allowed := s.loadPermissions()
	if len(roots) == 0 {
		return allowed, nil
	}
	var filtered []string
	for _, r := range roots {
		p := normPath(r)
		if !underAny(p, allowed) {
			return nil, domain.Invalid(fmt.Sprintf("Root is not approved: %s", p))
		}
		filtered = append(filtered, p)
	}
	return filtered, nil
}

func (s *Service) loadRows() []indexRow {
	f, err := os.Open(s.indexPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []indexRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row indexRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// walkFiles visits files under roots, pruning ignored directories, until
// maxFiles have been seen. textOnly restricts to indexable extensions.
func (s *Service) walkFiles(roots []string, maxFiles int, textOnly bool, visit func(path string)) {
	count := 0
	for _, root := range roots {
		if count >= maxFiles {
			return
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && s.ignoredDirs[strings.ToLower(d.Name())] {
					return filepath.SkipDir
				}
				return nil
			}
			if textOnly && !s.allowedExt[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			visit(normPath(path))
			count++
			if count >= maxFiles {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

func readTextFile(path string) string {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxReadBytes {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Service) chunkText(text string) []string {
	// Window over runes, not bytes, so a multi-byte character never
	// straddles a chunk boundary and corrupts the stored snippet.
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.chunkSize {
		return []string{string(runes)}
	}
	step := s.chunkSize - s.chunkOverlap
	var out []string
	for i := 0; i < len(runes); i += step {
		end := i + s.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[i:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// embed maps tokens into a fixed-dim bag-of-hashed-tokens vector,
// L2-normalised. FNV keeps the mapping stable across processes.
func (s *Service) embed(text string) []float64 {
	vec := make([]float64, s.embeddingDim)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%s.embeddingDim]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm <= 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func dot(a, b []float64) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

var queryStopwords = toSet(
	"find", "search", "locate", "where", "is", "are", "the", "a", "an",
	"of", "for", "in", "on", "to", "my", "local", "pc", "computer",
	"disk", "drive", "file", "files", "folder", "folders", "directory",
	"document", "documents",
)

var docExts = toSet(".pdf", ".doc", ".docx", ".txt", ".md")

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func anyTokenIn(tokens map[string]bool, s string) bool {
	for t := range tokens {
		if t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
