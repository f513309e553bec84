// Package rag is the permissioned local retrieval index: the user grants
// folder roots, the service indexes text files under them into a JSONL
// chunk store with lightweight hashed-token embeddings, and search only
// ever returns paths under approved roots.
package rag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/localflowhq/localflow/internal/domain"
)

var (
	filesIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localflow_rag_files_indexed",
		Help: "Files in the retrieval index after the last rebuild.",
	})
	chunksIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localflow_rag_chunks_indexed",
		Help: "Chunks in the retrieval index after the last rebuild.",
	})
)

// Hit is one retrieval result.
type Hit struct {
	Path    string  `json:"path"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Status describes the index and its permission grants.
type Status struct {
	ApprovedRoots []string       `json:"approved_roots"`
	IndexExists   bool           `json:"index_exists"`
	IndexMeta     map[string]any `json:"index_meta"`
}

// Config bounds the index geometry. Values below the floors are clamped.
type Config struct {
	StoreDir     string
	ChunkSize    int
	ChunkOverlap int
	EmbeddingDim int
}

// Service owns the permission file and the on-disk index. Permission and
// index mutation serialise on one mutex; reads go lock-free against the
// last atomically renamed files.
type Service struct {
	storeDir        string
	permissionsPath string
	indexPath       string
	metaPath        string

	chunkSize    int
	chunkOverlap int
	embeddingDim int

	allowedExt  map[string]bool
	mediaExt    map[string]bool
	ignoredDirs map[string]bool

	mu     sync.Mutex
	cron   *cron.Cron
	logger *slog.Logger
}

// NewService creates the store directory and returns the service.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("rag store dir: %w", err)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize < 400 {
		chunkSize = 400
	}
	overlap := cfg.ChunkOverlap
	if overlap < 50 {
		overlap = 50
	}
	if overlap > chunkSize/2 {
		overlap = chunkSize / 2
	}
	dim := cfg.EmbeddingDim
	if dim < 128 {
		dim = 128
	}

	return &Service{
		storeDir:        cfg.StoreDir,
		permissionsPath: filepath.Join(cfg.StoreDir, "permissions.json"),
		indexPath:       filepath.Join(cfg.StoreDir, "index.jsonl"),
		metaPath:        filepath.Join(cfg.StoreDir, "index_meta.json"),
		chunkSize:       chunkSize,
		chunkOverlap:    overlap,
		embeddingDim:    dim,
		allowedExt: toSet(
			".txt", ".md", ".rst", ".json", ".csv", ".log",
			".py", ".ts", ".tsx", ".js", ".jsx", ".java", ".go", ".rs",
			".c", ".cpp", ".h", ".hpp", ".cs", ".sql",
			".yaml", ".yml", ".toml", ".ini", ".xml", ".html", ".css",
			".sh", ".ps1", ".bat",
		),
		mediaExt: toSet(
			".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tif", ".tiff", ".heic",
			".mp4", ".mov", ".avi", ".mkv", ".webm",
		),
		ignoredDirs: toSet(
			".git", ".hg", ".svn", "node_modules", ".venv", "venv",
			"__pycache__", ".idea", ".vscode", "dist", "build", "target", "coverage",
		),
		logger: logger,
	}, nil
}

func toSet(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// ScheduleReindex registers a background rebuild on the given cron spec.
func (s *Service) ScheduleReindex(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := s.RebuildIndex(nil, 0); err != nil {
			s.logger.Warn("scheduled reindex failed", "error", err)
			return
		}
		s.logger.Info("scheduled reindex complete")
	})
	if err != nil {
		return fmt.Errorf("rag reindex schedule: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Close stops the reindex schedule if one is running.
func (s *Service) Close() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// --- permissions ---

type permissionRoot struct {
	Path      string `json:"path"`
	GrantedAt string `json:"granted_at"`
}

type permissionsFile struct {
	Roots []permissionRoot `json:"roots"`
}

func (s *Service) loadPermissions() []string {
	data, err := os.ReadFile(s.permissionsPath)
	if err != nil {
		return nil
	}
	var pf permissionsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, root := range pf.Roots {
		p := normPath(root.Path)
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) writePermissions(roots []permissionRoot) error {
	data, err := json.MarshalIndent(permissionsFile{Roots: roots}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.permissionsPath, data)
}

// ListPermissions returns the approved roots, sorted.
func (s *Service) ListPermissions() []string {
	return s.loadPermissions()
}

// IsPathAllowed reports whether path falls under an approved root.
func (s *Service) IsPathAllowed(path string) bool {
	p := normPath(path)
	for _, root := range s.loadPermissions() {
		if isUnderRoot(p, root) {
			return true
		}
	}
	return false
}

// SetPermissions replaces the grant list. Every path must be an existing
// directory.
func (s *Service) SetPermissions(roots []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleaned []string
	seen := make(map[string]bool)
	for _, root := range roots {
		p := normPath(root)
		if !isDir(p) {
			return nil, domain.Invalid(fmt.Sprintf("Path must be an existing directory: %s", root))
		}
		if !seen[p] {
			seen[p] = true
			cleaned = append(cleaned, p)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entries := make([]permissionRoot, len(cleaned))
	for i, p := range cleaned {
		entries[i] = permissionRoot{Path: p, GrantedAt: now}
	}
	if err := s.writePermissions(entries); err != nil {
		return nil, err
	}
	return cleaned, nil
}

// GrantPermission adds one root, preserving existing grant timestamps.
func (s *Service) GrantPermission(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := normPath(path)
	if !isDir(root) {
		return nil, domain.Invalid("Permission path must be an existing directory")
	}

	existing := make(map[string]permissionRoot)
	if data, err := os.ReadFile(s.permissionsPath); err == nil {
		var pf permissionsFile
		if json.Unmarshal(data, &pf) == nil {
			for _, item := range pf.Roots {
				existing[normPath(item.Path)] = item
			}
		}
	}
	if _, ok := existing[root]; !ok {
		existing[root] = permissionRoot{Path: root, GrantedAt: time.Now().UTC().Format(time.RFC3339)}
	}

	entries := make([]permissionRoot, 0, len(existing))
	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entries = append(entries, existing[k])
	}
	if err := s.writePermissions(entries); err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokePermission removes one root.
func (s *Service) RevokePermission(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root := normPath(path)
	now := time.Now().UTC().Format(time.RFC3339)
	var kept []string
	var entries []permissionRoot
	for _, p := range s.loadPermissions() {
		if p == root {
			continue
		}
		kept = append(kept, p)
		entries = append(entries, permissionRoot{Path: p, GrantedAt: now})
	}
	if err := s.writePermissions(entries); err != nil {
		return nil, err
	}
	if kept == nil {
		kept = []string{}
	}
	return kept, nil
}

// ListAvailableDrives probes drive roots. Only meaningful on Windows;
// elsewhere it returns nothing.
func (s *Service) ListAvailableDrives() []string {
	if runtime.GOOS != "windows" {
		return nil
	}
	var drives []string
	for c := 'A'; c <= 'Z'; c++ {
		p := string(c) + `:\`
		if _, err := os.Stat(p); err == nil {
			drives = append(drives, p)
		}
	}
	return drives
}

// ListSubdirs returns the immediate child directories of path, skipping
// ignored names. An empty path lists available drive roots.
func (s *Service) ListSubdirs(path string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 300
	}
	if strings.TrimSpace(path) == "" {
		return s.ListAvailableDrives(), nil
	}
	p := normPath(path)
	if !isDir(p) {
		return nil, domain.Invalid("Path must be an existing directory")
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		// Unreadable directories yield an empty listing, not an error.
		return []string{}, nil
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if s.ignoredDirs[strings.ToLower(entry.Name())] {
			continue
		}
		out = append(out, filepath.Join(p, entry.Name()))
		if len(out) >= limit {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- path helpers ---

func normPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			p = home + p[1:]
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}

func isUnderRoot(path, root string) bool {
	p := filepath.Clean(path)
	r := strings.TrimRight(filepath.Clean(root), string(filepath.Separator))
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(filepath.Separator))
}

func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if isUnderRoot(path, r) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var tokenRE = regexp.MustCompile(`[a-zA-Z0-9_]{2,}`)

func tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

var nonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)

func compact(s string) string {
	return nonAlnumRE.ReplaceAllString(strings.ToLower(s), "")
}

var driveHintRE = regexp.MustCompile(`(?i)\b([a-zA-Z]):(?:[\\/]|\s|$)`)

// ExtractDriveHints pulls drive letters like "d:" or "D:\" from a query.
func ExtractDriveHints(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range driveHintRE.FindAllStringSubmatch(query, -1) {
		drive := strings.ToUpper(m[1]) + `:\`
		if !seen[drive] {
			seen[drive] = true
			out = append(out, drive)
		}
	}
	return out
}
