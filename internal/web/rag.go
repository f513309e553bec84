package web

import (
	"math"
	"net/http"
)

type ragPathIn struct {
	Path string `json:"path"`
}

type ragSetIn struct {
	Roots []string `json:"roots"`
}

type ragIndexIn struct {
	Roots    []string `json:"roots"`
	MaxFiles int      `json:"max_files"`
}

type ragSearchIn struct {
	Query string   `json:"query"`
	TopK  int      `json:"top_k"`
	Roots []string `json:"roots"`
}

func (s *Server) handleRAGPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roots": s.rag.ListPermissions()})
}

func (s *Server) handleRAGGrant(w http.ResponseWriter, r *http.Request) {
	var req ragPathIn
	if !decodeBody(w, r, &req) {
		return
	}
	roots, err := s.rag.GrantPermission(req.Path)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

func (s *Server) handleRAGRevoke(w http.ResponseWriter, r *http.Request) {
	var req ragPathIn
	if !decodeBody(w, r, &req) {
		return
	}
	roots, err := s.rag.RevokePermission(req.Path)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

func (s *Server) handleRAGSet(w http.ResponseWriter, r *http.Request) {
	var req ragSetIn
	if !decodeBody(w, r, &req) {
		return
	}
	roots, err := s.rag.SetPermissions(req.Roots)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

func (s *Server) handleRAGDrives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"drives": s.rag.ListAvailableDrives()})
}

func (s *Server) handleRAGListDirs(w http.ResponseWriter, r *http.Request) {
	var req ragPathIn
	if !decodeBody(w, r, &req) {
		return
	}
	dirs, err := s.rag.ListSubdirs(req.Path, 0)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dirs": dirs})
}

func (s *Server) handleRAGStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rag.Status())
}

func (s *Server) handleRAGIndex(w http.ResponseWriter, r *http.Request) {
	var req ragIndexIn
	if !decodeBody(w, r, &req) {
		return
	}
	// max_files 0 means "use the default"; anything else must be in range.
	if req.MaxFiles < 0 || req.MaxFiles > 20000 {
		writeError(w, http.StatusBadRequest, "max_files must be between 1 and 20000, or 0 for the default", nil)
		return
	}
	status, err := s.rag.RebuildIndex(req.Roots, req.MaxFiles)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRAGSearch(w http.ResponseWriter, r *http.Request) {
	var req ragSearchIn
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required", nil)
		return
	}
	if req.TopK == 0 {
		req.TopK = 5
	}
	hits, err := s.rag.Search(req.Query, req.TopK, req.Roots)
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"path":    h.Path,
			"score":   math.Round(h.Score*10000) / 10000,
			"snippet": h.Snippet,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": out})
}
