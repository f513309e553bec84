// Package web exposes the draft pipeline over HTTP: chat turns, draft
// approval, tool execution, conversation history and the retrieval index,
// all under /v1.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localflowhq/localflow/internal/approval"
	"github.com/localflowhq/localflow/internal/chat"
	"github.com/localflowhq/localflow/internal/config"
	"github.com/localflowhq/localflow/internal/execution"
	"github.com/localflowhq/localflow/internal/rag"
	"github.com/localflowhq/localflow/internal/storage"
)

// Server is the HTTP front of the application.
type Server struct {
	settings    *config.Settings
	stores      storage.StoreSet
	chat        *chat.Service
	approvals   *approval.Service
	executions  *execution.Service
	rag         *rag.Service
	hasProvider bool
	logger      *slog.Logger

	handler    http.Handler
	httpServer *http.Server
}

// Deps carries the services the server routes to.
type Deps struct {
	Settings    *config.Settings
	Stores      storage.StoreSet
	Chat        *chat.Service
	Approvals   *approval.Service
	Executions  *execution.Service
	RAG         *rag.Service
	HasProvider bool
	Logger      *slog.Logger
}

// NewServer builds the router and middleware chain.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		settings:    deps.Settings,
		stores:      deps.Stores,
		chat:        deps.Chat,
		approvals:   deps.Approvals,
		executions:  deps.Executions,
		rag:         deps.RAG,
		hasProvider: deps.HasProvider,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/drafts/{id}/update", s.handleDraftUpdate)
	mux.HandleFunc("POST /v1/drafts/{id}/approve", s.handleDraftApprove)
	mux.HandleFunc("POST /v1/executions", s.handleExecute)

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationDetail)
	mux.HandleFunc("GET /v1/conversations/{id}/audit", s.handleConversationAudit)

	mux.HandleFunc("GET /v1/rag/permissions", s.handleRAGPermissions)
	mux.HandleFunc("POST /v1/rag/permissions/grant", s.handleRAGGrant)
	mux.HandleFunc("POST /v1/rag/permissions/revoke", s.handleRAGRevoke)
	mux.HandleFunc("POST /v1/rag/permissions/set", s.handleRAGSet)
	mux.HandleFunc("GET /v1/rag/drives", s.handleRAGDrives)
	mux.HandleFunc("POST /v1/rag/list_dirs", s.handleRAGListDirs)
	mux.HandleFunc("GET /v1/rag/status", s.handleRAGStatus)
	mux.HandleFunc("POST /v1/rag/index", s.handleRAGIndex)
	mux.HandleFunc("POST /v1/rag/search", s.handleRAGSearch)

	var handler http.Handler = mux
	handler = apiKeyMiddleware(s.settings.APIKey)(handler)
	handler = corsMiddleware(s.settings.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	s.handler = handler
	return s
}

// Handler returns the composed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.settings.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.settings.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"hint": "Try /v1/health",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":              s.settings.AppName,
		"env":              s.settings.Env,
		"llm_provider":     s.settings.LLMProvider,
		"ollama_base_url":  s.settings.OllamaBaseURL,
		"ollama_model":     s.settings.OllamaModel,
		"has_llm_provider": s.hasProvider,
	})
}
