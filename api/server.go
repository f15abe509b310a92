// Package api exposes the chat service over HTTP. Routes are mounted under
// /v1 with chi; errors map to status codes by their driftkit kind.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	driftkit "github.com/driftkit-ai/driftkit"
)

// Server wires the chat service into an HTTP handler.
type Server struct {
	chats  *driftkit.ChatService
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger used by request handlers.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server over the given chat service.
func NewServer(chats *driftkit.ChatService, opts ...Option) *Server {
	s := &Server{chats: chats, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chats/execute", s.executeChat)
		r.Post("/chats/resume/{messageId}", s.resumeChat)
		r.Get("/chats/async/{messageId}", s.asyncStatus)

		r.Post("/chats", s.createSession)
		r.Get("/chats/{chatId}", s.getSession)
		r.Delete("/chats/{chatId}", s.archiveSession)
		r.Get("/chats/{chatId}/history", s.chatHistory)
		r.Get("/users/{userId}/chats", s.listChats)

		r.Get("/workflows", s.listWorkflows)
		r.Get("/workflows/{workflowId}", s.workflowDetails)
		r.Get("/workflows/{workflowId}/schema", s.initialSchema)
		r.Get("/workflows/{workflowId}/schemas", s.workflowSchemas)
	})

	return r
}

// --- Chat execution ---

func (s *Server) executeChat(w http.ResponseWriter, r *http.Request) {
	var req driftkit.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, driftkit.NewError(driftkit.KindValidation, "invalid request body: %v", err))
		return
	}
	if req.ChatID == "" || req.WorkflowID == "" {
		s.writeError(w, driftkit.NewError(driftkit.KindValidation, "chatId and workflowId are required"))
		return
	}
	resp, err := s.chats.ExecuteChat(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resumeChat(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	var req driftkit.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, driftkit.NewError(driftkit.KindValidation, "invalid request body: %v", err))
		return
	}
	resp, err := s.chats.ResumeChat(r.Context(), messageID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) asyncStatus(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	resp, ok := s.chats.GetAsyncStatus(messageID)
	if !ok {
		s.writeError(w, driftkit.NewError(driftkit.KindNotFound, "no async task for message %q", messageID))
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Sessions ---

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var sess driftkit.ChatSession
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		s.writeError(w, driftkit.NewError(driftkit.KindValidation, "invalid request body: %v", err))
		return
	}
	created, err := s.chats.CreateChatSession(r.Context(), sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.chats.GetChatSession(r.Context(), chi.URLParam(r, "chatId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) archiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.ArchiveChatSession(r.Context(), chi.URLParam(r, "chatId")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	page, err := s.chats.ListChatsForUser(r.Context(),
		chi.URLParam(r, "userId"),
		pageRequest(r),
		r.URL.Query().Get("includeArchived") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	page, err := s.chats.GetChatHistory(r.Context(),
		chi.URLParam(r, "chatId"),
		pageRequest(r),
		r.URL.Query().Get("includeContext") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

// --- Workflow metadata ---

func (s *Server) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.chats.ListWorkflows())
}

func (s *Server) workflowDetails(w http.ResponseWriter, r *http.Request) {
	info, err := s.chats.GetWorkflowDetails(chi.URLParam(r, "workflowId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) initialSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.chats.GetInitialSchema(chi.URLParam(r, "workflowId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if schema == nil {
		// Free-form trigger: no schema to describe.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, schema)
}

func (s *Server) workflowSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := s.chats.GetWorkflowSchemas(chi.URLParam(r, "workflowId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, schemas)
}

// --- Helpers ---

func pageRequest(r *http.Request) driftkit.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return driftkit.PageRequest{Page: page, Size: size}
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("api: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := driftkit.KindOf(err)
	body := errorBody{Kind: string(kind), Message: err.Error()}
	var de *driftkit.Error
	if errors.As(err, &de) {
		body.Message = de.Message
		body.Field = de.Field
	}
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "kind", kind, "error", err)
	}
	s.writeJSON(w, status, body)
}

func statusFor(kind driftkit.ErrorKind) int {
	switch kind {
	case driftkit.KindValidation, driftkit.KindInvalidBranch:
		return http.StatusBadRequest
	case driftkit.KindNotFound, driftkit.KindUnknownWorkflow, driftkit.KindUnknownStep, driftkit.KindPromptMissing:
		return http.StatusNotFound
	case driftkit.KindInvalidResume, driftkit.KindInvocationLimit:
		return http.StatusConflict
	case driftkit.KindTimeout:
		return http.StatusGatewayTimeout
	case driftkit.KindRetryable, driftkit.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
