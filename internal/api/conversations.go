package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quild-ai/quild/server/internal/auth"
	"github.com/quild-ai/quild/server/internal/chat"
	"github.com/quild-ai/quild/server/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxTitleRunes   = 200
)

type conversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type messageResponse struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	Role           string             `json:"role"`
	Content        string             `json:"content"`
	Attachments    []store.Attachment `json:"attachments"`
	Sources        []store.Source     `json:"sources"`
	WebSummary     string             `json:"webSummary,omitempty"`
	CreatedAt      string             `json:"createdAt"`
}

type titleRequest struct {
	Title string `json:"title"`
}

func toConversationResponse(conversation store.Conversation) conversationResponse {
	return conversationResponse{
		ID:        conversation.ID,
		Title:     conversation.Title,
		CreatedAt: conversation.CreatedAt,
		UpdatedAt: conversation.UpdatedAt,
	}
}

func toMessageResponse(msg store.Message) messageResponse {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []store.Attachment{}
	}
	sources := msg.Sources
	if sources == nil {
		sources = []store.Source{}
	}
	return messageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Attachments:    attachments,
		Sources:        sources,
		WebSummary:     msg.WebSummary,
		CreatedAt:      msg.CreatedAt,
	}
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	response := make([]conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		response = append(response, toConversationResponse(conversation))
	}
	writeJSONStatus(w, map[string]any{"conversations": response}, http.StatusOK)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if status, err := decodeBody(r, &req); err != nil {
		writeError(w, status, "invalid request")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = chat.DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		writeError(w, http.StatusBadRequest, "Title too long")
		return
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	conversation := store.Conversation{
		ID:        s.newID(),
		UserID:    auth.UserID(r.Context()),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(r.Context(), conversation); err != nil {
		s.internalError(w, "create conversation", err)
		return
	}
	writeJSONStatus(w, map[string]any{"conversation": toConversationResponse(conversation)}, http.StatusCreated)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteConversation(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		s.internalError(w, "delete conversation", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSONStatus(w, map[string]any{"ok": true}, http.StatusOK)
}

func (s *Server) updateConversationTitle(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if status, err := decodeBody(r, &req); err != nil {
		writeError(w, status, "invalid request")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "Title required")
		return
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		writeError(w, http.StatusBadRequest, "Title too long")
		return
	}
	ctx := r.Context()
	userID := auth.UserID(ctx)
	conversationID := chi.URLParam(r, "id")
	updated, err := s.store.UpdateConversationTitle(ctx, conversationID, userID, title, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.internalError(w, "update conversation title", err)
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	conversation, err := s.store.GetConversation(ctx, conversationID, userID)
	if err != nil || conversation == nil {
		s.internalError(w, "reload conversation", err)
		return
	}
	writeJSONStatus(w, map[string]any{"conversation": toConversationResponse(*conversation)}, http.StatusOK)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	conversation, err := s.store.GetConversation(ctx, conversationID, auth.UserID(ctx))
	if err != nil {
		s.internalError(w, "load conversation", err)
		return
	}
	if conversation == nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	page, pageSize := parsePage(r)
	messages, total, err := s.store.ListMessagesPage(ctx, conversationID, (page-1)*pageSize, pageSize)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	response := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		response = append(response, toMessageResponse(msg))
	}
	writeJSONStatus(w, map[string]any{
		"messages": response,
		"page":     page,
		"pageSize": pageSize,
		"total":    total,
	}, http.StatusOK)
}

// parsePage reads page (at least 1) and pageSize (clamped to [1, 200],
// default 50). Unparseable values fall back to the defaults.
func parsePage(r *http.Request) (int, int) {
	query := r.URL.Query()
	page, err := strconv.Atoi(query.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(query.Get("pageSize"))
	if err != nil {
		pageSize = defaultPageSize
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.logger.Error(action+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal Server Error")
}
