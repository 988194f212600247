package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/tillerworks/helmsman/internal/tools"
	"github.com/tillerworks/helmsman/pkg/logging"

	"github.com/gin-gonic/gin"
)

const maxMessageRunes = 10000

// Handler exposes the conversational API over HTTP.
type Handler struct {
	Orchestrator *Orchestrator
	Store        *ConversationStore
	Identity     *IdentityResolver
	Logger       logging.Logger

	// locksMu guards the refcounted per-conversation lock table that
	// serializes concurrent requests to the same conversation. For
	// horizontal scaling, replace with pg_advisory_xact_lock.
	locksMu           sync.Mutex
	conversationLocks map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func NewHandler(orchestrator *Orchestrator, store *ConversationStore, identity *IdentityResolver, logger logging.Logger) *Handler {
	return &Handler{
		Orchestrator:      orchestrator,
		Store:             store,
		Identity:          identity,
		Logger:            logger,
		conversationLocks: make(map[string]*conversationLock),
	}
}

func RegisterRoutes(router gin.IRoutes, handler *Handler) {
	router.POST("/query", handler.HandleQuery)
	router.POST("/query/stream", handler.HandleStreamQuery)
	router.GET("/conversations", handler.HandleListConversations)
	router.GET("/conversations/:id", handler.HandleGetConversation)
	router.DELETE("/conversations/:id", handler.HandleDeleteConversation)
	router.PATCH("/conversations/:id", handler.HandleUpdateConversation)
}

func (h *Handler) HandleQuery(c *gin.Context) {
	req, ok := h.bindQueryRequest(c)
	if !ok {
		return
	}

	unlock := h.lockConversation(req.ConversationID)
	defer unlock()

	result, err := h.Orchestrator.Query(c.Request.Context(), req)
	if err != nil {
		h.Logger.WithError(err).Error("Query failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the assistant is unavailable right now"})
		return
	}

	if result.ConversationID != "" {
		c.Header("X-Conversation-ID", result.ConversationID)
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) HandleStreamQuery(c *gin.Context) {
	req, ok := h.bindQueryRequest(c)
	if !ok {
		return
	}

	streamer, err := newSSEStreamer(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unavailable"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	unlock := h.lockConversation(req.ConversationID)
	defer unlock()

	h.Orchestrator.StreamQuery(c.Request.Context(), req, streamer)
}

func (h *Handler) bindQueryRequest(c *gin.Context) (QueryRequest, bool) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return req, false
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return req, false
	}
	if len([]rune(req.Message)) > maxMessageRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too long"})
		return req, false
	}
	return req, true
}

// lockConversation serializes turns on an existing conversation. New
// conversations get their id inside the orchestrator and cannot collide.
// Entries are refcounted: the table entry lives until the last waiter
// releases it, so every concurrent turn contends on the same mutex.
func (h *Handler) lockConversation(conversationID string) func() {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return func() {}
	}

	h.locksMu.Lock()
	if h.conversationLocks == nil {
		h.conversationLocks = make(map[string]*conversationLock)
	}
	entry, ok := h.conversationLocks[conversationID]
	if !ok {
		entry = &conversationLock{}
		h.conversationLocks[conversationID] = entry
	}
	entry.refs++
	h.locksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		h.locksMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(h.conversationLocks, conversationID)
		}
		h.locksMu.Unlock()
	}
}

// resolveEmail maps the caller's user_id query parameter to the canonical
// email that scopes all conversation rows.
func (h *Handler) resolveEmail(c *gin.Context) (string, bool) {
	id, err := h.Identity.Resolve(c.Request.Context(), c.Query("user_id"), "", "")
	if err != nil || id.UserEmail == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user identity is required"})
		return "", false
	}
	return id.UserEmail, true
}

func (h *Handler) HandleListConversations(c *gin.Context) {
	userEmail, ok := h.resolveEmail(c)
	if !ok {
		return
	}

	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	summaries, err := h.Store.ListConversations(c.Request.Context(), userEmail, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	if summaries == nil {
		summaries = []ConversationSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *Handler) HandleGetConversation(c *gin.Context) {
	userEmail, ok := h.resolveEmail(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	convo, err := h.Store.GetConversation(c.Request.Context(), userEmail, conversationID)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, convo)
}

func (h *Handler) HandleDeleteConversation(c *gin.Context) {
	userEmail, ok := h.resolveEmail(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	if err := h.Store.DeleteConversation(c.Request.Context(), userEmail, conversationID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) HandleUpdateConversation(c *gin.Context) {
	userEmail, ok := h.resolveEmail(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	if err := h.Store.UpdateTitle(c.Request.Context(), userEmail, conversationID, req.Title); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": req.Title})
}

type sseToken struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type sseCitation struct {
	Type   string       `json:"type"`
	Source tools.Source `json:"source"`
}

type sseDone struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ModelUsed      string `json:"model_used"`
	Tier           string `json:"tier"`
	TurnCount      int    `json:"turn_count"`
}

type sseStreamer struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func newSSEStreamer(writer http.ResponseWriter) (*sseStreamer, error) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseStreamer{writer: writer, flusher: flusher}, nil
}

func (s *sseStreamer) SendToken(token string) error {
	return s.send(sseToken{Type: "token", Content: token})
}

func (s *sseStreamer) SendCitation(source tools.Source) error {
	return s.send(sseCitation{Type: "citation", Source: source})
}

func (s *sseStreamer) SendError(msg string) error {
	if err := s.send(map[string]string{"type": "error", "message": msg}); err != nil {
		return err
	}
	return s.terminate()
}

func (s *sseStreamer) SendDone(result QueryResult) error {
	done := sseDone{
		Type:           "done",
		ConversationID: result.ConversationID,
		ModelUsed:      result.ModelUsed,
		Tier:           result.Tier,
		TurnCount:      result.TurnCount,
	}
	if err := s.send(done); err != nil {
		return err
	}
	return s.terminate()
}

func (s *sseStreamer) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStreamer) terminate() error {
	if _, err := fmt.Fprintf(s.writer, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
