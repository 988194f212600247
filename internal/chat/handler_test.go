package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/tillerworks/helmsman/internal/gateway"
	"github.com/tillerworks/helmsman/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(llm *scriptedLite, store *ConversationStore) *gin.Engine {
	logger := logging.NewLogger()
	handler := NewHandler(
		newTestOrchestrator(llm, store),
		store,
		NewIdentityResolver(nil, logger),
		logger,
	)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), handler)
	return router
}

func postJSON(router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleQueryEmptyMessage(t *testing.T) {
	router := newTestRouter(&scriptedLite{}, nil)

	w := postJSON(router, "/v1/query", QueryRequest{Message: "   \t\n "})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["error"] != "message is required" {
		t.Fatalf("expected 'message is required', got %q", resp["error"])
	}
}

func TestHandleQueryMessageTooLong(t *testing.T) {
	router := newTestRouter(&scriptedLite{}, nil)

	w := postJSON(router, "/v1/query", QueryRequest{Message: strings.Repeat("a", maxMessageRunes+1)})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleQueryReturnsAnswer(t *testing.T) {
	llm := &scriptedLite{responses: []*gateway.Response{
		{Text: "Final Answer: Fuel docks close at 1900.", ModelName: "helmsman-flash", Tier: gateway.TierFlash},
	}}
	router := newTestRouter(llm, nil)

	w := postJSON(router, "/v1/query", QueryRequest{Message: "when does the fuel dock close?"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var result QueryResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Answer != "Fuel docks close at 1900." {
		t.Fatalf("unexpected answer: %q", result.Answer)
	}
	if result.ModelUsed != "helmsman-flash" {
		t.Fatalf("model attribution missing: %+v", result)
	}
}

func TestHandleQueryGatewayUnavailable(t *testing.T) {
	llm := &scriptedLite{errs: []error{errors.New("all tiers exhausted")}}
	router := newTestRouter(llm, nil)

	w := postJSON(router, "/v1/query", QueryRequest{Message: "hello"})

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestHandleStreamQueryEmitsSSE(t *testing.T) {
	llm := &scriptedLite{responses: []*gateway.Response{
		{Text: "Final Answer: permits renew in April", ModelName: "helmsman-flash", Tier: gateway.TierFlash},
	}}
	router := newTestRouter(llm, nil)

	w := postJSON(router, "/v1/query/stream", QueryRequest{Message: "when do permits renew?"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"type":"token"`) {
		t.Fatalf("expected token events, got: %s", body)
	}
	if !strings.Contains(body, `"type":"done"`) || !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected done terminator, got: %s", body)
	}
}

func TestListConversationsRequiresIdentity(t *testing.T) {
	router := newTestRouter(&scriptedLite{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, user_email, title`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_email", "title", "summary", "created_at", "updated_at"}))

	router := newTestRouter(&scriptedLite{}, NewConversationStore(db))

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/conv-x?user_id=skip@harbor.io", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestDeleteConversationNoContent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM helmsman\.messages`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM helmsman\.conversations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	router := newTestRouter(&scriptedLite{}, NewConversationStore(db))

	req := httptest.NewRequest(http.MethodDelete, "/v1/conversations/conv-1?user_id=skip@harbor.io", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestUpdateConversationRequiresTitle(t *testing.T) {
	router := newTestRouter(&scriptedLite{}, nil)

	body, _ := json.Marshal(map[string]string{"title": "  "})
	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/conv-1?user_id=skip@harbor.io", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUpdateConversationTitle(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE helmsman\.conversations`).
		WithArgs("Palma fee planning", "conv-1", "skip@harbor.io").
		WillReturnResult(sqlmock.NewResult(0, 1))

	router := newTestRouter(&scriptedLite{}, NewConversationStore(db))

	body, _ := json.Marshal(map[string]string{"title": "Palma fee planning"})
	req := httptest.NewRequest(http.MethodPatch, "/v1/conversations/conv-1?user_id=skip@harbor.io", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", w.Code, w.Body.String())
	}
}

func TestLockConversationSerializesConcurrentTurns(t *testing.T) {
	h := NewHandler(nil, nil, nil, logging.NewLogger())

	const workers = 16
	var inSection int32
	var overlaps int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unlock := h.lockConversation("conv-1")
				if atomic.AddInt32(&inSection, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				atomic.AddInt32(&inSection, -1)
				unlock()
			}
		}()
	}
	wg.Wait()

	if overlaps != 0 {
		t.Fatalf("critical section overlapped %d times", overlaps)
	}
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	if len(h.conversationLocks) != 0 {
		t.Fatalf("lock table not drained: %d entries", len(h.conversationLocks))
	}
}

func TestLockConversationIndependentThreads(t *testing.T) {
	h := NewHandler(nil, nil, nil, logging.NewLogger())

	unlockA := h.lockConversation("conv-a")
	done := make(chan struct{})
	go func() {
		unlockB := h.lockConversation("conv-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on one conversation blocked another")
	}
	unlockA()

	if unlock := h.lockConversation(""); unlock == nil {
		t.Fatal("empty id must return a no-op unlock")
	} else {
		unlock()
	}
}
