package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/adapter/api"
	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/adapter/api/router"
	"marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/firebase"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/internal/infrastructure/typing"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type page struct {
	Items json.RawMessage `json:"items"`
	Total int64           `json:"total"`
}

type testServer struct {
	e        *echo.Echo
	registry *ws.Registry
	repo     *repository.MemoryConversationRepository
}

func newTestServer(t *testing.T, opts ...repository.MemoryOption) *testServer {
	t.Helper()
	ctx := context.Background()

	users := repository.NewMemoryUserRepository()
	for _, u := range []*entity.User{
		{ID: "b1", Username: "Buyer"},
		{ID: "s1", Username: "Seller"},
		{ID: "x1", Username: "Outsider"},
		{ID: "a1", Username: "Admin", Role: entity.RoleAdmin},
	} {
		require.NoError(t, users.Create(ctx, u))
	}
	listings := repository.NewMemoryListingRepository()
	listings.Save(&entity.Listing{ID: "L1", UserID: "s1", Title: "Road bike", Price: 350})

	repo := repository.NewMemoryConversationRepository(opts...)
	registry := ws.NewRegistry()
	dispatcher := ws.NewDispatcher(registry)
	unread := usecase.NewUnreadUseCase(repo)
	reconciler := usecase.NewReconcilerUseCase(repo, users, listings, unread, dispatcher)
	conversations := usecase.NewConversationUseCase(repo, listings, reconciler, unread, typing.NewTracker(), dispatcher, nil)
	manager := ws.NewManager(registry, dispatcher, conversations, ws.ManagerConfig{})
	resolver := firebase.NewDevSessionResolver(users)

	handler.Setup(conversations, reconciler, manager, resolver, handler.Options{StorageDriver: "memory"})

	e := echo.New()
	e.Validator = api.NewValidator()
	router.Setup(e,
		middleware.NewAuthMiddleware(resolver),
		middleware.NewAdminMiddleware(users),
		middleware.NewRateLimitMiddleware(ratelimit.NewRateLimiter()),
	)

	return &testServer{e: e, registry: registry, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+firebase.DevTokenPrefix+user)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func createDirect(t *testing.T, s *testServer) *entity.Conversation {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/v1/conversations", "b1", `{"participant_ids":["s1"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var conv entity.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	return &conv
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/health", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"connections":0`)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing header", func(t *testing.T) {
		rec, env := s.do(t, http.MethodGet, "/v1/conversations", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "UNAUTHENTICATED", env.Error.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodGet, "/v1/conversations", "ghost", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestCreateConversationReusesExisting(t *testing.T) {
	s := newTestServer(t)
	first := createDirect(t, s)

	rec, env := s.do(t, http.MethodPost, "/v1/conversations", "s1", `{"participant_ids":["b1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var again entity.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.Equal(t, first.ID, again.ID)
	assert.ElementsMatch(t, []string{"b1", "s1"}, again.ParticipantIDs)
}

func TestCreateConversationValidation(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/v1/conversations", "b1", `{"participant_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	rec, env = s.do(t, http.MethodPost, "/v1/conversations", "b1", `{"participant_ids":["s1","x1"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNSUPPORTED", env.Error.Code)
}

func TestListingConversation(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodPost, "/v1/listings/L1/conversation", "b1", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv entity.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	assert.Equal(t, "L1", conv.ListingID)

	rec, env = s.do(t, http.MethodPost, "/v1/listings/L1/conversation", "b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var again entity.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.Equal(t, conv.ID, again.ID)

	rec, _ = s.do(t, http.MethodPost, "/v1/listings/missing/conversation", "b1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageFlow(t *testing.T) {
	s := newTestServer(t)
	conv := createDirect(t, s)
	base := "/v1/conversations/" + conv.ID

	rec, env := s.do(t, http.MethodPost, base+"/messages", "b1", `{"content":"is it still available?"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg entity.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "b1", msg.SenderID)
	assert.Equal(t, entity.MessageTypeText, msg.Type)

	rec, env = s.do(t, http.MethodGet, base, "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var seen entity.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &seen))
	assert.Equal(t, 1, seen.UnreadCount)
	require.NotNil(t, seen.LastMessage)
	assert.Equal(t, msg.ID, seen.LastMessage.ID)

	rec, env = s.do(t, http.MethodGet, base+"/messages", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p page
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, int64(1), p.Total)
	assert.Contains(t, string(p.Items), "is it still available?")

	rec, env = s.do(t, http.MethodPut, base+"/read", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var read usecase.MarkReadResult
	require.NoError(t, json.Unmarshal(env.Data, &read))
	assert.Equal(t, []string{msg.ID}, read.MessageIDs)
	assert.Equal(t, 0, read.UnreadCount)

	rec, env = s.do(t, http.MethodPut, base+"/read", "s1", `{"message_ids":["`+msg.ID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &read))
	assert.Empty(t, read.MessageIDs)

	rec, _ = s.do(t, http.MethodPost, base+"/messages", "b1", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutsiderIsForbidden(t *testing.T) {
	s := newTestServer(t)
	conv := createDirect(t, s)
	base := "/v1/conversations/" + conv.ID

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodGet, base, ""},
		{http.MethodGet, base + "/messages", ""},
		{http.MethodPost, base + "/messages", `{"content":"hi"}`},
		{http.MethodPut, base + "/read", ""},
		{http.MethodDelete, base, ""},
	} {
		rec, env := s.do(t, tc.method, tc.path, "x1", tc.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
		if assert.NotNil(t, env.Error) {
			assert.Equal(t, "FORBIDDEN", env.Error.Code)
		}
	}
}

func TestListStatsUpdateAndDelete(t *testing.T) {
	s := newTestServer(t)
	conv := createDirect(t, s)
	base := "/v1/conversations/" + conv.ID

	s.do(t, http.MethodPost, base+"/messages", "b1", `{"content":"hello"}`)

	rec, env := s.do(t, http.MethodGet, "/v1/conversations?unread_only=true", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p page
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, int64(1), p.Total)

	rec, env = s.do(t, http.MethodGet, "/v1/conversations/stats", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats usecase.ConversationStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, usecase.ConversationStats{TotalConversations: 1, UnreadConversations: 1, UnreadMessages: 1}, stats)

	rec, env = s.do(t, http.MethodPatch, base, "b1", `{"subject":"Bike pickup"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated entity.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "Bike pickup", updated.Subject)

	rec, _ = s.do(t, http.MethodDelete, base, "b1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, base, "b1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/v1/conversations", "b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, int64(0), p.Total)
}

func TestAdminCleanup(t *testing.T) {
	s := newTestServer(t)
	createDirect(t, s)

	rec, env := s.do(t, http.MethodPost, "/v1/admin/conversations/cleanup-duplicates", "b1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	rec, env = s.do(t, http.MethodPost, "/v1/admin/conversations/cleanup-duplicates", "a1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report usecase.CleanupReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.ConversationsScanned)
	assert.Equal(t, 0, report.DuplicateGroups)
}

func TestAdminCleanupOutlivesCancelledRequest(t *testing.T) {
	s := newTestServer(t, repository.WithDuplicateKeys())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		conv := &entity.Conversation{ParticipantIDs: []string{"b1", "s1"}, Type: entity.ConversationTypeDirect, IsActive: true}
		require.NoError(t, s.repo.Create(ctx, conv, []*entity.Participant{{UserID: "b1"}, {UserID: "s1"}}))
	}

	gone, cancel := context.WithCancel(ctx)
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/conversations/cleanup-duplicates", nil).WithContext(gone)
	req.Header.Set("Authorization", "Bearer "+firebase.DevTokenPrefix+"a1")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var report usecase.CleanupReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.DuplicateGroups)
	assert.Equal(t, 1, report.ConversationsRemoved)

	active, err := s.repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestWebSocketHandshake(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("rejects missing credential", func(t *testing.T) {
		_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
		require.ErrorIs(t, err, gorillaws.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, s.registry.Count())
	})

	t.Run("rejects unknown user", func(t *testing.T) {
		_, resp, err := gorillaws.DefaultDialer.Dial(url+"?token=dev:ghost", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("accepts query token", func(t *testing.T) {
		conn, _, err := gorillaws.DefaultDialer.Dial(url+"?token=dev:b1", nil)
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return s.registry.IsOnline("b1") }, time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())
		assert.Eventually(t, func() bool { return s.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}
