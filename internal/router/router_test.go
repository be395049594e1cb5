package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/anonto42/nano-social/backend/internal/auth"
	"github.com/anonto42/nano-social/backend/internal/handlers"
	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/realtime"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	"github.com/anonto42/nano-social/backend/internal/services"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/validators"
)

type memoryPosts struct {
	posts map[string]*models.Post
}

func (m *memoryPosts) CreatePost(_ context.Context, post *models.Post) error {
	post.ID = primitive.NewObjectID()
	m.posts[post.ID.Hex()] = post
	return nil
}

func (m *memoryPosts) GetPostByID(_ context.Context, id string) (*models.Post, error) {
	if p, ok := m.posts[id]; ok {
		return p, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "post not found")
}

func (m *memoryPosts) GetPostsByAuthor(context.Context, uint, int64, int64) ([]models.Post, error) {
	return nil, nil
}

func (m *memoryPosts) IncrementLikesCount(context.Context, string, int) error    { return nil }
func (m *memoryPosts) IncrementCommentsCount(context.Context, string, int) error { return nil }

func (m *memoryPosts) GetSnippets(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if p, ok := m.posts[id]; ok {
			out[id] = p.Content
		}
	}
	return out, nil
}

type app struct {
	server *httptest.Server
	tokens *auth.JWTManager
	svc    *services.NotificationService
	users  map[string]*models.User
	postID string
}

func newApp(t *testing.T) *app {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard, TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))

	users := map[string]*models.User{}
	for _, name := range []string{"alice", "bob"} {
		u := &models.User{Name: strings.ToUpper(name[:1]) + name[1:], Username: name, Email: name + "@example.com"}
		require.NoError(t, db.Create(u).Error)
		users[name] = u
	}

	post := &models.Post{ID: primitive.NewObjectID(), AuthorID: users["alice"].ID, Content: "sunset at the pier"}
	posts := &memoryPosts{posts: map[string]*models.Post{post.ID.Hex(): post}}

	tokens := auth.NewJWTManager("router-test-secret", time.Hour)
	registry := realtime.NewRegistry(realtime.Options{}, nil, nil)
	store := repositories.NewPostgresNotificationRepository(db, posts, nil, time.Hour)
	svc := services.NewNotificationService(store, registry, nil)

	e := echo.New()
	e.Validator = validators.NewValidator()
	e.HTTPErrorHandler = handlers.ErrorHandler(nil)
	SetupRoutes(e, Dependencies{
		Postgres:      db,
		Users:         repositories.NewPostgresUserRepository(db),
		Posts:         posts,
		Verifier:      tokens,
		Tokens:        tokens,
		Notifications: svc,
		Realtime:      realtime.NewHandler(registry, tokens, nil, nil),
		RealtimePath:  "/ws/notifications",
		Health:        handlers.NewHealthHandler(nil, registry.ConnectedCount),
	})

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
		_ = registry.CloseAll()
		srv.Close()
		_ = sqlDB.Close()
	})
	return &app{server: srv, tokens: tokens, svc: svc, users: users, postID: post.ID.Hex()}
}

func (a *app) token(t *testing.T, name string) string {
	t.Helper()
	tok, err := a.tokens.Issue(a.users[name])
	require.NoError(t, err)
	return tok
}

func (a *app) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (a *app) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/ws/notifications?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestLikeFlowReachesAuthorSocket(t *testing.T) {
	a := newApp(t)
	alice := a.dial(t, a.token(t, "alice"))
	assert.Equal(t, "connected", readMessage(t, alice)["type"])

	resp := a.do(t, http.MethodPost, "/api/v1/posts/"+a.postID+"/likes", a.token(t, "bob"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := readMessage(t, alice)
	require.Equal(t, "notification", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "like", data["type"])
	assert.Equal(t, "bob", data["from_username"])
	assert.Equal(t, "sunset at the pier", data["post_content"])
	assert.Equal(t, a.postID, data["post_id"])

	msg = readMessage(t, alice)
	assert.Equal(t, "unread_count", msg["type"])
	assert.EqualValues(t, 1, msg["count"])

	resp = a.do(t, http.MethodDelete, "/api/v1/posts/"+a.postID+"/likes", a.token(t, "bob"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg = readMessage(t, alice)
	require.Equal(t, "remove_notification", msg["type"])
	target := msg["data"].(map[string]any)
	assert.Equal(t, "like", target["type"])
	assert.EqualValues(t, a.users["bob"].ID, target["from_user_id"])
	assert.Equal(t, a.postID, target["post_id"])

	msg = readMessage(t, alice)
	assert.Equal(t, "unread_count", msg["type"])
	assert.EqualValues(t, 0, msg["count"])
}

func TestNotificationsEndpointListsStoredNotifications(t *testing.T) {
	a := newApp(t)

	resp := a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/users/%d/follow", a.users["alice"].ID), a.token(t, "bob"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.svc.Wait(ctx))

	page, err := a.svc.List(ctx, a.users["alice"].ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Notifications, 1)
	assert.Equal(t, models.KindFollow, page.Notifications[0].Kind)
	assert.Nil(t, page.Notifications[0].SubjectID)
	assert.EqualValues(t, 1, page.UnreadCount)

	resp = a.do(t, http.MethodGet, "/api/v1/notifications/unread-count", a.token(t, "alice"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodPut, "/api/v1/notifications/"+page.Notifications[0].ID.String()+"/read", a.token(t, "bob"))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "foreign ids read as already removed")
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	a := newApp(t)
	conn := a.dial(t, "garbage")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, realtime.ReasonInvalidToken, closeErr.Text)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	a := newApp(t)

	resp, err := http.Get(a.server.URL + "/api/v1/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	health, err := http.Get(a.server.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
