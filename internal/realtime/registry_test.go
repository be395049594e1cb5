package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonto42/nano-social/backend/internal/auth"
	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

type staticVerifier map[string]uint

func (s staticVerifier) VerifyToken(_ context.Context, token string) (uint, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return 0, auth.ErrInvalidToken
}

var testTokens = staticVerifier{"alice-token": 1, "bob-token": 2}

func newTestServer(t *testing.T, opts Options, hopts ...HandlerOption) (*Registry, *httptest.Server) {
	t.Helper()
	reg := NewRegistry(opts, logger.Nop(), nil)
	srv := httptest.NewServer(NewHandler(reg, testTokens, logger.Nop(), nil, hopts...))
	t.Cleanup(func() {
		_ = reg.CloseAll()
		srv.Close()
	})
	return reg, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

func TestAcceptSendsConnectedGreeting(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "alice-token")

	msg := readJSON(t, conn)
	assert.Equal(t, "connected", msg["type"])
	assert.Equal(t, connectedMessage, msg["message"])
	assert.Equal(t, float64(1), msg["userId"])
	assert.True(t, reg.IsConnected(1))
	assert.Equal(t, 1, reg.ConnectedCount())
}

func TestHandshakeWithoutTokenIsRejected(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "")

	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, ReasonAuthRequired, closeErr.Text)
	assert.Zero(t, reg.ConnectedCount())
}

func TestHandshakeWithBadTokenIsRejected(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "forged")

	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, ReasonInvalidToken, closeErr.Text)
	assert.Zero(t, reg.ConnectedCount())
}

type stubLimiter struct {
	mu      sync.Mutex
	allowed int
}

func (s *stubLimiter) Allow(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed <= 0 {
		return false, nil
	}
	s.allowed--
	return true, nil
}

func TestHandshakeRateLimit(t *testing.T) {
	_, srv := newTestServer(t, Options{}, WithHandshakeLimiter(&stubLimiter{allowed: 1}))

	first := dial(t, srv, "alice-token")
	assert.Equal(t, "connected", readJSON(t, first)["type"])

	second := dial(t, srv, "alice-token")
	closeErr := readClose(t, second)
	assert.Equal(t, CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, ReasonRateLimited, closeErr.Text)
}

// keyRecorder allows every handshake and records the key it was asked about.
type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyRecorder) Allow(_ context.Context, key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key)
	return true, nil
}

func (k *keyRecorder) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.keys...)
}

func dialForwarded(t *testing.T, srv *httptest.Server, forwardedFor string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications?token=alice-token"
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"X-Forwarded-For": {forwardedFor}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandshakeLimitIgnoresForwardedForByDefault(t *testing.T) {
	rec := &keyRecorder{}
	_, srv := newTestServer(t, Options{}, WithHandshakeLimiter(rec))

	readJSON(t, dialForwarded(t, srv, "203.0.113.7"))
	readJSON(t, dialForwarded(t, srv, "198.51.100.9"))

	assert.Equal(t, []string{"127.0.0.1", "127.0.0.1"}, rec.Keys())
}

func TestHandshakeLimitUsesForwardedForBehindTrustedProxy(t *testing.T) {
	rec := &keyRecorder{}
	_, srv := newTestServer(t, Options{}, WithHandshakeLimiter(rec), WithTrustedProxy())

	readJSON(t, dialForwarded(t, srv, "203.0.113.7, 10.0.0.1"))

	assert.Equal(t, []string{"203.0.113.7"}, rec.Keys())
}

func TestSendToUser(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "alice-token")
	readJSON(t, conn)

	post := "65f0c0ffee0000000000abcd"
	view := &models.NotificationView{RecipientID: 1, ActorID: 2, Kind: models.KindLike, SubjectID: &post, ActorUsername: "bob"}
	require.True(t, reg.SendToUser(1, NewNotificationMessage(view)))
	require.True(t, reg.SendToUser(1, NewUnreadCountMessage(4)))

	msg := readJSON(t, conn)
	assert.Equal(t, "notification", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "like", data["type"])
	assert.Equal(t, "bob", data["from_username"])
	assert.Equal(t, post, data["post_id"])

	msg = readJSON(t, conn)
	assert.Equal(t, "unread_count", msg["type"])
	assert.Equal(t, float64(4), msg["count"])

	assert.False(t, reg.SendToUser(99, NewUnreadCountMessage(1)), "offline user")
}

func TestRemoveNotificationPayload(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "alice-token")
	readJSON(t, conn)

	require.True(t, reg.SendToUser(1, NewRemoveNotificationMessage(models.KindFollow, 2, nil)))

	msg := readJSON(t, conn)
	assert.Equal(t, "remove_notification", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "follow", data["type"])
	assert.Equal(t, float64(2), data["from_user_id"])
	assert.Nil(t, data["post_id"])
}

func TestNewConnectionReplacesOld(t *testing.T) {
	reg, srv := newTestServer(t, Options{})

	first := dial(t, srv, "alice-token")
	readJSON(t, first)
	second := dial(t, srv, "alice-token")
	readJSON(t, second)

	closeErr := readClose(t, first)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, ReasonReplaced, closeErr.Text)

	require.True(t, reg.SendToUser(1, NewUnreadCountMessage(7)))
	msg := readJSON(t, second)
	assert.Equal(t, float64(7), msg["count"])

	assert.True(t, reg.IsConnected(1), "old socket closing must not evict the new one")
	assert.Equal(t, 1, reg.ConnectedCount())
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "alice-token")
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"], "malformed frames are ignored")
}

func TestSilentConnectionIsEvicted(t *testing.T) {
	reg, srv := newTestServer(t, Options{PongTimeout: 150 * time.Millisecond})
	conn := dial(t, srv, "alice-token")
	readJSON(t, conn)

	require.Eventually(t, func() bool { return !reg.IsConnected(1) }, 2*time.Second, 20*time.Millisecond)
	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestClientCloseRemovesEntry(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	conn := dial(t, srv, "alice-token")
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return !reg.IsConnected(1) }, 2*time.Second, 20*time.Millisecond)
}

func TestBroadcastAndCloseAll(t *testing.T) {
	reg, srv := newTestServer(t, Options{})
	alice := dial(t, srv, "alice-token")
	readJSON(t, alice)
	bob := dial(t, srv, "bob-token")
	readJSON(t, bob)

	assert.Equal(t, 2, reg.Broadcast(map[string]string{"type": "announcement"}))
	assert.Equal(t, "announcement", readJSON(t, alice)["type"])
	assert.Equal(t, "announcement", readJSON(t, bob)["type"])

	require.NoError(t, reg.CloseAll())
	assert.Zero(t, reg.ConnectedCount())
	assert.Equal(t, websocket.CloseGoingAway, readClose(t, alice).Code)
	assert.Equal(t, websocket.CloseGoingAway, readClose(t, bob).Code)
	assert.False(t, reg.SendToUser(1, NewUnreadCountMessage(1)))
}

func TestRemoveOnlyDeletesMatchingClient(t *testing.T) {
	reg := NewRegistry(Options{}, logger.Nop(), nil)
	stale := newClient(reg, nil, 1)
	current := newClient(reg, nil, 1)
	reg.clients[1] = current

	assert.False(t, reg.remove(stale))
	assert.True(t, reg.IsConnected(1))
	assert.True(t, reg.remove(current))
	assert.False(t, reg.IsConnected(1))
}

func TestEnqueueDropsWhenBufferFull(t *testing.T) {
	reg := NewRegistry(Options{SendBuffer: 1}, logger.Nop(), nil)
	c := newClient(reg, nil, 1)

	assert.True(t, c.enqueue([]byte("a")))
	assert.False(t, c.enqueue([]byte("b")))

	close(c.done)
	<-c.send
	assert.False(t, c.enqueue([]byte("c")), "closed clients accept nothing")
}

type recordingPresence struct {
	mu      sync.Mutex
	online  map[uint]int
	offline map[uint]int
}

func (p *recordingPresence) MarkOnline(_ context.Context, userID uint, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return nil
}

func (p *recordingPresence) MarkOffline(_ context.Context, userID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[userID]++
	return nil
}

func (p *recordingPresence) counts(userID uint) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID], p.offline[userID]
}

func TestPresenceFollowsConnectionLifecycle(t *testing.T) {
	presence := &recordingPresence{online: map[uint]int{}, offline: map[uint]int{}}
	reg, srv := newTestServer(t, Options{Presence: presence})
	conn := dial(t, srv, "bob-token")
	readJSON(t, conn)

	online, _ := presence.counts(2)
	assert.Equal(t, 1, online)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		_, offline := presence.counts(2)
		return offline == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, reg.IsConnected(2))
}

type fakeWindow struct {
	scope string
	count int64
	err   error
}

func (f *fakeWindow) FixedWindowAllow(_ context.Context, scope string, limit int64, _ time.Duration) (bool, int64, error) {
	if f.err != nil {
		return false, 0, f.err
	}
	f.scope = scope
	f.count++
	return f.count <= limit, f.count, nil
}

func TestRedisHandshakeLimiter(t *testing.T) {
	store := &fakeWindow{}
	limiter := NewRedisHandshakeLimiter(store, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "ws_handshake:10.0.0.1", store.scope)

	unlimited := NewRedisHandshakeLimiter(&fakeWindow{err: errors.New("boom")}, 0, time.Minute)
	ok, err = unlimited.Allow(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
}
