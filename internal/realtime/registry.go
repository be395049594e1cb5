package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/anonto42/nano-social/backend/pkg/logger"
	"github.com/anonto42/nano-social/backend/pkg/metrics"
)

const (
	DefaultPongTimeout  = 75 * time.Second
	DefaultSendBuffer   = 32
	DefaultWriteTimeout = 10 * time.Second
	maxInboundBytes     = 4096
)

// Presence records which users hold a live socket. It is advisory and may be nil.
type Presence interface {
	MarkOnline(ctx context.Context, userID uint, ttl time.Duration) error
	MarkOffline(ctx context.Context, userID uint) error
}

type Options struct {
	// PongTimeout is how long a connection may stay silent before it is evicted.
	PongTimeout  time.Duration
	SendBuffer   int
	WriteTimeout time.Duration
	Presence     Presence
}

// Registry maps each user to at most one live websocket. A new connection
// for a user replaces and closes the previous one.
type Registry struct {
	mu      sync.Mutex
	clients map[uint]*client

	opts    Options
	log     *logger.Logger
	metrics *metrics.RealtimeMetrics
}

func NewRegistry(opts Options, log *logger.Logger, m *metrics.RealtimeMetrics) *Registry {
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		clients: make(map[uint]*client),
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Accept registers an authenticated connection for userID, greets it and
// starts its read and write loops.
func (r *Registry) Accept(conn *websocket.Conn, userID uint) {
	c := newClient(r, conn, userID)
	greeting, _ := json.Marshal(ConnectedMessage{
		Type:    TypeConnected,
		Message: connectedMessage,
		UserID:  userID,
	})
	c.enqueue(greeting)

	r.mu.Lock()
	previous := r.clients[userID]
	r.clients[userID] = c
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	ctx := r.log.WithUserID(context.Background(), userID)
	if previous != nil {
		r.log.Info(ctx, "replacing existing notification socket")
		_ = previous.close(websocket.CloseNormalClosure, ReasonReplaced)
	}
	r.markOnline(ctx, userID)
	r.log.Info(ctx, "notification socket connected")

	go c.writePump()
	go c.readPump()
}

// SendToUser serializes payload and queues it on the user's connection.
// It reports whether the message was handed to a live connection; there is
// no queuing for offline users and no retry.
func (r *Registry) SendToUser(userID uint, payload any) bool {
	msgType := messageType(payload)
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error(r.log.WithUserID(context.Background(), userID), "marshal realtime payload", err)
		return false
	}

	r.mu.Lock()
	c := r.clients[userID]
	r.mu.Unlock()
	if c == nil {
		r.metrics.ObservePush(msgType, "offline")
		return false
	}
	if !c.enqueue(data) {
		r.metrics.ObservePush(msgType, "dropped")
		r.log.Warn(r.log.WithFields(context.Background(), map[string]any{
			"user_id": userID,
			"type":    msgType,
		}), "notification socket buffer full, message dropped")
		return false
	}
	r.metrics.ObservePush(msgType, "sent")
	return true
}

// Broadcast queues payload on every live connection and returns how many
// accepted it.
func (r *Registry) Broadcast(payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error(context.Background(), "marshal broadcast payload", err)
		return 0
	}
	sent := 0
	for _, c := range r.snapshot() {
		if c.enqueue(data) {
			sent++
		}
	}
	return sent
}

func (r *Registry) IsConnected(userID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[userID]
	return ok
}

func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[uint]*client)
	r.mu.Unlock()

	var errs error
	for _, c := range clients {
		errs = multierr.Append(errs, c.close(websocket.CloseGoingAway, ReasonShutdown))
		r.markOffline(c.logContext(), c.userID)
	}
	return errs
}

func (r *Registry) snapshot() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// remove deletes the entry for c.userID only while it still points at c, so
// a stale connection closing late cannot evict its replacement.
func (r *Registry) remove(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.clients[c.userID]; ok && current == c {
		delete(r.clients, c.userID)
		return true
	}
	return false
}

func (r *Registry) markOnline(ctx context.Context, userID uint) {
	if r.opts.Presence == nil {
		return
	}
	if err := r.opts.Presence.MarkOnline(ctx, userID, r.opts.PongTimeout); err != nil {
		r.log.Warn(r.log.WithField(ctx, "error", err.Error()), "presence update failed")
	}
}

func (r *Registry) markOffline(ctx context.Context, userID uint) {
	if r.opts.Presence == nil {
		return
	}
	if err := r.opts.Presence.MarkOffline(ctx, userID); err != nil {
		r.log.Warn(r.log.WithField(ctx, "error", err.Error()), "presence cleanup failed")
	}
}

func messageType(payload any) string {
	switch p := payload.(type) {
	case NotificationMessage:
		return string(p.Type)
	case UnreadCountMessage:
		return string(p.Type)
	case RemoveNotificationMessage:
		return string(p.Type)
	case ConnectedMessage:
		return string(p.Type)
	}
	return "custom"
}
