package notifyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anonto42/nano-social/backend/pkg/logger"
)

const (
	DefaultBaseDelay    = 2 * time.Second
	DefaultMaxAttempts  = 5
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 75 * time.Second
	writeTimeout        = 10 * time.Second
)

var (
	// ErrUnauthorized means the server refused the credential. Retrying
	// with the same token cannot succeed.
	ErrUnauthorized       = errors.New("notifyclient: server rejected credentials")
	ErrReconnectExhausted = errors.New("notifyclient: reconnect attempts exhausted")
	ErrAlreadyRunning     = errors.New("notifyclient: channel already running")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type ChannelOptions struct {
	// BaseDelay is multiplied by the attempt number between reconnects.
	BaseDelay   time.Duration
	MaxAttempts int
	// PingInterval is how often {"type":"ping"} is sent.
	PingInterval time.Duration
	// PongTimeout force-closes a connection that has been silent this long.
	PongTimeout   time.Duration
	Dialer        *websocket.Dialer
	OnStateChange func(State)
}

// Channel keeps one websocket to the notification endpoint open, feeds every
// push into a Store and reconnects after abnormal closures.
type Channel struct {
	endpoint *url.URL
	store    *Store
	opts     ChannelOptions
	log      *logger.Logger

	state   atomic.Int32
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewChannel builds a channel for endpoint (ws:// or wss://, including the
// path) authenticated with token.
func NewChannel(endpoint, token string, store *Store, opts ChannelOptions, log *logger.Logger) (*Channel, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse notification endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("notification endpoint must use ws or wss, got %q", u.Scheme)
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Channel{endpoint: u, store: store, opts: opts, log: log}, nil
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Run connects and keeps reconnecting until Close is called, ctx is done,
// the server closes normally, the credential is rejected, or MaxAttempts
// consecutive attempts fail.
func (c *Channel) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		established, err := c.session(ctx)
		if stopped := c.stopErr(ctx); stopped != nil || ctx.Err() != nil {
			return stopped
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			switch closeErr.Code {
			case websocket.CloseNormalClosure:
				c.log.Info(ctx, "notification channel closed by server")
				return nil
			case websocket.ClosePolicyViolation:
				return fmt.Errorf("%w: %s", ErrUnauthorized, closeErr.Text)
			}
		}

		if established {
			attempt = 0
		}
		if attempt >= c.opts.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
		}
		attempt++
		delay := c.opts.BaseDelay * time.Duration(attempt)

		c.log.Warn(c.log.WithFields(ctx, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    fmt.Sprint(err),
		}), "notification channel reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.stopErr(ctx)
		case <-timer.C:
		}
	}
}

// stopErr is nil after Close and ctx's error when the caller canceled.
func (c *Channel) stopErr(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return ctx.Err()
}

// Close stops Run with a normal closure and prevents further reconnects.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

// session runs one connection until it ends. established is true once the
// server confirmed the connection.
func (c *Channel) session(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)
	defer c.setState(StateDisconnected)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.endpoint.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	var established atomic.Bool
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn, &established)
	}()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-readErr:
			return established.Load(), err
		case <-ticker.C:
			if err := c.write(conn, envelope{Type: typePing}); err != nil {
				// the read loop will surface the broken connection
				c.log.Debug(c.log.WithField(ctx, "error", err.Error()), "ping failed")
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-readErr
			return established.Load(), ctx.Err()
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, established *atomic.Bool) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn(c.log.WithField(ctx, "error", err.Error()), "malformed push ignored")
			continue
		}
		if env.Type == typeConnected {
			established.Store(true)
			c.setState(StateConnected)
		}
		if err := c.store.apply(ctx, env); err != nil {
			c.log.Error(c.log.WithField(ctx, "type", env.Type), "applying push failed", err)
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, msg envelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
