package notifyclient

import (
	"context"
	"encoding/json"
	"sync"

	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

const DefaultPageSize = 20

// Store is the client-side notification cache. Pushes from a Channel and
// local mutations both go through it; every method is safe for concurrent use.
type Store struct {
	api      API
	log      *logger.Logger
	pageSize int

	mu      sync.Mutex
	state   cacheState
	hasMore bool
	page    int
	loading bool

	onNotification func(Notification)
}

type StoreOption func(*Store)

// WithOnNotification registers fn to run for every notification pushed by the
// server, after it has been added to the cache. fn runs on the channel's read
// loop and must not block.
func WithOnNotification(fn func(Notification)) StoreOption {
	return func(s *Store) { s.onNotification = fn }
}

type cacheState struct {
	items  []Notification
	unread int64
}

func (s cacheState) clone() cacheState {
	items := make([]Notification, len(s.items))
	copy(items, s.items)
	return cacheState{items: items, unread: s.unread}
}

func (s *cacheState) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *cacheState) decrementUnread() {
	if s.unread > 0 {
		s.unread--
	}
}

func NewStore(api API, log *logger.Logger, opts ...StoreOption) *Store {
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{api: api, log: log, pageSize: DefaultPageSize, hasMore: true, page: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notifications returns a copy of the cached entries, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone().items
}

func (s *Store) UnreadCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.unread
}

func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Refresh reloads the first page and replaces the cache with it.
func (s *Store) Refresh(ctx context.Context) error {
	return s.fetch(ctx, 1)
}

// LoadMore appends the next page. It does nothing when the last page was
// already loaded or another fetch is running.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if !s.hasMore || s.loading {
		s.mu.Unlock()
		return nil
	}
	next := s.page + 1
	s.mu.Unlock()
	return s.fetch(ctx, next)
}

func (s *Store) fetch(ctx context.Context, page int) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	result, err := s.api.List(ctx, page, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return err
	}
	if page == 1 {
		s.state.items = append([]Notification(nil), result.Notifications...)
	} else {
		s.state.items = append(s.state.items, result.Notifications...)
	}
	s.state.unread = result.UnreadCount
	s.hasMore = result.HasMore
	s.page = page
	return nil
}

// FetchUnreadCount refreshes only the counter. On failure the cached value
// is kept and returned alongside the error.
func (s *Store) FetchUnreadCount(ctx context.Context) (int64, error) {
	count, err := s.api.UnreadCount(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return s.state.unread, err
	}
	s.state.unread = count
	return count, nil
}

// Clear drops all cached state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cacheState{}
	s.hasMore = true
	s.page = 1
	s.loading = false
}

// MarkRead flips the entry to read before calling the server. If the server
// no longer has it, the entry is dropped; any other failure restores the
// previous state.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	return s.optimistic(ctx,
		func(st *cacheState) bool {
			i := st.indexOf(id)
			if i < 0 || st.items[i].IsRead {
				return false
			}
			st.items[i].IsRead = true
			st.decrementUnread()
			return true
		},
		func(ctx context.Context) error { return s.api.MarkRead(ctx, id) },
		func(st *cacheState) {
			if i := st.indexOf(id); i >= 0 {
				st.items = append(st.items[:i], st.items[i+1:]...)
			}
		},
	)
}

func (s *Store) MarkAllRead(ctx context.Context) error {
	return s.optimistic(ctx,
		func(st *cacheState) bool {
			for i := range st.items {
				st.items[i].IsRead = true
			}
			st.unread = 0
			return true
		},
		s.api.MarkAllRead,
		nil,
	)
}

// Delete removes the entry before calling the server. An entry the server
// already dropped stays removed.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.optimistic(ctx,
		func(st *cacheState) bool {
			i := st.indexOf(id)
			if i < 0 {
				return false
			}
			if !st.items[i].IsRead {
				st.decrementUnread()
			}
			st.items = append(st.items[:i], st.items[i+1:]...)
			return true
		},
		func(ctx context.Context) error { return s.api.Delete(ctx, id) },
		func(*cacheState) {},
	)
}

// optimistic snapshots the cache, applies the speculative change and calls
// remote. A not-found failure runs gone when it is set; every other failure
// restores the snapshot. apply returning false skips the remote call.
func (s *Store) optimistic(ctx context.Context, apply func(*cacheState) bool, remote func(context.Context) error, gone func(*cacheState)) error {
	s.mu.Lock()
	snapshot := s.state.clone()
	if !apply(&s.state) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := remote(ctx)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gone != nil && IsNotFound(err) {
		gone(&s.state)
		s.log.Info(ctx, "notification already removed on server")
		return nil
	}
	s.state = snapshot
	return err
}

// AddNotification prepends a pushed notification.
func (s *Store) AddNotification(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.items = append([]Notification{n}, s.state.items...)
	if !n.IsRead {
		s.state.unread++
	}
}

// RemoveMatching drops the first entry matching target and reports whether
// one was found.
func (s *Store) RemoveMatching(target RemoveTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.state.items {
		if !target.matches(n) {
			continue
		}
		s.state.items = append(s.state.items[:i], s.state.items[i+1:]...)
		if !n.IsRead {
			s.state.decrementUnread()
		}
		return true
	}
	return false
}

// SetUnreadCount overwrites the counter with the server's value.
func (s *Store) SetUnreadCount(count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.unread = count
}

// apply handles one pushed envelope.
func (s *Store) apply(ctx context.Context, env envelope) error {
	switch env.Type {
	case typeConnected:
		return s.Refresh(ctx)
	case typeNotification:
		var n Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode pushed notification")
		}
		s.AddNotification(n)
		if s.onNotification != nil {
			s.onNotification(n)
		}
	case typeRemoveNotification:
		var target RemoveTarget
		if err := json.Unmarshal(env.Data, &target); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode remove instruction")
		}
		if !s.RemoveMatching(target) {
			s.log.Debug(ctx, "remove instruction matched no cached notification")
		}
	case typeUnreadCount:
		s.SetUnreadCount(env.Count)
	case typePong:
	default:
		s.log.Debug(s.log.WithField(ctx, "type", env.Type), "unknown push ignored")
	}
	return nil
}
