package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/realtime"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	"github.com/anonto42/nano-social/backend/pkg/logger"
	"github.com/anonto42/nano-social/backend/pkg/metrics"
)

const (
	DefaultPageLimit         = 20
	MaxPageLimit             = 100
	DefaultFanoutConcurrency = 8
)

// Pusher delivers realtime messages. *realtime.Registry satisfies it.
type Pusher interface {
	SendToUser(userID uint, payload any) bool
	IsConnected(userID uint) bool
}

// NotificationService turns domain events into stored notifications and
// realtime pushes. Store failures are returned; push failures are only logged.
type NotificationService struct {
	store   repositories.NotificationRepository
	pusher  Pusher
	log     *logger.Logger
	metrics *metrics.NotificationMetrics

	fanout   int
	inflight sync.WaitGroup
}

type ServiceOption func(*NotificationService)

func WithFanoutConcurrency(n int) ServiceOption {
	return func(s *NotificationService) {
		if n > 0 {
			s.fanout = n
		}
	}
}

func WithMetrics(m *metrics.NotificationMetrics) ServiceOption {
	return func(s *NotificationService) { s.metrics = m }
}

func NewNotificationService(store repositories.NotificationRepository, pusher Pusher, log *logger.Logger, opts ...ServiceOption) *NotificationService {
	if log == nil {
		log = logger.Nop()
	}
	s := &NotificationService{
		store:  store,
		pusher: pusher,
		log:    log,
		fanout: DefaultFanoutConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NotifyLike records that liker liked postOwner's post and pushes it.
// Returns nil, nil when nothing was created (self-like or duplicate).
func (s *NotificationService) NotifyLike(ctx context.Context, postOwner, liker uint, postID string) (*models.NotificationView, error) {
	return s.notify(ctx, postOwner, liker, models.KindLike, &postID)
}

func (s *NotificationService) RemoveLike(ctx context.Context, postOwner, unliker uint, postID string) error {
	return s.retract(ctx, postOwner, unliker, models.KindLike, &postID)
}

// NotifyComment always creates a notification; comments are not deduplicated.
func (s *NotificationService) NotifyComment(ctx context.Context, postOwner, commenter uint, postID string) (*models.NotificationView, error) {
	return s.notify(ctx, postOwner, commenter, models.KindComment, &postID)
}

func (s *NotificationService) NotifyFollow(ctx context.Context, followed, follower uint) (*models.NotificationView, error) {
	return s.notify(ctx, followed, follower, models.KindFollow, nil)
}

func (s *NotificationService) RemoveFollow(ctx context.Context, followed, follower uint) error {
	return s.retract(ctx, followed, follower, models.KindFollow, nil)
}

// NotifyNewPost notifies every follower independently. One follower failing
// is logged and does not stop the others; the count of delivered
// notifications is returned.
func (s *NotificationService) NotifyNewPost(ctx context.Context, author uint, postID string, followerIDs []uint) int {
	var (
		mu      sync.Mutex
		created int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for _, followerID := range followerIDs {
		g.Go(func() error {
			view, err := s.notify(gctx, followerID, author, models.KindNewPost, &postID)
			if err != nil {
				s.log.Error(s.log.WithFields(gctx, map[string]any{
					"recipient_id": followerID,
					"post_id":      postID,
				}), "new post notification failed", err)
				return nil
			}
			if view != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return created
}

// Detach runs fn in the background on a context that survives the request.
// Errors are logged under event. Wait blocks until every detached call is done.
func (s *NotificationService) Detach(ctx context.Context, event string, fn func(context.Context) error) {
	bg := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := fn(bg); err != nil {
			s.log.Error(s.log.WithField(bg, "event", event), "notification dispatch failed", err)
		}
	}()
}

// Wait blocks until detached dispatches finish or ctx is done.
func (s *NotificationService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NotificationService) List(ctx context.Context, userID uint, page, limit int) (*models.NotificationPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	// one extra row tells whether another page exists
	views, err := s.store.ListForUser(ctx, userID, limit+1, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	hasMore := len(views) > limit
	if hasMore {
		views = views[:limit]
	}
	unread, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []models.NotificationView{}
	}
	return &models.NotificationPage{
		Notifications: views,
		UnreadCount:   unread,
		Page:          page,
		Limit:         limit,
		HasMore:       hasMore,
	}, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	return s.store.UnreadCount(ctx, userID)
}

func (s *NotificationService) MarkRead(ctx context.Context, userID uint, id uuid.UUID) error {
	if err := s.store.MarkRead(ctx, id, userID); err != nil {
		return err
	}
	s.pushUnreadCount(ctx, userID)
	return nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	updated, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.pushUnreadCount(ctx, userID)
	return updated, nil
}

func (s *NotificationService) Delete(ctx context.Context, userID uint, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id, userID); err != nil {
		return err
	}
	s.pushUnreadCount(ctx, userID)
	return nil
}

// SweepOlderThan deletes notifications created before now minus retention.
func (s *NotificationService) SweepOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
}

func (s *NotificationService) notify(ctx context.Context, recipient, actor uint, kind models.NotificationKind, subjectID *string) (*models.NotificationView, error) {
	if recipient == actor {
		s.metrics.Observe(kind.String(), "self")
		return nil, nil
	}
	ctx = s.log.WithFields(ctx, map[string]any{
		"recipient_id": recipient,
		"actor_id":     actor,
		"kind":         kind.String(),
	})

	if kind.Deduplicated() {
		exists, err := s.store.ExistsRecent(ctx, recipient, actor, kind, subjectID)
		if err != nil {
			s.metrics.Observe(kind.String(), "failed")
			return nil, err
		}
		if exists {
			s.metrics.Observe(kind.String(), "suppressed")
			s.log.Debug(ctx, "duplicate notification suppressed")
			return nil, nil
		}
	}

	view, err := s.store.Create(ctx, recipient, actor, kind, subjectID)
	if err != nil {
		s.metrics.Observe(kind.String(), "failed")
		return nil, err
	}
	if view == nil {
		return nil, nil
	}
	s.metrics.Observe(kind.String(), "created")

	s.pusher.SendToUser(recipient, realtime.NewNotificationMessage(view))
	s.pushUnreadCount(ctx, recipient)
	return view, nil
}

func (s *NotificationService) retract(ctx context.Context, recipient, actor uint, kind models.NotificationKind, subjectID *string) error {
	if recipient == actor {
		return nil
	}
	ctx = s.log.WithFields(ctx, map[string]any{
		"recipient_id": recipient,
		"actor_id":     actor,
		"kind":         kind.String(),
	})

	removed, err := s.store.DeleteByKindAndSubject(ctx, recipient, actor, kind, subjectID)
	if err != nil {
		s.metrics.Observe(kind.String(), "failed")
		return err
	}
	if removed > 0 {
		s.metrics.Observe(kind.String(), "retracted")
	}

	s.pusher.SendToUser(recipient, realtime.NewRemoveNotificationMessage(kind, actor, subjectID))
	s.pushUnreadCount(ctx, recipient)
	return nil
}

// pushUnreadCount sends the authoritative unread count. It skips the query
// when the user has no live socket.
func (s *NotificationService) pushUnreadCount(ctx context.Context, userID uint) {
	if !s.pusher.IsConnected(userID) {
		return
	}
	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		s.log.Error(ctx, "unread count for push failed", err)
		return
	}
	s.pusher.SendToUser(userID, realtime.NewUnreadCountMessage(count))
}
