package repositories

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anonto42/nano-social/backend/internal/models"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

const (
	DefaultDedupeWindow = time.Hour
	snippetMaxRunes     = 140
)

// NotificationRepository persists notifications and answers the queries the
// dispatcher and the REST layer need.
type NotificationRepository interface {
	Create(ctx context.Context, recipientID, actorID uint, kind models.NotificationKind, subjectID *string) (*models.NotificationView, error)
	ExistsRecent(ctx context.Context, recipientID, actorID uint, kind models.NotificationKind, subjectID *string) (bool, error)
	ListForUser(ctx context.Context, recipientID uint, limit, offset int) ([]models.NotificationView, error)
	UnreadCount(ctx context.Context, recipientID uint) (int64, error)
	MarkRead(ctx context.Context, id uuid.UUID, recipientID uint) error
	MarkAllRead(ctx context.Context, recipientID uint) (int64, error)
	Delete(ctx context.Context, id uuid.UUID, recipientID uint) error
	DeleteByKindAndSubject(ctx context.Context, recipientID, actorID uint, kind models.NotificationKind, subjectID *string) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresNotificationRepository implements NotificationRepository with GORM.
type PostgresNotificationRepository struct {
	db           *gorm.DB
	posts        PostSnippetSource
	log          *logger.Logger
	dedupeWindow time.Duration
	now          func() time.Time
}

func NewPostgresNotificationRepository(db *gorm.DB, posts PostSnippetSource, log *logger.Logger, dedupeWindow time.Duration) *PostgresNotificationRepository {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PostgresNotificationRepository{
		db:           db,
		posts:        posts,
		log:          log,
		dedupeWindow: dedupeWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a notification and returns it enriched for delivery.
// It returns nil, nil when recipient and actor are the same user.
func (r *PostgresNotificationRepository) Create(ctx context.Context, recipientID, actorID uint, kind models.NotificationKind, subjectID *string) (*models.NotificationView, error) {
	if recipientID == actorID {
		return nil, nil
	}
	if !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid notification kind")
	}

	n := &models.Notification{
		RecipientID: recipientID,
		ActorID:     actorID,
		Kind:        kind,
		SubjectID:   subjectID,
		CreatedAt:   r.now(),
	}
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create notification")
	}

	views, err := r.enriched(ctx, r.db.Where("n.id = ?", n.ID), 1, 0)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		// actor row vanished between insert and read; deliver the bare record
		return &models.NotificationView{
			ID:          n.ID,
			RecipientID: n.RecipientID,
			ActorID:     n.ActorID,
			Kind:        n.Kind,
			SubjectID:   n.SubjectID,
			CreatedAt:   n.CreatedAt,
		}, nil
	}
	return &views[0], nil
}

// ExistsRecent reports whether an equivalent notification was created inside
// the dedupe window. Comments are never deduplicated. A nil subject matches
// any subject.
func (r *PostgresNotificationRepository) ExistsRecent(ctx context.Context, recipientID, actorID uint, kind models.NotificationKind, subjectID *string) (bool, error) {
	if !kind.Deduplicated() {
		return false, nil
	}
	query := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND actor_id = ? AND kind = ? AND created_at > ?",
			recipientID, actorID, kind, r.now().Add(-r.dedupeWindow))
	if subjectID != nil {
		query = query.Where("subject_id = ?", *subjectID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check recent notification")
	}
	return count > 0, nil
}

func (r *PostgresNotificationRepository) ListForUser(ctx context.Context, recipientID uint, limit, offset int) ([]models.NotificationView, error) {
	return r.enriched(ctx, r.db.Where("n.recipient_id = ?", recipientID), limit, offset)
}

func (r *PostgresNotificationRepository) UnreadCount(ctx context.Context, recipientID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Count(&count).Error
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unread notifications")
	}
	return count, nil
}

// MarkRead flags one notification as read. The row must belong to recipientID.
func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, id uuid.UUID, recipientID uint) error {
	res := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ?", id, recipientID).
		Update("is_read", true)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "mark notification read")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}

func (r *PostgresNotificationRepository) MarkAllRead(ctx context.Context, recipientID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "mark all notifications read")
	}
	return res.RowsAffected, nil
}

// Delete removes one notification. The row must belong to recipientID.
func (r *PostgresNotificationRepository) Delete(ctx context.Context, id uuid.UUID, recipientID uint) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND recipient_id = ?", id, recipientID).
		Delete(&models.Notification{})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "delete notification")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}

// DeleteByKindAndSubject retracts notifications produced by an event that was
// undone. Matching nothing is not an error.
func (r *PostgresNotificationRepository) DeleteByKindAndSubject(ctx context.Context, recipientID, actorID uint, kind models.NotificationKind, subjectID *string) (int64, error) {
	query := r.db.WithContext(ctx).
		Where("recipient_id = ? AND actor_id = ? AND kind = ?", recipientID, actorID, kind)
	if subjectID != nil {
		query = query.Where("subject_id = ?", *subjectID)
	}
	res := query.Delete(&models.Notification{})
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "retract notification")
	}
	return res.RowsAffected, nil
}

func (r *PostgresNotificationRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&models.Notification{})
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "sweep notifications")
	}
	return res.RowsAffected, nil
}

type notificationRow struct {
	ID            uuid.UUID
	RecipientID   uint
	ActorID       uint
	Kind          models.NotificationKind
	SubjectID     *string
	IsRead        bool
	CreatedAt     time.Time
	ActorUsername string
	ActorFullName string
	ActorAvatar   string
	ActorVerified bool
}

func (r *PostgresNotificationRepository) enriched(ctx context.Context, filter *gorm.DB, limit, offset int) ([]models.NotificationView, error) {
	var rows []notificationRow
	query := r.db.WithContext(ctx).
		Table("notifications AS n").
		Select(`n.id, n.recipient_id, n.actor_id, n.kind, n.subject_id, n.is_read, n.created_at,
			u.username AS actor_username, u.name AS actor_full_name,
			u.avatar_url AS actor_avatar, u.is_verified AS actor_verified`).
		Joins("JOIN users u ON u.id = n.actor_id").
		Where(filter).
		Order("n.created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list notifications")
	}

	snippets := r.snippets(ctx, rows)
	views := make([]models.NotificationView, 0, len(rows))
	for _, row := range rows {
		view := models.NotificationView{
			ID:            row.ID,
			RecipientID:   row.RecipientID,
			ActorID:       row.ActorID,
			Kind:          row.Kind,
			SubjectID:     row.SubjectID,
			IsRead:        row.IsRead,
			CreatedAt:     row.CreatedAt,
			ActorUsername: row.ActorUsername,
			ActorFullName: row.ActorFullName,
			ActorAvatar:   row.ActorAvatar,
			ActorVerified: row.ActorVerified,
		}
		if row.SubjectID != nil {
			if content, ok := snippets[*row.SubjectID]; ok {
				snippet := truncateRunes(content, snippetMaxRunes)
				view.SubjectSnippet = &snippet
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// snippets degrades to an empty map when the post store is unavailable.
func (r *PostgresNotificationRepository) snippets(ctx context.Context, rows []notificationRow) map[string]string {
	if r.posts == nil {
		return nil
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.SubjectID == nil {
			continue
		}
		if _, ok := seen[*row.SubjectID]; ok {
			continue
		}
		seen[*row.SubjectID] = struct{}{}
		ids = append(ids, *row.SubjectID)
	}
	if len(ids) == 0 {
		return nil
	}
	out, err := r.posts.GetSnippets(ctx, ids)
	if err != nil {
		r.log.Error(r.log.WithField(ctx, "post_ids", ids), "post snippet lookup failed", err)
		return nil
	}
	return out
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
