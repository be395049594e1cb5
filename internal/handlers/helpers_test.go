package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/anonto42/nano-social/backend/internal/middleware"
	"github.com/anonto42/nano-social/backend/internal/models"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/logger"
	"github.com/anonto42/nano-social/backend/validators"
)

// stubVerifier accepts tokens of the form "user-<id>".
type stubVerifier struct{}

func (stubVerifier) VerifyToken(_ context.Context, token string) (uint, error) {
	var id uint
	if _, err := fmt.Sscanf(token, "user-%d", &id); err != nil || id == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid authentication token")
	}
	return id, nil
}

func newTestServer(register func(api *echo.Group)) *echo.Echo {
	e := echo.New()
	e.Validator = validators.NewValidator()
	e.HTTPErrorHandler = ErrorHandler(logger.Nop())
	api := e.Group("/api/v1", middleware.Auth(stubVerifier{}, logger.Nop()))
	register(api)
	return e
}

func doRequest(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type notifierCall struct {
	Event     string
	Recipient uint
	Actor     uint
	PostID    string
	Followers []uint
}

// fakeNotifier records every call; Detach runs inline.
type fakeNotifier struct {
	mu       sync.Mutex
	calls    []notifierCall
	events   []string
	notifyFn func() error
}

func (f *fakeNotifier) record(call notifierCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.notifyFn != nil {
		return f.notifyFn()
	}
	return nil
}

func (f *fakeNotifier) NotifyLike(_ context.Context, owner, liker uint, postID string) (*models.NotificationView, error) {
	return nil, f.record(notifierCall{Event: "like", Recipient: owner, Actor: liker, PostID: postID})
}

func (f *fakeNotifier) RemoveLike(_ context.Context, owner, unliker uint, postID string) error {
	return f.record(notifierCall{Event: "unlike", Recipient: owner, Actor: unliker, PostID: postID})
}

func (f *fakeNotifier) NotifyComment(_ context.Context, owner, commenter uint, postID string) (*models.NotificationView, error) {
	return nil, f.record(notifierCall{Event: "comment", Recipient: owner, Actor: commenter, PostID: postID})
}

func (f *fakeNotifier) NotifyFollow(_ context.Context, followed, follower uint) (*models.NotificationView, error) {
	return nil, f.record(notifierCall{Event: "follow", Recipient: followed, Actor: follower})
}

func (f *fakeNotifier) RemoveFollow(_ context.Context, followed, follower uint) error {
	return f.record(notifierCall{Event: "unfollow", Recipient: followed, Actor: follower})
}

func (f *fakeNotifier) NotifyNewPost(_ context.Context, author uint, postID string, followers []uint) int {
	_ = f.record(notifierCall{Event: "new_post", Actor: author, PostID: postID, Followers: followers})
	return len(followers)
}

func (f *fakeNotifier) Detach(ctx context.Context, event string, fn func(context.Context) error) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	_ = fn(context.WithoutCancel(ctx))
}

func (f *fakeNotifier) Calls() []notifierCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifierCall(nil), f.calls...)
}

type fakePosts struct {
	posts      map[string]*models.Post
	likeDelta  map[string]int
	commentsBy map[string]int
	created    []*models.Post
	createErr  error
}

func newFakePosts(posts ...*models.Post) *fakePosts {
	f := &fakePosts{posts: map[string]*models.Post{}, likeDelta: map[string]int{}, commentsBy: map[string]int{}}
	for _, p := range posts {
		f.posts[p.ID.Hex()] = p
	}
	return f
}

func (f *fakePosts) CreatePost(_ context.Context, post *models.Post) error {
	if f.createErr != nil {
		return f.createErr
	}
	post.ID = primitive.NewObjectID()
	f.posts[post.ID.Hex()] = post
	f.created = append(f.created, post)
	return nil
}

func (f *fakePosts) GetPostByID(_ context.Context, id string) (*models.Post, error) {
	if p, ok := f.posts[id]; ok {
		return p, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "post not found")
}

func (f *fakePosts) GetPostsByAuthor(_ context.Context, authorID uint, skip, limit int64) ([]models.Post, error) {
	var out []models.Post
	for _, p := range f.posts {
		if p.AuthorID == authorID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePosts) IncrementLikesCount(_ context.Context, postID string, delta int) error {
	f.likeDelta[postID] += delta
	return nil
}

func (f *fakePosts) IncrementCommentsCount(_ context.Context, postID string, delta int) error {
	f.commentsBy[postID] += delta
	return nil
}

func (f *fakePosts) GetSnippets(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

type likeKey struct {
	postID string
	userID uint
}

type fakeLikes struct {
	likes map[likeKey]bool
}

func newFakeLikes() *fakeLikes { return &fakeLikes{likes: map[likeKey]bool{}} }

func (f *fakeLikes) CreateLike(_ context.Context, like *models.Like) error {
	k := likeKey{like.PostID, like.UserID}
	if f.likes[k] {
		return pkgerrors.New(pkgerrors.CodeConflict, "already liked")
	}
	f.likes[k] = true
	return nil
}

func (f *fakeLikes) DeleteLike(_ context.Context, postID string, userID uint) error {
	k := likeKey{postID, userID}
	if !f.likes[k] {
		return pkgerrors.New(pkgerrors.CodeNotFound, "like not found")
	}
	delete(f.likes, k)
	return nil
}

func (f *fakeLikes) HasUserLikedPost(_ context.Context, postID string, userID uint) (bool, error) {
	return f.likes[likeKey{postID, userID}], nil
}

func (f *fakeLikes) GetLikesCountByPostID(_ context.Context, postID string) (int64, error) {
	var n int64
	for k := range f.likes {
		if k.postID == postID {
			n++
		}
	}
	return n, nil
}

type fakeFollows struct {
	edges   map[[2]uint]bool
	listErr error
}

func newFakeFollows() *fakeFollows { return &fakeFollows{edges: map[[2]uint]bool{}} }

func (f *fakeFollows) CreateFollow(_ context.Context, follow *models.Follow) error {
	k := [2]uint{follow.FollowerID, follow.FollowingID}
	if f.edges[k] {
		return pkgerrors.New(pkgerrors.CodeConflict, "already following")
	}
	f.edges[k] = true
	return nil
}

func (f *fakeFollows) DeleteFollow(_ context.Context, followerID, followingID uint) error {
	k := [2]uint{followerID, followingID}
	if !f.edges[k] {
		return pkgerrors.New(pkgerrors.CodeNotFound, "follow relationship not found")
	}
	delete(f.edges, k)
	return nil
}

func (f *fakeFollows) IsFollowing(_ context.Context, followerID, followingID uint) (bool, error) {
	return f.edges[[2]uint{followerID, followingID}], nil
}

func (f *fakeFollows) GetFollowerIDs(_ context.Context, userID uint) ([]uint, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var ids []uint
	for k := range f.edges {
		if k[1] == userID {
			ids = append(ids, k[0])
		}
	}
	return ids, nil
}

type fakeUsers struct {
	users  map[uint]*models.User
	nextID uint
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{users: map[uint]*models.User{}, nextID: 100}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) CreateUser(_ context.Context, user *models.User) error {
	for _, u := range f.users {
		if u.Email == user.Email && user.Email != "" {
			return pkgerrors.New(pkgerrors.CodeConflict, "user already exists")
		}
	}
	f.nextID++
	user.ID = f.nextID
	f.users[user.ID] = user
	return nil
}

func (f *fakeUsers) GetUserByID(_ context.Context, id uint) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
}

func (f *fakeUsers) GetUserByFirebaseUID(_ context.Context, uid string) (*models.User, error) {
	for _, u := range f.users {
		if u.FirebaseUID != nil && *u.FirebaseUID == uid {
			return u, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
}

func (f *fakeUsers) UpdateUser(_ context.Context, user *models.User) error {
	f.users[user.ID] = user
	return nil
}

type fakeComments struct {
	comments []models.Comment
}

func (f *fakeComments) CreateComment(_ context.Context, comment *models.Comment) error {
	comment.ID = uint(len(f.comments) + 1)
	f.comments = append(f.comments, *comment)
	return nil
}

func (f *fakeComments) GetCommentsByPostID(_ context.Context, postID string) ([]models.Comment, error) {
	var out []models.Comment
	for _, c := range f.comments {
		if c.PostID == postID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeInbox struct {
	page        *models.NotificationPage
	listArgs    [3]int
	unread      int64
	markReadErr error
	deleteErr   error
	markedAll   uint
	lastID      uuid.UUID
}

func (f *fakeInbox) List(_ context.Context, userID uint, page, limit int) (*models.NotificationPage, error) {
	f.listArgs = [3]int{int(userID), page, limit}
	return f.page, nil
}

func (f *fakeInbox) UnreadCount(context.Context, uint) (int64, error) {
	return f.unread, nil
}

func (f *fakeInbox) MarkRead(_ context.Context, _ uint, id uuid.UUID) error {
	f.lastID = id
	return f.markReadErr
}

func (f *fakeInbox) MarkAllRead(_ context.Context, userID uint) (int64, error) {
	f.markedAll = userID
	return 3, nil
}

func (f *fakeInbox) Delete(_ context.Context, _ uint, id uuid.UUID) error {
	f.lastID = id
	return f.deleteErr
}
