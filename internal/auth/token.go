package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/anonto42/nano-social/backend/internal/models"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/firebase"
)

var (
	ErrMissingToken = pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	ErrInvalidToken = pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid authentication token")
)

// TokenVerifier resolves a bearer token to a local user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (uint, error)
}

// JWTManager issues and verifies the backend's own HS256 tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTManager(secret string, ttl time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (m *JWTManager) Issue(user *models.User) (string, error) {
	now := m.now()
	claims := &models.JwtCustomClaims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTManager) VerifyToken(_ context.Context, token string) (uint, error) {
	if strings.TrimSpace(token) == "" {
		return 0, ErrMissingToken
	}
	claims := &models.JwtCustomClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid || claims.UserID == 0 {
		return 0, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid authentication token")
	}
	return claims.UserID, nil
}

// IDTokenVerifier checks Firebase ID tokens.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebase.IDTokenClaims, error)
}

type FirebaseUserLookup interface {
	GetUserByFirebaseUID(ctx context.Context, firebaseUID string) (*models.User, error)
}

// FirebaseVerifier accepts Firebase ID tokens of users that already have a
// local account linked through firebase-login.
type FirebaseVerifier struct {
	tokens IDTokenVerifier
	users  FirebaseUserLookup
}

func NewFirebaseVerifier(tokens IDTokenVerifier, users FirebaseUserLookup) *FirebaseVerifier {
	return &FirebaseVerifier{tokens: tokens, users: users}
}

func (v *FirebaseVerifier) VerifyToken(ctx context.Context, token string) (uint, error) {
	if strings.TrimSpace(token) == "" {
		return 0, ErrMissingToken
	}
	claims, err := v.tokens.VerifyIDToken(ctx, token)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid authentication token")
	}
	user, err := v.users.GetUserByFirebaseUID(ctx, claims.UID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "firebase user is not linked")
	}
	return user.ID, nil
}

// Chain tries each verifier in order and returns the first success.
type Chain []TokenVerifier

func (c Chain) VerifyToken(ctx context.Context, token string) (uint, error) {
	if strings.TrimSpace(token) == "" {
		return 0, ErrMissingToken
	}
	var lastErr error
	for _, v := range c {
		if v == nil {
			continue
		}
		id, err := v.VerifyToken(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return 0, ErrInvalidToken
	}
	return 0, lastErr
}

// IsMissingToken reports whether err means no credentials were presented.
func IsMissingToken(err error) bool {
	return errors.Is(err, ErrMissingToken)
}
