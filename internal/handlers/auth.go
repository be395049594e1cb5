package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/anonto42/nano-social/backend/internal/auth"
	"github.com/anonto42/nano-social/backend/internal/models"
	"github.com/anonto42/nano-social/backend/internal/repositories"
	pkgerrors "github.com/anonto42/nano-social/backend/pkg/errors"
	"github.com/anonto42/nano-social/backend/pkg/firebase"
	"github.com/anonto42/nano-social/backend/pkg/logger"
)

// TokenIssuer mints the backend's own session tokens.
type TokenIssuer interface {
	Issue(user *models.User) (string, error)
}

var errInvalidCredentials = pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid email or password")

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	userRepository repositories.UserRepository
	tokens         TokenIssuer
	firebase       auth.IDTokenVerifier
	log            *logger.Logger
}

// NewAuthHandler creates a new AuthHandler. firebaseTokens may be nil, in
// which case firebase-login answers with a dependency error.
func NewAuthHandler(userRepo repositories.UserRepository, tokens TokenIssuer, firebaseTokens auth.IDTokenVerifier, log *logger.Logger) *AuthHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AuthHandler{
		userRepository: userRepo,
		tokens:         tokens,
		firebase:       firebaseTokens,
		log:            log,
	}
}

// RegisterAuthRoutes registers authentication-related routes
func (h *AuthHandler) RegisterAuthRoutes(g *echo.Group) {
	g.POST("/signup", h.Signup)
	g.POST("/signin", h.SignIn)
	g.POST("/firebase-login", h.FirebaseLogin)
}

// Signup handles local user registration with email and password
func (h *AuthHandler) Signup(c echo.Context) error {
	var req models.CreateLocalUserRequest
	if err := c.Bind(&req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	if _, err := h.userRepository.GetUserByEmail(ctx, req.Email); err == nil {
		return pkgerrors.New(pkgerrors.CodeConflict, "user with this email already registered")
	} else if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}

	user := &models.User{
		Name:     req.Name,
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashed),
	}
	if err := h.userRepository.CreateUser(ctx, user); err != nil {
		return err
	}

	return h.respondWithToken(c, http.StatusCreated, user)
}

// SignIn handles local user authentication with email and password
func (h *AuthHandler) SignIn(c echo.Context) error {
	var req models.SignInRequest
	if err := c.Bind(&req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	user, err := h.userRepository.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return errInvalidCredentials
		}
		return err
	}
	// firebase-only accounts have no local password
	if user.Password == "" {
		return errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return errInvalidCredentials
	}

	return h.respondWithToken(c, http.StatusOK, user)
}

// FirebaseLoginRequest defines the request body for Firebase login
type FirebaseLoginRequest struct {
	IDToken string `json:"idToken" validate:"required"`
}

// FirebaseLogin verifies a Firebase ID token, links or creates the local
// account, and issues a local JWT
func (h *AuthHandler) FirebaseLogin(c echo.Context) error {
	if h.firebase == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "firebase login is not configured")
	}

	var req FirebaseLoginRequest
	if err := c.Bind(&req); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	claims, err := h.firebase.VerifyIDToken(ctx, req.IDToken)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid firebase id token")
	}

	user, err := h.linkFirebaseUser(ctx, claims)
	if err != nil {
		return err
	}
	return h.respondWithToken(c, http.StatusOK, user)
}

func (h *AuthHandler) linkFirebaseUser(ctx context.Context, claims *firebase.IDTokenClaims) (*models.User, error) {
	ctx = h.log.WithField(ctx, "firebase_uid", claims.UID)

	user, err := h.userRepository.GetUserByFirebaseUID(ctx, claims.UID)
	if err == nil {
		if claims.Name != "" {
			user.Name = claims.Name
		}
		if claims.Picture != "" {
			user.AvatarURL = claims.Picture
		}
		return user, h.userRepository.UpdateUser(ctx, user)
	}
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil, err
	}

	uid := claims.UID
	if claims.Email != "" {
		user, err = h.userRepository.GetUserByEmail(ctx, claims.Email)
		if err == nil {
			user.FirebaseUID = &uid
			h.log.Info(ctx, "linking firebase account to existing user")
			return user, h.userRepository.UpdateUser(ctx, user)
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil, err
		}
	}

	user = &models.User{
		Name:        claims.Name,
		Username:    firebaseUsername(claims),
		Email:       claims.Email,
		FirebaseUID: &uid,
		AvatarURL:   claims.Picture,
	}
	if err := h.userRepository.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	h.log.Info(ctx, "created user from firebase login")
	return user, nil
}

func (h *AuthHandler) respondWithToken(c echo.Context, status int, user *models.User) error {
	token, err := h.tokens.Issue(user)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "issue token")
	}
	return respondOK(c, status, echo.Map{"token": token, "user": user})
}

// firebaseUsername derives a unique handle; the uid suffix keeps two
// accounts with the same email prefix apart.
func firebaseUsername(claims *firebase.IDTokenClaims) string {
	prefix := "user"
	if at := strings.IndexByte(claims.Email, '@'); at > 0 {
		prefix = claims.Email[:at]
	}
	suffix := claims.UID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	name := prefix + "_" + suffix
	if len(name) > 50 {
		name = name[len(name)-50:]
	}
	return name
}
