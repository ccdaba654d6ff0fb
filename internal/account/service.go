// Package account provides email/password accounts with verification.
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"maltlog/api/internal/session"
	"maltlog/api/internal/store"
	"maltlog/api/internal/util"
)

var (
	// ErrEmailTaken is returned when the email already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials is returned for a bad email/password pair.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidToken is returned for a bad or expired verification token.
	ErrInvalidToken = errors.New("invalid or expired verification token")
)

// ValidationError reports a rejected sign-up or sign-in field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UserStore defines the storage interface for accounts
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	VerifyUserEmail(ctx context.Context, token string) error
}

// SessionStore issues bearer tokens for signed-in members.
type SessionStore interface {
	Create(ctx context.Context, identity session.Identity, ttl time.Duration) (string, error)
}

// PostConverter adopts anonymous posts into the new member account.
type PostConverter interface {
	ConvertAnonymousPosts(ctx context.Context, anonymousID, sessionToken string) (int64, error)
}

// Mailer sends verification emails.
type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, nickname, verificationURL string) error
}

// Service provides account sign-up, sign-in and email verification
type Service struct {
	store      UserStore
	sessions   SessionStore
	converter  PostConverter
	mailer     Mailer
	baseURL    string
	sessionTTL time.Duration
}

// NewService creates a new account service
func NewService(store UserStore, sessions SessionStore, converter PostConverter, mailer Mailer, baseURL string, sessionTTL time.Duration) *Service {
	return &Service{
		store:      store,
		sessions:   sessions,
		converter:  converter,
		mailer:     mailer,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		sessionTTL: sessionTTL,
	}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email           string
	Nickname        string
	Password        string
	ConfirmPassword string
	// AnonymousID is the caller's anonymous browsing identity, if any.
	// Posts it owns are adopted into the new account.
	AnonymousID string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	UserID              string
	SessionToken        string
	RequiresEmailVerify bool
	ConvertedPosts      int64
	// ConversionIncomplete is set when adopting anonymous posts failed or
	// was skipped, so some posts may still carry the old identity.
	ConversionIncomplete bool
}

// SignUp creates a new member account and adopts any anonymous posts.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if err := validateSignUp(req); err != nil {
		return nil, err
	}

	// Check if email already exists
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	verificationToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	user := store.User{
		ID:                util.NewID("u"),
		Email:             req.Email,
		Nickname:          req.Nickname,
		PasswordHash:      string(hash),
		IsEmailVerified:   false,
		VerificationToken: verificationToken,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	// Best effort. Registration never fails because mail delivery did.
	if s.mailer != nil && s.mailer.IsConfigured() {
		verifyURL := fmt.Sprintf("%s/auth/verify?token=%s", s.baseURL, verificationToken)
		if err := s.mailer.SendVerificationEmail(user.Email, user.Nickname, verifyURL); err != nil {
			log.Printf("warn: verification email to %s failed: %v", user.Email, err)
		}
	}

	token, err := s.sessions.Create(ctx, session.Identity{
		ID:       user.ID,
		Nickname: user.Nickname,
	}, s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	// Adopt anonymous posts after the session exists. Failures never fail
	// registration, but the caller is told the adoption may be incomplete.
	var converted int64
	var incomplete bool
	if s.converter != nil && req.AnonymousID != "" {
		converted, err = s.converter.ConvertAnonymousPosts(ctx, req.AnonymousID, token)
		if err != nil {
			log.Printf("warn: converting posts of %s to %s failed: %v", req.AnonymousID, user.ID, err)
			converted = 0
			incomplete = true
		}
	}

	return &SignUpResponse{
		UserID:               user.ID,
		SessionToken:         token,
		RequiresEmailVerify:  true,
		ConvertedPosts:       converted,
		ConversionIncomplete: incomplete,
	}, nil
}

func validateSignUp(req SignUpRequest) error {
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return &ValidationError{Field: "email", Message: "a valid email is required"}
	}
	if n := utf8.RuneCountInString(req.Nickname); n < 2 || n > 20 {
		return &ValidationError{Field: "nickname", Message: "nickname must be 2 to 20 characters"}
	}
	if len(req.Password) < 8 {
		return &ValidationError{Field: "password", Message: "password must be at least 8 characters"}
	}
	if req.Password != req.ConfirmPassword {
		return &ValidationError{Field: "confirmPassword", Message: "passwords do not match"}
	}
	return nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	User           store.User
	SessionToken   string
	RequiresVerify bool
}

// SignIn authenticates a member and issues a session
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, &ValidationError{Field: "email", Message: "email and password are required"}
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if !user.IsEmailVerified {
		return &SignInResponse{
			User:           user,
			RequiresVerify: true,
		}, nil
	}

	token, err := s.sessions.Create(ctx, session.Identity{
		ID:       user.ID,
		Nickname: user.Nickname,
	}, s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &SignInResponse{
		User:         user,
		SessionToken: token,
	}, nil
}

// VerifyEmail verifies an email address using a token
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}

	if err := s.store.VerifyUserEmail(ctx, token); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
