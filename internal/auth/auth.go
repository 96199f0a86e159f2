package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/db"
	"github.com/xtrntr/volumegate/internal/models"
	"github.com/xtrntr/volumegate/pkg/crypto"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError describes a rejected registration field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UserStore is the user persistence the service needs
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
}

// RegisterInput is the registration form
type RegisterInput struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// AuthService handles user registration, login and sessions
type AuthService struct {
	Users    UserStore
	Sessions SessionStore
	tokens   *TokenManager
	ttl      time.Duration
	cost     int
	log      *zap.Logger
}

type Option func(*AuthService)

// WithSessionTTL sets how long a login stays valid
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *AuthService) { s.ttl = ttl }
}

// WithBcryptCost overrides the password hashing cost
func WithBcryptCost(cost int) Option {
	return func(s *AuthService) { s.cost = cost }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *AuthService) { s.log = log }
}

// NewAuthService creates a new auth service signing session cookies with secret
func NewAuthService(users UserStore, sessions SessionStore, secret string, opts ...Option) *AuthService {
	s := &AuthService{
		Users:    users,
		Sessions: sessions,
		ttl:      24 * time.Hour,
		cost:     12,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tokens = NewTokenManager(secret, s.ttl)
	return s
}

// Register validates the form and creates a new user with a hashed password
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateRegistration(in); err != nil {
		return nil, err
	}

	hash, err := crypto.HashPassword(in.Password, s.cost)
	if err != nil {
		return nil, &ValidationError{Field: "password", Message: err.Error()}
	}

	user, err := s.Users.CreateUser(ctx, in.Username, in.Email, hash)
	if err != nil {
		if errors.Is(err, db.ErrEmailTaken) || errors.Is(err, db.ErrUsernameTaken) {
			return nil, fmt.Errorf("%w: %w", ErrUserExists, err)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.log.Info("user registered", zap.Int("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

func validateRegistration(in RegisterInput) error {
	if n := utf8.RuneCountInString(in.Username); n < 2 || n > 20 {
		return &ValidationError{Field: "username", Message: "Username must be between 2 and 20 characters"}
	}
	if in.Email == "" {
		return &ValidationError{Field: "email", Message: "Email is required"}
	}
	addr, err := mail.ParseAddress(in.Email)
	if err != nil || addr.Address != in.Email {
		return &ValidationError{Field: "email", Message: "Invalid email address"}
	}
	if len(in.Password) < 6 {
		return &ValidationError{Field: "password", Message: "Password must be at least 6 characters"}
	}
	if in.Password != in.ConfirmPassword {
		return &ValidationError{Field: "confirm_password", Message: "Passwords must match"}
	}
	return nil
}

// Login verifies credentials, opens a server-side session and returns it
// together with the signed cookie value.
func (s *AuthService) Login(ctx context.Context, email, password string) (*Session, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	user, err := s.Users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if err := crypto.VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	session, err := NewSession(user, s.ttl)
	if err != nil {
		return nil, "", err
	}
	if err := s.Sessions.Save(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to save session: %w", err)
	}

	token, err := s.tokens.Sign(session)
	if err != nil {
		s.Sessions.Delete(ctx, session.ID)
		return nil, "", err
	}
	s.log.Info("user logged in", zap.Int("user_id", user.ID))
	return session, token, nil
}

// Authenticate resolves a cookie value to its live session
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	session, err := s.Sessions.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if session.UserID != claims.UserID {
		return nil, ErrInvalidToken
	}
	return session, nil
}

// Logout ends a session. Ending an unknown session is not an error.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if err := s.Sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CurrentUser loads the user owning a session
func (s *AuthService) CurrentUser(ctx context.Context, session *Session) (*models.User, error) {
	return s.Users.GetUserByID(ctx, session.UserID)
}
