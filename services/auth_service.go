package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/repositories"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer signs tokens for authenticated users
type TokenIssuer interface {
	Issue(userID string, roles []string, ttl time.Duration) (*models.Token, error)
}

// AuthService checks credentials against the user directory and issues tokens
type AuthService struct {
	users  repositories.UserRepository
	tokens TokenIssuer
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(users repositories.UserRepository, tokens TokenIssuer, ttl time.Duration, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		ttl:    ttl,
		clock:  time.Now,
		logger: logger,
	}
}

// LoginResult is returned on successful login
type LoginResult struct {
	Token *models.Token
	User  *models.User
}

// Login verifies username and password and issues a token carrying the user's roles
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// keep the response time close to a wrong password
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
			s.logger.Info("login failed", zap.String("username", username), zap.String("reason", "unknown_user"))
			return nil, ErrInvalidCredentials
		}
		return nil, WrapInternal("failed to look up user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Info("login failed", zap.String("username", username), zap.String("reason", "bad_password"))
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive() {
		s.logger.Info("login failed", zap.String("username", username), zap.String("reason", "disabled"))
		return nil, ErrUserDisabled
	}

	tok, err := s.tokens.Issue(user.ID.String(), user.Roles, s.ttl)
	if err != nil {
		return nil, WrapInternal("failed to issue token", err)
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, s.clock()); err != nil {
		s.logger.Warn("failed to record last login",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	}

	s.logger.Info("user logged in",
		zap.String("user_id", user.ID.String()),
		zap.String("token_id", tok.ID))

	return &LoginResult{Token: tok, User: user}, nil
}

// GetUser returns the directory entry for a token subject
func (s *AuthService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, WrapInternal("failed to look up user", err)
	}
	return user, nil
}

// HashPassword returns the bcrypt hash stored in the user directory
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", Wrap(ErrInvalidArgument, fmt.Errorf("password is required"))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

func dummyHash() []byte {
	dummyOnce.Do(func() {
		dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	return dummy
}
