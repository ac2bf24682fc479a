package auth

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// UsersPort abstracts user lookup for the service.
type UsersPort interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
}

// Service authenticates operators and manages their tokens.
type Service struct {
	logger *slog.Logger
	users  UsersPort
	tokens *TokenStore
}

// NewService builds Service.
func NewService(logger *slog.Logger, users UsersPort, tokens *TokenStore) *Service {
	return &Service{logger: logger, users: users, tokens: tokens}
}

// Login verifies credentials and issues a bearer token.
func (s *Service) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	user, err := s.users.FindByEmail(ctx, input.Email)
	if err != nil {
		return LoginResult{}, err
	}
	if !user.IsActive {
		return LoginResult{}, ErrUserInactive
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)) != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info("operator logged in", slog.String("user_id", user.ID))
	return LoginResult{Token: token, TokenType: "bearer", ExpiresAt: expiresAt, User: user}, nil
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (User, error) {
	userID, err := s.tokens.Resolve(ctx, token)
	if err != nil {
		return User{}, err
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !user.IsActive {
		return User{}, ErrTokenInvalid
	}
	return user, nil
}

// Logout revokes a token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}
