// Package auth provides login with bcrypt credentials and opaque bearer
// tokens held in Redis. Every other API surface consumes the token via
// the middleware.
package auth

import (
	"errors"
	"time"
)

// User is an operator account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginInput carries credentials.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResult is the reply to a successful login.
type LoginResult struct {
	Token     string    `json:"access_token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// Sentinel errors.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserInactive       = errors.New("auth: user inactive")
	ErrTokenInvalid       = errors.New("auth: token invalid or expired")
)
