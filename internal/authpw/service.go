// Package authpw provides email/password authentication for dashboard admins.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"quotedesk/api/internal/store"
	"quotedesk/api/internal/util"
)

const minPasswordLength = 8

var (
	ErrMissingFields      = errors.New("email and password are required")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInactive           = errors.New("admin account is disabled")
)

// Service provides email/password authentication
type Service struct {
	store AdminStore
	cost  int
}

// AdminStore defines the storage interface for auth
type AdminStore interface {
	GetAdminByEmail(ctx context.Context, email string) (store.Admin, error)
	GetAdminByID(ctx context.Context, id string) (store.Admin, error)
	CreateAdmin(ctx context.Context, admin store.Admin) error
	UpdateAdminPassword(ctx context.Context, adminID, passwordHash string) error
}

// NewService creates a new auth service
func NewService(store AdminStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// CreateAdminRequest contains the fields for a new dashboard account
type CreateAdminRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// CreateAdmin registers an active admin. Used by the bootstrap command and by
// existing admins inviting colleagues.
func (s *Service) CreateAdmin(ctx context.Context, req CreateAdminRequest) (store.Admin, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return store.Admin{}, ErrMissingFields
	}
	if len(req.Password) < minPasswordLength {
		return store.Admin{}, ErrWeakPassword
	}

	_, err := s.store.GetAdminByEmail(ctx, email)
	if err == nil {
		return store.Admin{}, ErrEmailTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Admin{}, fmt.Errorf("lookup admin: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Admin{}, fmt.Errorf("hash password: %w", err)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = email
	}
	admin := store.Admin{
		ID:           util.NewID("adm"),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		IsActive:     true,
	}
	if err := s.store.CreateAdmin(ctx, admin); err != nil {
		return store.Admin{}, err
	}
	return admin, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates an admin. Unknown emails and wrong passwords produce
// the same error.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Admin, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return store.Admin{}, ErrMissingFields
	}

	admin, err := s.store.GetAdminByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Admin{}, ErrInvalidCredentials
		}
		return store.Admin{}, fmt.Errorf("lookup admin: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)); err != nil {
		return store.Admin{}, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return store.Admin{}, ErrInactive
	}
	return admin, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, adminID, current, next string) error {
	if current == "" || next == "" {
		return ErrMissingFields
	}
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}

	admin, err := s.store.GetAdminByID(ctx, adminID)
	if err != nil {
		return fmt.Errorf("lookup admin: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateAdminPassword(ctx, adminID, string(hash))
}
