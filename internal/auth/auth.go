// Package auth owns principals and session tokens: a bcrypt-backed user
// store over the KV layer, HS256 JWT issuance and verification, and the
// ownership rules the gateway enforces per request.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

// Auth errors.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrUserExists         = errors.New("auth: username already taken")
	ErrUserNotFound       = errors.New("auth: user not found")
)

// DefaultTokenExpiry bounds session lifetime when config does not set
// one.
const DefaultTokenExpiry = 24 * time.Hour

// Session is the verified identity attached to a connection.
type Session struct {
	UID      string
	Username string
	Role     models.Role
}

// Admin reports whether the session may act on resources it does not
// own.
func (s Session) Admin() bool { return s.Role == models.RoleAdmin }

// CanAccess applies the ownership rule: admins reach everything, users
// only their own resources.
func (s Session) CanAccess(ownerUID string) bool {
	return s.Admin() || s.UID == ownerUID
}

// claims is the JWT payload. Subject carries the UID.
type claims struct {
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Service issues tokens and manages users.
type Service struct {
	store  kv.Store
	secret []byte
	expiry time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewService wires the auth layer. secret must be non-empty; expiry
// zero selects the default.
func NewService(store kv.Store, secret string, expiry time.Duration, clk clock.Clock, logger *slog.Logger) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		secret: []byte(secret),
		expiry: expiry,
		clock:  clk,
		logger: logger.With("component", "auth"),
	}, nil
}

// CreateUser registers a new principal with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, username, password string, role models.Role) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("auth: username is required")
	}
	if len(password) < 8 {
		return nil, errors.New("auth: password must be at least 8 characters")
	}
	if role != models.RoleAdmin && role != models.RoleUser {
		return nil, fmt.Errorf("auth: unknown role %q", role)
	}

	if existing, err := s.userByName(ctx, username); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user := &models.User{
		UID:          uuid.NewString(),
		Username:     username,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.putUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "username", username, "role", role)
	return user, nil
}

// Login verifies credentials and issues a signed session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	user, err := s.userByName(ctx, username)
	if err != nil {
		// Burn a comparison so missing-user and wrong-password logins
		// take comparable time.
		_, _ = bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.Issue(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Issue signs a session token for the user.
func (s *Service) Issue(user *models.User) (string, error) {
	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (s *Service) Verify(tokenString string) (*Session, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Session{UID: c.Subject, Username: c.Username, Role: c.Role}, nil
}

// GetUser loads a user by UID.
func (s *Service) GetUser(ctx context.Context, uid string) (*models.User, error) {
	raw, err := s.store.Get(ctx, kv.BucketUsers, uid)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	return decodeUser(raw)
}

// ListUsers returns all registered users.
func (s *Service) ListUsers(ctx context.Context) ([]*models.User, error) {
	pairs, err := s.store.List(ctx, kv.BucketUsers)
	if err != nil {
		return nil, fmt.Errorf("auth: list users: %w", err)
	}
	out := make([]*models.User, 0, len(pairs))
	for _, raw := range pairs {
		user, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, nil
}

func (s *Service) userByName(ctx context.Context, username string) (*models.User, error) {
	keys, err := s.store.KeysByIndex(ctx, kv.BucketUsers, "username", strings.ToLower(username))
	if err != nil {
		return nil, fmt.Errorf("auth: lookup username: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return s.GetUser(ctx, keys[0])
}

// storedUser carries the hash through JSON, which models.User hides
// from clients.
type storedUser struct {
	models.User
	PasswordHash []byte `json:"password_hash"`
}

func (s *Service) putUser(ctx context.Context, user *models.User) error {
	raw, err := json.Marshal(storedUser{User: *user, PasswordHash: user.PasswordHash})
	if err != nil {
		return fmt.Errorf("auth: encode user: %w", err)
	}
	indexes := map[string][]string{"username": {strings.ToLower(user.Username)}}
	if err := s.store.Put(ctx, kv.BucketUsers, user.UID, raw, indexes); err != nil {
		return fmt.Errorf("auth: store user: %w", err)
	}
	return nil
}

func decodeUser(raw []byte) (*models.User, error) {
	var stored storedUser
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("auth: decode user: %w", err)
	}
	user := stored.User
	user.PasswordHash = stored.PasswordHash
	return &user, nil
}
