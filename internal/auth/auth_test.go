package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/aether/internal/clock"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

func newService(t *testing.T, clk clock.Clock) *Service {
	t.Helper()
	svc, err := NewService(kv.NewMemory(), "test-secret", time.Hour, clk, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService(kv.NewMemory(), "  ", 0, nil, nil); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "", "longenough", models.RoleUser); err == nil {
		t.Error("blank username accepted")
	}
	if _, err := svc.CreateUser(ctx, "alice", "short", models.RoleUser); err == nil {
		t.Error("short password accepted")
	}
	if _, err := svc.CreateUser(ctx, "alice", "longenough", models.Role("superuser")); err == nil {
		t.Error("unknown role accepted")
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "alice", "password123", models.RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "Alice", "password456", models.RoleUser); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate username err = %v", err)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, "alice", "password123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, user, err := svc.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.UID != created.UID {
		t.Errorf("login uid = %s, want %s", user.UID, created.UID)
	}

	session, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if session.UID != created.UID || session.Username != "alice" || session.Role != models.RoleAdmin {
		t.Errorf("session = %+v", session)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "alice", "password123", models.RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, _, err := svc.Login(ctx, "alice", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user err = %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newService(t, clk)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "alice", "password123", models.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := svc.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	clk.Advance(2 * time.Hour)
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token err = %v", err)
	}
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	svc := newService(t, nil)
	other, err := NewService(kv.NewMemory(), "different-secret", time.Hour, nil, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	user, err := other.CreateUser(context.Background(), "mallory", "password123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	forged, err := other.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("forged token err = %v", err)
	}
	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token err = %v", err)
	}
}

func TestSessionOwnership(t *testing.T) {
	admin := Session{UID: "a1", Role: models.RoleAdmin}
	user := Session{UID: "u1", Role: models.RoleUser}

	if !admin.CanAccess("u1") {
		t.Error("admin denied foreign resource")
	}
	if !user.CanAccess("u1") {
		t.Error("user denied own resource")
	}
	if user.CanAccess("u2") {
		t.Error("user granted foreign resource")
	}
}

func TestListUsers(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		if _, err := svc.CreateUser(ctx, name, "password123", models.RoleUser); err != nil {
			t.Fatalf("CreateUser(%s): %v", name, err)
		}
	}
	users, err := svc.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("users = %d, want 2", len(users))
	}
	for _, u := range users {
		if len(u.PasswordHash) == 0 {
			t.Errorf("user %s lost its password hash", u.Username)
		}
	}
}
