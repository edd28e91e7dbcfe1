package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"custodia/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{JWTSecret: "test-secret", TokenTTL: 24 * time.Hour}
}

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, testAuthConfig())

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		Address:  "addr-alice",
	}

	ctx := context.Background()
	p, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if p.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, p.Email)
	}
	if p.Role != RoleTrader {
		t.Fatalf("register: expected default role %s got %s", RoleTrader, p.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Participant.ID != p.ID {
		t.Fatalf("login: expected participant id %q got %q", p.ID, resp.Participant.ID)
	}

	ident, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if ident.ParticipantID != p.ID {
		t.Fatalf("verify token: expected %q got %q", p.ID, ident.ParticipantID)
	}
	if ident.Address != req.Address {
		t.Fatalf("verify token: expected address %q got %q", req.Address, ident.Address)
	}
	if ident.Role != RoleTrader {
		t.Fatalf("verify token: expected role %s got %s", RoleTrader, ident.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, testAuthConfig())

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		Address:  "addr-alice",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		Address:  "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		Address:  "addr-bob",
		Role:     Role("superuser"),
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateAccount(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, testAuthConfig())

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		Address:  "addr-alice",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, testAuthConfig())

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_ExpiredToken(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.WithClock(func() time.Time { return now })

	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		Address:  "addr-alice",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	now = base.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

type fakeRepository struct {
	byEmail map[string]Participant
	byID    map[string]Participant
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Participant),
		byID:    make(map[string]Participant),
		nextID:  1,
	}
}

func (f *fakeRepository) CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Participant{}, ErrDuplicateAccount
	}

	id := fmt.Sprintf("participant-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleTrader
	}

	p := Participant{
		ID:           id,
		Email:        params.Email,
		Address:      params.Address,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}

	f.byEmail[strings.ToLower(p.Email)] = p
	f.byID[p.ID] = p
	return p, nil
}

func (f *fakeRepository) GetByEmail(ctx context.Context, email string) (Participant, error) {
	p, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Participant{}, ErrParticipantNotFound
	}
	return p, nil
}

func (f *fakeRepository) GetByID(ctx context.Context, id string) (Participant, error) {
	p, ok := f.byID[id]
	if !ok {
		return Participant{}, ErrParticipantNotFound
	}
	return p, nil
}
