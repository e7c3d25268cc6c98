package service

import (
	"context"
	"errors"
	"testing"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/repository"
)

type memUserRepo struct {
	byName map[string]*domain.User
	nextID int64
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byName: make(map[string]*domain.User)}
}

func (r *memUserRepo) Init(ctx context.Context) error { return nil }

func (r *memUserRepo) Create(ctx context.Context, user *domain.User) (int64, error) {
	if _, exists := r.byName[user.Username]; exists {
		return 0, repository.ErrConflict
	}
	r.nextID++
	user.ID = r.nextID
	cp := *user
	r.byName[user.Username] = &cp
	return user.ID, nil
}

func (r *memUserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, ok := r.byName[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (r *memUserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	for _, user := range r.byName {
		if user.ID == id {
			cp := *user
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewUserService(newMemUserRepo(), "letmein")
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "password123", "letmein")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash != "" {
		t.Fatal("register response must not carry the password hash")
	}

	if _, err := svc.Register(ctx, "alice", "password123", "letmein"); !errors.Is(err, ErrUserAlreadyExists) {
		t.Fatalf("duplicate register err = %v, want ErrUserAlreadyExists", err)
	}
	if _, err := svc.Register(ctx, "bob", "password123", "wrong"); !errors.Is(err, ErrInvalidRegistrationPassword) {
		t.Fatalf("bad secret err = %v, want ErrInvalidRegistrationPassword", err)
	}
	if _, err := svc.Register(ctx, "bob", "short", "letmein"); err == nil {
		t.Fatal("short password should be rejected")
	}

	authed, err := svc.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != user.ID {
		t.Fatalf("authenticated id = %d, want %d", authed.ID, user.ID)
	}

	if _, err := svc.Authenticate(ctx, "alice", "wrongpass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v, want ErrInvalidCredentials", err)
	}
}
