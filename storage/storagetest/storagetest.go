// Package storagetest provides in-memory stores for tests.
package storagetest

import (
	"context"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

// NewStore opens an in-memory SQLite store with all migrations applied. The
// store is closed when the test completes.
func NewStore(t testing.TB) *storage.Storage {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)

	ctx := context.Background()
	s, err := storage.Open(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	if _, err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

// CreateUser inserts a user with a throwaway password hash.
func CreateUser(t testing.TB, s *storage.Storage, username string, active bool) domain.User {
	t.Helper()

	u := domain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		IsActive:     active,
	}
	if err := s.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("creating user %s: %v", username, err)
	}
	return u
}
