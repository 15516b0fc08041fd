package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"taskboard/api"
	"taskboard/storage"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "board.db")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("SECRET_KEY", "cli-secret")
	return dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAdminSeedAndToken(t *testing.T) {
	dsn := setupEnv(t)

	out, err := run(t, "migrate")
	if err != nil || !strings.HasPrefix(out, "applied ") {
		t.Fatalf("migrate: %q (%v)", out, err)
	}
	if out, err := run(t, "migrate"); err != nil || out != "applied 0 migration(s)\n" {
		t.Fatalf("second migrate should be a no-op: %q (%v)", out, err)
	}

	if _, err := run(t, "create-admin"); err == nil {
		t.Fatalf("create-admin without a password should fail")
	}
	out, err = run(t, "create-admin", "--password", "admin123")
	if err != nil || !strings.Contains(out, "created admin admin") {
		t.Fatalf("create-admin: %q (%v)", out, err)
	}

	out, err = run(t, "seed")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 5 || !strings.HasPrefix(lines[0], "RE-") {
		t.Fatalf("unexpected seed output %q", out)
	}
	if _, err := run(t, "seed", "--owner", "nobody"); err == nil {
		t.Fatalf("seeding for an unknown owner should fail")
	}

	out, err = run(t, "gen-token", "admin")
	if err != nil {
		t.Fatalf("gen-token: %v", err)
	}
	auth := api.NewAuth(api.AuthOptions{Secret: []byte("cli-secret")})
	claims, err := auth.Parse(strings.TrimSpace(out))
	if err != nil || claims.Username != "admin" || claims.UserID == 0 {
		t.Fatalf("token does not verify: %+v (%v)", claims, err)
	}

	out, err = run(t, "columns")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if !strings.Contains(out, "done\t1\n") || !strings.Contains(out, "total\t5\n") {
		t.Fatalf("unexpected column counts %q", out)
	}

	store, err := storage.Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if user, err := store.UserByUsername(context.Background(), "admin"); err != nil || !user.IsAdmin {
		t.Fatalf("admin not persisted: %+v (%v)", user, err)
	}
}

func TestSetActiveAndCleanup(t *testing.T) {
	setupEnv(t)
	if _, err := run(t, "create-admin", "--username", "ops", "--email", "ops@example.com", "--password", "pw"); err != nil {
		t.Fatalf("create-admin: %v", err)
	}

	out, err := run(t, "set-active", "ops", "false")
	if err != nil || out != "ops active=false\n" {
		t.Fatalf("set-active: %q (%v)", out, err)
	}
	if _, err := run(t, "set-active", "ops", "maybe"); err == nil {
		t.Fatalf("expected error for a non-boolean flag")
	}
	if _, err := run(t, "set-active", "ghost", "true"); err == nil {
		t.Fatalf("expected error for an unknown user")
	}

	out, err = run(t, "cleanup-sessions")
	if err != nil || out != "expired 0 session(s)\n" {
		t.Fatalf("cleanup-sessions: %q (%v)", out, err)
	}
}
