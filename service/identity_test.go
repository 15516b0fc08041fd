package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"

	"taskboard/domain"
	"taskboard/storage"
	"taskboard/storage/storagetest"
)

type fakeTokens struct {
	mu     sync.Mutex
	n      int
	issued map[string]domain.Claims
}

func (f *fakeTokens) Issue(user domain.User) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issued == nil {
		f.issued = make(map[string]domain.Claims)
	}
	f.n++
	tok := fmt.Sprintf("token-%d", f.n)
	exp := time.Now().Add(30 * time.Minute)
	f.issued[tok] = domain.Claims{Username: user.Username, UserID: user.ID, ExpiresAt: exp}
	return tok, exp, nil
}

func (f *fakeTokens) Parse(token string) (domain.Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.issued[token]
	if !ok {
		return domain.Claims{}, errors.New("signature is invalid")
	}
	return c, nil
}

func newTestIdentities(t *testing.T) (*Identities, *storage.Storage) {
	t.Helper()
	store := storagetest.NewStore(t)
	logger, _ := test.NewNullLogger()
	return NewIdentities(store, &fakeTokens{}, BcryptHasher{Cost: bcrypt.MinCost}, logger), store
}

func TestRegisterAndLogin(t *testing.T) {
	ids, store := newTestIdentities(t)
	ctx := context.Background()

	inactive := false
	user, err := ids.Register(ctx, Registration{Username: "carol", Email: "carol@example.com", Password: "s3cret", IsActive: &inactive})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.ID == 0 || user.IsActive || user.IsAdmin || user.PasswordHash == "s3cret" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := ids.Register(ctx, Registration{Username: "carol", Email: "other@example.com", Password: "x"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var verr *domain.ValidationError
	if _, err := ids.Register(ctx, Registration{Username: "", Email: "nope", Password: ""}); !errors.As(err, &verr) || len(verr.Fields) != 3 {
		t.Fatalf("expected three field errors, got %v", err)
	}

	if _, err := ids.Login(ctx, "carol", "wrong", ClientInfo{}); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := ids.Login(ctx, "nobody", "s3cret", ClientInfo{}); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	first, err := ids.Login(ctx, "carol", "s3cret", ClientInfo{UserAgent: "test", IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("inactive users may log in: %v", err)
	}
	if first.TokenType != "bearer" || first.AccessToken == "" || first.User.Username != "carol" {
		t.Fatalf("unexpected login result %+v", first)
	}
	if _, err := ids.Login(ctx, "carol@example.com", "s3cret", ClientInfo{}); err != nil {
		t.Fatalf("login by email: %v", err)
	}

	sessions, err := ids.Sessions(ctx, user.ID)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].UserAgent != nil {
		t.Fatalf("only the latest session should stay active, got %+v", sessions)
	}

	// Session records are informational: the first token still verifies.
	ident, err := ids.VerifyToken(ctx, first.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ident.UserID != user.ID || ident.IsActive {
		t.Fatalf("unexpected identity %+v", ident)
	}

	if err := ids.Logout(ctx, user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if sessions, _ := store.ActiveSessions(ctx, user.ID); len(sessions) != 0 {
		t.Fatalf("logout should end every session")
	}
}

func TestVerifyTokenFailures(t *testing.T) {
	ids, store := newTestIdentities(t)
	ctx := context.Background()

	if _, err := ids.VerifyToken(ctx, "forged"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	ghost := domain.User{ID: 4242, Username: "ghost"}
	tok, _, _ := ids.tokens.Issue(ghost)
	if _, err := ids.VerifyToken(ctx, tok); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a deleted user, got %v", err)
	}

	u := storagetest.CreateUser(t, store, "dave", true)
	issued, err := ids.IssueFor(ctx, "dave")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ident, err := ids.VerifyToken(ctx, issued.AccessToken)
	if err != nil || ident.UserID != u.ID || !ident.IsActive {
		t.Fatalf("unexpected identity %+v (%v)", ident, err)
	}

	// Tokens carrying only a subject resolve by username.
	subjectOnly, _, _ := ids.tokens.Issue(domain.User{Username: "dave"})
	if ident, err := ids.VerifyToken(ctx, subjectOnly); err != nil || ident.UserID != u.ID {
		t.Fatalf("subject-only token: %+v (%v)", ident, err)
	}

	refreshed, err := ids.Refresh(ctx, u.ID)
	if err != nil || refreshed.AccessToken == issued.AccessToken {
		t.Fatalf("refresh should issue a new token: %+v (%v)", refreshed, err)
	}
}

func TestAdminAndActivation(t *testing.T) {
	ids, _ := newTestIdentities(t)
	ctx := context.Background()

	admin, err := ids.CreateAdmin(ctx, Registration{Username: "admin", Email: "admin@example.com", Password: "admin123"})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if !admin.IsAdmin || !admin.IsActive {
		t.Fatalf("unexpected admin %+v", admin)
	}
	if _, err := ids.CreateAdmin(ctx, Registration{Username: "admin", Email: "admin@example.com", Password: "x"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on second admin, got %v", err)
	}

	off, err := ids.SetActive(ctx, "admin", false)
	if err != nil || off.IsActive {
		t.Fatalf("deactivate: %+v (%v)", off, err)
	}
	me, err := ids.Me(ctx, admin.ID)
	if err != nil || me.IsActive {
		t.Fatalf("deactivation not persisted: %+v (%v)", me, err)
	}
	if _, err := ids.SetActive(ctx, "nobody", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeAndCleanupSessions(t *testing.T) {
	ids, store := newTestIdentities(t)
	ctx := context.Background()
	user, err := ids.Register(ctx, Registration{Username: "erin", Email: "erin@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := ids.Login(ctx, "erin", "pw", ClientInfo{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	sessions, _ := ids.Sessions(ctx, user.ID)
	if err := ids.RevokeSession(ctx, user.ID, sessions[0].ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := ids.RevokeSession(ctx, user.ID+1, sessions[0].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("revoking another user's session should be not found, got %v", err)
	}

	expired := domain.Session{UserID: user.ID, Token: "old", ExpiresAt: time.Now().Add(-time.Hour)}
	if err := store.StartSession(ctx, &expired); err != nil {
		t.Fatalf("start session: %v", err)
	}
	n, err := ids.CleanupSessions(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired session, got %d (%v)", n, err)
	}
}
