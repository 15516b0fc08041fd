package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"taskboard/domain"
)

// UserStore is the account and session persistence used by Identities.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	UserByID(ctx context.Context, id int64) (domain.User, error)
	UserByUsername(ctx context.Context, username string) (domain.User, error)
	UserByLogin(ctx context.Context, login string) (domain.User, error)
	UserExists(ctx context.Context, username, email string) (bool, error)
	SetUserActive(ctx context.Context, id int64, active bool) error
	StartSession(ctx context.Context, sess *domain.Session) error
	ActiveSessions(ctx context.Context, userID int64) ([]domain.Session, error)
	RevokeSession(ctx context.Context, userID, sessionID int64) error
	EndSessions(ctx context.Context, userID int64) (int64, error)
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)
}

// TokenIssuer signs and verifies access tokens.
type TokenIssuer interface {
	Issue(user domain.User) (token string, expiresAt time.Time, err error)
	Parse(token string) (domain.Claims, error)
}

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token
	User domain.User `json:"user"`
}

// Registration is a new account request.
type Registration struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName *string `json:"full_name"`
	IsActive *bool   `json:"is_active"`
}

// ClientInfo describes where a login came from.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// Identities handles accounts, logins and token verification. It implements
// the credential check used by the realtime registry.
type Identities struct {
	users  UserStore
	tokens TokenIssuer
	hasher PasswordHasher
	log    *log.Logger
	now    func() time.Time
}

// NewIdentities creates the identity service. A nil hasher uses bcrypt at the
// default cost.
func NewIdentities(users UserStore, tokens TokenIssuer, hasher PasswordHasher, logger *log.Logger) *Identities {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Identities{
		users:  users,
		tokens: tokens,
		hasher: hasher,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r Registration) validate() error {
	verr := &domain.ValidationError{}
	if strings.TrimSpace(r.Username) == "" {
		verr.Add("username", "field required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		verr.Add("email", "value is not a valid email address")
	}
	if r.Password == "" {
		verr.Add("password", "field required")
	}
	return verr.OrNil()
}

// Register creates a regular account. Duplicate usernames or emails yield
// domain.ErrConflict.
func (s *Identities) Register(ctx context.Context, r Registration) (domain.User, error) {
	if err := r.validate(); err != nil {
		return domain.User{}, err
	}
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return s.createUser(ctx, r, active, false)
}

// CreateAdmin bootstraps an active administrator.
func (s *Identities) CreateAdmin(ctx context.Context, r Registration) (domain.User, error) {
	if err := r.validate(); err != nil {
		return domain.User{}, err
	}
	return s.createUser(ctx, r, true, true)
}

func (s *Identities) createUser(ctx context.Context, r Registration, active, admin bool) (domain.User, error) {
	taken, err := s.users.UserExists(ctx, strings.TrimSpace(r.Username), strings.TrimSpace(r.Email))
	if err != nil {
		return domain.User{}, err
	}
	if taken {
		return domain.User{}, fmt.Errorf("%w: username or email already registered", domain.ErrConflict)
	}
	hash, err := s.hasher.Hash(r.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hashing password: %w", err)
	}
	u := domain.User{
		Username:     strings.TrimSpace(r.Username),
		Email:        strings.TrimSpace(r.Email),
		FullName:     optional(r.FullName),
		PasswordHash: hash,
		IsActive:     active,
		IsAdmin:      admin,
		CreatedAt:    s.now(),
	}
	if err := s.users.CreateUser(ctx, &u); err != nil {
		return domain.User{}, err
	}
	s.log.WithFields(log.Fields{"user_id": u.ID, "username": u.Username, "admin": admin}).Info("user registered")
	return u, nil
}

// Login authenticates by username or email. Inactive accounts may log in;
// they are refused at mutation time instead. Prior sessions of the user are
// deactivated.
func (s *Identities) Login(ctx context.Context, login, password string, client ClientInfo) (LoginResult, error) {
	user, err := s.users.UserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, domain.ErrNotFound) {
		return LoginResult{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.log.WithFields(log.Fields{"user_id": user.ID}).Warn("login rejected")
		return LoginResult{}, domain.ErrInvalidCredentials
	}

	tok, err := s.issue(user)
	if err != nil {
		return LoginResult{}, err
	}
	sess := domain.Session{
		UserID:    user.ID,
		Token:     tok.AccessToken,
		ExpiresAt: tok.ExpiresAt,
		UserAgent: nonEmpty(client.UserAgent),
		IPAddress: nonEmpty(client.IPAddress),
	}
	if err := s.users.StartSession(ctx, &sess); err != nil {
		return LoginResult{}, err
	}
	s.log.WithFields(log.Fields{"user_id": user.ID, "session_id": sess.ID}).Info("user logged in")
	return LoginResult{Token: tok, User: user}, nil
}

// Logout deactivates every active session of the user.
func (s *Identities) Logout(ctx context.Context, userID int64) error {
	n, err := s.users.EndSessions(ctx, userID)
	if err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"user_id": userID, "sessions": n}).Info("user logged out")
	return nil
}

// Me returns the account behind an identity.
func (s *Identities) Me(ctx context.Context, userID int64) (domain.User, error) {
	return s.users.UserByID(ctx, userID)
}

// Sessions lists the user's active sessions.
func (s *Identities) Sessions(ctx context.Context, userID int64) ([]domain.Session, error) {
	return s.users.ActiveSessions(ctx, userID)
}

// RevokeSession deactivates one session owned by the user.
func (s *Identities) RevokeSession(ctx context.Context, userID, sessionID int64) error {
	return s.users.RevokeSession(ctx, userID, sessionID)
}

// Refresh issues a new token for the user.
func (s *Identities) Refresh(ctx context.Context, userID int64) (Token, error) {
	user, err := s.users.UserByID(ctx, userID)
	if err != nil {
		return Token{}, err
	}
	return s.issue(user)
}

// IssueFor issues a token for username without a password check.
func (s *Identities) IssueFor(ctx context.Context, username string) (Token, error) {
	user, err := s.users.UserByUsername(ctx, username)
	if err != nil {
		return Token{}, err
	}
	return s.issue(user)
}

// SetActive toggles the account's permission to mutate tasks.
func (s *Identities) SetActive(ctx context.Context, username string, active bool) (domain.User, error) {
	user, err := s.users.UserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if err := s.users.SetUserActive(ctx, user.ID, active); err != nil {
		return domain.User{}, err
	}
	user.IsActive = active
	s.log.WithFields(log.Fields{"user_id": user.ID, "active": active}).Info("user activation changed")
	return user, nil
}

// CleanupSessions deactivates sessions past their expiry.
func (s *Identities) CleanupSessions(ctx context.Context) (int64, error) {
	n, err := s.users.ExpireSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.log.WithFields(log.Fields{"sessions": n}).Info("expired sessions cleaned up")
	return n, nil
}

// VerifyToken resolves a bearer token to the identity of an existing user.
// Invalid or expired tokens yield domain.ErrUnauthenticated; a valid token
// for a deleted user yields domain.ErrNotFound.
func (s *Identities) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	var user domain.User
	if claims.UserID != 0 {
		user, err = s.users.UserByID(ctx, claims.UserID)
	} else {
		user, err = s.users.UserByUsername(ctx, claims.Username)
	}
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		UserID:   user.ID,
		Username: user.Username,
		IsActive: user.IsActive,
		IsAdmin:  user.IsAdmin,
	}, nil
}

func (s *Identities) issue(user domain.User) (Token, error) {
	access, expires, err := s.tokens.Issue(user)
	if err != nil {
		return Token{}, fmt.Errorf("issuing token: %w", err)
	}
	return Token{AccessToken: access, TokenType: "bearer", ExpiresAt: expires}, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
