package api

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskboard/domain"
)

const (
	defaultTokenTTL     = 30 * time.Minute
	defaultJWKSCacheTTL = 15 * time.Minute
)

var errNoSigningSecret = errors.New("signing secret not configured")

// Auth issues HS256 access tokens and validates incoming ones. When a JWKS is
// configured, RS256 tokens from that key set are accepted as well.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Secret   []byte
	TokenTTL time.Duration

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// AuthOptions configures NewAuth.
type AuthOptions struct {
	Secret      []byte
	TokenTTL    time.Duration
	JWKS        *keyfunc.JWKS
	Audience    string
	Issuer      string
	KeyCacheTTL time.Duration
}

// NewAuth creates a new Auth instance.
func NewAuth(opts AuthOptions) *Auth {
	a := &Auth{
		JWKS:        opts.JWKS,
		Audience:    opts.Audience,
		Issuer:      opts.Issuer,
		Secret:      opts.Secret,
		TokenTTL:    opts.TokenTTL,
		keyCacheTTL: opts.KeyCacheTTL,
		now:         time.Now,
	}
	if a.TokenTTL <= 0 {
		a.TokenTTL = defaultTokenTTL
	}
	if a.keyCacheTTL <= 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	methods := []string{"HS256"}
	if a.JWKS != nil {
		methods = append(methods, "RS256")
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods(methods))
	return a
}

// Issue signs a token for user carrying its username as subject.
func (a *Auth) Issue(user domain.User) (string, time.Time, error) {
	if len(a.Secret) == 0 {
		return "", time.Time{}, errNoSigningSecret
	}
	now := a.now()
	expires := now.Add(a.TokenTTL)
	claims := jwt.MapClaims{
		"sub":     user.Username,
		"user_id": user.ID,
		"iat":     now.Unix(),
		"exp":     expires.Unix(),
	}
	if a.Issuer != "" {
		claims["iss"] = a.Issuer
	}
	if a.Audience != "" {
		claims["aud"] = a.Audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Parse validates token and returns its claims.
func (a *Auth) Parse(token string) (domain.Claims, error) {
	if token == "" {
		return domain.Claims{}, errBadAuthorization
	}
	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return domain.Claims{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Claims{}, errors.New("invalid claims")
	}

	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return domain.Claims{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return domain.Claims{}, errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return domain.Claims{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return domain.Claims{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Claims{}, errors.New("missing sub")
	}
	userID, err := numericClaim(claims["user_id"])
	if err != nil {
		return domain.Claims{}, err
	}

	out := domain.Claims{Username: sub, UserID: userID}
	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return out, nil
}

func (a *Auth) keyFor(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(a.Secret) == 0 {
			return nil, errNoSigningSecret
		}
		return a.Secret, nil
	default:
		return a.keyForToken(t)
	}
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// numericClaim reads an optional integer claim. Absent claims yield zero.
func numericClaim(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, errors.New("invalid user_id claim")
	}
}
