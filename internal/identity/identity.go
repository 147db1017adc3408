// Package identity assigns every caller an anonymous session id, carried in
// a signed cookie, which admission control and episode ownership key on.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	CookieName        = "kdapp_session"
	SessionHeaderName = "X-Session-ID"
	sessionQueryParam = "session_id"
	DefaultTokenTTL   = 24 * time.Hour
	issuer            = "kdapp-runtime"
)

type contextKey int

const sessionIDKey contextKey = iota

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

	errInvalidToken = errors.New("invalid session token")
)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns ctx carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// Issuer signs and verifies session tokens with HMAC-SHA256.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret is replaced by a random one,
// which invalidates every token on restart.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for sessionID and its expiry.
func (i *Issuer) Issue(sessionID string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies token and returns its session id.
func (i *Issuer) Parse(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	if !sessionIDPattern.MatchString(claims.Subject) {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// sessionIDOverride lets tooling pick its session explicitly.
func sessionIDOverride(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(sessionQueryParam)
	}
	return sanitizeSessionID(sid)
}

func (i *Issuer) setCookie(w http.ResponseWriter, sessionID string, isDev bool) error {
	token, exp, err := i.Issue(sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(i.ttl.Seconds()),
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return nil
}

// Middleware resolves the session of every request and stores it in the
// context. Callers without a valid cookie get a fresh session.
func Middleware(issuer *Issuer, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDOverride(r)
			if sessionID == "" {
				if c, err := r.Cookie(CookieName); err == nil {
					sessionID, _ = issuer.Parse(c.Value)
				}
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
				if err := issuer.setCookie(w, sessionID, isDev); err != nil {
					http.Error(w, `{"error":"failed to establish session"}`, http.StatusInternalServerError)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sessionID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
