package portal

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated state for one flow. It is passed explicitly to
// every Client call and is not safe for concurrent use; concurrent flows each
// log in their own session.
type Session struct {
	Token     string
	Jar       http.CookieJar
	IssuedAt  time.Time
	ExpiresAt time.Time
	ClubID    int64
	BaseURL   string
	Member    string
}

func newSession(baseURL string, clubID int64, now time.Time) *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{Jar: jar, BaseURL: baseURL, ClubID: clubID, IssuedAt: now}
}

// ExpiresWithin reports whether the token expires before now+d. Sessions whose
// token carries no expiry never report expiry.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s == nil || s.Token == "" {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}

// tokenExpiry reads the exp claim without verifying the signature; the portal
// signs the token, we only need to know when to refresh.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

type urgentKey struct{}

// Urgent marks ctx so that request pacing uses only a small jitter instead of
// the normal human-like delay.
func Urgent(ctx context.Context) context.Context {
	return context.WithValue(ctx, urgentKey{}, true)
}

func IsUrgent(ctx context.Context) bool {
	v, _ := ctx.Value(urgentKey{}).(bool)
	return v
}
