package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Store checks the single dashboard user and issues signed, encrypted session
// cookies.
type Store struct {
	sc           *securecookie.SecureCookie
	username     string
	passwordHash string
	clock        func() time.Time
}

type ctxKey string

const userKey ctxKey = "user"

const (
	cookieName = "gymsniper_session"
	sessionTTL = 14 * 24 * time.Hour
)

func NewStore(username, passwordHash string, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	// keep cookie small and secure
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, username: username, passwordHash: passwordHash, clock: time.Now}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) Authenticate(username, password string) error {
	userOK := secureEq(username, s.username)
	// always run bcrypt so a wrong username costs the same as a wrong password
	passOK := s.passwordHash != "" && CheckPassword(s.passwordHash, password)
	if !userOK || !passOK {
		return ErrInvalidCredentials
	}
	return nil
}

type Session struct {
	User      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type cookieValue struct {
	User     string `json:"u"`
	IssuedAt int64  `json:"iat"`
	Version  int    `json:"v"`
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, user string) error {
	encoded, err := s.sc.Encode(cookieName, cookieValue{User: user, IssuedAt: s.clock().Unix(), Version: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil, // ok for local http; secure in https
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var val cookieValue
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	// the configured user may have changed since the cookie was issued
	if val.User == "" || !secureEq(val.User, s.username) {
		return Session{}, false
	}
	issued := time.Unix(val.IssuedAt, 0)
	return Session{User: val.User, IssuedAt: issued, ExpiresAt: issued.Add(sessionTTL)}, true
}

func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, sess.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey).(string)
	return u, ok
}

func secureEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
