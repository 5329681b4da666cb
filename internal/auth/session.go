package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"restpipe/internal/apierror"
	"restpipe/internal/storage"
)

// HeaderCSRFToken carries the CSRF token on unsafe session requests.
const HeaderCSRFToken = "X-CSRF-Token"

// SessionAuthenticator accepts a signed session cookie issued by Issue.
// Requests with unsafe methods must also echo the session's CSRF token in the
// X-CSRF-Token header.
type SessionAuthenticator struct {
	users  UserStore
	secret []byte
	cookie string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionAuthenticator signs cookies named cookie with secret.
func NewSessionAuthenticator(users UserStore, secret []byte, cookie string, ttl time.Duration) *SessionAuthenticator {
	return &SessionAuthenticator{users: users, secret: secret, cookie: cookie, ttl: ttl, now: time.Now}
}

// Issue creates a session cookie for userID and the CSRF token bound to it.
func (s *SessionAuthenticator) Issue(userID string) (*http.Cookie, string) {
	expires := s.now().Add(s.ttl)
	payload := base64.RawURLEncoding.EncodeToString(
		[]byte(userID + "|" + strconv.FormatInt(expires.Unix(), 10)))
	value := payload + "." + s.sign("session|"+payload)
	return &http.Cookie{
		Name:     s.cookie,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, s.csrfToken(value)
}

// Clear returns a cookie that removes the session from the browser. The
// signed value stays valid until it expires.
func (s *SessionAuthenticator) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     s.cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *SessionAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return nil, nil
	}

	userID, reason := s.verify(c.Value)
	if reason != "" {
		return nil, apierror.NewAuthenticationFailed(reason)
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewAuthenticationFailed("User inactive or deleted.")
		}
		return nil, fmt.Errorf("look up session user: %w", err)
	}
	if !u.Enabled {
		return nil, apierror.NewAuthenticationFailed("User inactive or deleted.")
	}

	if !safeMethod(r.Method) {
		token := r.Header.Get(HeaderCSRFToken)
		if !hmac.Equal([]byte(token), []byte(s.csrfToken(c.Value))) {
			return nil, apierror.NewPermissionDenied("CSRF Failed: CSRF token missing or incorrect.")
		}
	}
	return userIdentity(u, MethodSession), nil
}

// verify checks the cookie signature and expiry. A non-empty reason means
// the session was rejected.
func (s *SessionAuthenticator) verify(value string) (userID, reason string) {
	const invalid = "Invalid session."
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(s.sign("session|"+payload))) {
		return "", invalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", invalid
	}
	userID, exp, ok := strings.Cut(string(raw), "|")
	if !ok || userID == "" {
		return "", invalid
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", invalid
	}
	if !s.now().Before(time.Unix(expUnix, 0)) {
		return "", "Session expired."
	}
	return userID, ""
}

func (s *SessionAuthenticator) sign(msg string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *SessionAuthenticator) csrfToken(cookieValue string) string {
	return s.sign("csrf|" + cookieValue)
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
